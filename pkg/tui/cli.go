// Package tui renders CLI output: headers, per-container progress and the
// download summary. Plain streaming output, no full-screen UI.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/logflow/logrecon/pkg/reconstruct"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warning = lipgloss.Color("#FFAA00")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warning)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

// Printer writes styled output to one stream.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

// NewPrinter creates a printer. A quiet printer drops progress output but
// still prints summaries.
func NewPrinter(out io.Writer, quiet bool) *Printer {
	return &Printer{out: out, quiet: quiet}
}

// Header prints the tool banner.
func (p *Printer) Header(version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, titleStyle.Render("  LOGRECON")+mutedStyle.Render(" "+version))
	fmt.Fprintln(p.out, mutedStyle.Render("  Ordered log download from a search backend"))
	fmt.Fprintln(p.out)
}

// Section prints a highlighted heading.
func (p *Printer) Section(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, accentStyle.Render("▸ "+strings.ToUpper(title)))
}

// Field prints a label and a value.
func (p *Printer) Field(label, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  %s %s\n", mutedStyle.Render(label+":"), titleStyle.Render(value))
}

// Code prints a block of machine-readable text.
func (p *Printer) Code(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, codeStyle.Render(text))
}

// Success prints a check-marked line.
func (p *Printer) Success(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, successStyle.Render("  ✓ ")+msg)
}

// Failure prints a cross-marked line.
func (p *Printer) Failure(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, accentStyle.Render("  ✗ ")+msg)
}

// Progress shows lines written for one container.
type Progress struct {
	bar *progressbar.ProgressBar
}

// Progress starts a spinner for name. The total is unknown, so the bar counts
// lines written.
func (p *Printer) Progress(name string) *Progress {
	if p.quiet {
		return &Progress{}
	}
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("lines"),
		progressbar.OptionShowIts(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// Update is a reconstruct progress callback.
func (pr *Progress) Update(r reconstruct.Result) {
	if pr.bar == nil {
		return
	}
	pr.bar.Set64(r.Emitted)
}

// Done clears the spinner.
func (pr *Progress) Done() {
	if pr.bar == nil {
		return
	}
	pr.bar.Finish()
}

// PodResult is one container's outcome for the summary.
type PodResult struct {
	Pod    string
	Target string
	Result reconstruct.Result
	Err    error
}

// Summary prints one line per container and the totals.
func (p *Printer) Summary(results []PodResult, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lines int64
	failed := 0
	fmt.Fprintln(p.out)
	for _, r := range results {
		lines += r.Result.Emitted
		if r.Err != nil {
			failed++
			fmt.Fprintf(p.out, "  %s %s %s\n", accentStyle.Render("✗"), titleStyle.Render(r.Pod), mutedStyle.Render(r.Err.Error()))
			if r.Result.Emitted > 0 {
				fmt.Fprintf(p.out, "    %s\n", mutedStyle.Render(fmt.Sprintf("partial: %s lines in %s", formatNumber(r.Result.Emitted), r.Target)))
			}
			continue
		}

		detail := fmt.Sprintf("%s lines, %d pages, %s",
			formatNumber(r.Result.Emitted), r.Result.Pages, formatDuration(r.Result.Duration))
		fmt.Fprintf(p.out, "  %s %s %s %s\n", successStyle.Render("✓"), titleStyle.Render(r.Pod), mutedStyle.Render("→"), r.Target)
		fmt.Fprintf(p.out, "    %s\n", mutedStyle.Render(detail))
		if r.Result.Unresolved > 0 {
			fmt.Fprintf(p.out, "    %s\n", warnStyle.Render(fmt.Sprintf("%d entries never became contiguous and were not written", r.Result.Unresolved)))
		}
		if r.Result.Resumed {
			fmt.Fprintf(p.out, "    %s\n", mutedStyle.Render("resumed from checkpoint"))
		}
	}

	fmt.Fprintln(p.out, mutedStyle.Render("  ─────────────────────────────────────"))
	status := successStyle.Render("DOWNLOAD COMPLETE")
	if failed > 0 {
		status = accentStyle.Render(fmt.Sprintf("%d OF %d FAILED", failed, len(results)))
	}
	fmt.Fprintf(p.out, "  %s %s\n", status,
		mutedStyle.Render(fmt.Sprintf("(%s lines, %s)", formatNumber(lines), formatDuration(elapsed))))
	fmt.Fprintln(p.out)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
