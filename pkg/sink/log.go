package sink

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	rerrors "github.com/logflow/logrecon/pkg/errors"
	s3store "github.com/logflow/logrecon/pkg/storage/s3"
)

// maxLineSize bounds a single log line when reading a log back.
const maxLineSize = 4 * 1024 * 1024

// DownloadedLog is a reconstructed log read back for inspection.
type DownloadedLog struct {
	name  string
	lines []string
}

// NewDownloadedLog wraps lines already in memory.
func NewDownloadedLog(name string, lines []string) *DownloadedLog {
	return &DownloadedLog{name: name, lines: lines}
}

// ReadLog reads every line from r.
func ReadLog(name string, r io.Reader) (*DownloadedLog, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to read log").WithContext("log", name)
	}
	return &DownloadedLog{name: name, lines: lines}, nil
}

// OpenLog reads a log from a local file.
func OpenLog(path string) (*DownloadedLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to open log").WithContext("path", path)
	}
	defer f.Close()
	return ReadLog(path, f)
}

// OpenS3Log reads a log object from S3.
func OpenS3Log(ctx context.Context, client *s3store.Client, key string) (*DownloadedLog, error) {
	body, err := client.Reader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return ReadLog(client.URL(key), body)
}

// Name returns where the log was read from.
func (l *DownloadedLog) Name() string {
	return l.name
}

// Lines returns all lines.
func (l *DownloadedLog) Lines() []string {
	return l.lines
}

// Contains reports whether any line contains s.
func (l *DownloadedLog) Contains(s string) bool {
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// FindLines returns the lines that contain s.
func (l *DownloadedLog) FindLines(s string) []string {
	var out []string
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			out = append(out, line)
		}
	}
	return out
}

// Missing returns the strings from want that no line contains.
func (l *DownloadedLog) Missing(want ...string) []string {
	var out []string
	for _, s := range want {
		if !l.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}
