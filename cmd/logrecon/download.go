package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/logrecon/pkg/checkpoint"
	"github.com/logflow/logrecon/pkg/lifecycle"
	"github.com/logflow/logrecon/pkg/logging"
	"github.com/logflow/logrecon/pkg/reconstruct"
	"github.com/logflow/logrecon/pkg/search"
	"github.com/logflow/logrecon/pkg/sink"
	"github.com/logflow/logrecon/pkg/telemetry"
	"github.com/logflow/logrecon/pkg/tui"
)

// Download flags
var (
	pods              []string
	startFlag         string
	endFlag           string
	outputDir         string
	formatFlag        string
	compressionFlag   string
	s3Bucket          string
	s3Prefix          string
	pageSize          int
	concurrency       int
	checkpointBackend string
	resume            bool
	noHeader          bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download ordered logs for one or more containers",
	Long: `Download the log of each pod within a time range and write it in the order
the container produced it.

Each pod's log is written to <output>/<pod>.log (or .parquet). A failed pod is
logged and reported in the summary; the other pods continue.

Times are RFC 3339 timestamps, "now", or a duration before now (e.g. 2h).

Examples:
  logrecon download --pod codex-1 --start 2h --end now
  logrecon download --pod codex-1 --pod codex-2 --start 2024-05-01T10:00:00Z --end 2024-05-01T12:00:00Z
  logrecon download --pod codex-1 --start 6h --end now --format parquet --s3-bucket test-logs
  logrecon download --pod codex-1 --start 6h --end now --checkpoint-backend file --resume`,
	RunE: runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.StringArrayVarP(&pods, "pod", "p", nil, "Pod name (repeatable, required)")
	f.StringVar(&startFlag, "start", "", "Start of the time range (required)")
	f.StringVar(&endFlag, "end", "now", "End of the time range")
	f.StringVarP(&outputDir, "output", "o", "", "Output directory")
	f.StringVar(&formatFlag, "format", "", "Output format (text, parquet)")
	f.StringVar(&compressionFlag, "compression", "", "Parquet compression (none, snappy, gzip, zstd)")
	f.StringVar(&s3Bucket, "s3-bucket", "", "Upload to this S3 bucket instead of a local directory")
	f.StringVar(&s3Prefix, "s3-prefix", "", "Key prefix for S3 uploads")
	f.IntVar(&pageSize, "page-size", 0, "Hits requested per query")
	f.IntVarP(&concurrency, "concurrency", "j", 0, "Pods downloaded in parallel")
	f.StringVar(&checkpointBackend, "checkpoint-backend", "", "Checkpoint backend (none, file, redis, s3)")
	f.BoolVar(&resume, "resume", false, "Continue interrupted downloads from their checkpoints")
	f.BoolVar(&noHeader, "no-header", false, "Do not write the opening line")

	downloadCmd.MarkFlagRequired("pod")
	downloadCmd.MarkFlagRequired("start")
}

// applyDownloadFlags copies explicitly set download flags over the config.
func applyDownloadFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Lookup("page-size") == nil {
		return
	}
	if flags.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if flags.Changed("format") {
		cfg.Output.Format = formatFlag
	}
	if flags.Changed("compression") {
		cfg.Output.Compression = compressionFlag
	}
	if flags.Changed("s3-bucket") {
		cfg.Output.S3.Bucket = s3Bucket
	}
	if flags.Changed("s3-prefix") {
		cfg.Output.S3.Prefix = s3Prefix
	}
	if flags.Changed("page-size") {
		cfg.Search.PageSize = pageSize
	}
	if flags.Changed("concurrency") {
		cfg.Download.Concurrency = concurrency
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend = checkpointBackend
	}
	if noHeader {
		cfg.Output.Header = false
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	now := time.Now().UTC()
	start, err := parseTime(startFlag, now)
	if err != nil {
		return err
	}
	end, err := parseTime(endFlag, now)
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("--end (%s) must be after --start (%s)", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: logger})
	ctx, stop := shutdown.HandleSignals(cmd.Context())
	defer stop()

	metrics, err := setupTelemetry(ctx, cfg.Telemetry, logger, shutdown)
	if err != nil {
		return err
	}
	backend, err := newCheckpointBackend(ctx, cfg.Checkpoint, shutdown)
	if err != nil {
		return err
	}
	client, err := newSearchClient(cfg.Search, logger)
	if err != nil {
		return err
	}
	out, err := newOutput(ctx, cfg.Output)
	if err != nil {
		return err
	}

	d := &downloader{
		client:   client,
		out:      out,
		backend:  backend,
		metrics:  metrics,
		shutdown: shutdown,
		logger:   logging.Component(logger, "download"),
		printer:  printer,
		start:    start,
		end:      end,
		pageSize: cfg.Search.PageSize,
		header:   cfg.Output.Header,
		resume:   resume,
	}

	printer.Header(version)
	printer.Section("download")
	printer.Field("Backend", client.URL())
	printer.Field("Range", start.Format(time.RFC3339)+" → "+end.Format(time.RFC3339))
	printer.Field("Pods", fmt.Sprintf("%d", len(pods)))

	began := time.Now()
	results := d.downloadAll(ctx, pods, cfg.Download.Concurrency)
	printer.Summary(results, time.Since(began))

	stop()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return failures(results)
}

// failures returns an error when any pod failed.
func failures(results []tui.PodResult) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}

// downloader runs one reconstruction per pod.
type downloader struct {
	client   search.Client
	out      output
	backend  checkpoint.Backend
	metrics  telemetry.Metrics
	shutdown *lifecycle.ShutdownManager
	logger   *slog.Logger
	printer  *tui.Printer

	start, end time.Time
	pageSize   int
	header     bool
	resume     bool
}

// downloadAll runs up to limit pods at a time. Failures are recorded in the
// results, never returned, so one pod cannot stop the others.
func (d *downloader) downloadAll(ctx context.Context, pods []string, limit int) []tui.PodResult {
	results := make([]tui.PodResult, len(pods))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pod := range pods {
		i, pod := i, pod
		g.Go(func() error {
			results[i] = d.download(gctx, pod)
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *downloader) download(ctx context.Context, pod string) tui.PodResult {
	res := tui.PodResult{Pod: pod, Target: d.out.target(pod)}
	logger := d.logger.With(logging.PodKey, pod)

	if !d.shutdown.StartRun() {
		res.Err = fmt.Errorf("shutting down")
		return res
	}
	defer d.shutdown.EndRun()

	cp, err := d.prepareCheckpoint(ctx, pod)
	if err != nil {
		logger.Error("failed to load checkpoint", "error", err)
		res.Err = err
		return res
	}
	var resumeFrom *checkpoint.Checkpoint
	if cp != nil && cp.ShouldResume() {
		resumeFrom = cp
	}

	logger.Info("downloading log",
		"start", d.start.Format(time.RFC3339Nano),
		"end", d.end.Format(time.RFC3339Nano),
		"target", res.Target,
		"resume", resumeFrom != nil,
	)

	out, err := d.out.open(ctx, pod, resumeFrom)
	if err != nil {
		logger.Error("failed to open output", "error", err)
		res.Err = err
		return res
	}

	if d.header && d.out.format == "text" && resumeFrom == nil {
		if err := out.WriteLine(ctx, sink.Header(pod, res.Target)); err != nil {
			out.Close(ctx)
			logger.Error("failed to write header", "error", err)
			res.Err = err
			return res
		}
	}

	progress := d.printer.Progress(pod)
	opts := []reconstruct.Option{
		reconstruct.WithPageSize(d.pageSize),
		reconstruct.WithLogger(logger),
		reconstruct.WithMetrics(d.metrics, map[string]string{"pod": pod}),
		reconstruct.WithProgress(progress.Update),
	}
	if cp != nil {
		opts = append(opts, reconstruct.WithCheckpoint(d.backend, cp))
	}

	query := search.NewPodQuery(pod, d.start, d.end)
	result, runErr := reconstruct.New(d.client, out, opts...).Run(ctx, query)
	progress.Done()

	closeErr := out.Close(context.WithoutCancel(ctx))
	res.Result = result
	switch {
	case runErr != nil:
		res.Err = runErr
	case closeErr != nil:
		res.Err = closeErr
	}

	if res.Err != nil {
		logger.Error("log download failed", "error", res.Err, "written", result.Emitted)
	} else {
		logger.Info("log download finished", "lines", result.Emitted, "pages", result.Pages, "unresolved", result.Unresolved)
	}
	return res
}

// prepareCheckpoint returns the checkpoint to run with, or nil when
// checkpoints are disabled. A previous run is resumed only when asked to and
// only when its output still holds everything the checkpoint recorded.
func (d *downloader) prepareCheckpoint(ctx context.Context, pod string) (*checkpoint.Checkpoint, error) {
	if d.backend == nil {
		return nil, nil
	}
	id := checkpoint.IDFor(pod, d.start, d.end)

	if d.resume {
		prev, err := d.backend.Load(ctx, id)
		switch {
		case err == nil && prev.ShouldResume() && d.out.canResume(pod, prev):
			return prev, nil
		case err == nil && prev.ShouldResume():
			d.logger.Warn("output cannot be continued, starting over", logging.PodKey, pod, "target", d.out.target(pod))
		case err != nil && !checkpoint.IsNotFound(err):
			return nil, err
		}
	}

	cp := checkpoint.New(id, pod, d.start, d.end, d.out.target(pod))
	if err := d.backend.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// parseTime accepts RFC 3339, "now", or a duration before now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "now" || s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339, \"now\" or a duration such as 2h", s)
}
