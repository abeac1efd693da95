package main

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/logflow/logrecon/pkg/checkpoint"
	"github.com/logflow/logrecon/pkg/config"
	rerrors "github.com/logflow/logrecon/pkg/errors"
	"github.com/logflow/logrecon/pkg/lifecycle"
	"github.com/logflow/logrecon/pkg/search"
	"github.com/logflow/logrecon/pkg/sink"
	s3store "github.com/logflow/logrecon/pkg/storage/s3"
	"github.com/logflow/logrecon/pkg/telemetry"
)

func newSearchClient(c config.SearchConfig, l *slog.Logger) (*search.ElasticClient, error) {
	opts := search.DefaultOptions()
	opts.BaseURL = c.URL
	opts.Index = c.Index
	opts.Username = c.Username
	opts.Password = c.Password
	opts.Timeout = c.Timeout
	opts.MaxRetries = c.Retry.MaxRetries
	opts.MaxElapsedTime = c.Retry.MaxElapsed
	opts.InitialInterval = c.Retry.InitialInterval
	opts.Logger = l
	for k, v := range c.Headers {
		opts.Headers[k] = v
	}
	return search.NewElasticClient(opts)
}

func s3Config(c config.S3Config) s3store.Config {
	sc := s3store.DefaultConfig(c.Bucket, c.Region)
	sc.Endpoint = c.Endpoint
	sc.UsePathStyle = c.PathStyle
	return sc
}

// newCheckpointBackend returns nil when checkpoints are disabled. A configured
// secondary backend receives a copy of every save.
func newCheckpointBackend(ctx context.Context, c config.CheckpointConfig, shutdown *lifecycle.ShutdownManager) (checkpoint.Backend, error) {
	if c.Backend == "" || c.Backend == "none" {
		return nil, nil
	}
	primary, err := openBackend(ctx, c.Backend, c, shutdown)
	if err != nil {
		return nil, err
	}
	if c.Secondary == "" || c.Secondary == "none" {
		return primary, nil
	}
	secondary, err := openBackend(ctx, c.Secondary, c, shutdown)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewMultiBackend(primary, secondary), nil
}

func openBackend(ctx context.Context, name string, c config.CheckpointConfig, shutdown *lifecycle.ShutdownManager) (checkpoint.Backend, error) {
	switch name {
	case "file":
		b, err := checkpoint.NewFileBackend(c.Dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		rc := checkpoint.DefaultRedisConfig(c.Redis.Addr)
		rc.Password = c.Redis.Password
		rc.Database = c.Redis.DB
		rc.TTL = c.Redis.TTL
		if c.Redis.Prefix != "" {
			rc.Prefix = c.Redis.Prefix
		}
		b, err := checkpoint.NewRedisBackend(ctx, rc)
		if err != nil {
			return nil, err
		}
		shutdown.Register("redis", lifecycle.CloseFunc(b.Close))
		return b, nil
	case "s3":
		client, err := s3store.Connect(ctx, s3Config(c.S3))
		if err != nil {
			return nil, err
		}
		sc := checkpoint.DefaultS3Config(c.S3.Bucket)
		if c.S3.Prefix != "" {
			sc.Prefix = c.S3.Prefix
		}
		return checkpoint.NewS3Backend(client.API(), sc), nil
	default:
		return nil, rerrors.InvalidConfig("checkpoint.backend", name)
	}
}

// setupTelemetry installs the tracer provider and returns the metrics sink.
func setupTelemetry(ctx context.Context, c config.TelemetryConfig, l *slog.Logger, shutdown *lifecycle.ShutdownManager) (telemetry.Metrics, error) {
	var metrics telemetry.Metrics = telemetry.NoopMetrics{}
	if c.Metrics {
		metrics = telemetry.NewLogMetrics(l)
	}
	shutdown.Register("metrics", lifecycle.CloseFunc(metrics.Close))

	if !c.Enabled {
		return metrics, nil
	}

	oc := telemetry.DefaultOTLPConfig(c.ServiceName)
	oc.Endpoint = c.Endpoint
	oc.ServiceVersion = version
	oc.SamplingRatio = c.SampleRatio
	stop, err := telemetry.NewOTLPExporter(oc).Init(ctx)
	if err != nil {
		return nil, err
	}
	shutdown.Register("tracer", lifecycle.CloserFunc(stop))
	return metrics, nil
}

// output locates one container's reconstructed log.
type output struct {
	format      string
	compression string
	dir         string
	s3          *s3store.Client
	s3Prefix    string
}

func (o output) ext() string {
	if o.format == "parquet" {
		return ".parquet"
	}
	return ".log"
}

// target returns the file path or s3:// URL for pod.
func (o output) target(pod string) string {
	if o.s3 != nil {
		return o.s3.URL(o.key(pod))
	}
	return filepath.Join(o.dir, pod+o.ext())
}

func (o output) key(pod string) string {
	return path.Join(o.s3Prefix, pod+o.ext())
}

// appendable reports whether a resumed run can continue the existing output.
func (o output) appendable() bool {
	return o.s3 == nil && o.format == "text"
}

// size returns the size of a local output file, or false when there is none.
func (o output) size(pod string) (int64, bool) {
	if o.s3 != nil {
		return 0, false
	}
	info, err := os.Stat(o.target(pod))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// canResume reports whether the output of pod still holds everything cp
// recorded. Anything written after that point is cut off on open.
func (o output) canResume(pod string, cp *checkpoint.Checkpoint) bool {
	if !o.appendable() || cp.OutputSize <= 0 {
		return false
	}
	size, ok := o.size(pod)
	return ok && size >= cp.OutputSize
}

// open creates the sink for pod. A non-nil resume continues local text
// output from resume.OutputSize; otherwise the output starts empty.
func (o output) open(ctx context.Context, pod string, resume *checkpoint.Checkpoint) (sink.Sink, error) {
	pc := sink.DefaultParquetConfig()
	pc.Compression = o.compression

	var (
		s   sink.Sink
		err error
	)
	switch {
	case o.s3 != nil && o.format == "parquet":
		s, err = sink.NewParquetS3Sink(ctx, o.s3, o.key(pod), pc)
	case o.s3 != nil:
		s = sink.NewS3Sink(o.s3, o.key(pod))
	case o.format == "parquet":
		s, err = sink.NewParquetFileSink(o.target(pod), pc)
	case resume != nil:
		s, err = sink.ResumeFileSink(o.target(pod), resume.OutputSize)
	default:
		s, err = sink.CreateFileSink(o.target(pod))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newOutput(ctx context.Context, c config.OutputConfig) (output, error) {
	o := output{
		format:      c.Format,
		compression: c.Compression,
		dir:         c.Dir,
		s3Prefix:    c.S3.Prefix,
	}
	if c.S3.Bucket == "" {
		return o, nil
	}
	client, err := s3store.Connect(ctx, s3Config(c.S3))
	if err != nil {
		return o, err
	}
	o.s3 = client
	return o, nil
}
