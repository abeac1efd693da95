// Package telemetry provides metrics and OpenTelemetry tracing for logrecon.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics exports counters and timings to a monitoring backend.
type Metrics interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names reported by the reconstruction driver.
const (
	MetricPagesFetched      = "logrecon.pages.fetched"
	MetricHitsFetched       = "logrecon.hits.fetched"
	MetricEntriesEmitted    = "logrecon.entries.emitted"
	MetricEntriesStale      = "logrecon.entries.stale"
	MetricEntriesMalformed  = "logrecon.entries.malformed"
	MetricEntriesUnresolved = "logrecon.entries.unresolved"
	MetricQueueDepth        = "logrecon.queue.depth"
	MetricRunDuration       = "logrecon.run.duration"
	MetricRunFailed         = "logrecon.run.failed"
)

// LogMetrics writes metrics through a structured logger.
type LogMetrics struct {
	mu         sync.Mutex
	logger     *slog.Logger
	level      slog.Level
	buffer     []string
	bufferSize int
}

// LogMetricsOption configures LogMetrics.
type LogMetricsOption func(*LogMetrics)

// WithLevel sets the log level metrics are written at.
func WithLevel(level slog.Level) LogMetricsOption {
	return func(m *LogMetrics) {
		m.level = level
	}
}

// WithBufferSize batches metric lines until size lines are pending.
func WithBufferSize(size int) LogMetricsOption {
	return func(m *LogMetrics) {
		m.bufferSize = size
	}
}

// NewLogMetrics creates a log-backed metrics exporter.
func NewLogMetrics(logger *slog.Logger, opts ...LogMetricsOption) *LogMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &LogMetrics{
		logger: logger.With("component", "metrics"),
		level:  slog.LevelDebug,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Counter logs a counter metric.
func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	m.log("counter", name, fmt.Sprintf("%d", value), tags)
}

// Gauge logs a gauge metric.
func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.log("gauge", name, fmt.Sprintf("%.4f", value), tags)
}

// Timer logs a timer metric.
func (m *LogMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	m.log("timer", name, duration.String(), tags)
}

// Flush outputs any buffered metrics.
func (m *LogMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
	return nil
}

// Close flushes the exporter.
func (m *LogMetrics) Close() error {
	return m.Flush()
}

func (m *LogMetrics) flushLocked() {
	for _, line := range m.buffer {
		m.logger.Log(context.Background(), m.level, line)
	}
	m.buffer = nil
}

func (m *LogMetrics) log(metricType, name, value string, tags map[string]string) {
	line := fmt.Sprintf("%s %s=%s%s", metricType, name, value, formatTags(tags))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bufferSize <= 0 {
		m.logger.Log(context.Background(), m.level, line)
		return
	}
	m.buffer = append(m.buffer, line)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, tags[k])
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// Counter does nothing.
func (NoopMetrics) Counter(string, int64, map[string]string) {}

// Gauge does nothing.
func (NoopMetrics) Gauge(string, float64, map[string]string) {}

// Timer does nothing.
func (NoopMetrics) Timer(string, time.Duration, map[string]string) {}

// Flush does nothing.
func (NoopMetrics) Flush() error { return nil }

// Close does nothing.
func (NoopMetrics) Close() error { return nil }

var (
	_ Metrics = (*LogMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
