// Package sink writes reconstructed log lines to their destination.
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/logflow/logrecon/internal/model"
	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// Sink receives lines in producer order.
type Sink interface {
	// WriteLine appends one line. The sink adds the line terminator.
	WriteLine(ctx context.Context, line string) error

	// Close flushes buffered data and releases resources.
	Close(ctx context.Context) error
}

// Header returns the opening line written before a container's log.
func Header(name, target string) string {
	return fmt.Sprintf("Downloading '%s' to '%s'.", name, target)
}

// MultiSink fans every line out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// WriteLine writes to every sink and stops at the first error.
func (m *MultiSink) WriteLine(ctx context.Context, line string) error {
	for _, s := range m.sinks {
		if err := s.WriteLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// WriteEntry forwards entries to sinks that keep sequence numbers.
func (m *MultiSink) WriteEntry(ctx context.Context, e model.LogEntry) error {
	for _, s := range m.sinks {
		var err error
		if ew, ok := s.(interface {
			WriteEntry(context.Context, model.LogEntry) error
		}); ok {
			err = ew.WriteEntry(ctx, e)
		} else {
			err = s.WriteLine(ctx, e.Message)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the combined errors.
func (m *MultiSink) Close(ctx context.Context) error {
	var errs rerrors.MultiError
	for _, s := range m.sinks {
		errs.Add(s.Close(ctx))
	}
	return errs.Combined()
}

// MemorySink keeps lines in memory.
type MemorySink struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteLine appends line.
func (m *MemorySink) WriteLine(_ context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return rerrors.New(rerrors.CodeWriteFailed, "sink is closed")
	}
	m.lines = append(m.lines, line)
	return nil
}

// Close marks the sink closed.
func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Lines returns a copy of the written lines.
func (m *MemorySink) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// Log returns the written lines as a DownloadedLog.
func (m *MemorySink) Log() *DownloadedLog {
	return NewDownloadedLog("memory", m.Lines())
}

var (
	_ Sink = (*MultiSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
