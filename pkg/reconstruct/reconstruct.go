// Package reconstruct rebuilds a producer's log stream in sequence order from
// a paginated, unordered search backend.
//
// Each line carries a count=<N> token. Hits are pulled page by page with a
// search_after cursor, parked in a reorder queue and written out as soon as
// they form a contiguous run after the last written line.
package reconstruct

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/logflow/logrecon/internal/model"
	"github.com/logflow/logrecon/pkg/checkpoint"
	rerrors "github.com/logflow/logrecon/pkg/errors"
	"github.com/logflow/logrecon/pkg/search"
	"github.com/logflow/logrecon/pkg/telemetry"
)

// DefaultPageSize is the number of hits requested per query.
const DefaultPageSize = 2000

// Query renders a search body for a page size and cursor.
type Query interface {
	Render(size int, cursor model.Cursor) string
}

// LineWriter receives reconstructed lines in order.
type LineWriter interface {
	WriteLine(ctx context.Context, line string) error
}

// EntryWriter is implemented by sinks that keep the sequence number.
type EntryWriter interface {
	WriteEntry(ctx context.Context, e model.LogEntry) error
}

// Flusher is implemented by buffered sinks. The driver flushes before each
// checkpoint save.
type Flusher interface {
	Flush() error
}

// Sizer reports how many bytes a sink has persisted. The size is recorded in
// every checkpoint so a resumed run can discard output written after it.
type Sizer interface {
	Size() int64
}

// Result summarizes a run.
type Result struct {
	Pages     int
	Hits      int64
	Emitted   int64
	Stale     int64
	Malformed int64

	// Unresolved counts entries still queued when the stream ended. They
	// were never written.
	Unresolved int

	// FirstSequence and LastSequence bound the written range. Valid only
	// when Emitted > 0.
	FirstSequence uint64
	LastSequence  uint64

	// Next is the sequence the driver was waiting for when it stopped.
	// Valid only when Seeded.
	Next   uint64
	Seeded bool

	Cursor   model.Cursor
	Resumed  bool
	Duration time.Duration
}

// Watermark returns the last written sequence number.
func (r Result) Watermark() (uint64, bool) {
	if !r.Seeded || r.Next == 0 {
		return 0, false
	}
	return r.Next - 1, true
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithPageSize sets the page size. Values below 1 are ignored.
func WithPageSize(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics exporter and the tags attached to every metric.
func WithMetrics(m telemetry.Metrics, tags map[string]string) Option {
	return func(r *Reconstructor) {
		if m != nil {
			r.metrics = m
		}
		r.tags = tags
	}
}

// WithCheckpoint persists progress to backend after every page. A resumable
// cp restores the cursor, the next wanted sequence and the queued entries.
func WithCheckpoint(backend checkpoint.Backend, cp *checkpoint.Checkpoint) Option {
	return func(r *Reconstructor) {
		r.backend = backend
		r.checkpoint = cp
	}
}

// WithProgress registers a callback invoked after every page.
func WithProgress(fn func(Result)) Option {
	return func(r *Reconstructor) {
		r.progress = fn
	}
}

// Reconstructor drives one reconstruction. It is single-use and not safe
// for concurrent use.
type Reconstructor struct {
	client search.Client
	sink   LineWriter

	pageSize   int
	logger     *slog.Logger
	metrics    telemetry.Metrics
	tags       map[string]string
	backend    checkpoint.Backend
	checkpoint *checkpoint.Checkpoint
	progress   func(Result)

	queue  *Queue
	cursor model.Cursor
	next   uint64
	seeded bool
	result Result

	// Progress carried over from a resumed checkpoint.
	basePages   int
	baseEmitted int64
}

// New creates a Reconstructor reading from client and writing to sink.
func New(client search.Client, sink LineWriter, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		client:   client,
		sink:     sink,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
		metrics:  telemetry.NoopMetrics{},
		queue:    NewQueue(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconstruct")
	return r
}

// Run pages through query until the backend returns an empty page.
//
// Cancellation is checked between pages. On error the returned Result
// describes everything written before the failure.
func (r *Reconstructor) Run(ctx context.Context, query Query) (Result, error) {
	started := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "reconstruct.run",
		attribute.Int("reconstruct.page_size", r.pageSize))

	r.restore()
	err := r.run(ctx, query)
	res := r.finish(ctx, started, err)

	span.SetAttributes(
		attribute.Int("reconstruct.pages", res.Pages),
		attribute.Int64("reconstruct.emitted", res.Emitted),
		attribute.Int("reconstruct.unresolved", res.Unresolved),
	)
	telemetry.EndSpan(span, err)
	return res, err
}

func (r *Reconstructor) run(ctx context.Context, query Query) error {
	for {
		if err := ctx.Err(); err != nil {
			return rerrors.FromContext(err, "reconstruct")
		}

		page, err := r.client.Search(ctx, query.Render(r.pageSize, r.cursor))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return rerrors.FromContext(ctxErr, "reconstruct")
			}
			return rerrors.SearchFailed(err, r.result.Pages+1).
				WithContext("cursor", r.cursor.String())
		}
		if page.Empty() {
			r.logger.Debug("end of stream", "pages", r.result.Pages, "cursor", r.cursor.String())
			return nil
		}

		r.result.Pages++
		r.result.Hits += int64(page.Len())

		prev := r.cursor
		cursor, advanced := NextCursor(page)
		if advanced {
			r.cursor = cursor
		}

		r.ingest(page)
		if err := r.drain(ctx); err != nil {
			return err
		}

		r.logger.Debug("page processed",
			"page", r.result.Pages,
			"hits", page.Len(),
			"cursor", r.cursor.String(),
			"next", r.next,
			"queued", r.queue.Len(),
		)
		r.metrics.Gauge(telemetry.MetricQueueDepth, float64(r.queue.Len()), r.tags)
		r.save(ctx)
		if r.progress != nil {
			r.progress(r.snapshot())
		}

		// A page without sort values, or a backend that ignores
		// search_after, would return the same page forever.
		if !advanced || (prev.Set && r.cursor == prev) {
			r.logger.Warn("cursor did not advance, stopping",
				"cursor", r.cursor.String(), "page", r.result.Pages)
			return nil
		}
	}
}

// finish records metrics and the final checkpoint state.
func (r *Reconstructor) finish(ctx context.Context, started time.Time, err error) Result {
	res := r.snapshot()
	res.Duration = time.Since(started)

	r.metrics.Counter(telemetry.MetricPagesFetched, int64(res.Pages), r.tags)
	r.metrics.Counter(telemetry.MetricHitsFetched, res.Hits, r.tags)
	r.metrics.Counter(telemetry.MetricEntriesEmitted, res.Emitted, r.tags)
	r.metrics.Counter(telemetry.MetricEntriesStale, res.Stale, r.tags)
	r.metrics.Counter(telemetry.MetricEntriesMalformed, res.Malformed, r.tags)
	r.metrics.Counter(telemetry.MetricEntriesUnresolved, int64(res.Unresolved), r.tags)
	r.metrics.Timer(telemetry.MetricRunDuration, res.Duration, r.tags)
	if err != nil {
		r.metrics.Counter(telemetry.MetricRunFailed, 1, r.tags)
	}

	if res.Unresolved > 0 && err == nil {
		r.logger.Warn("entries left unresolved at end of stream",
			"count", res.Unresolved, "next", res.Next)
	}

	if r.checkpoint != nil && r.backend != nil && r.flush() {
		r.sync()
		if err != nil {
			r.checkpoint.Fail(err)
		} else {
			r.checkpoint.Complete()
		}
		if serr := r.backend.Save(context.WithoutCancel(ctx), r.checkpoint); serr != nil {
			r.logger.Warn("failed to save final checkpoint", "id", r.checkpoint.ID, "error", serr)
		}
	}
	return res
}

// restore loads queued state from a resumable checkpoint.
func (r *Reconstructor) restore() {
	cp := r.checkpoint
	if cp == nil || !cp.ShouldResume() {
		return
	}

	r.cursor = cp.Cursor
	r.next = cp.Next
	r.seeded = cp.Seeded
	for _, e := range cp.Pending {
		r.queue.Push(e)
	}
	r.basePages = cp.Pages
	r.baseEmitted = cp.Emitted
	r.result.Resumed = true
	r.logger.Info("resuming from checkpoint",
		"id", cp.ID,
		"cursor", r.cursor.String(),
		"next", r.next,
		"pending", len(cp.Pending),
		"emitted_before", cp.Emitted,
	)
}

func (r *Reconstructor) ingest(page model.Page) {
	for _, hit := range page.Hits {
		seq, ok := ExtractSequence(hit.Message)
		if !ok {
			r.result.Malformed++
			continue
		}
		r.queue.Push(model.LogEntry{Sequence: seq, Message: hit.Message})
	}

	if !r.seeded {
		if lowest, ok := r.queue.Min(); ok {
			r.next = lowest
			r.seeded = true
		}
	}
}

func (r *Reconstructor) drain(ctx context.Context) error {
	if !r.seeded {
		return nil
	}

	next, stale, err := r.queue.Drain(r.next, func(e model.LogEntry) error {
		if err := r.write(ctx, e); err != nil {
			return err
		}
		if r.result.Emitted == 0 {
			r.result.FirstSequence = e.Sequence
		}
		r.result.Emitted++
		r.result.LastSequence = e.Sequence
		return nil
	})
	r.next = next
	r.result.Stale += int64(stale)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeWriteFailed, "failed to write log line").
			WithContext("sequence", strconv.FormatUint(next, 10))
	}
	return nil
}

func (r *Reconstructor) write(ctx context.Context, e model.LogEntry) error {
	if w, ok := r.sink.(EntryWriter); ok {
		return w.WriteEntry(ctx, e)
	}
	return r.sink.WriteLine(ctx, e.Message)
}

func (r *Reconstructor) snapshot() Result {
	res := r.result
	res.Cursor = r.cursor
	res.Next = r.next
	res.Seeded = r.seeded
	res.Unresolved = r.queue.Len()
	return res
}

// save persists progress. Failures are logged and do not stop the run.
func (r *Reconstructor) save(ctx context.Context) {
	if r.checkpoint == nil || r.backend == nil || !r.flush() {
		return
	}
	r.sync()
	if err := r.backend.Save(ctx, r.checkpoint); err != nil {
		r.logger.Warn("failed to save checkpoint", "id", r.checkpoint.ID, "backend", r.backend.Name(), "error", err)
	}
}

// flush pushes buffered lines to storage. The checkpoint must never claim
// lines the sink has not persisted, so a failed flush skips the save.
func (r *Reconstructor) flush() bool {
	f, ok := r.sink.(Flusher)
	if !ok {
		return true
	}
	if err := f.Flush(); err != nil {
		r.logger.Warn("failed to flush sink, checkpoint not saved", "error", err)
		return false
	}
	return true
}

// sync copies the driver state into the checkpoint.
func (r *Reconstructor) sync() {
	cp := r.checkpoint
	cp.Cursor = r.cursor
	cp.Next = r.next
	cp.Seeded = r.seeded
	cp.Pending = r.queue.Snapshot()
	cp.Pages = r.basePages + r.result.Pages
	cp.Emitted = r.baseEmitted + r.result.Emitted
	if sz, ok := r.sink.(Sizer); ok {
		cp.OutputSize = sz.Size()
	}
	cp.Touch()
}
