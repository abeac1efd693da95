// Package checkpoint persists reconstruction progress so an interrupted
// download can resume where it stopped.
//
// A checkpoint holds the pagination cursor, the next wanted sequence number
// and the entries still waiting in the reorder queue. Restoring all three
// keeps the ordering guarantees across restarts.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/logflow/logrecon/internal/model"
	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// Phase is the lifecycle state of a reconstruction run.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Checkpoint tracks one reconstruction run.
type Checkpoint struct {
	// Identification
	ID         string    `json:"id"`
	Pod        string    `json:"pod"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	OutputPath string    `json:"output_path,omitempty"`

	// Progress
	Cursor  model.Cursor     `json:"cursor"`
	Next    uint64           `json:"next"`
	Seeded  bool             `json:"seeded"`
	Pending []model.LogEntry `json:"pending,omitempty"`
	Pages   int              `json:"pages"`
	Emitted int64            `json:"emitted"`

	// OutputSize is the number of bytes the output held when the checkpoint
	// was saved. A resumed run cuts the output back to it before appending.
	OutputSize int64 `json:"output_size"`

	// State
	Phase       Phase      `json:"phase"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// namespace scopes deterministic checkpoint IDs.
var namespace = uuid.MustParse("6f1c3d2a-8e57-4b7e-9a44-3c0f5e2b9d10")

// IDFor derives a stable checkpoint ID from a pod name and time range, so a
// rerun of the same download finds its earlier checkpoint.
func IDFor(pod string, start, end time.Time) string {
	key := pod + "|" + start.UTC().Format(time.RFC3339Nano) + "|" + end.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// New creates a running checkpoint.
func New(id, pod string, start, end time.Time, outputPath string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ID:         id,
		Pod:        pod,
		Start:      start,
		End:        end,
		OutputPath: outputPath,
		Phase:      PhaseRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// ShouldResume returns true if the run stopped after making progress.
func (c *Checkpoint) ShouldResume() bool {
	return c.Phase != PhaseComplete && c.Seeded
}

// Touch updates the modification time.
func (c *Checkpoint) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// Complete marks the run as finished.
func (c *Checkpoint) Complete() {
	now := time.Now().UTC()
	c.Phase = PhaseComplete
	c.Error = ""
	c.UpdatedAt = now
	c.CompletedAt = &now
}

// Fail records a terminal failure. The progress fields are kept for resume.
func (c *Checkpoint) Fail(err error) {
	c.Phase = PhaseFailed
	if err != nil {
		c.Error = err.Error()
	}
	c.Touch()
}

// Duration returns how long the run took, or has been running.
func (c *Checkpoint) Duration() time.Duration {
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	if c.Pending != nil {
		cp.Pending = append([]model.LogEntry(nil), c.Pending...)
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Backend stores checkpoints.
type Backend interface {
	// Save persists a checkpoint, replacing any previous version.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves a checkpoint by ID. A missing checkpoint yields an
	// error for which IsNotFound reports true.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all stored checkpoints.
	List(ctx context.Context) ([]*Checkpoint, error)

	// Name returns the backend name for logging.
	Name() string
}

// IsNotFound reports whether err means the checkpoint does not exist.
func IsNotFound(err error) bool {
	return rerrors.IsCode(err, rerrors.CodeCheckpointNotFound)
}

// IncompleteLister is implemented by backends that index unfinished
// checkpoints and can list them without a full scan.
type IncompleteLister interface {
	ListIncomplete(ctx context.Context) ([]*Checkpoint, error)
}

// ListIncomplete returns the checkpoints of b that have not completed.
func ListIncomplete(ctx context.Context, b Backend) ([]*Checkpoint, error) {
	if l, ok := b.(IncompleteLister); ok {
		return l.ListIncomplete(ctx)
	}
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	return Incomplete(all), nil
}

// Incomplete filters checkpoints that have not completed.
func Incomplete(all []*Checkpoint) []*Checkpoint {
	var out []*Checkpoint
	for _, cp := range all {
		if cp.Phase != PhaseComplete {
			out = append(out, cp)
		}
	}
	return out
}
