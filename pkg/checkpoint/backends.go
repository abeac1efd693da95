package checkpoint

import (
	"context"
)

// MultiBackend writes to a primary and a best-effort secondary backend.
type MultiBackend struct {
	primary   Backend
	secondary Backend
}

// NewMultiBackend creates a backend that writes to both primary and secondary.
func NewMultiBackend(primary, secondary Backend) *MultiBackend {
	return &MultiBackend{
		primary:   primary,
		secondary: secondary,
	}
}

// Save writes to both backends (primary first).
func (m *MultiBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if err := m.primary.Save(ctx, cp); err != nil {
		return err
	}
	// Secondary is best-effort
	_ = m.secondary.Save(ctx, cp)
	return nil
}

// Load reads from primary, falls back to secondary.
func (m *MultiBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.primary.Load(ctx, id)
	if err == nil {
		return cp, nil
	}
	return m.secondary.Load(ctx, id)
}

// Delete removes from both backends.
func (m *MultiBackend) Delete(ctx context.Context, id string) error {
	err := m.primary.Delete(ctx, id)
	_ = m.secondary.Delete(ctx, id)
	return err
}

// List lists from primary only.
func (m *MultiBackend) List(ctx context.Context) ([]*Checkpoint, error) {
	return m.primary.List(ctx)
}

// ListIncomplete lists unfinished checkpoints from primary only.
func (m *MultiBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	return ListIncomplete(ctx, m.primary)
}

// Name returns the combined backend name.
func (m *MultiBackend) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}

var (
	_ Backend          = (*MultiBackend)(nil)
	_ IncompleteLister = (*MultiBackend)(nil)
)
