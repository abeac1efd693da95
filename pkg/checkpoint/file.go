package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

const fileExt = ".checkpoint"

// FileBackend stores checkpoints as JSON files in a directory.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to create checkpoint directory").
			WithContext("dir", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+fileExt)
}

// Save writes the checkpoint atomically (temp file, then rename).
func (b *FileBackend) Save(_ context.Context, cp *Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to marshal checkpoint")
	}

	path := b.path(cp.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to write checkpoint").
			WithContext("path", tempPath)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to rename checkpoint").
			WithContext("path", path)
	}
	return nil
}

// Load reads a checkpoint by ID.
func (b *FileBackend) Load(_ context.Context, id string) (*Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(b.path(id), id)
}

func (b *FileBackend) read(path, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rerrors.CheckpointNotFound(id)
		}
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to read checkpoint").
			WithContext("path", path)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to unmarshal checkpoint").
			WithContext("path", path)
	}
	return &cp, nil
}

// Delete removes a checkpoint file.
func (b *FileBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to delete checkpoint").
			WithContext("id", id)
	}
	return nil
}

// List returns every readable checkpoint in the directory.
func (b *FileBackend) List(_ context.Context) ([]*Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to list checkpoints").
			WithContext("dir", b.dir)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), fileExt)
		cp, err := b.read(filepath.Join(b.dir, entry.Name()), id)
		if err != nil {
			continue // Skip unreadable checkpoints
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// Cleanup removes completed checkpoints older than maxAge.
func (b *FileBackend) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := b.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, cp := range all {
		if cp.Phase == PhaseComplete && cp.UpdatedAt.Before(cutoff) {
			if err := b.Delete(ctx, cp.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Name returns "file".
func (b *FileBackend) Name() string {
	return "file"
}

// MemoryBackend keeps checkpoints in memory. Saved values are copied.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]*Checkpoint
	saves int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]*Checkpoint)}
}

// Save stores a copy of cp.
func (b *MemoryBackend) Save(_ context.Context, cp *Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[cp.ID] = cp.Clone()
	b.saves++
	return nil
}

// Load returns a copy of the stored checkpoint.
func (b *MemoryBackend) Load(_ context.Context, id string) (*Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp, ok := b.items[id]
	if !ok {
		return nil, rerrors.CheckpointNotFound(id)
	}
	return cp.Clone(), nil
}

// Delete removes a checkpoint.
func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, id)
	return nil
}

// List returns copies of all checkpoints.
func (b *MemoryBackend) List(_ context.Context) ([]*Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Checkpoint, 0, len(b.items))
	for _, cp := range b.items {
		out = append(out, cp.Clone())
	}
	return out, nil
}

// Saves returns how many times Save was called.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// Name returns "memory".
func (b *MemoryBackend) Name() string {
	return "memory"
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)
