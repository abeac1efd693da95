package sink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// FileSink appends lines to a local file.
type FileSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	base    int64 // file size when opened
	written int64 // bytes handed to w
	lines   int64
	closed  bool
}

// NewFileSink opens path for appending, creating it and its parent
// directories when needed.
func NewFileSink(path string) (*FileSink, error) {
	f, err := openOutput(path, os.O_APPEND)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to stat output file").
			WithContext("path", path)
	}
	return newFileSink(path, f, info.Size()), nil
}

// CreateFileSink opens path empty, discarding any previous content.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := openOutput(path, os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	return newFileSink(path, f, 0), nil
}

// ResumeFileSink cuts path back to size bytes and appends after that point.
// A file shorter than size is missing lines and is rejected.
func ResumeFileSink(path string, size int64) (*FileSink, error) {
	f, err := openOutput(path, os.O_APPEND)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to stat output file").
			WithContext("path", path)
	}
	if info.Size() < size {
		f.Close()
		return nil, rerrors.New(rerrors.CodeSinkOpen, "output is shorter than its checkpoint").
			WithContext("path", path).
			WithContext("size", info.Size()).
			WithContext("checkpoint_size", size)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to truncate output file").
			WithContext("path", path)
	}
	return newFileSink(path, f, size), nil
}

func openOutput(path string, mode int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to create output directory").
			WithContext("path", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to open output file").
			WithContext("path", path)
	}
	return f, nil
}

func newFileSink(path string, f *os.File, base int64) *FileSink {
	return &FileSink{
		path: path,
		file: f,
		w:    bufio.NewWriterSize(f, 64*1024),
		base: base,
	}
}

// Path returns the output path.
func (s *FileSink) Path() string {
	return s.path
}

// WriteLine appends line and a newline.
func (s *FileSink) WriteLine(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return rerrors.New(rerrors.CodeWriteFailed, "sink is closed").WithContext("path", s.path)
	}
	if _, err := s.w.WriteString(line); err != nil {
		return rerrors.Wrap(err, rerrors.CodeWriteFailed, "failed to write line").WithContext("path", s.path)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return rerrors.Wrap(err, rerrors.CodeWriteFailed, "failed to write line").WithContext("path", s.path)
	}
	s.written += int64(len(line)) + 1
	s.lines++
	return nil
}

// Flush writes buffered lines to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return rerrors.Wrap(err, rerrors.CodeWriteFailed, "failed to flush").WithContext("path", s.path)
	}
	return nil
}

// Size returns the bytes in the file, excluding lines still buffered.
func (s *FileSink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.base + s.written
	}
	return s.base + s.written - int64(s.w.Buffered())
}

// Lines returns how many lines were written through this sink.
func (s *FileSink) Lines() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Close flushes and closes the file.
func (s *FileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return rerrors.Wrap(flushErr, rerrors.CodeSinkClose, "failed to flush output file").WithContext("path", s.path)
	}
	if closeErr != nil {
		return rerrors.Wrap(closeErr, rerrors.CodeSinkClose, "failed to close output file").WithContext("path", s.path)
	}
	return nil
}

var _ Sink = (*FileSink)(nil)
