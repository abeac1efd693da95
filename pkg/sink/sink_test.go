package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/logflow/logrecon/internal/model"
	rerrors "github.com/logflow/logrecon/pkg/errors"
	s3store "github.com/logflow/logrecon/pkg/storage/s3"
	"github.com/logflow/logrecon/pkg/testing/fakes3"
)

func TestHeader(t *testing.T) {
	got := Header("codex-1", "/logs/codex-1.log")
	want := "Downloading 'codex-1' to '/logs/codex-1.log'."
	if got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}

func TestFileSink_AppendsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "pod.log")

	s, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	s.WriteLine(ctx, Header("pod", path))
	s.WriteLine(ctx, "a count=1")
	if s.Lines() != 2 {
		t.Errorf("Lines() = %d, want 2", s.Lines())
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}

	s, err = NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	s.WriteLine(ctx, "b count=2")
	s.Close(ctx)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := Header("pod", path) + "\na count=1\nb count=2\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileSink(filepath.Join(t.TempDir(), "x.log"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close(ctx)
	if err := s.WriteLine(ctx, "late"); !rerrors.IsCode(err, rerrors.CodeWriteFailed) {
		t.Errorf("WriteLine after Close error = %v, want %s", err, rerrors.CodeWriteFailed)
	}
}

func TestFileSink_SizeCountsFlushedBytes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pod.log")
	if err := os.WriteFile(path, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	if s.Size() != 4 {
		t.Errorf("Size() on open = %d, want 4", s.Size())
	}
	s.WriteLine(ctx, "a count=1")
	if s.Size() != 4 {
		t.Errorf("Size() with buffered line = %d, want 4", s.Size())
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.Size() != 14 {
		t.Errorf("Size() after Flush = %d, want 14", s.Size())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != s.Size() {
		t.Errorf("file holds %d bytes, Size() = %d", info.Size(), s.Size())
	}
}

func TestCreateFileSink_Truncates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pod.log")
	if err := os.WriteFile(path, []byte("stale count=9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := CreateFileSink(path)
	if err != nil {
		t.Fatalf("CreateFileSink: %v", err)
	}
	s.WriteLine(ctx, "a count=1")
	s.Close(ctx)

	data, _ := os.ReadFile(path)
	if string(data) != "a count=1\n" {
		t.Errorf("file = %q, want only the new line", data)
	}
}

func TestResumeFileSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pod.log")
	kept := "a count=1\nb count=2\n"
	if err := os.WriteFile(path, []byte(kept+"c count=3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := ResumeFileSink(path, int64(len(kept)))
	if err != nil {
		t.Fatalf("ResumeFileSink: %v", err)
	}
	s.WriteLine(ctx, "c count=3")
	s.WriteLine(ctx, "d count=4")
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	want := kept + "c count=3\nd count=4\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}

	if _, err := ResumeFileSink(path, int64(len(want))+1); !rerrors.IsCode(err, rerrors.CodeSinkOpen) {
		t.Errorf("ResumeFileSink past the end error = %v, want %s", err, rerrors.CodeSinkOpen)
	}
}

type failingSink struct {
	closeErr error
	closed   bool
}

func (f *failingSink) WriteLine(context.Context, string) error { return errors.New("write refused") }
func (f *failingSink) Close(context.Context) error {
	f.closed = true
	return f.closeErr
}

func TestMultiSink(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemorySink(), NewMemorySink()
	m := NewMultiSink(a, b)

	m.WriteLine(ctx, "one")
	m.WriteEntry(ctx, model.LogEntry{Sequence: 2, Message: "two"})
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, s := range []*MemorySink{a, b} {
		if got := strings.Join(s.Lines(), ","); got != "one,two" {
			t.Errorf("lines = %q, want one,two", got)
		}
	}
}

func TestMultiSink_ErrorsAndCloseAll(t *testing.T) {
	ctx := context.Background()
	bad := &failingSink{closeErr: errors.New("close failed")}
	good := NewMemorySink()
	m := NewMultiSink(bad, good)

	if err := m.WriteLine(ctx, "x"); err == nil {
		t.Error("WriteLine should return the first error")
	}
	if len(good.Lines()) != 0 {
		t.Error("later sinks should not see a line after an error")
	}
	if err := m.Close(ctx); err == nil || !strings.Contains(err.Error(), "close failed") {
		t.Errorf("Close error = %v", err)
	}
	if !bad.closed {
		t.Error("every sink should be closed")
	}
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	s.WriteLine(ctx, "alpha count=1")
	s.WriteLine(ctx, "beta count=2")
	s.Close(ctx)

	if err := s.WriteLine(ctx, "late"); err == nil {
		t.Error("WriteLine after Close should fail")
	}
	if !s.Log().Contains("beta") {
		t.Error("Log() should contain written lines")
	}
}

func TestParquetFileSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "pod.parquet")

	cfg := DefaultParquetConfig()
	cfg.BatchSize = 2
	s, err := NewParquetFileSink(path, cfg)
	if err != nil {
		t.Fatalf("NewParquetFileSink: %v", err)
	}

	entries := []model.LogEntry{
		{Sequence: 10, Message: "a count=10"},
		{Sequence: 11, Message: "b count=11"},
		{Sequence: 12, Message: "c count=12"},
	}
	for _, e := range entries {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.RowsWritten() != 3 {
		t.Errorf("RowsWritten() = %d, want 3", s.RowsWritten())
	}

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("OpenParquetFile: %v", err)
	}
	defer rdr.Close()

	if rdr.NumRows() != 3 {
		t.Fatalf("NumRows() = %d, want 3", rdr.NumRows())
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		t.Fatal(err)
	}
	table, err := fr.ReadTable(ctx)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	defer table.Release()

	if table.Schema().Field(0).Name != "sequence" || table.Schema().Field(1).Name != "message" {
		t.Errorf("schema = %v", table.Schema())
	}

	var messages []string
	for _, chunk := range table.Column(1).Data().Chunks() {
		col := chunk.(*array.String)
		for i := 0; i < col.Len(); i++ {
			messages = append(messages, col.Value(i))
		}
	}
	if got := strings.Join(messages, "|"); got != "a count=10|b count=11|c count=12" {
		t.Errorf("messages = %q", got)
	}
}

func TestS3Sink_SmallObject(t *testing.T) {
	ctx := context.Background()
	fake := fakes3.New()
	client := s3store.New(fake, s3store.DefaultConfig("logs", "us-east-1"))

	s := NewS3Sink(client, "run/pod.log")
	if s.URL() != "s3://logs/run/pod.log" {
		t.Errorf("URL() = %q", s.URL())
	}
	s.WriteLine(ctx, "a count=1")
	s.WriteLine(ctx, "b count=2")
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, ok := fake.Object("logs", "run/pod.log")
	if !ok {
		t.Fatal("object was not written")
	}
	if string(data) != "a count=1\nb count=2\n" {
		t.Errorf("object = %q", data)
	}
	if fake.Calls["CreateMultipartUpload"] != 0 {
		t.Error("small objects should use a single PUT")
	}

	log, err := OpenS3Log(ctx, client, "run/pod.log")
	if err != nil {
		t.Fatalf("OpenS3Log: %v", err)
	}
	if !log.Contains("b count=2") || log.Name() != "s3://logs/run/pod.log" {
		t.Errorf("log = %v (%s)", log.Lines(), log.Name())
	}
}

func TestParquetS3Sink(t *testing.T) {
	ctx := context.Background()
	fake := fakes3.New()
	client := s3store.New(fake, s3store.DefaultConfig("logs", ""))

	s, err := NewParquetS3Sink(ctx, client, "pod.parquet", DefaultParquetConfig())
	if err != nil {
		t.Fatal(err)
	}
	s.WriteEntry(ctx, model.LogEntry{Sequence: 1, Message: "count=1"})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, ok := fake.Object("logs", "pod.parquet")
	if !ok {
		t.Fatal("object was not written")
	}
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("object is not a parquet file (%d bytes)", len(data))
	}
}

func TestDownloadedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pod.log")
	content := "Downloading 'pod' to 'pod.log'.\nINF started count=1\nWRN slow peer count=2\nINF started again count=3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	if len(log.Lines()) != 4 {
		t.Errorf("Lines() = %d, want 4", len(log.Lines()))
	}
	if !log.Contains("slow peer") {
		t.Error("Contains(slow peer) = false")
	}
	if log.Contains("panic") {
		t.Error("Contains(panic) = true")
	}
	if got := log.FindLines("started"); len(got) != 2 {
		t.Errorf("FindLines(started) = %v, want 2 lines", got)
	}
	if got := log.Missing("count=2", "count=9"); len(got) != 1 || got[0] != "count=9" {
		t.Errorf("Missing() = %v, want [count=9]", got)
	}
}

func TestOpenLog_Missing(t *testing.T) {
	_, err := OpenLog(filepath.Join(t.TempDir(), "absent.log"))
	if !rerrors.IsCode(err, rerrors.CodeSinkOpen) {
		t.Errorf("error = %v, want %s", err, rerrors.CodeSinkOpen)
	}
}
