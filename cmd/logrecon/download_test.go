package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/logflow/logrecon/pkg/checkpoint"
	"github.com/logflow/logrecon/pkg/config"
	"github.com/logflow/logrecon/pkg/lifecycle"
	"github.com/logflow/logrecon/pkg/search"
	"github.com/logflow/logrecon/pkg/sink"
	"github.com/logflow/logrecon/pkg/telemetry"
	"github.com/logflow/logrecon/pkg/tui"
)

func TestParseTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in         string
		want       time.Time
		shouldFail bool
	}{
		{"now", now, false},
		{"", now, false},
		{"2h", now.Add(-2 * time.Hour), false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"2024-05-01T10:00:00Z", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"2024-05-01T12:00:00+02:00", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
		{"-2h", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := parseTime(tt.in, now)
		if tt.shouldFail {
			if err == nil {
				t.Errorf("parseTime(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTime(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOutputTargets(t *testing.T) {
	dir := t.TempDir()

	text := output{format: "text", dir: dir}
	if got := text.target("codex-1"); got != dir+"/codex-1.log" {
		t.Errorf("target = %q", got)
	}
	if !text.appendable() {
		t.Error("local text output should be appendable")
	}
	if _, ok := text.size("codex-1"); ok {
		t.Error("size() reported a file before any download")
	}

	pq := output{format: "parquet", dir: dir, s3Prefix: "run-7"}
	if got := pq.target("codex-1"); got != dir+"/codex-1.parquet" {
		t.Errorf("target = %q", got)
	}
	if got := pq.key("codex-1"); got != "run-7/codex-1.parquet" {
		t.Errorf("key = %q", got)
	}
	if pq.appendable() {
		t.Error("parquet output should not be appendable")
	}
}

func TestOutput_CanResume(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "codex-1.log"), []byte("header\ncount=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "codex-1.parquet"), []byte("PAR1"), 0644); err != nil {
		t.Fatal(err)
	}

	text := output{format: "text", dir: dir}
	pq := output{format: "parquet", dir: dir}

	tests := []struct {
		name string
		out  output
		pod  string
		size int64
		want bool
	}{
		{"same size", text, "codex-1", 15, true},
		{"file grew after save", text, "codex-1", 7, true},
		{"file shorter than checkpoint", text, "codex-1", 16, false},
		{"no recorded size", text, "codex-1", 0, false},
		{"missing file", text, "codex-2", 7, false},
		{"parquet", pq, "codex-1", 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &checkpoint.Checkpoint{Seeded: true, OutputSize: tt.size}
			if got := tt.out.canResume(tt.pod, cp); got != tt.want {
				t.Errorf("canResume() = %v, want %v", got, tt.want)
			}
		})
	}
}

// searchServer answers pod queries with search_after paging. Each pod logs
// count=1..lines with sort values 10, 20, 30 and so on.
type searchServer struct {
	*httptest.Server

	mu       sync.Mutex
	lines    int
	failPod  string
	failFrom map[string]int
	requests map[string]int
}

func newSearchServer(t *testing.T, lines int) *searchServer {
	s := &searchServer{lines: lines, failFrom: map[string]int{}, requests: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

type searchBody struct {
	Size        int     `json:"size"`
	SearchAfter []int64 `json:"search_after"`
	Query       struct {
		Bool struct {
			Filter []struct {
				MatchPhrase map[string]string `json:"match_phrase"`
			} `json:"filter"`
		} `json:"bool"`
	} `json:"query"`
}

func (b searchBody) pod() string {
	for _, f := range b.Query.Bool.Filter {
		if p, ok := f.MatchPhrase["pod_name"]; ok {
			return p
		}
	}
	return ""
}

func (s *searchServer) handle(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pod := body.pod()

	s.mu.Lock()
	s.requests[pod]++
	n := s.requests[pod]
	from, limited := s.failFrom[pod]
	s.mu.Unlock()

	if pod == s.failPod || (limited && n >= from) {
		http.Error(w, `{"error":"index closed"}`, http.StatusBadRequest)
		return
	}

	type hit struct {
		Sort   []int64             `json:"sort"`
		Fields map[string][]string `json:"fields"`
	}
	hits := []hit{}
	for seq := 1; seq <= s.lines && len(hits) < body.Size; seq++ {
		v := int64(seq * 10)
		if len(body.SearchAfter) > 0 && v <= body.SearchAfter[0] {
			continue
		}
		hits = append(hits, hit{
			Sort:   []int64{v},
			Fields: map[string][]string{"message": {fmt.Sprintf("%s tick count=%d", pod, seq)}},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"hits": map[string]interface{}{"hits": hits}})
}

// failAt makes every request for pod from the nth on fail.
func (s *searchServer) failAt(pod string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[pod] = 0
	s.failFrom[pod] = n
}

func (s *searchServer) recover(pod string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failFrom, pod)
}

var (
	testStart = time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	testEnd   = testStart.Add(time.Hour)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDownloader(t *testing.T, url, dir string, backend checkpoint.Backend) *downloader {
	t.Helper()
	opts := search.DefaultOptions()
	opts.BaseURL = url
	opts.MaxRetries = 0
	opts.Logger = discardLogger()
	client, err := search.NewElasticClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &downloader{
		client:   client,
		out:      output{format: "text", dir: dir},
		backend:  backend,
		metrics:  telemetry.NoopMetrics{},
		shutdown: lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: discardLogger()}),
		logger:   discardLogger(),
		printer:  tui.NewPrinter(io.Discard, true),
		start:    testStart,
		end:      testEnd,
		pageSize: 3,
		header:   true,
	}
}

func newTestCheckpoints(t *testing.T) *checkpoint.FileBackend {
	t.Helper()
	b, err := checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// assertLog checks that the output holds the header once, then count=1..n
// in order with no line repeated.
func assertLog(t *testing.T, d *downloader, pod string, n int) {
	t.Helper()
	log, err := sink.OpenLog(d.out.target(pod))
	if err != nil {
		t.Fatal(err)
	}
	lines := log.Lines()
	if len(lines) != n+1 {
		t.Fatalf("log has %d lines, want %d:\n%s", len(lines), n+1, strings.Join(lines, "\n"))
	}
	if want := sink.Header(pod, d.out.target(pod)); lines[0] != want {
		t.Errorf("line 0 = %q, want %q", lines[0], want)
	}
	for i, line := range lines[1:] {
		if want := fmt.Sprintf("%s tick count=%d", pod, i+1); line != want {
			t.Errorf("line %d = %q, want %q", i+1, line, want)
		}
	}
}

func TestDownload_ResumesInterruptedRun(t *testing.T) {
	srv := newSearchServer(t, 10)
	backend := newTestCheckpoints(t)
	dir := t.TempDir()
	ctx := context.Background()

	srv.failAt("codex-1", 3)
	first := newTestDownloader(t, srv.URL, dir, backend)
	if res := first.download(ctx, "codex-1"); res.Err == nil {
		t.Fatal("first run should fail")
	}

	id := checkpoint.IDFor("codex-1", testStart, testEnd)
	saved, err := backend.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.ShouldResume() {
		t.Fatalf("checkpoint phase %s should be resumable", saved.Phase)
	}

	// Lines written after the last save must not survive the resume.
	f, err := os.OpenFile(first.out.target("codex-1"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "codex-1 tick count=6")
	f.Close()

	srv.recover("codex-1")
	second := newTestDownloader(t, srv.URL, dir, backend)
	second.resume = true
	res := second.download(ctx, "codex-1")
	if res.Err != nil {
		t.Fatalf("resumed run failed: %v", res.Err)
	}
	if !res.Result.Resumed {
		t.Error("second run did not resume")
	}
	if want := 10 - saved.Emitted; res.Result.Emitted != want {
		t.Errorf("Emitted = %d, want %d", res.Result.Emitted, want)
	}
	assertLog(t, second, "codex-1", 10)

	done, err := backend.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if done.Phase != checkpoint.PhaseComplete {
		t.Errorf("phase = %s, want %s", done.Phase, checkpoint.PhaseComplete)
	}
}

func TestDownload_StartsOverWhenOutputIsShort(t *testing.T) {
	srv := newSearchServer(t, 10)
	backend := newTestCheckpoints(t)
	dir := t.TempDir()
	ctx := context.Background()

	srv.failAt("codex-1", 3)
	first := newTestDownloader(t, srv.URL, dir, backend)
	first.download(ctx, "codex-1")

	if err := os.Truncate(first.out.target("codex-1"), 10); err != nil {
		t.Fatal(err)
	}

	srv.recover("codex-1")
	second := newTestDownloader(t, srv.URL, dir, backend)
	second.resume = true
	res := second.download(ctx, "codex-1")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Result.Resumed {
		t.Error("run resumed onto a truncated output")
	}
	assertLog(t, second, "codex-1", 10)
}

func TestDownload_FreshRunReplacesOutput(t *testing.T) {
	srv := newSearchServer(t, 4)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "codex-1.log"), []byte("stale line count=99\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := newTestDownloader(t, srv.URL, dir, newTestCheckpoints(t))
	if res := d.download(context.Background(), "codex-1"); res.Err != nil {
		t.Fatal(res.Err)
	}
	assertLog(t, d, "codex-1", 4)
}

func TestPrepareCheckpoint(t *testing.T) {
	ctx := context.Background()
	id := checkpoint.IDFor("codex-1", testStart, testEnd)

	tests := []struct {
		name       string
		resume     bool
		output     string
		wantResume bool
	}{
		{"resume with intact output", true, "header\ncount=1\n", true},
		{"resume with missing output", true, "", false},
		{"no resume flag", false, "header\ncount=1\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			backend := newTestCheckpoints(t)
			d := newTestDownloader(t, "http://127.0.0.1:1", dir, backend)
			d.resume = tt.resume

			prev := checkpoint.New(id, "codex-1", testStart, testEnd, d.out.target("codex-1"))
			prev.Seeded = true
			prev.Next = 2
			prev.Emitted = 1
			prev.OutputSize = 15
			if err := backend.Save(ctx, prev); err != nil {
				t.Fatal(err)
			}
			if tt.output != "" {
				if err := os.WriteFile(d.out.target("codex-1"), []byte(tt.output), 0644); err != nil {
					t.Fatal(err)
				}
			}

			cp, err := d.prepareCheckpoint(ctx, "codex-1")
			if err != nil {
				t.Fatal(err)
			}
			if got := cp.ShouldResume(); got != tt.wantResume {
				t.Errorf("ShouldResume() = %v, want %v", got, tt.wantResume)
			}
			if !tt.wantResume && cp.Emitted != 0 {
				t.Errorf("fresh checkpoint Emitted = %d, want 0", cp.Emitted)
			}
		})
	}
}

func TestDownloadAll_FailedPodDoesNotStopOthers(t *testing.T) {
	srv := newSearchServer(t, 7)
	srv.failPod = "codex-2"
	d := newTestDownloader(t, srv.URL, t.TempDir(), newTestCheckpoints(t))

	pods := []string{"codex-1", "codex-2", "codex-3"}
	results := d.downloadAll(context.Background(), pods, 2)

	if len(results) != len(pods) {
		t.Fatalf("got %d results, want %d", len(results), len(pods))
	}
	for i, pod := range pods {
		if results[i].Pod != pod {
			t.Errorf("results[%d].Pod = %q, want %q", i, results[i].Pod, pod)
		}
	}
	if results[1].Err == nil {
		t.Error("codex-2 should fail")
	}
	for _, i := range []int{0, 2} {
		if results[i].Err != nil {
			t.Errorf("%s failed: %v", pods[i], results[i].Err)
			continue
		}
		assertLog(t, d, pods[i], 7)
	}

	err := failures(results)
	if err == nil {
		t.Fatal("failures() = nil, want an error")
	}
	if want := "1 of 3 downloads failed"; err.Error() != want {
		t.Errorf("failures() = %q, want %q", err, want)
	}
}

func TestFailures_AllOK(t *testing.T) {
	results := []tui.PodResult{{Pod: "codex-1"}, {Pod: "codex-2"}}
	if err := failures(results); err != nil {
		t.Errorf("failures() = %v, want nil", err)
	}
}

func TestNewCheckpointBackend_Secondary(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: discardLogger()})

	c := config.CheckpointConfig{
		Backend:   "file",
		Secondary: "redis",
		Dir:       t.TempDir(),
		Redis:     config.RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
	}
	b, err := newCheckpointBackend(ctx, c, shutdown)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*checkpoint.MultiBackend); !ok {
		t.Fatalf("backend = %T, want *checkpoint.MultiBackend", b)
	}

	id := checkpoint.IDFor("codex-1", testStart, testEnd)
	if err := b.Save(ctx, checkpoint.New(id, "codex-1", testStart, testEnd, "codex-1.log")); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:" + id) {
		t.Error("checkpoint not mirrored to redis")
	}
	if _, err := os.Stat(filepath.Join(c.Dir, id+".checkpoint")); err != nil {
		t.Errorf("checkpoint not saved to file backend: %v", err)
	}

	if err := shutdown.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestNewCheckpointBackend_Disabled(t *testing.T) {
	for _, name := range []string{"", "none"} {
		b, err := newCheckpointBackend(context.Background(), config.CheckpointConfig{Backend: name}, nil)
		if err != nil {
			t.Errorf("backend %q: %v", name, err)
		}
		if b != nil {
			t.Errorf("backend %q = %T, want nil", name, b)
		}
	}
}
