package reconstruct

import (
	"errors"
	"testing"

	"github.com/logflow/logrecon/internal/model"
)

func TestExtractSequence(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    uint64
		wantOK  bool
	}{
		{"simple", "INF block stored count=42", 42, true},
		{"first token", "count=7 rest of line", 7, true},
		{"zero", "tick count=0", 0, true},
		{"tabs and spaces", "a\tcount=9  b", 9, true},
		{"max uint64", "count=18446744073709551615", 18446744073709551615, true},
		{"missing", "no counter here", 0, false},
		{"empty", "", 0, false},
		{"twice", "count=1 count=2", 0, false},
		{"empty value", "line count=", 0, false},
		{"not a number", "line count=abc", 0, false},
		{"negative", "line count=-1", 0, false},
		{"overflow", "count=18446744073709551616", 0, false},
		{"trailing junk", "count=12ms", 0, false},
		{"prefix in middle", "xcount=3", 0, false},
		{"other key", "counter=3 total=4", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSequence(tt.message)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractSequence(%q) = (%d, %v), want (%d, %v)", tt.message, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func entry(seq uint64) model.LogEntry {
	return model.LogEntry{Sequence: seq, Message: "line"}
}

func TestQueue_PushReplaces(t *testing.T) {
	q := NewQueue()
	q.Push(model.LogEntry{Sequence: 3, Message: "old"})
	q.Push(model.LogEntry{Sequence: 3, Message: "new"})

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	e, ok := q.Take(3)
	if !ok || e.Message != "new" {
		t.Errorf("Take(3) = (%+v, %v), want the later entry", e, ok)
	}
	if _, ok := q.Take(3); ok {
		t.Error("Take should remove the entry")
	}
}

func TestQueue_MinAndTrim(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Min(); ok {
		t.Error("Min() on empty queue should report false")
	}

	for _, s := range []uint64{9, 4, 6, 5} {
		q.Push(entry(s))
	}
	if m, _ := q.Min(); m != 4 {
		t.Errorf("Min() = %d, want 4", m)
	}

	if removed := q.Trim(6); removed != 2 {
		t.Errorf("Trim(6) removed %d, want 2", removed)
	}
	if m, _ := q.Min(); m != 6 {
		t.Errorf("Min() after trim = %d, want 6", m)
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue()
	for _, s := range []uint64{1, 2, 4, 5, 6, 8} {
		q.Push(entry(s))
	}

	var got []uint64
	emit := func(e model.LogEntry) error {
		got = append(got, e.Sequence)
		return nil
	}

	next, stale, err := q.Drain(2, emit)
	if err != nil {
		t.Fatal(err)
	}
	if next != 3 || stale != 1 {
		t.Errorf("Drain(2) = (next %d, stale %d), want (3, 1)", next, stale)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("emitted %v, want [2]", got)
	}

	q.Push(entry(3))
	got = nil
	next, _, _ = q.Drain(next, emit)
	if next != 7 {
		t.Errorf("next = %d, want 7", next)
	}
	if want := []uint64{3, 4, 5, 6}; !equalSeq(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (entry 8 waits for 7)", q.Len())
	}
}

func TestQueue_DrainEmitError(t *testing.T) {
	q := NewQueue()
	for _, s := range []uint64{0, 1, 2} {
		q.Push(entry(s))
	}

	boom := errors.New("disk full")
	next, _, err := q.Drain(0, func(e model.LogEntry) error {
		if e.Sequence == 1 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if next != 1 {
		t.Errorf("next = %d, want 1", next)
	}
	if _, ok := q.Take(1); !ok {
		t.Error("failed entry should stay queued")
	}
}

func TestQueue_Snapshot(t *testing.T) {
	q := NewQueue()
	for _, s := range []uint64{30, 10, 20} {
		q.Push(entry(s))
	}
	snap := q.Snapshot()
	got := make([]uint64, len(snap))
	for i, e := range snap {
		got[i] = e.Sequence
	}
	if want := []uint64{10, 20, 30}; !equalSeq(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
}

func hitsWithSort(values ...int64) model.Page {
	p := model.Page{}
	for _, v := range values {
		p.Hits = append(p.Hits, model.Hit{Sort: []int64{v}})
	}
	return p
}

func TestNextCursor(t *testing.T) {
	tests := []struct {
		name   string
		page   model.Page
		want   model.Cursor
		wantOK bool
	}{
		{"empty", model.Page{}, model.Cursor{}, false},
		{"no sort values", model.Page{Hits: []model.Hit{{Message: "x"}}}, model.Cursor{}, false},
		{"single value", hitsWithSort(5, 5, 5), model.At(5), true},
		{"two values", hitsWithSort(1, 2), model.At(1), true},
		{"ties at top", hitsWithSort(10, 20, 30, 30), model.At(20), true},
		{"unordered", hitsWithSort(30, 10, 20), model.At(20), true},
		{"negative", hitsWithSort(-5, -1), model.At(-5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextCursor(tt.page)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NextCursor() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func equalSeq(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
