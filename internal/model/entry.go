// Package model defines core data structures for logrecon.
package model

import "strconv"

// LogEntry is a single producer log line placed by its embedded counter.
type LogEntry struct {
	// Sequence is the value of the count=<N> token in Message.
	Sequence uint64 `json:"seq"`

	// Message is the raw log line as returned by the search backend.
	Message string `json:"msg"`
}

// Hit is one raw search hit.
type Hit struct {
	// Sort holds the backend sort values used for pagination.
	// Only the first value is used.
	Sort []int64

	// Message is the log line payload.
	Message string

	// Timestamp is the backend timestamp, formatted by the backend.
	Timestamp string
}

// SortKey returns the first sort value of the hit.
func (h Hit) SortKey() (int64, bool) {
	if len(h.Sort) == 0 {
		return 0, false
	}
	return h.Sort[0], true
}

// Page is the ordered result of one query. An empty page ends the stream.
type Page struct {
	Hits []Hit
}

// Len returns the number of hits in the page.
func (p Page) Len() int {
	return len(p.Hits)
}

// Empty reports whether the page carries no hits.
func (p Page) Empty() bool {
	return len(p.Hits) == 0
}

// Cursor is a search_after position. The zero value means "from the start".
type Cursor struct {
	Value int64 `json:"value"`
	Set   bool  `json:"set"`
}

// At returns a cursor positioned after v.
func At(v int64) Cursor {
	return Cursor{Value: v, Set: true}
}

// String returns the cursor value, or "-" when unset.
func (c Cursor) String() string {
	if !c.Set {
		return "-"
	}
	return strconv.FormatInt(c.Value, 10)
}
