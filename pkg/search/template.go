// Package search talks to an Elasticsearch-compatible backend and returns
// log hits one page at a time.
package search

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/logflow/logrecon/internal/model"
	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// Template placeholders.
const (
	PlaceholderSize        = "<SIZE>"
	PlaceholderSearchAfter = "<SEARCHAFTER>"
	PlaceholderStartTime   = "<STARTTIME>"
	PlaceholderEndTime     = "<ENDTIME>"
	PlaceholderPodName     = "<PODNAME>"
)

// podQuerySource sorts by @timestamp and filters on one pod's time window.
const podQuerySource = `{ "sort": [ { "@timestamp": { "order": "asc" } } ], ` +
	`"fields": [ { "field": "@timestamp", "format": "strict_date_optional_time" }, { "field": "pod_name" }, { "field": "message" } ], ` +
	`"size": <SIZE>, <SEARCHAFTER> "_source": false, ` +
	`"query": { "bool": { "must": [], "filter": [ ` +
	`{ "range": { "@timestamp": { "format": "strict_date_optional_time", "gte": "<STARTTIME>", "lte": "<ENDTIME>" } } }, ` +
	`{ "match_phrase": { "pod_name": "<PODNAME>" } } ] } } }`

// Template is a query body with <SIZE> and <SEARCHAFTER> left open for
// pagination.
type Template struct {
	body string
}

// NewTemplate validates that body carries both pagination placeholders.
func NewTemplate(body string) (Template, error) {
	for _, p := range []string{PlaceholderSize, PlaceholderSearchAfter} {
		if !strings.Contains(body, p) {
			return Template{}, rerrors.New(rerrors.CodeInvalidTemplate, "query template is missing a placeholder").
				WithContext("placeholder", p)
		}
	}
	return Template{body: body}, nil
}

// NewPodQuery builds the template for one pod's log lines within [start, end].
func NewPodQuery(pod string, start, end time.Time) Template {
	body := strings.NewReplacer(
		PlaceholderStartTime, formatTime(start),
		PlaceholderEndTime, formatTime(end),
		PlaceholderPodName, jsonEscape(pod),
	).Replace(podQuerySource)
	return Template{body: body}
}

// Render fills in the page size and the search_after clause.
func (t Template) Render(size int, cursor model.Cursor) string {
	searchAfter := ""
	if cursor.Set {
		searchAfter = `"search_after": [` + strconv.FormatInt(cursor.Value, 10) + `],`
	}
	return strings.NewReplacer(
		PlaceholderSize, strconv.Itoa(size),
		PlaceholderSearchAfter, searchAfter,
	).Replace(t.body)
}

// String returns the unrendered body.
func (t Template) String() string {
	return t.body
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// jsonEscape returns s escaped for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
