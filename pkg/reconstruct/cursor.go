package reconstruct

import (
	"sort"

	"github.com/logflow/logrecon/internal/model"
)

// NextCursor computes the search_after position for the page after p.
//
// With two or more distinct sort values the cursor backs off to the
// second-highest one. Hits sharing the highest value may have been cut by the
// page size, and resuming after that value would skip them for good. The
// re-fetched hits are discarded as stale by the drain step.
func NextCursor(p model.Page) (model.Cursor, bool) {
	seen := make(map[int64]struct{}, len(p.Hits))
	values := make([]int64, 0, len(p.Hits))
	for _, h := range p.Hits {
		v, ok := h.SortKey()
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return model.Cursor{}, false
	case 1:
		return model.At(values[0]), true
	}

	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })
	return model.At(values[1]), true
}
