// Package generators produces synthetic search results for tests.
package generators

import (
	"fmt"
	"math/rand"

	"github.com/logflow/logrecon/internal/model"
)

// LogStream describes a producer stream as a search backend would index it.
type LogStream struct {
	// Start is the first sequence number.
	Start uint64

	// Count is the number of distinct lines.
	Count int

	// Window shuffles lines within consecutive blocks of this size.
	// Values below 2 keep producer order.
	Window int

	// DuplicateRate is the probability that a line is indexed twice.
	DuplicateRate float64

	// MalformedRate is the probability of an extra line without a counter.
	MalformedRate float64

	// Seed makes the stream reproducible.
	Seed int64
}

// Hits returns the stream ordered by ascending, unique sort values.
func (g LogStream) Hits() []model.Hit {
	rng := rand.New(rand.NewSource(g.Seed))

	seqs := make([]uint64, g.Count)
	for i := range seqs {
		seqs[i] = g.Start + uint64(i)
	}
	if g.Window > 1 {
		for lo := 0; lo < len(seqs); lo += g.Window {
			hi := lo + g.Window
			if hi > len(seqs) {
				hi = len(seqs)
			}
			block := seqs[lo:hi]
			rng.Shuffle(len(block), func(i, j int) { block[i], block[j] = block[j], block[i] })
		}
	}

	var messages []string
	for _, seq := range seqs {
		line := Line(seq)
		messages = append(messages, line)
		if rng.Float64() < g.DuplicateRate {
			messages = append(messages, line)
		}
		if rng.Float64() < g.MalformedRate {
			messages = append(messages, fmt.Sprintf("WRN peer dropped id=%d", rng.Intn(1000)))
		}
	}

	hits := make([]model.Hit, len(messages))
	for i, msg := range messages {
		hits[i] = model.Hit{
			Sort:    []int64{1_700_000_000_000 + int64(i)*10},
			Message: msg,
		}
	}
	return hits
}

// Line formats the producer line for seq.
func Line(seq uint64) string {
	return fmt.Sprintf("INF %d block processed topics=\"codex\" count=%d", 1_700_000_000+seq, seq)
}
