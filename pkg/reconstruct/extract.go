package reconstruct

import (
	"strconv"
	"strings"
)

// CountPrefix marks the producer's sequence token in a log line.
const CountPrefix = "count="

// ExtractSequence returns the value of the single count=<N> token in message.
// It reports false when the token is missing, appears more than once, or does
// not hold an unsigned integer.
func ExtractSequence(message string) (uint64, bool) {
	var token string
	found := 0
	for _, t := range strings.Fields(message) {
		if strings.HasPrefix(t, CountPrefix) {
			token = t
			found++
		}
	}
	if found != 1 {
		return 0, false
	}

	n, err := strconv.ParseUint(token[len(CountPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
