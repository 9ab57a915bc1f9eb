// Package tokens estimates token counts for prompt budgeting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		// Ignore the error: on hosts without the encoding data the
		// heuristic below takes over.
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	return enc
}

// Estimate returns the approximate token count of text. cl100k_base when
// the encoding is available, otherwise a chars/4 heuristic.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return heuristic(text)
}

func heuristic(text string) int {
	return (len(text) + 3) / 4
}

// EstimateAll sums Estimate over parts.
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}
