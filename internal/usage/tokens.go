// Package usage provides token accounting for request budgeting and the
// usage blocks reported to callers.
package usage

import (
	"math"
	"sync"

	"github.com/tiktoken-go/tokenizer"
	log "github.com/sirupsen/logrus"
)

// shortCircuitChars guards against stalling the event loop on enormous
// payloads: past this size the character count itself is a good enough
// budget estimate.
const shortCircuitChars = 20_000

var (
	encOnce sync.Once
	enc     tokenizer.Codec
)

func codec() tokenizer.Codec {
	encOnce.Do(func() {
		var err error
		enc, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.WithError(err).Warn("cl100k_base tokenizer unavailable, falling back to length estimates")
		}
	})
	return enc
}

// CountTokens returns the token count of text using cl100k_base. Inputs of
// 20k+ characters short-circuit to their length.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if len(text) >= shortCircuitChars {
		return len(text)
	}
	c := codec()
	if c == nil {
		return len(text) / 4
	}
	count, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Counter accumulates output-side token usage over a stream.
type Counter struct {
	multiplier float64
	output     int
}

// NewCounter creates a counter with the configured multiplier (0 < m <= 10;
// out-of-range values are treated as 1).
func NewCounter(multiplier float64) *Counter {
	if multiplier <= 0 || multiplier > 10 {
		multiplier = 1
	}
	return &Counter{multiplier: multiplier}
}

// AddText accumulates tokens for an emitted text or thinking fragment.
func (c *Counter) AddText(text string) {
	c.output += CountTokens(text)
}

// Output returns the scaled output token count.
func (c *Counter) Output() int {
	return int(math.Round(float64(c.output) * c.multiplier))
}

// Scale applies the counter's multiplier to a raw token count.
func (c *Counter) Scale(n int) int {
	return int(math.Round(float64(n) * c.multiplier))
}
