// Package tokens provides token estimation utilities using tiktoken.
// The dispatcher uses these estimates for request stats and cost accounting
// when an upstream response omits usage counts.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	. "github.com/smartrouter/smartrouter/internal/logging"
)

// DefaultEncoding is cl100k_base, a reasonable cross-provider approximation.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates the framing tokens each chat message adds
// (role marker plus separators).
const perMessageOverhead = 4

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{} // fallback to char-based estimation
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages estimates the prompt token count for a chat message list.
// Each entry is the text content of one message.
func (e *Estimator) CountMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += e.Count(c) + perMessageOverhead
	}
	return total
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}
