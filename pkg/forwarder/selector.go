package forwarder

import (
	"math/rand/v2"
	"sync/atomic"

	"phishwall/pkg/config"
)

// Selector picks the first endpoint tried for a query. Pick returns an index
// in [0, n).
type Selector interface {
	Pick(n int) int
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(n int) int

// Pick implements Selector.
func (f SelectorFunc) Pick(n int) int { return f(n) }

// RoundRobin cycles through endpoints in order, starting at the first.
type RoundRobin struct {
	next atomic.Uint32
}

// Pick implements Selector.
func (r *RoundRobin) Pick(n int) int {
	return int((r.next.Add(1) - 1) % uint32(n))
}

// Random picks endpoints uniformly at random.
type Random struct{}

// Pick implements Selector.
func (Random) Pick(n int) int {
	return rand.IntN(n)
}

// NewSelector returns the selector named in the configuration.
func NewSelector(name string) Selector {
	if name == config.SelectorRoundRobin {
		return &RoundRobin{}
	}
	return Random{}
}
