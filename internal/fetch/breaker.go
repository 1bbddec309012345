package fetch

import (
	"errors"
	"sync"
)

// ErrCircuitOpen is returned once too many reads have failed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker trips after a run of consecutive failures or a total failure
// count, whichever comes first. Once open it stays open.
type Breaker struct {
	maxConsecutive int
	maxTotal       int

	mu          sync.Mutex
	consecutive int
	total       int
	open        bool
}

// NewBreaker returns a closed breaker. Non-positive limits disable that
// limit.
func NewBreaker(maxConsecutive, maxTotal int) *Breaker {
	return &Breaker{maxConsecutive: maxConsecutive, maxTotal: maxTotal}
}

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Failure records a failure and reports whether the breaker is now open.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.total++
	if (b.maxConsecutive > 0 && b.consecutive >= b.maxConsecutive) ||
		(b.maxTotal > 0 && b.total >= b.maxTotal) {
		b.open = true
	}
	return b.open
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the total failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
