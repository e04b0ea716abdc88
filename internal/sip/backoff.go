package sip

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	backoffBase   = 5 * time.Second
	backoffMax    = 5 * time.Minute
	backoffJitter = 0.2
)

// backoff is an exponential backoff with jitter, doubling each attempt up
// to a cap, in the style of a trunk registrar's reconnect backoff.
type backoff struct {
	mu      sync.Mutex
	attempt int
	last    time.Duration
}

func newBackoff() *backoff {
	return &backoff{}
}

// next advances the attempt counter and returns the next delay.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := backoffBase * time.Duration(1<<uint(min(b.attempt, 10)))
	if delay > backoffMax {
		delay = backoffMax
	}
	b.attempt++

	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	b.last = time.Duration(float64(delay) * jitter)
	return b.last
}

// reset returns the backoff to its initial state, called after a
// successful registration.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.last = 0
}

// current returns the most recently computed delay.
func (b *backoff) current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
