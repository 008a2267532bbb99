package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const nanoPerToken = int64(time.Second)

// TokenBucket refills at fillRate tokens per second up to its capacity.
// Balances are kept in nano-tokens (1e9 per token), so a rate of N tokens/sec
// adds exactly N nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	clock    clock.Clock
	capacity int64 // nano-tokens
	rate     int64

	mu      sync.Mutex
	balance int64
	updated time.Time
}

// NewTokenBucket returns a full bucket. A zero fillRate never refills; only
// Refund returns tokens.
func NewTokenBucket(clk clock.Clock, capacity, fillRate int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	c := toNano(capacity)
	return &TokenBucket{
		clock:    clk,
		capacity: c,
		rate:     max(fillRate, 0),
		balance:  c,
		updated:  clk.Now(),
	}
}

// Allow takes tokens from the bucket if enough are available. Requests for
// zero or fewer tokens always succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	if cost > b.balance {
		return false
	}
	b.balance -= cost
	return true
}

// Refund returns tokens taken by an earlier Allow, clamped to capacity.
func (b *TokenBucket) Refund(tokens int64) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(toNano(tokens))
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := int64(now.Sub(b.updated))
	// A clock that moved backwards only resets the reference point.
	b.updated = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}
	if elapsed > (b.capacity-b.balance)/b.rate {
		b.balance = b.capacity
		return
	}
	b.balance += elapsed * b.rate
}

func (b *TokenBucket) credit(n int64) {
	if n >= b.capacity-b.balance {
		b.balance = b.capacity
		return
	}
	b.balance += n
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > math.MaxInt64/nanoPerToken:
		return math.MaxInt64
	}
	return tokens * nanoPerToken
}
