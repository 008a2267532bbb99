package ratelimit

import "github.com/benbjohnson/clock"

// ConnLimiter bounds inbound traffic on a single hub connection by message
// count and by payload bytes. Zero limits disable the respective bucket.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clk clock.Clock, messagesPerSecond, bytesPerSecond int) *ConnLimiter {
	l := &ConnLimiter{}
	if messagesPerSecond > 0 {
		// Allow a one second burst.
		l.messages = NewTokenBucket(clk, int64(messagesPerSecond), int64(messagesPerSecond))
	}
	if bytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clk, int64(bytesPerSecond), int64(bytesPerSecond))
	}
	return l
}

// AllowMessage reports whether a message of the given size may be processed.
// A rejected message consumes no tokens from either bucket.
func (l *ConnLimiter) AllowMessage(size int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		if l.messages != nil {
			l.messages.Refund(1)
		}
		return false
	}
	return true
}
