// Package timeout arms the per-call ring and negotiation deadlines.
package timeout

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultRingTimeout        = 30 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
)

type Kind int

const (
	KindRing Kind = iota + 1
	KindNegotiation
)

func (k Kind) String() string {
	switch k {
	case KindRing:
		return "ring"
	case KindNegotiation:
		return "negotiation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Expiry is passed to the expiry callback. Generation identifies the arming
// that fired, so a receiver can ignore an expiry it no longer expects.
type Expiry struct {
	ConversationID string
	Kind           Kind
	Generation     uint64
}

type Options struct {
	Clock              clock.Clock
	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	// OnExpire runs on a timer goroutine and must not block.
	OnExpire func(Expiry)
}

// Supervisor keeps at most one armed timer per conversation. Arming a new
// timer for a conversation replaces the previous one.
type Supervisor struct {
	clock       clock.Clock
	ring        time.Duration
	negotiation time.Duration
	onExpire    func(Expiry)

	mu      sync.Mutex
	gen     uint64
	timers  map[string]*armed
	stopped bool
}

type armed struct {
	timer *clock.Timer
	kind  Kind
	gen   uint64
}

func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Supervisor{
		clock:       opts.Clock,
		ring:        opts.RingTimeout,
		negotiation: opts.NegotiationTimeout,
		onExpire:    opts.OnExpire,
		timers:      make(map[string]*armed),
	}
}

func (s *Supervisor) StartRing(conversationID string) uint64 {
	return s.start(conversationID, KindRing, s.ring)
}

func (s *Supervisor) StartNegotiation(conversationID string) uint64 {
	return s.start(conversationID, KindNegotiation, s.negotiation)
}

func (s *Supervisor) start(conversationID string, kind Kind, d time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	if prev := s.timers[conversationID]; prev != nil {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	a := &armed{kind: kind, gen: gen}
	a.timer = s.clock.AfterFunc(d, func() { s.fire(conversationID, gen) })
	s.timers[conversationID] = a
	return gen
}

func (s *Supervisor) fire(conversationID string, gen uint64) {
	s.mu.Lock()
	a := s.timers[conversationID]
	if a == nil || a.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, conversationID)
	s.mu.Unlock()

	if s.onExpire != nil {
		s.onExpire(Expiry{ConversationID: conversationID, Kind: a.kind, Generation: gen})
	}
}

// Cancel disarms the conversation's timer. It reports whether one was armed.
func (s *Supervisor) Cancel(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.timers[conversationID]
	if a == nil {
		return false
	}
	a.timer.Stop()
	delete(s.timers, conversationID)
	return true
}

// Armed returns the kind and generation of the conversation's armed timer.
func (s *Supervisor) Armed(conversationID string) (Kind, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.timers[conversationID]
	if a == nil {
		return 0, 0, false
	}
	return a.kind, a.gen, true
}

// Stop disarms everything; later Start calls are ignored.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
}
