package hub

import "github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"

// subscription buffers events without bound so the read loop never blocks on
// a slow consumer.
type subscription struct {
	filter map[string]struct{}
	q      *queue.Unbounded[Event]
}

func newSubscription(targets []string) *subscription {
	s := &subscription{q: queue.NewUnbounded[Event]()}
	if len(targets) > 0 {
		s.filter = make(map[string]struct{}, len(targets))
		for _, t := range targets {
			s.filter[t] = struct{}{}
		}
	}
	return s
}

func (s *subscription) out() <-chan Event { return s.q.Out() }

func (s *subscription) push(ev Event) {
	if msg, ok := ev.(Message); ok && s.filter != nil {
		if _, want := s.filter[msg.Target]; !want {
			return
		}
	}
	s.q.Push(ev)
}

func (s *subscription) close() { s.q.Close() }
