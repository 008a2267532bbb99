package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

// Transport is the part of hub.Manager the relay needs.
type Transport interface {
	Send(ctx context.Context, target string, payload any) error
	Subscribe(targets ...string) (<-chan hub.Event, func())
}

// Inbound is a decoded event from the hub. It is one of IncomingCall,
// SignalReceived, ResponseReceived, EndedReceived, PresenceChanged,
// HubStateChanged or Malformed.
type Inbound interface {
	isInbound()
}

type IncomingCall struct{ Request IncomingCallRequest }

type SignalReceived struct{ Signal CallSignal }

type ResponseReceived struct{ Response CallResponse }

type EndedReceived struct{ Ended CallEnded }

type PresenceChanged struct {
	Presence Presence
	Joined   bool
}

// HubStateChanged mirrors a hub connection state transition.
type HubStateChanged struct {
	State hub.State
	Err   error
}

// Malformed is an invocation that could not be decoded. It is surfaced so
// the consumer can log it; it never affects a session.
type Malformed struct {
	Target string
	Err    error
}

func (IncomingCall) isInbound()     {}
func (SignalReceived) isInbound()   {}
func (ResponseReceived) isInbound() {}
func (EndedReceived) isInbound()    {}
func (PresenceChanged) isInbound()  {}
func (HubStateChanged) isInbound()  {}
func (Malformed) isInbound()        {}

type Relay struct {
	t       Transport
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRelay(t Transport, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{t: t, log: logger.With("component", "signaling"), metrics: m}
}

// SendSignal forwards sig on the method matching its signal type. Transport
// failures are returned unchanged so callers can match hub.ErrNotConnected.
func (r *Relay) SendSignal(ctx context.Context, sig CallSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	method, _ := MethodForSignal(sig.SignalType)
	return r.send(ctx, method, sig)
}

func (r *Relay) RespondToCall(ctx context.Context, resp CallResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return r.send(ctx, MethodRespondToCall, resp)
}

func (r *Relay) EndCall(ctx context.Context, ended CallEnded) error {
	if err := ended.Validate(); err != nil {
		return err
	}
	return r.send(ctx, MethodEndCall, ended)
}

func (r *Relay) send(ctx context.Context, method string, payload any) error {
	if err := r.t.Send(ctx, method, payload); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	r.metrics.Inc(metrics.SignalsSent)
	return nil
}

// Subscribe returns decoded inbound events in arrival order, including hub
// state changes. The channel closes when the returned function is called or
// the underlying subscription ends.
func (r *Relay) Subscribe() (<-chan Inbound, func()) {
	events, cancelHub := r.t.Subscribe(InboundMethods...)
	out := make(chan Inbound)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancelHub()
		})
	}

	go func() {
		defer close(out)
		for ev := range events {
			in := r.translate(ev)
			select {
			case out <- in:
			case <-done:
				return
			}
		}
	}()
	return out, stop
}

func (r *Relay) translate(ev hub.Event) Inbound {
	switch ev := ev.(type) {
	case hub.Message:
		in := DecodeMessage(ev)
		if bad, ok := in.(Malformed); ok {
			r.metrics.Inc(metrics.FramesMalformed)
			r.log.Warn("malformed hub message", "target", bad.Target, "err", bad.Err)
		}
		return in
	case hub.StateChange:
		return HubStateChanged{State: ev.State, Err: ev.Err}
	default:
		return Malformed{Err: fmt.Errorf("unknown hub event %T", ev)}
	}
}

// DecodeMessage turns a hub invocation into its typed Inbound variant.
func DecodeMessage(msg hub.Message) Inbound {
	fail := func(err error) Inbound { return Malformed{Target: msg.Target, Err: err} }

	switch msg.Target {
	case MethodIncomingCall:
		var req IncomingCallRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return fail(err)
		}
		return IncomingCall{Request: req}
	case MethodCallSignalReceived:
		var sig CallSignal
		if err := Decode(msg.Payload, &sig); err != nil {
			return fail(err)
		}
		return SignalReceived{Signal: sig}
	case MethodCallResponseReceived:
		var resp CallResponse
		if err := Decode(msg.Payload, &resp); err != nil {
			return fail(err)
		}
		return ResponseReceived{Response: resp}
	case MethodCallEndedReceived:
		var ended CallEnded
		if err := Decode(msg.Payload, &ended); err != nil {
			return fail(err)
		}
		return EndedReceived{Ended: ended}
	case MethodUserJoined, MethodUserLeft:
		var p Presence
		if err := Decode(msg.Payload, &p); err != nil {
			return fail(err)
		}
		return PresenceChanged{Presence: p, Joined: msg.Target == MethodUserJoined}
	default:
		return fail(fmt.Errorf("unknown method %q", msg.Target))
	}
}
