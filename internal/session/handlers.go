package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/timeout"
)

type peerEvent struct {
	conv string
	gen  uint64
	ev   peer.Event
}

// deferredControl is a controller-level send that found the hub disconnected.
type deferredControl struct{ snd send }

func isNotConnected(err error) bool { return errors.Is(err, hub.ErrNotConnected) }

func (c *Controller) handle(ev any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		switch ev := ev.(type) {
		case command:
			ev.reply <- ErrStopped
		case opResult:
			ev.stream.Stop()
		}
		return
	}

	switch ev := ev.(type) {
	case command:
		ev.reply <- c.handleCommand(ev)
	case signaling.IncomingCall:
		c.metrics.Inc(metrics.SignalsReceived)
		c.onIncomingCall(ev.Request)
	case signaling.SignalReceived:
		c.metrics.Inc(metrics.SignalsReceived)
		c.onSignal(ev.Signal)
	case signaling.ResponseReceived:
		c.metrics.Inc(metrics.SignalsReceived)
		c.onResponse(ev.Response)
	case signaling.EndedReceived:
		c.metrics.Inc(metrics.SignalsReceived)
		c.onEnded(ev.Ended)
	case signaling.PresenceChanged:
		c.onPresence(ev.Presence, ev.Joined)
	case signaling.HubStateChanged:
		c.log.Info("hub state changed", "state", ev.State.String(), "err", ev.Err)
	case signaling.Malformed:
		c.log.Warn("dropping malformed hub message", "target", ev.Target, "err", ev.Err)
	case peerEvent:
		c.onPeerEvent(ev)
	case opResult:
		c.onOpResult(ev)
	case timeout.Expiry:
		c.onExpiry(ev)
	case deferredControl:
		c.deferred = append(c.deferred, ev.snd)
		c.metrics.Inc(metrics.SignalsDeferred)
		c.log.Info("hub disconnected; deferring", "what", ev.snd.what)
	default:
		c.log.Error("unexpected controller event", "type", fmt.Sprintf("%T", ev))
	}
	c.flushLocked()
}

func (c *Controller) handleCommand(cmd command) error {
	if cmd.kind == cmdResync {
		c.resyncLocked()
		return nil
	}

	s := c.sessions[cmd.conv]
	switch cmd.kind {
	case cmdInitiate:
		if s == nil || s.gen != cmd.gen || s.status() != StatusRingingOutgoing {
			// Hung up before the loop got to it.
			return nil
		}
		return c.startOutgoing(s)
	case cmdAccept:
		if s == nil {
			return ErrNoSession
		}
		if s.status() != StatusRingingIncoming {
			return fmt.Errorf("%w: cannot accept a call that is %s", ErrInvalidState, s.status())
		}
		c.accept(s)
		return nil
	case cmdReject:
		if s == nil {
			return ErrNoSession
		}
		if s.status() != StatusRingingIncoming {
			return fmt.Errorf("%w: cannot reject a call that is %s", ErrInvalidState, s.status())
		}
		c.reject(s, cmd.reason)
		return nil
	case cmdHangup:
		if s == nil {
			return ErrNoSession
		}
		c.hangupLocked(s)
		return nil
	}
	return fmt.Errorf("session: unknown command %d", cmd.kind)
}

func constraintsFor(t signaling.CallType) media.Constraints {
	return media.Constraints{Audio: true, Video: t.WantsVideo()}
}

func (c *Controller) createPeer(s *session) error {
	p, err := c.newPeer(s.info.ConversationID)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.peer = p
	conv, gen := s.info.ConversationID, s.gen
	go func() {
		for ev := range p.Events() {
			c.inbox.Push(peerEvent{conv: conv, gen: gen, ev: ev})
		}
	}()
	return nil
}

func (c *Controller) startOutgoing(s *session) error {
	c.startOps(s)
	if err := c.createPeer(s); err != nil {
		// Nothing has reached the callee yet.
		c.finish(s, StatusFailed, signaling.EndReasonError, err, false)
		return err
	}
	c.enqueue(s,
		attachOp(s.peer, constraintsFor(s.info.CallType)),
		c.offerOp(s.peer, s.route),
	)
	s.timerGen = c.timers.StartRing(s.info.ConversationID)
	c.touch(s)
	c.metrics.Inc(metrics.CallsInitiated)
	c.log.Info("calling",
		"conversation_id", s.info.ConversationID,
		"callee_id", s.info.CalleeID,
		"call_type", string(s.info.CallType),
	)
	return nil
}

func (c *Controller) accept(s *session) {
	conv := s.info.ConversationID
	s.info.Status = StatusConnecting
	c.touch(s)
	c.metrics.Inc(metrics.CallsAccepted)
	c.log.Info("accepting call", "conversation_id", conv, "caller_id", s.info.CallerID)

	c.startOps(s)
	c.enqueue(s, c.sendOp(send{what: "accept", fn: func(ctx context.Context) error {
		return c.relay.RespondToCall(ctx, signaling.CallResponse{ConversationID: conv, Response: signaling.ResponseAccept})
	}}))
	if err := c.createPeer(s); err != nil {
		c.finish(s, StatusFailed, signaling.EndReasonError, err, true)
		return
	}
	if s.remoteOffer != nil {
		c.applyOffer(s)
	}
	s.timerGen = c.timers.StartNegotiation(conv)
}

// applyOffer queues the callee's negotiation: remote offer, local media,
// answer, then any candidates that arrived early.
func (c *Controller) applyOffer(s *session) {
	s.offerApplied = true
	c.enqueue(s,
		setRemoteOp(s.peer, *s.remoteOffer),
		attachOp(s.peer, constraintsFor(s.info.CallType)),
		c.answerOp(s.peer, s.route),
	)
	for _, cand := range s.earlyCandidates {
		c.enqueue(s, addCandidateOp(s.peer, cand))
	}
	s.earlyCandidates = nil
}

func (c *Controller) reject(s *session, reason string) {
	conv := s.info.ConversationID
	c.finish(s, StatusRejected, signaling.EndReasonRejected, nil, false)
	c.metrics.Inc(metrics.CallsRejected)
	c.sendControl(send{what: "reject", fn: func(ctx context.Context) error {
		return c.relay.RespondToCall(ctx, signaling.CallResponse{
			ConversationID: conv,
			Response:       signaling.ResponseReject,
			Reason:         reason,
		})
	}})
}

func (c *Controller) hangupLocked(s *session) {
	// RejectCall is the only way to decline; hanging up a ringing call ends it.
	c.finish(s, StatusEnded, signaling.EndReasonEnded, nil, true)
}

// finish moves s to a terminal status and releases everything it holds. It
// is a no-op for a session that already finished. When notify is set the
// remote side is sent an EndCall, at most once per session.
func (c *Controller) finish(s *session, status Status, reason signaling.EndReason, err error, notify bool) {
	if s.status().Terminal() {
		return
	}
	conv := s.info.ConversationID
	now := c.clock.Now()

	if _, gen, ok := c.timers.Armed(conv); ok && gen == s.timerGen {
		c.timers.Cancel(conv)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ops != nil {
		s.ops.Close()
	}
	if s.peer != nil {
		if cerr := s.peer.Close(); cerr != nil {
			c.log.Debug("close peer connection", "conversation_id", conv, "err", cerr)
		}
		s.peer = nil
	}
	// The peer owns the streams it produced; stopping them here covers a
	// stream handed over before the peer was closed.
	s.localStream.Stop()
	if s.remoteStream != nil {
		s.remoteStream.Stop()
	}
	s.localStream, s.remoteStream = nil, nil

	s.info.Status = status
	s.info.EndedAt = &now
	s.info.EndReason = reason
	if !s.connectedAt.IsZero() {
		d := int(now.Sub(s.connectedAt).Seconds())
		s.info.DurationSeconds = &d
	}
	s.err = err
	s.remoteOffer, s.earlyCandidates = nil, nil
	s.offer, s.localCandidates, s.deferred = nil, nil, nil
	c.touch(s)

	if notify && !s.endSent {
		s.endSent = true
		ended := signaling.CallEnded{
			ConversationID:  conv,
			EndedByUserID:   c.self,
			Reason:          reason,
			DurationSeconds: s.info.DurationSeconds,
		}
		c.sendControl(send{what: "end_call", fn: func(ctx context.Context) error {
			return c.relay.EndCall(ctx, ended)
		}})
	}

	c.metrics.Inc(metrics.CallsEndedPrefix + string(reason))
	if status == StatusFailed {
		c.metrics.Inc(metrics.CallsFailed)
	}
	attrs := []any{"conversation_id", conv, "status", status.String(), "reason", string(reason)}
	if err != nil {
		c.log.Warn("call ended", append(attrs, "err", err)...)
		return
	}
	c.log.Info("call ended", attrs...)
}

// sendControl sends a message that outlives its session. During shutdown it
// is delivered synchronously so the remote side hears about it before the
// process exits.
func (c *Controller) sendControl(snd send) {
	if c.shuttingDown {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownSendTimeout)
		defer cancel()
		if err := snd.fn(ctx); err != nil {
			c.log.Warn("send during shutdown failed", "what", snd.what, "err", err)
		}
		return
	}
	c.outbox.Push(snd)
}

func (c *Controller) resyncLocked() {
	n := 0
	for _, s := range c.sortedSessions() {
		if s.status().Terminal() || s.ops == nil {
			continue
		}
		if s.status() == StatusRingingOutgoing && s.offer != nil {
			// The hub forgets unanswered calls on disconnect, so the whole
			// invitation is sent again.
			c.enqueue(s, c.sendOp(*s.offer))
			for _, snd := range s.localCandidates {
				c.enqueue(s, c.sendOp(snd))
			}
			s.deferred = nil
			n++
			continue
		}
		for _, snd := range s.deferred {
			c.enqueue(s, c.sendOp(snd))
		}
		if len(s.deferred) > 0 {
			n++
		}
		s.deferred = nil
	}
	for _, snd := range c.deferred {
		c.outbox.Push(snd)
	}
	c.log.Info("resynced after reconnect", "sessions", n, "control_messages", len(c.deferred))
	c.deferred = nil
}

func (c *Controller) onIncomingCall(req signaling.IncomingCallRequest) {
	conv := req.ConversationID
	if req.CallerID == c.self {
		return
	}
	if s := c.sessions[conv]; s != nil && !s.status().Terminal() {
		if s.status() == StatusRingingIncoming && s.remoteID() == req.CallerID {
			s.incoming = &req
			c.touch(s)
		}
		c.log.Debug("ignoring incoming call for busy conversation", "conversation_id", conv, "status", s.status().String())
		return
	}

	c.nextGen++
	s := &session{
		gen: c.nextGen,
		info: CallInfo{
			ConversationID: conv,
			CallerID:       req.CallerID,
			CalleeID:       c.self,
			CallType:       req.CallType,
			Status:         StatusRingingIncoming,
			StartedAt:      c.clock.Now(),
		},
		route: signaling.Route{
			From:           c.self,
			To:             req.CallerID,
			ConversationID: conv,
			CallType:       req.CallType,
		},
		remote: directory.User{
			ID:          req.CallerID,
			Username:    req.CallerUsername,
			DisplayName: req.CallerDisplayName,
			AvatarURL:   req.CallerAvatarURL,
		},
		incoming:      &req,
		remotePresent: true,
	}
	if s.remote.Username == "" {
		s.remote = directory.Fallback(c.runCtx, c.dir, req.CallerID)
	}
	c.sessions[conv] = s
	c.touch(s)
	c.metrics.Inc(metrics.CallsIncoming)
	c.log.Info("incoming call",
		"conversation_id", conv,
		"caller_id", req.CallerID,
		"call_type", string(req.CallType),
	)
}

func (c *Controller) onSignal(sig signaling.CallSignal) {
	s := c.sessions[sig.ConversationID]
	if s == nil || s.status().Terminal() {
		c.log.Debug("dropping signal for unknown call", "conversation_id", sig.ConversationID, "signal_type", string(sig.SignalType))
		return
	}
	if sig.FromUserID != s.remoteID() {
		c.log.Warn("dropping signal from unexpected user", "conversation_id", sig.ConversationID, "from_user_id", sig.FromUserID)
		return
	}

	switch sig.SignalType {
	case signaling.SignalOffer:
		if s.outgoing() {
			c.log.Debug("ignoring offer on outgoing call", "conversation_id", sig.ConversationID)
			return
		}
		if s.offerApplied {
			c.log.Debug("ignoring repeated offer", "conversation_id", sig.ConversationID)
			return
		}
		desc, err := sig.Description()
		if err != nil {
			c.finish(s, StatusFailed, signaling.EndReasonError, fmt.Errorf("%w: %w", peer.ErrNegotiation, err), true)
			return
		}
		s.remoteOffer = &desc
		if s.status() == StatusConnecting && s.peer != nil {
			c.applyOffer(s)
		}
	case signaling.SignalAnswer:
		if !s.outgoing() || s.peer == nil || s.answerApplied {
			c.log.Debug("ignoring unexpected answer", "conversation_id", sig.ConversationID)
			return
		}
		desc, err := sig.Description()
		if err != nil {
			c.finish(s, StatusFailed, signaling.EndReasonError, fmt.Errorf("%w: %w", peer.ErrNegotiation, err), true)
			return
		}
		s.answerApplied = true
		c.enqueue(s, setRemoteOp(s.peer, desc))
	case signaling.SignalICECandidate:
		cand, err := sig.Candidate()
		if err != nil {
			c.log.Warn("dropping malformed candidate", "conversation_id", sig.ConversationID, "err", err)
			return
		}
		if s.peer == nil {
			s.earlyCandidates = append(s.earlyCandidates, cand)
			return
		}
		c.enqueue(s, addCandidateOp(s.peer, cand))
	}
}

func (c *Controller) onResponse(resp signaling.CallResponse) {
	s := c.sessions[resp.ConversationID]
	if s == nil || s.status() != StatusRingingOutgoing {
		c.log.Debug("ignoring call response", "conversation_id", resp.ConversationID, "response", string(resp.Response))
		return
	}
	switch resp.Response {
	case signaling.ResponseAccept:
		s.info.Status = StatusConnecting
		s.timerGen = c.timers.StartNegotiation(resp.ConversationID)
		c.touch(s)
		c.metrics.Inc(metrics.CallsAccepted)
		c.log.Info("call accepted", "conversation_id", resp.ConversationID)
	case signaling.ResponseReject:
		c.metrics.Inc(metrics.CallsRejected)
		c.finish(s, StatusRejected, signaling.EndReasonRejected, nil, false)
	}
}

func (c *Controller) onEnded(ended signaling.CallEnded) {
	s := c.sessions[ended.ConversationID]
	if s == nil || s.status().Terminal() || ended.EndedByUserID == c.self {
		return
	}
	status := StatusEnded
	if ended.Reason == signaling.EndReasonRejected {
		status = StatusRejected
	}
	c.finish(s, status, ended.Reason, nil, false)
}

func (c *Controller) onPresence(p signaling.Presence, joined bool) {
	s := c.sessions[p.ConversationID]
	if s == nil || s.status().Terminal() || s.remoteID() != p.UserID {
		return
	}
	if s.remotePresent != joined {
		s.remotePresent = joined
		c.touch(s)
	}
}

func (c *Controller) onPeerEvent(pe peerEvent) {
	s := c.sessions[pe.conv]
	if s == nil || s.gen != pe.gen || s.status().Terminal() {
		return
	}
	conv := pe.conv

	switch ev := pe.ev.(type) {
	case peer.LocalCandidate:
		sig, err := signaling.NewCandidateSignal(s.route, ev.Candidate)
		if err != nil {
			c.log.Warn("encode local candidate", "conversation_id", conv, "err", err)
			return
		}
		snd := c.signalSend("candidate", sig)
		if s.status() == StatusRingingOutgoing {
			s.localCandidates = append(s.localCandidates, snd)
		}
		c.enqueue(s, c.sendOp(snd))
	case peer.RemoteStreamAvailable:
		s.remoteStream = ev.Stream
		c.touch(s)
	case peer.ICEConnectionStateChanged:
		switch ev.State {
		case webrtc.ICEConnectionStateConnected:
			if s.status() != StatusConnecting && s.status() != StatusRingingOutgoing {
				return
			}
			c.timers.Cancel(conv)
			s.info.Status = StatusConnected
			s.connectedAt = c.clock.Now()
			s.localCandidates = nil
			c.touch(s)
			c.metrics.Inc(metrics.CallsConnected)
			c.log.Info("call connected", "conversation_id", conv)
		case webrtc.ICEConnectionStateFailed:
			c.finish(s, StatusFailed, signaling.EndReasonError, ErrICEFailed, true)
		case webrtc.ICEConnectionStateDisconnected:
			c.log.Warn("media connection interrupted", "conversation_id", conv)
		}
	}
}

func (c *Controller) onOpResult(res opResult) {
	s := c.sessions[res.conv]
	if s == nil || s.gen != res.gen || s.status().Terminal() {
		if res.stream != nil {
			res.stream.Stop()
		}
		return
	}
	if res.offer != nil {
		s.offer = res.offer
	}
	if res.stream != nil {
		s.localStream = res.stream
		c.touch(s)
	}
	if res.deferred != nil {
		s.deferred = append(s.deferred, *res.deferred)
		c.metrics.Inc(metrics.SignalsDeferred)
		c.log.Info("hub disconnected; deferring", "conversation_id", res.conv, "what", res.deferred.what)
	}
	if res.err == nil || errors.Is(res.err, context.Canceled) {
		return
	}
	if res.soft {
		c.log.Warn("call operation failed", "conversation_id", res.conv, "op", res.op, "err", res.err)
		return
	}
	c.finish(s, StatusFailed, signaling.EndReasonError, fmt.Errorf("%s: %w", res.op, res.err), true)
}

func (c *Controller) onExpiry(e timeout.Expiry) {
	s := c.sessions[e.ConversationID]
	if s == nil || s.status().Terminal() || e.Generation != s.timerGen {
		return
	}
	switch {
	case e.Kind == timeout.KindRing && s.status() == StatusRingingOutgoing:
		c.finish(s, StatusEnded, signaling.EndReasonTimeout, ErrRingTimeout, true)
	case e.Kind == timeout.KindNegotiation && s.status() == StatusConnecting:
		c.finish(s, StatusFailed, signaling.EndReasonError, ErrNegotiationTimeout, true)
	}
}
