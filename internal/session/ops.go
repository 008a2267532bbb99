package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// session is the controller's record of one conversation's call. All fields
// are owned by the controller loop.
type session struct {
	gen      uint64
	info     CallInfo
	route    signaling.Route
	remote   directory.User
	incoming *signaling.IncomingCallRequest

	peer          Peer
	localStream   *media.LocalStream
	remoteStream  *media.RemoteStream
	remotePresent bool
	connectedAt   time.Time
	err           error

	ctx    context.Context
	cancel context.CancelFunc
	ops    *queue.Unbounded[op]

	// Callee side: the offer and candidates that arrive before the user
	// accepts.
	remoteOffer     *webrtc.SessionDescription
	offerApplied    bool
	earlyCandidates []webrtc.ICECandidateInit

	// Caller side.
	answerApplied   bool
	offer           *send
	localCandidates []send

	deferred []send
	timerGen uint64
	endSent  bool
}

func (s *session) status() Status { return s.info.Status }

func (s *session) remoteID() string { return s.route.To }

func (s *session) outgoing() bool { return s.info.CallerID == s.route.From }

// send is one outbound hub message, kept as a closure so it can be retried
// after a reconnect.
type send struct {
	what string
	fn   func(ctx context.Context) error
}

// op is a unit of work on a session's queue. Ops run one at a time, off the
// controller loop, and report back through an opResult.
type op struct {
	name string
	run  func(ctx context.Context) opResult
}

type opResult struct {
	conv string
	gen  uint64
	op   string

	err error
	// soft errors are logged without failing the call.
	soft     bool
	stream   *media.LocalStream
	offer    *send
	deferred *send
}

func (c *Controller) startOps(s *session) {
	s.ctx, s.cancel = context.WithCancel(c.runCtx)
	s.ops = queue.NewUnbounded[op]()
	ctx, ops, conv, gen := s.ctx, s.ops, s.info.ConversationID, s.gen
	go func() {
		for o := range ops.Out() {
			if ctx.Err() != nil {
				return
			}
			res := o.run(ctx)
			res.conv, res.gen, res.op = conv, gen, o.name
			c.inbox.Push(res)
			if res.err != nil && !res.soft {
				// The session is about to fail; later ops would act on a
				// half-built connection.
				return
			}
		}
	}()
}

func (c *Controller) enqueue(s *session, ops ...op) {
	if s.ops == nil {
		return
	}
	for _, o := range ops {
		s.ops.Push(o)
	}
}

func (c *Controller) deliver(ctx context.Context, snd send) error {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	return snd.fn(ctx)
}

func (c *Controller) signalSend(what string, sig signaling.CallSignal) send {
	return send{what: what, fn: func(ctx context.Context) error {
		return c.relay.SendSignal(ctx, sig)
	}}
}

// sendOp delivers snd; a disconnected hub defers it instead of failing.
func (c *Controller) sendOp(snd send) op {
	return op{name: snd.what, run: func(ctx context.Context) opResult {
		return c.deliverResult(ctx, snd, opResult{})
	}}
}

func (c *Controller) deliverResult(ctx context.Context, snd send, res opResult) opResult {
	if err := c.deliver(ctx, snd); err != nil {
		if isNotConnected(err) {
			res.deferred = &snd
			return res
		}
		res.err = err
	}
	return res
}

func attachOp(p Peer, constraints media.Constraints) op {
	return op{name: "attach", run: func(ctx context.Context) opResult {
		stream, err := p.AttachLocalStream(ctx, constraints)
		return opResult{stream: stream, err: err}
	}}
}

func (c *Controller) offerOp(p Peer, route signaling.Route) op {
	return op{name: "offer", run: func(ctx context.Context) opResult {
		desc, err := p.CreateOffer(ctx)
		if err != nil {
			return opResult{err: err}
		}
		sig, err := signaling.NewDescriptionSignal(route, desc)
		if err != nil {
			return opResult{err: err}
		}
		snd := c.signalSend("offer", sig)
		return c.deliverResult(ctx, snd, opResult{offer: &snd})
	}}
}

func (c *Controller) answerOp(p Peer, route signaling.Route) op {
	return op{name: "answer", run: func(ctx context.Context) opResult {
		desc, err := p.CreateAnswer(ctx)
		if err != nil {
			return opResult{err: err}
		}
		sig, err := signaling.NewDescriptionSignal(route, desc)
		if err != nil {
			return opResult{err: err}
		}
		return c.deliverResult(ctx, c.signalSend("answer", sig), opResult{})
	}}
}

func setRemoteOp(p Peer, desc webrtc.SessionDescription) op {
	return op{name: "set_remote_" + desc.Type.String(), run: func(ctx context.Context) opResult {
		return opResult{err: p.SetRemoteDescription(ctx, desc)}
	}}
}

func addCandidateOp(p Peer, cand webrtc.ICECandidateInit) op {
	return op{name: "add_candidate", run: func(ctx context.Context) opResult {
		err := p.AddICECandidate(ctx, cand)
		return opResult{err: err, soft: err != nil}
	}}
}
