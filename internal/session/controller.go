// Package session owns the lifecycle of calls: one state machine per
// conversation, driven by user commands, inbound signaling, peer events and
// call timers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/timeout"
)

const (
	DefaultSendTimeout = 10 * time.Second

	shutdownSendTimeout = 2 * time.Second
)

// Relay is the outbound half of signaling.Relay.
type Relay interface {
	SendSignal(ctx context.Context, sig signaling.CallSignal) error
	RespondToCall(ctx context.Context, resp signaling.CallResponse) error
	EndCall(ctx context.Context, ended signaling.CallEnded) error
}

// Peer is the subset of *peer.Adapter the controller drives.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	AttachLocalStream(ctx context.Context, c media.Constraints) (*media.LocalStream, error)
	Events() <-chan peer.Event
	Close() error
}

var _ Peer = (*peer.Adapter)(nil)

// PeerFactory creates the peer connection for a call. It is only invoked
// once the local user has committed to the call.
type PeerFactory func(conversationID string) (Peer, error)

type Options struct {
	// SelfID is the local user's id.
	SelfID    string
	Relay     Relay
	NewPeer   PeerFactory
	Directory directory.Directory

	Clock              clock.Clock
	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	SendTimeout        time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Controller runs every call the local user takes part in. State changes
// happen on the goroutine running Run; the exported methods are safe for
// concurrent use.
type Controller struct {
	self        string
	relay       Relay
	newPeer     PeerFactory
	dir         directory.Directory
	clock       clock.Clock
	timers      *timeout.Supervisor
	sendTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics

	runCtx    context.Context
	runCancel context.CancelFunc
	inbox     *queue.Unbounded[any]
	outbox    *queue.Unbounded[send]
	stopped   chan struct{}
	runOnce   sync.Once

	mu           sync.Mutex
	sessions     map[string]*session
	nextGen      uint64
	deferred     []send
	dirty        map[*session]struct{}
	watchers     map[*queue.Unbounded[Snapshot]]struct{}
	shuttingDown bool
	closed       bool
}

func New(opts Options) (*Controller, error) {
	if strings.TrimSpace(opts.SelfID) == "" {
		return nil, errors.New("session: SelfID is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("session: Relay is required")
	}
	if opts.NewPeer == nil {
		return nil, errors.New("session: NewPeer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Controller{
		self:        opts.SelfID,
		relay:       opts.Relay,
		newPeer:     opts.NewPeer,
		dir:         opts.Directory,
		clock:       opts.Clock,
		sendTimeout: opts.SendTimeout,
		log:         logger.With("component", "session"),
		metrics:     opts.Metrics,
		runCtx:      runCtx,
		runCancel:   runCancel,
		inbox:       queue.NewUnbounded[any](),
		outbox:      queue.NewUnbounded[send](),
		stopped:     make(chan struct{}),
		sessions:    make(map[string]*session),
		dirty:       make(map[*session]struct{}),
		watchers:    make(map[*queue.Unbounded[Snapshot]]struct{}),
	}
	c.timers = timeout.New(timeout.Options{
		Clock:              opts.Clock,
		RingTimeout:        opts.RingTimeout,
		NegotiationTimeout: opts.NegotiationTimeout,
		OnExpire:           func(e timeout.Expiry) { c.inbox.Push(e) },
	})
	return c, nil
}

// Run processes events until ctx is canceled. Inbound should come from
// signaling.Relay.Subscribe. On return every live call has been ended and the
// remote side notified where the hub allowed it.
func (c *Controller) Run(ctx context.Context, inbound <-chan signaling.Inbound) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session: Run called twice")
	}
	defer c.stop()

	go c.runOutbox()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				c.log.Warn("signaling stream closed")
				continue
			}
			c.handle(in)
		case ev, ok := <-c.inbox.Out():
			if !ok {
				return nil
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) runOutbox() {
	for snd := range c.outbox.Out() {
		err := c.deliver(c.runCtx, snd)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return
		case isNotConnected(err):
			c.inbox.Push(deferredControl{snd})
		default:
			c.log.Warn("send failed", "what", snd.what, "err", err)
		}
	}
}

// stop ends every live call, notifying the remote side synchronously, and
// releases the controller's goroutines.
func (c *Controller) stop() {
	c.mu.Lock()
	c.shuttingDown = true
	for _, s := range c.sortedSessions() {
		if s.status().Terminal() {
			continue
		}
		c.hangupLocked(s)
	}
	c.closed = true
	c.flushLocked()
	for w := range c.watchers {
		w.Finish()
	}
	c.watchers = nil
	c.mu.Unlock()

	c.timers.Stop()
	c.runCancel()
	c.outbox.Close()
	c.inbox.Close()
	close(c.stopped)
}

type commandKind int

const (
	cmdInitiate commandKind = iota
	cmdAccept
	cmdReject
	cmdHangup
	cmdResync
)

type command struct {
	kind   commandKind
	conv   string
	gen    uint64
	reason string
	reply  chan error
}

func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	if !c.inbox.Push(cmd) {
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// InitiateCall starts an outgoing call. It fails with ErrConflict if the
// conversation already has a live call; the check happens before any media
// is acquired. Progress is reported through Watch.
func (c *Controller) InitiateCall(ctx context.Context, conversationID, calleeID string, callType signaling.CallType) error {
	if conversationID == "" || calleeID == "" {
		return fmt.Errorf("%w: conversation and callee are required", ErrInvalidState)
	}
	if calleeID == c.self {
		return fmt.Errorf("%w: cannot call yourself", ErrInvalidState)
	}
	if err := callType.Validate(); err != nil {
		return err
	}
	remote := directory.Fallback(ctx, c.dir, calleeID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrStopped
	}
	if s := c.sessions[conversationID]; s != nil && !s.status().Terminal() {
		c.mu.Unlock()
		c.metrics.Inc(metrics.CallsConflict)
		return ErrConflict
	}
	c.nextGen++
	now := c.clock.Now()
	s := &session{
		gen: c.nextGen,
		info: CallInfo{
			ConversationID: conversationID,
			CallerID:       c.self,
			CalleeID:       calleeID,
			CallType:       callType,
			Status:         StatusRingingOutgoing,
			StartedAt:      now,
		},
		route: signaling.Route{
			From:           c.self,
			To:             calleeID,
			ConversationID: conversationID,
			CallType:       callType,
		},
		remote:        remote,
		remotePresent: true,
	}
	c.sessions[conversationID] = s
	c.touch(s)
	c.flushLocked()
	c.mu.Unlock()

	return c.do(ctx, command{kind: cmdInitiate, conv: conversationID, gen: s.gen})
}

// AcceptCall answers a ringing incoming call.
func (c *Controller) AcceptCall(ctx context.Context, conversationID string) error {
	return c.do(ctx, command{kind: cmdAccept, conv: conversationID})
}

// RejectCall declines a ringing incoming call. No media is acquired.
func (c *Controller) RejectCall(ctx context.Context, conversationID, reason string) error {
	return c.do(ctx, command{kind: cmdReject, conv: conversationID, reason: reason})
}

// Hangup ends the call in any live state. Hanging up a ringing incoming call
// rejects it. Hanging up a finished call is a no-op.
func (c *Controller) Hangup(ctx context.Context, conversationID string) error {
	return c.do(ctx, command{kind: cmdHangup, conv: conversationID})
}

// Resync re-delivers signaling that could not be sent while the hub was
// disconnected. Call it after every successful reconnect.
func (c *Controller) Resync(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdResync})
}

// Snapshot returns the state of the call in conversationID.
func (c *Controller) Snapshot(conversationID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[conversationID]
	if !ok {
		return Snapshot{ConversationID: conversationID, Status: StatusIdle}, false
	}
	return c.snapshotLocked(s), true
}

// Snapshots returns every known call, ordered by conversation id.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.sessions))
	for _, s := range c.sortedSessions() {
		out = append(out, c.snapshotLocked(s))
	}
	return out
}

// Watch streams a snapshot every time a call changes. Delivery never blocks
// the controller. The channel closes when the returned function is called, or
// after the final snapshots once the controller stops.
func (c *Controller) Watch() (<-chan Snapshot, func()) {
	w := queue.NewUnbounded[Snapshot]()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.Close()
		return w.Out(), func() {}
	}
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return w.Out(), func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, w)
			c.mu.Unlock()
			w.Close()
		})
	}
}

func (c *Controller) snapshotLocked(s *session) Snapshot {
	snap := Snapshot{
		ConversationID: s.info.ConversationID,
		Status:         s.info.Status,
		Call:           s.info,
		Remote:         s.remote,
		LocalStream:    s.localStream,
		RemoteStream:   s.remoteStream,
		RemotePresent:  s.remotePresent,
		Err:            s.err,
	}
	if s.status() == StatusRingingIncoming && s.incoming != nil {
		req := *s.incoming
		snap.Incoming = &req
	}
	if !s.connectedAt.IsZero() {
		end := c.clock.Now()
		if s.info.EndedAt != nil {
			end = *s.info.EndedAt
		}
		snap.Elapsed = end.Sub(s.connectedAt)
	}
	return snap
}

func (c *Controller) sortedSessions() []*session {
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].info.ConversationID < out[j].info.ConversationID
	})
	return out
}

func (c *Controller) touch(s *session) {
	c.dirty[s] = struct{}{}
}

func (c *Controller) flushLocked() {
	if len(c.dirty) == 0 {
		return
	}
	for s := range c.dirty {
		snap := c.snapshotLocked(s)
		for w := range c.watchers {
			w.Push(snap)
		}
	}
	clear(c.dirty)
}
