package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type fakeRelay struct {
	mu        sync.Mutex
	err       error
	log       []string
	signals   []signaling.CallSignal
	responses []signaling.CallResponse
	ended     []signaling.CallEnded
}

func (r *fakeRelay) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRelay) SendSignal(_ context.Context, sig signaling.CallSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, sig)
	r.log = append(r.log, "signal:"+string(sig.SignalType))
	return nil
}

func (r *fakeRelay) RespondToCall(_ context.Context, resp signaling.CallResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.responses = append(r.responses, resp)
	r.log = append(r.log, "respond:"+string(resp.Response))
	return nil
}

func (r *fakeRelay) EndCall(_ context.Context, ended signaling.CallEnded) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ended = append(r.ended, ended)
	r.log = append(r.log, "end:"+string(ended.Reason))
	return nil
}

func (r *fakeRelay) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *fakeRelay) Signals(st signaling.SignalType) []signaling.CallSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signaling.CallSignal
	for _, s := range r.signals {
		if s.SignalType == st {
			out = append(out, s)
		}
	}
	return out
}

func (r *fakeRelay) Responses() []signaling.CallResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.CallResponse(nil), r.responses...)
}

func (r *fakeRelay) Ended() []signaling.CallEnded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.CallEnded(nil), r.ended...)
}

type fakePeer struct {
	conv   string
	src    media.Source
	events *queue.Unbounded[peer.Event]
	onDone func()

	mu         sync.Mutex
	calls      []string
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	local      *media.LocalStream
	closed     bool
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePeer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + p.conv}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.conv}, nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "set_remote:"+desc.Type.String())
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "add_candidate")
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AttachLocalStream(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	p.record("attach")
	stream, err := p.src.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.local = stream
	p.mu.Unlock()
	return stream, nil
}

func (p *fakePeer) Events() <-chan peer.Event { return p.events.Out() }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.local.Stop()
	p.events.Close()
	p.onDone()
	return nil
}

func (p *fakePeer) emit(ev peer.Event) { p.events.Push(ev) }

// stallingSource never grants access, like a permission prompt nobody
// answers. Acquire returns only once its context is cancelled.
type stallingSource struct {
	started  chan struct{}
	returned chan struct{}
}

func newStallingSource() *stallingSource {
	return &stallingSource{started: make(chan struct{}), returned: make(chan struct{})}
}

func (s *stallingSource) Acquire(ctx context.Context, _ media.Constraints) (*media.LocalStream, error) {
	close(s.started)
	<-ctx.Done()
	close(s.returned)
	return nil, ctx.Err()
}

func (h *harness) useSource(src media.Source) {
	h.mu.Lock()
	h.source = src
	h.mu.Unlock()
}

type harness struct {
	t       *testing.T
	self    string
	clk     *clock.Mock
	relay   *fakeRelay
	src     *media.NullSource
	metrics *metrics.Metrics
	ctrl    *Controller
	inbound chan signaling.Inbound
	cancel  context.CancelFunc
	done    chan error
	stopped sync.Once

	mu      sync.Mutex
	source  media.Source // overrides src for peers created after it is set
	peers   []*fakePeer
	live    atomic.Int64
	maxLive atomic.Int64
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		self:    self,
		clk:     clock.NewMock(),
		relay:   &fakeRelay{},
		src:     &media.NullSource{Clock: clock.NewMock()},
		metrics: metrics.New(),
		inbound: make(chan signaling.Inbound, 16),
		done:    make(chan error, 1),
	}
	ctrl, err := New(Options{
		SelfID:  self,
		Relay:   h.relay,
		NewPeer: h.newPeer,
		Directory: directory.Static{
			"alice": {ID: "alice", Username: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", Username: "bob", DisplayName: "Bob"},
		},
		Clock:   h.clk,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- ctrl.Run(ctx, h.inbound) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopped.Do(func() {
		h.cancel()
		select {
		case err := <-h.done:
			assert.NoError(h.t, err)
		case <-time.After(5 * time.Second):
			h.t.Error("controller did not stop")
		}
	})
}

func (h *harness) newPeer(conv string) (Peer, error) {
	n := h.live.Add(1)
	for {
		hi := h.maxLive.Load()
		if n <= hi || h.maxLive.CompareAndSwap(hi, n) {
			break
		}
	}
	p := &fakePeer{
		conv:   conv,
		src:    h.src,
		events: queue.NewUnbounded[peer.Event](),
		onDone: func() { h.live.Add(-1) },
	}
	h.mu.Lock()
	if h.source != nil {
		p.src = h.source
	}
	h.peers = append(h.peers, p)
	h.mu.Unlock()
	return p, nil
}

func (h *harness) Peers() []*fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakePeer(nil), h.peers...)
}

func (h *harness) peer(i int) *fakePeer {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.Peers()) > i }, 2*time.Second, time.Millisecond)
	return h.Peers()[i]
}

func (h *harness) send(in signaling.Inbound) {
	h.t.Helper()
	select {
	case h.inbound <- in:
	case <-time.After(2 * time.Second):
		h.t.Fatal("controller not reading inbound events")
	}
}

func (h *harness) snapshot(conv string) Snapshot {
	s, _ := h.ctrl.Snapshot(conv)
	return s
}

func (h *harness) waitStatus(conv string, want Status) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.snapshot(conv).Status == want }, 2*time.Second, time.Millisecond,
		"waiting for %s", want)
	return h.snapshot(conv)
}

func (h *harness) waitFor(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, time.Millisecond, msg)
}

func route(from, to, conv string, ct signaling.CallType) signaling.Route {
	return signaling.Route{From: from, To: to, ConversationID: conv, CallType: ct}
}

func offerFrom(t *testing.T, r signaling.Route) signaling.Inbound {
	t.Helper()
	sig, err := signaling.NewDescriptionSignal(r, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"})
	require.NoError(t, err)
	return signaling.SignalReceived{Signal: sig}
}

func answerFrom(t *testing.T, r signaling.Route) signaling.Inbound {
	t.Helper()
	sig, err := signaling.NewDescriptionSignal(r, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"})
	require.NoError(t, err)
	return signaling.SignalReceived{Signal: sig}
}

func candidateFrom(t *testing.T, r signaling.Route, cand string) signaling.Inbound {
	t.Helper()
	mid := "0"
	sig, err := signaling.NewCandidateSignal(r, webrtc.ICECandidateInit{Candidate: cand, SDPMid: &mid})
	require.NoError(t, err)
	return signaling.SignalReceived{Signal: sig}
}

func incomingFrom(caller, conv string, ct signaling.CallType) signaling.Inbound {
	return signaling.IncomingCall{Request: signaling.IncomingCallRequest{
		ConversationID: conv,
		CallerID:       caller,
		CallerUsername: caller,
		CallType:       ct,
	}}
}

func peerLocalCandidate(cand string, mid *string) peer.Event {
	return peer.LocalCandidate{Candidate: webrtc.ICECandidateInit{Candidate: cand, SDPMid: mid}}
}

func iceState(s webrtc.ICEConnectionState) peer.Event {
	return peer.ICEConnectionStateChanged{State: s}
}
