// Package peer wraps a pion PeerConnection for one call: SDP negotiation,
// trickle ICE with candidate buffering, and local/remote media attachment.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
)

var (
	ErrNegotiation = errors.New("peer: negotiation failed")
	ErrClosed      = errors.New("peer: closed")
)

// Event is one of LocalCandidate, RemoteStreamAvailable or
// ICEConnectionStateChanged.
type Event interface {
	isEvent()
}

// LocalCandidate is a gathered candidate to trickle to the remote party.
type LocalCandidate struct {
	Candidate webrtc.ICECandidateInit
}

type RemoteStreamAvailable struct {
	Stream *media.RemoteStream
	Kind   webrtc.RTPCodecType
}

// ICEConnectionStateChanged is reported as-is; the adapter never reacts to
// ICE failure itself.
type ICEConnectionStateChanged struct {
	State webrtc.ICEConnectionState
}

func (LocalCandidate) isEvent()            {}
func (RemoteStreamAvailable) isEvent()     {}
func (ICEConnectionStateChanged) isEvent() {}

type Options struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Source     media.Source
	Sink       media.Sink
	Logger     *slog.Logger
}

// Adapter owns one PeerConnection. Negotiation operations are serialized:
// at most one of CreateOffer, CreateAnswer, SetRemoteDescription and
// AddICECandidate runs at a time.
type Adapter struct {
	pc     *webrtc.PeerConnection
	source media.Source
	log    *slog.Logger

	opMu sync.Mutex

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	local     *media.LocalStream
	remote    *media.RemoteStream
	closed    bool

	events    *queue.Unbounded[Event]
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Adapter, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{Logger: opts.Logger}); err != nil {
			return nil, err
		}
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("peer: media source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	a := &Adapter{
		pc:     pc,
		source: opts.Source,
		log:    logger,
		remote: media.NewRemoteStream(opts.Sink),
		events: queue.NewUnbounded[Event](),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		a.events.Push(LocalCandidate{Candidate: c.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.log.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		a.remote.AddTrack(track)
		a.events.Push(RemoteStreamAvailable{Stream: a.remote, Kind: track.Kind()})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		a.log.Debug("ice connection state", "state", state.String())
		a.events.Push(ICEConnectionStateChanged{State: state})
	})

	return a, nil
}

// Events delivers adapter events in the order pion raised them. The channel
// closes after Close.
func (a *Adapter) Events() <-chan Event { return a.events.Out() }

// Done is closed once the adapter is closed.
func (a *Adapter) Done() <-chan struct{} { return a.done }

func (a *Adapter) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return a.createLocal(ctx, "offer", func() (webrtc.SessionDescription, error) {
		return a.pc.CreateOffer(nil)
	})
}

func (a *Adapter) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return a.createLocal(ctx, "answer", func() (webrtc.SessionDescription, error) {
		return a.pc.CreateAnswer(nil)
	})
}

// createLocal creates a description and applies it locally before it is
// handed back for transmission.
func (a *Adapter) createLocal(ctx context.Context, what string, create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.check(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}

	desc, err := create()
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError("create "+what, err)
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := a.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, negotiationError("set local "+what, err)
	}
	return desc, nil
}

// SetRemoteDescription applies desc and then flushes buffered candidates in
// arrival order.
func (a *Adapter) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.check(ctx); err != nil {
		return err
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return negotiationError("set remote "+desc.Type.String(), err)
	}

	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			a.log.Warn("dropping buffered remote candidate", "err", err)
		}
	}
	return nil
}

// AddICECandidate applies c, or buffers it until the remote description is
// set.
func (a *Adapter) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.check(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, c)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.pc.AddICECandidate(c); err != nil {
		return negotiationError("add ice candidate", err)
	}
	return nil
}

// AttachLocalStream acquires capture for c and adds its tracks to the
// connection. Acquisition errors are returned unchanged so callers can match
// media.ErrPermissionDenied and media.ErrNoDevice.
func (a *Adapter) AttachLocalStream(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	stream, err := a.source.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.check(ctx); err != nil {
		stream.Stop()
		return nil, err
	}

	for _, t := range stream.Tracks() {
		sender, err := a.pc.AddTrack(t.Track())
		if err != nil {
			stream.Stop()
			return nil, negotiationError("add track", err)
		}
		if err := t.Bind(sender); err != nil {
			stream.Stop()
			return nil, negotiationError("bind track", err)
		}
		go drainRTCP(sender)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stream.Stop()
		return nil, ErrClosed
	}
	a.local = stream
	a.mu.Unlock()
	return stream, nil
}

// drainRTCP keeps interceptors fed; pion needs someone reading sender RTCP.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (a *Adapter) LocalStream() *media.LocalStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

func (a *Adapter) RemoteStream() *media.RemoteStream { return a.remote }

func (a *Adapter) RemoteDescriptionSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteSet
}

// PendingCandidates is the number of remote candidates waiting for the
// remote description.
func (a *Adapter) PendingCandidates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops local tracks and remote playback and closes the connection. It
// is safe to call more than once and from any goroutine, including while a
// negotiation operation is in flight.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		local := a.local
		a.pending = nil
		a.mu.Unlock()

		local.Stop()
		a.remote.Stop()
		a.closeErr = a.pc.Close()
		a.events.Close()
		close(a.done)
	})
	return a.closeErr
}

func (a *Adapter) check(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func negotiationError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNegotiation, op, err)
}
