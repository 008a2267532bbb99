package peer

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

// newVNetPair returns two APIs attached to one virtual LAN.
func newVNetPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })

	apiA, err := NewAPI(APIOptions{Net: netA, Logger: slog.Default()})
	require.NoError(t, err)
	apiB, err := NewAPI(APIOptions{Net: netB})
	require.NoError(t, err)
	return apiA, apiB
}

func newTestAdapter(t *testing.T, api *webrtc.API, src media.Source) *Adapter {
	t.Helper()
	a, err := New(Options{API: api, Source: src})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func nextCandidate(t *testing.T, a *Adapter) webrtc.ICECandidateInit {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-a.Events():
			if c, ok := ev.(LocalCandidate); ok {
				return c.Candidate
			}
		case <-deadline:
			t.Fatal("no local candidate gathered")
			return webrtc.ICECandidateInit{}
		}
	}
}

func TestAdapterRoundTripBuffersEarlyCandidates(t *testing.T) {
	apiA, apiB := newVNetPair(t)
	ctx := context.Background()

	caller := newTestAdapter(t, apiA, &media.NullSource{})
	callee := newTestAdapter(t, apiB, &media.NullSource{})

	_, err := caller.AttachLocalStream(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	// A candidate that outruns the offer is held back, not dropped.
	early := nextCandidate(t, caller)
	require.NoError(t, callee.AddICECandidate(ctx, early))
	assert.Equal(t, 1, callee.PendingCandidates())
	assert.False(t, callee.RemoteDescriptionSet())

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	assert.Zero(t, callee.PendingCandidates())
	assert.True(t, callee.RemoteDescriptionSet())

	_, err = callee.AttachLocalStream(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))

	connected := func(a, other *Adapter, remoteTrack chan<- struct{}) <-chan struct{} {
		done := make(chan struct{})
		go func() {
			signaled := false
			for ev := range a.Events() {
				switch ev := ev.(type) {
				case LocalCandidate:
					_ = other.AddICECandidate(ctx, ev.Candidate)
				case RemoteStreamAvailable:
					if remoteTrack != nil {
						select {
						case remoteTrack <- struct{}{}:
						default:
						}
					}
				case ICEConnectionStateChanged:
					if ev.State == webrtc.ICEConnectionStateConnected && !signaled {
						signaled = true
						close(done)
					}
				}
			}
		}()
		return done
	}

	gotTrack := make(chan struct{}, 1)
	callerUp := connected(caller, callee, nil)
	calleeUp := connected(callee, caller, gotTrack)

	for _, ch := range []<-chan struct{}{callerUp, calleeUp} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatal("ICE did not connect")
		}
	}
	select {
	case <-gotTrack:
	case <-time.After(10 * time.Second):
		t.Fatal("remote track not surfaced")
	}
}

func TestAdapterAttachFailureIsReturned(t *testing.T) {
	a := newTestAdapter(t, nil, &media.NullSource{Err: media.ErrPermissionDenied})
	_, err := a.AttachLocalStream(context.Background(), media.Constraints{Audio: true, Video: true})
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Nil(t, a.LocalStream())
}

func TestAdapterNegotiationErrors(t *testing.T) {
	a := newTestAdapter(t, nil, &media.NullSource{})
	err := a.SetRemoteDescription(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})
	require.ErrorIs(t, err, ErrNegotiation)
	assert.False(t, a.RemoteDescriptionSet())
}

func TestAdapterCloseIsIdempotent(t *testing.T) {
	src := &media.NullSource{}
	a := newTestAdapter(t, nil, src)
	stream, err := a.AttachLocalStream(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, stream.Audio()[0].Stopped())

	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed")
	}
	_, err = a.CreateOffer(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.AddICECandidate(context.Background(), webrtc.ICECandidateInit{}), ErrClosed)
	_, err = a.AttachLocalStream(context.Background(), media.Constraints{Audio: true})
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, src.Acquisitions())
}

func TestAdapterCanceledContext(t *testing.T) {
	a := newTestAdapter(t, nil, &media.NullSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.CreateOffer(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoggerFactoryScopes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Tracef("hidden %d", 1)
	l.Infof("selected pair %s", "a<->b")
	l.Error("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "pion=ice")
	assert.Contains(t, out, "selected pair a<->b")
	assert.Contains(t, out, "level=ERROR")
}
