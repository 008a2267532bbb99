package hubserver_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hubserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const secret = "integration-secret"

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
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

	apiA, err := peer.NewAPI(peer.APIOptions{Net: netA})
	require.NoError(t, err)
	apiB, err := peer.NewAPI(peer.APIOptions{Net: netB})
	require.NoError(t, err)
	return apiA, apiB
}

type agent struct {
	t       *testing.T
	ctrl    *session.Controller
	mgr     *hub.Manager
	metrics *metrics.Metrics
}

func startAgent(t *testing.T, hubURL string, issuer *auth.Issuer, userID string, api *webrtc.API) *agent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()
	logger := slog.Default().With("user_id", userID)

	mgr := hub.NewManager(hub.Options{Logger: logger, Metrics: m})
	relay := signaling.NewRelay(mgr, logger, m)
	inbound, unsubscribe := relay.Subscribe()

	ctrl, err := session.New(session.Options{
		SelfID: userID,
		Relay:  relay,
		NewPeer: func(string) (session.Peer, error) {
			return peer.New(peer.Options{API: api, Source: &media.NullSource{}, Logger: logger})
		},
		Logger:  logger,
		Metrics: m,
	})
	require.NoError(t, err)
	mgr.OnResync(func(ctx context.Context) { _ = ctrl.Resync(ctx) })

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, inbound) }()

	tok, err := issuer.Issue(userID, userID)
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(ctx, hubURL, auth.Static(tok)))

	t.Cleanup(func() {
		cancel()
		<-done
		unsubscribe()
		_ = mgr.Close()
	})
	return &agent{t: t, ctrl: ctrl, mgr: mgr, metrics: m}
}

func (a *agent) waitStatus(conv string, want session.Status) session.Snapshot {
	a.t.Helper()
	var snap session.Snapshot
	require.Eventually(a.t, func() bool {
		snap, _ = a.ctrl.Snapshot(conv)
		return snap.Status == want
	}, 20*time.Second, 10*time.Millisecond, "waiting for %s", want)
	return snap
}

func TestCallThroughHub(t *testing.T) {
	verifier, err := auth.NewVerifier(secret, nil)
	require.NoError(t, err)
	srv, err := hubserver.New(hubserver.Options{
		Verifier: verifier,
		Directory: directory.Static{
			"alice": {ID: "alice", Username: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", Username: "bob", DisplayName: "Bob"},
		},
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.Handle("GET /hub", srv)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	hubURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/hub"

	issuer := auth.NewIssuer(secret, time.Hour, nil)
	apiA, apiB := newVNetAPIs(t)
	alice := startAgent(t, hubURL, issuer, "alice", apiA)
	bob := startAgent(t, hubURL, issuer, "bob", apiB)

	ctx := context.Background()
	require.NoError(t, alice.ctrl.InitiateCall(ctx, "c1", "bob", signaling.CallAudio))

	ringing := bob.waitStatus("c1", session.StatusRingingIncoming)
	require.NotNil(t, ringing.Incoming)
	assert.Equal(t, "Alice", ringing.Incoming.CallerDisplayName)
	assert.Equal(t, "alice", ringing.Call.CallerID)

	require.NoError(t, bob.ctrl.AcceptCall(ctx, "c1"))
	aliceSnap := alice.waitStatus("c1", session.StatusConnected)
	bobSnap := bob.waitStatus("c1", session.StatusConnected)
	assert.NotNil(t, aliceSnap.LocalStream)
	assert.NotNil(t, bobSnap.LocalStream)
	require.Eventually(t, func() bool {
		snap, _ := bob.ctrl.Snapshot("c1")
		return snap.RemoteStream != nil
	}, 20*time.Second, 10*time.Millisecond)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Accepted)

	require.NoError(t, alice.ctrl.Hangup(ctx, "c1"))
	ended := bob.waitStatus("c1", session.StatusEnded)
	assert.Equal(t, signaling.EndReasonEnded, ended.Call.EndReason)
	assert.Nil(t, ended.LocalStream)
	require.Eventually(t, func() bool { return len(srv.Calls()) == 0 }, 5*time.Second, 10*time.Millisecond)

	// The conversation is free for another call once both sides have ended.
	require.NoError(t, bob.ctrl.InitiateCall(ctx, "c1", "alice", signaling.CallAudio))
	alice.waitStatus("c1", session.StatusRingingIncoming)
	require.NoError(t, alice.ctrl.RejectCall(ctx, "c1", "busy"))
	bob.waitStatus("c1", session.StatusRejected)
	assert.Equal(t, uint64(1), alice.metrics.Get(metrics.CallsRejected))
}
