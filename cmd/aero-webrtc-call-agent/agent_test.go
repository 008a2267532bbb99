package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
)

type fakeCalls struct {
	log []string
	err error
}

func (f *fakeCalls) AcceptCall(_ context.Context, conv string) error {
	f.log = append(f.log, "accept:"+conv)
	return f.err
}

func (f *fakeCalls) RejectCall(_ context.Context, conv, reason string) error {
	f.log = append(f.log, "reject:"+conv+":"+reason)
	return f.err
}

func (f *fakeCalls) Hangup(_ context.Context, conv string) error {
	f.log = append(f.log, "hangup:"+conv)
	return f.err
}

func (f *fakeCalls) Snapshots() []session.Snapshot {
	f.log = append(f.log, "snapshots")
	return []session.Snapshot{{ConversationID: "c1", Status: session.StatusConnected}}
}

type fakeToggles struct {
	audio, video, speaker bool
}

func (f *fakeToggles) ToggleAudio() (bool, error) { f.audio = !f.audio; return f.audio, nil }
func (f *fakeToggles) ToggleVideo() (bool, error) { f.video = !f.video; return f.video, nil }
func (f *fakeToggles) ToggleSpeaker() bool        { f.speaker = !f.speaker; return f.speaker }

func newTestAgent(autoAnswer, exitAfterCall bool) (*agent, *fakeCalls, *fakeToggles) {
	calls := &fakeCalls{}
	toggles := &fakeToggles{audio: true, video: true}
	return newAgent(calls, toggles, slog.New(slog.NewTextHandler(io.Discard, nil)), autoAnswer, exitAfterCall), calls, toggles
}

func snap(conv string, st session.Status) session.Snapshot {
	return session.Snapshot{ConversationID: conv, Status: st}
}

func TestAutoAnswerAcceptsOnce(t *testing.T) {
	a, calls, _ := newTestAgent(true, false)
	ctx := context.Background()

	a.handle(ctx, snap("c1", session.StatusRingingIncoming))
	a.handle(ctx, snap("c1", session.StatusRingingIncoming))
	a.handle(ctx, snap("c1", session.StatusConnecting))
	assert.Equal(t, []string{"accept:c1"}, calls.log)
}

func TestExitAfterCall(t *testing.T) {
	a, _, _ := newTestAgent(false, true)
	ctx := context.Background()

	// A terminal snapshot for a call this agent never saw live does not count.
	a.handle(ctx, snap("old", session.StatusEnded))
	select {
	case <-a.done:
		t.Fatal("done after unrelated call")
	default:
	}

	a.handle(ctx, snap("c1", session.StatusRingingOutgoing))
	a.handle(ctx, snap("c1", session.StatusRejected))
	a.handle(ctx, snap("c2", session.StatusRingingOutgoing))
	a.handle(ctx, snap("c2", session.StatusEnded))
	select {
	case <-a.done:
	default:
		t.Fatal("agent not done")
	}
}

func TestCommandsTargetCurrentCall(t *testing.T) {
	a, calls, toggles := newTestAgent(false, false)
	ctx := context.Background()

	require.Error(t, a.command(ctx, "hangup"))

	a.handle(ctx, snap("c1", session.StatusRingingIncoming))
	require.NoError(t, a.command(ctx, " Accept "))
	a.handle(ctx, snap("c1", session.StatusConnected))
	require.NoError(t, a.command(ctx, "mute"))
	require.NoError(t, a.command(ctx, "speaker"))
	require.NoError(t, a.command(ctx, "hangup"))
	a.handle(ctx, snap("c1", session.StatusEnded))

	assert.Equal(t, []string{"accept:c1", "hangup:c1"}, calls.log)
	assert.False(t, toggles.audio)
	assert.True(t, toggles.speaker)
	require.Error(t, a.command(ctx, "reject"))
	require.NoError(t, a.command(ctx, ""))

	a.handle(ctx, snap("c2", session.StatusRingingIncoming))
	require.NoError(t, a.command(ctx, "reject"))
	assert.Equal(t, "reject:c2:declined", calls.log[len(calls.log)-1])
	assert.ErrorContains(t, a.command(ctx, "dance"), "unknown command")

	require.NoError(t, a.command(ctx, "calls"))
	assert.Equal(t, "snapshots", calls.log[len(calls.log)-1])
}

func TestCommandErrorsPropagate(t *testing.T) {
	a, calls, _ := newTestAgent(false, false)
	calls.err = session.ErrInvalidState
	ctx := context.Background()

	a.handle(ctx, snap("c1", session.StatusConnecting))
	assert.True(t, errors.Is(a.command(ctx, "accept"), session.ErrInvalidState))
}
