package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
)

type callControl interface {
	AcceptCall(ctx context.Context, conversationID string) error
	RejectCall(ctx context.Context, conversationID, reason string) error
	Hangup(ctx context.Context, conversationID string) error
	Snapshots() []session.Snapshot
}

type mediaToggles interface {
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	ToggleSpeaker() bool
}

// agent reacts to call snapshots and operator commands on behalf of a
// headless user.
type agent struct {
	calls         callControl
	toggles       mediaToggles
	log           *slog.Logger
	autoAnswer    bool
	exitAfterCall bool

	status  map[string]session.Status
	current string
	// done is closed once the first call ends when exitAfterCall is set.
	done chan struct{}
}

func newAgent(calls callControl, toggles mediaToggles, logger *slog.Logger, autoAnswer, exitAfterCall bool) *agent {
	return &agent{
		calls:         calls,
		toggles:       toggles,
		log:           logger,
		autoAnswer:    autoAnswer,
		exitAfterCall: exitAfterCall,
		status:        make(map[string]session.Status),
		done:          make(chan struct{}),
	}
}

func (a *agent) handle(ctx context.Context, snap session.Snapshot) {
	prev, seen := a.status[snap.ConversationID]
	if seen && prev == snap.Status {
		return
	}
	a.status[snap.ConversationID] = snap.Status

	attrs := []any{"conversation_id", snap.ConversationID, "status", snap.Status.String(), "remote", snap.Remote.Username}
	if snap.Err != nil {
		attrs = append(attrs, "err", snap.Err, "message", session.UserMessage(snap.Err))
	}
	if snap.Call.DurationSeconds != nil {
		attrs = append(attrs, "duration_seconds", *snap.Call.DurationSeconds)
	}
	a.log.Info("call status", attrs...)

	if !snap.Status.Terminal() {
		a.current = snap.ConversationID
	} else if a.current == snap.ConversationID {
		a.current = ""
	}

	switch {
	case snap.Status == session.StatusRingingIncoming && a.autoAnswer:
		if err := a.calls.AcceptCall(ctx, snap.ConversationID); err != nil {
			a.log.Warn("auto-answer failed", "conversation_id", snap.ConversationID, "err", err)
		}
	case snap.Status.Terminal() && seen && a.exitAfterCall:
		select {
		case <-a.done:
		default:
			close(a.done)
		}
	}
}

const commandHelp = "commands: accept, reject, hangup, mute, video, speaker, calls"

// command runs one operator command against the current call.
func (a *agent) command(ctx context.Context, line string) error {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
		return nil
	case "help", "?":
		a.log.Info(commandHelp)
		return nil
	case "mute":
		on, err := a.toggles.ToggleAudio()
		a.log.Info("microphone", "enabled", on)
		return err
	case "video":
		on, err := a.toggles.ToggleVideo()
		a.log.Info("camera", "enabled", on)
		return err
	case "speaker":
		a.log.Info("speaker", "muted", a.toggles.ToggleSpeaker())
		return nil
	case "calls":
		for _, snap := range a.calls.Snapshots() {
			a.log.Info("call", "conversation_id", snap.ConversationID, "status", snap.Status.String(),
				"remote", snap.Remote.Username, "elapsed", snap.Elapsed)
		}
		return nil
	}

	if a.current == "" {
		return fmt.Errorf("no active call for %q", cmd)
	}
	switch cmd {
	case "accept":
		return a.calls.AcceptCall(ctx, a.current)
	case "reject":
		return a.calls.RejectCall(ctx, a.current, "declined")
	case "hangup":
		return a.calls.Hangup(ctx, a.current)
	default:
		return fmt.Errorf("unknown command %q (%s)", cmd, commandHelp)
	}
}
