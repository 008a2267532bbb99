package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type Status int

const (
	StatusIdle Status = iota
	StatusRingingOutgoing
	StatusRingingIncoming
	StatusConnecting
	StatusConnected
	StatusEnded
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRingingOutgoing:
		return "ringing_outgoing"
	case StatusRingingIncoming:
		return "ringing_incoming"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusFailed
}

var (
	ErrConflict           = errors.New("session: a call is already active for this conversation")
	ErrNoSession          = errors.New("session: no call for this conversation")
	ErrInvalidState       = errors.New("session: operation not valid in the current state")
	ErrRingTimeout        = errors.New("session: no answer")
	ErrNegotiationTimeout = errors.New("session: connection setup timed out")
	ErrICEFailed          = errors.New("session: media connection failed")
	ErrStopped            = errors.New("session: controller stopped")
)

// UserMessage renders err for display.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrPermissionDenied):
		return "Camera or microphone access was denied."
	case errors.Is(err, media.ErrNoDevice):
		return "No camera or microphone is available."
	case errors.Is(err, ErrRingTimeout):
		return "No answer."
	case errors.Is(err, ErrNegotiationTimeout), errors.Is(err, ErrICEFailed), errors.Is(err, peer.ErrNegotiation):
		return "Could not connect the call."
	case errors.Is(err, ErrConflict):
		return "A call is already in progress in this conversation."
	default:
		return "The call failed."
	}
}

// CallInfo is the record of one call.
type CallInfo struct {
	ConversationID  string
	CallerID        string
	CalleeID        string
	CallType        signaling.CallType
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	EndReason       signaling.EndReason
}

// Snapshot is the observable state of one conversation's call.
type Snapshot struct {
	ConversationID string
	Status         Status
	Call           CallInfo
	// Incoming is set while a received call awaits a decision.
	Incoming      *signaling.IncomingCallRequest
	Remote        directory.User
	LocalStream   *media.LocalStream
	RemoteStream  *media.RemoteStream
	RemotePresent bool
	Elapsed       time.Duration
	Err           error
}
