package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Validate() error {
	switch t {
	case CallAudio, CallVideo:
		return nil
	default:
		return fmt.Errorf("unsupported call type %q", t)
	}
}

func (t CallType) WantsVideo() bool { return t == CallVideo }

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

type Response string

const (
	ResponseAccept Response = "accept"
	ResponseReject Response = "reject"
)

type EndReason string

const (
	EndReasonEnded    EndReason = "ended"
	EndReasonRejected EndReason = "rejected"
	EndReasonTimeout  EndReason = "timeout"
	EndReasonError    EndReason = "error"
)

func (r EndReason) Validate() error {
	switch r {
	case EndReasonEnded, EndReasonRejected, EndReasonTimeout, EndReasonError:
		return nil
	default:
		return fmt.Errorf("unsupported end reason %q", r)
	}
}

// ValidationError reports a payload that decoded but is not acceptable.
type ValidationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s: %s", e.Type, e.Field, e.Reason)
}

func invalid(typ, field, reason string) error {
	return &ValidationError{Type: typ, Field: field, Reason: reason}
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// CallSignal carries one negotiation step between the two parties of a call.
// Payload is an SDP for offer and answer and a Candidate for ice-candidate.
type CallSignal struct {
	FromUserID     string          `json:"fromUserId"`
	ToUserID       string          `json:"toUserId"`
	ConversationID string          `json:"conversationId"`
	CallType       CallType        `json:"callType"`
	SignalType     SignalType      `json:"signalType"`
	Payload        json.RawMessage `json:"payload"`
}

// Route identifies the parties of a signal.
type Route struct {
	From           string
	To             string
	ConversationID string
	CallType       CallType
}

func NewDescriptionSignal(r Route, desc webrtc.SessionDescription) (CallSignal, error) {
	var st SignalType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		st = SignalOffer
	case webrtc.SDPTypeAnswer:
		st = SignalAnswer
	default:
		return CallSignal{}, fmt.Errorf("unsupported sdp type %q", desc.Type.String())
	}
	payload, err := json.Marshal(SDPFromPion(desc))
	if err != nil {
		return CallSignal{}, err
	}
	return r.signal(st, payload), nil
}

func NewCandidateSignal(r Route, init webrtc.ICECandidateInit) (CallSignal, error) {
	payload, err := json.Marshal(CandidateFromPion(init))
	if err != nil {
		return CallSignal{}, err
	}
	return r.signal(SignalICECandidate, payload), nil
}

func (r Route) signal(st SignalType, payload json.RawMessage) CallSignal {
	return CallSignal{
		FromUserID:     r.From,
		ToUserID:       r.To,
		ConversationID: r.ConversationID,
		CallType:       r.CallType,
		SignalType:     st,
		Payload:        payload,
	}
}

// Description decodes the SDP payload of an offer or answer signal.
func (s CallSignal) Description() (webrtc.SessionDescription, error) {
	if s.SignalType != SignalOffer && s.SignalType != SignalAnswer {
		return webrtc.SessionDescription{}, invalid("CallSignal", "signalType", fmt.Sprintf("%q has no description", s.SignalType))
	}
	var sdp SDP
	if err := decodeStrict(s.Payload, &sdp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode sdp: %w", err)
	}
	if sdp.Type != string(s.SignalType) {
		return webrtc.SessionDescription{}, invalid("CallSignal", "payload.type", fmt.Sprintf("%q does not match signal type %q", sdp.Type, s.SignalType))
	}
	if sdp.SDP == "" {
		return webrtc.SessionDescription{}, invalid("CallSignal", "payload.sdp", "empty")
	}
	return sdp.ToPion()
}

// Candidate decodes the payload of an ice-candidate signal.
func (s CallSignal) Candidate() (webrtc.ICECandidateInit, error) {
	if s.SignalType != SignalICECandidate {
		return webrtc.ICECandidateInit{}, invalid("CallSignal", "signalType", fmt.Sprintf("%q is not a candidate", s.SignalType))
	}
	var c Candidate
	if err := decodeStrict(s.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	return c.ToPion(), nil
}

func (s CallSignal) Validate() error {
	const typ = "CallSignal"
	if s.FromUserID == "" {
		return invalid(typ, "fromUserId", "required")
	}
	if s.ToUserID == "" {
		return invalid(typ, "toUserId", "required")
	}
	if s.ConversationID == "" {
		return invalid(typ, "conversationId", "required")
	}
	if err := s.CallType.Validate(); err != nil {
		return invalid(typ, "callType", err.Error())
	}
	if _, ok := MethodForSignal(s.SignalType); !ok {
		return invalid(typ, "signalType", fmt.Sprintf("unsupported %q", s.SignalType))
	}
	if len(bytes.TrimSpace(s.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(s.Payload), []byte("null")) {
		return invalid(typ, "payload", "required")
	}
	return nil
}

type IncomingCallRequest struct {
	ConversationID    string   `json:"conversationId"`
	CallerID          string   `json:"callerId"`
	CallerUsername    string   `json:"callerUsername"`
	CallerDisplayName string   `json:"callerDisplayName,omitempty"`
	CallerAvatarURL   string   `json:"callerAvatarUrl,omitempty"`
	CallType          CallType `json:"callType"`
}

func (r IncomingCallRequest) Validate() error {
	const typ = "IncomingCallRequest"
	if r.ConversationID == "" {
		return invalid(typ, "conversationId", "required")
	}
	if r.CallerID == "" {
		return invalid(typ, "callerId", "required")
	}
	if r.CallerUsername == "" {
		return invalid(typ, "callerUsername", "required")
	}
	if err := r.CallType.Validate(); err != nil {
		return invalid(typ, "callType", err.Error())
	}
	return nil
}

type CallResponse struct {
	ConversationID string   `json:"conversationId"`
	Response       Response `json:"response"`
	Reason         string   `json:"reason,omitempty"`
}

func (r CallResponse) Validate() error {
	const typ = "CallResponse"
	if r.ConversationID == "" {
		return invalid(typ, "conversationId", "required")
	}
	if r.Response != ResponseAccept && r.Response != ResponseReject {
		return invalid(typ, "response", fmt.Sprintf("unsupported %q", r.Response))
	}
	return nil
}

type CallEnded struct {
	ConversationID  string    `json:"conversationId"`
	EndedByUserID   string    `json:"endedByUserId"`
	Reason          EndReason `json:"reason"`
	DurationSeconds *int      `json:"durationSeconds,omitempty"`
}

func (e CallEnded) Validate() error {
	const typ = "CallEnded"
	if e.ConversationID == "" {
		return invalid(typ, "conversationId", "required")
	}
	if e.EndedByUserID == "" {
		return invalid(typ, "endedByUserId", "required")
	}
	if err := e.Reason.Validate(); err != nil {
		return invalid(typ, "reason", err.Error())
	}
	if e.DurationSeconds != nil && *e.DurationSeconds < 0 {
		return invalid(typ, "durationSeconds", "negative")
	}
	return nil
}

// Presence reports a call party joining or leaving the hub.
type Presence struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (p Presence) Validate() error {
	if p.ConversationID == "" {
		return invalid("Presence", "conversationId", "required")
	}
	if p.UserID == "" {
		return invalid("Presence", "userId", "required")
	}
	return nil
}

type validator interface {
	Validate() error
}

// Decode strictly decodes a single JSON value into v and validates it.
func Decode(data []byte, v validator) error {
	if err := decodeStrict(data, v); err != nil {
		return err
	}
	return v.Validate()
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
