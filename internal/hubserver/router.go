package hubserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// call is a routed call between two users. The hub learns about a call from
// its first offer and forgets it when either party ends it.
type call struct {
	conv     string
	caller   string
	callee   string
	callType signaling.CallType
	accepted bool
	// grace holds a timer per party whose last connection dropped.
	grace map[string]*clock.Timer
}

func (c *call) party(userID string) bool { return userID == c.caller || userID == c.callee }

func (c *call) other(userID string) string {
	if userID == c.caller {
		return c.callee
	}
	return c.caller
}

func (c *call) stopTimers() {
	for id, t := range c.grace {
		t.Stop()
		delete(c.grace, id)
	}
}

// Call describes a call the hub is routing.
type Call struct {
	ConversationID string
	CallerID       string
	CalleeID       string
	Accepted       bool
}

// Calls returns the calls currently routed.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, Call{ConversationID: c.conv, CallerID: c.caller, CalleeID: c.callee, Accepted: c.accepted})
	}
	return out
}

func (s *Server) dispatch(c *client, f hub.Frame) {
	arg, err := f.Argument()
	if err != nil {
		s.drop(c, f.Target, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Target {
	case signaling.MethodSendOffer, signaling.MethodSendAnswer, signaling.MethodSendIceCandidate:
		var sig signaling.CallSignal
		if err := signaling.Decode(arg, &sig); err != nil {
			s.drop(c, f.Target, err)
			return
		}
		if want, _ := signaling.MethodForSignal(sig.SignalType); want != f.Target {
			s.drop(c, f.Target, fmt.Errorf("signal type %q sent as %s", sig.SignalType, f.Target))
			return
		}
		if sig.FromUserID != c.userID {
			s.drop(c, f.Target, fmt.Errorf("fromUserId %q does not match the connection", sig.FromUserID))
			return
		}
		s.routeSignalLocked(c, sig)
	case signaling.MethodRespondToCall:
		var resp signaling.CallResponse
		if err := signaling.Decode(arg, &resp); err != nil {
			s.drop(c, f.Target, err)
			return
		}
		s.routeResponseLocked(c, resp)
	case signaling.MethodEndCall:
		var ended signaling.CallEnded
		if err := signaling.Decode(arg, &ended); err != nil {
			s.drop(c, f.Target, err)
			return
		}
		s.routeEndLocked(c, ended)
	default:
		s.drop(c, f.Target, fmt.Errorf("unknown method"))
	}
}

func (s *Server) drop(c *client, target string, err error) {
	s.metrics.Inc(metrics.FramesDropped)
	c.log.Warn("dropping invocation", "target", target, "err", err)
}

func (s *Server) routeSignalLocked(c *client, sig signaling.CallSignal) {
	cl := s.calls[sig.ConversationID]

	if cl == nil {
		if sig.SignalType != signaling.SignalOffer {
			s.drop(c, string(sig.SignalType), fmt.Errorf("no call in conversation %q", sig.ConversationID))
			return
		}
		if sig.ToUserID == c.userID {
			s.drop(c, string(sig.SignalType), fmt.Errorf("cannot call yourself"))
			return
		}
		if s.busyLocked(sig.ToUserID) {
			s.metrics.Inc(metrics.HubCallsBusy)
			c.log.Info("callee busy", "conversation_id", sig.ConversationID, "callee_id", sig.ToUserID)
			s.sendLocked(c.userID, signaling.MethodCallEndedReceived, signaling.CallEnded{
				ConversationID: sig.ConversationID,
				EndedByUserID:  sig.ToUserID,
				Reason:         signaling.EndReasonRejected,
			})
			return
		}
		cl = &call{
			conv:     sig.ConversationID,
			caller:   c.userID,
			callee:   sig.ToUserID,
			callType: sig.CallType,
			grace:    make(map[string]*clock.Timer),
		}
		s.calls[cl.conv] = cl
		s.metrics.Inc(metrics.HubCallsRouted)
		c.log.Info("call registered", "conversation_id", cl.conv, "callee_id", cl.callee, "call_type", string(cl.callType))
	}

	if !cl.party(c.userID) || sig.ToUserID != cl.other(c.userID) {
		s.drop(c, string(sig.SignalType), fmt.Errorf("not a party of the call in %q", sig.ConversationID))
		return
	}
	if sig.SignalType == signaling.SignalOffer && c.userID == cl.caller && !cl.accepted {
		// A repeated offer after a reconnect rings the callee again.
		s.sendLocked(cl.callee, signaling.MethodIncomingCall, s.incomingLocked(c, cl))
	}
	s.sendLocked(sig.ToUserID, signaling.MethodCallSignalReceived, sig)
}

func (s *Server) incomingLocked(c *client, cl *call) signaling.IncomingCallRequest {
	u := directory.Fallback(context.Background(), s.dir, cl.caller)
	if u.Username == cl.caller && c.username != "" {
		u.Username = c.username
	}
	return signaling.IncomingCallRequest{
		ConversationID:    cl.conv,
		CallerID:          cl.caller,
		CallerUsername:    u.Username,
		CallerDisplayName: u.DisplayName,
		CallerAvatarURL:   u.AvatarURL,
		CallType:          cl.callType,
	}
}

func (s *Server) routeResponseLocked(c *client, resp signaling.CallResponse) {
	cl := s.calls[resp.ConversationID]
	if cl == nil || c.userID != cl.callee {
		s.drop(c, signaling.MethodRespondToCall, fmt.Errorf("no call to respond to in %q", resp.ConversationID))
		return
	}
	switch resp.Response {
	case signaling.ResponseAccept:
		cl.accepted = true
	case signaling.ResponseReject:
		s.removeCallLocked(cl)
	}
	s.sendLocked(cl.caller, signaling.MethodCallResponseReceived, resp)
}

func (s *Server) routeEndLocked(c *client, ended signaling.CallEnded) {
	cl := s.calls[ended.ConversationID]
	if cl == nil || !cl.party(c.userID) {
		c.log.Debug("end for unknown call", "conversation_id", ended.ConversationID)
		return
	}
	ended.EndedByUserID = c.userID
	s.removeCallLocked(cl)
	s.deliverEndLocked(cl.other(c.userID), ended)
}

// deliverEndLocked sends a CallEnded notice, keeping it for replay when the
// user has no connection.
func (s *Server) deliverEndLocked(userID string, ended signaling.CallEnded) {
	if s.connectedLocked(userID) {
		s.sendLocked(userID, signaling.MethodCallEndedReceived, ended)
		return
	}
	data, err := encodeInvocation(signaling.MethodCallEndedReceived, ended)
	if err != nil {
		s.log.Error("encode call ended", "err", err)
		return
	}
	s.replay[userID] = append(s.replay[userID], data)
}

func (s *Server) removeCallLocked(cl *call) {
	cl.stopTimers()
	if s.calls[cl.conv] == cl {
		delete(s.calls, cl.conv)
	}
}

func (s *Server) busyLocked(userID string) bool {
	for _, cl := range s.calls {
		if cl.party(userID) {
			return true
		}
	}
	return false
}

func (s *Server) connectedLocked(userID string) bool {
	return len(s.clients[userID]) > 0
}

func (s *Server) userArrivedLocked(userID string) {
	for _, cl := range s.calls {
		if !cl.party(userID) {
			continue
		}
		if t, ok := cl.grace[userID]; ok {
			t.Stop()
			delete(cl.grace, userID)
		}
		s.sendLocked(cl.other(userID), signaling.MethodUserJoined, signaling.Presence{ConversationID: cl.conv, UserID: userID})
	}
}

func (s *Server) userLeftLocked(userID string) {
	for _, cl := range s.calls {
		if !cl.party(userID) {
			continue
		}
		if s.grace == 0 {
			s.expireLocked(cl, userID)
			continue
		}
		s.startGraceLocked(cl, userID)
		s.sendLocked(cl.other(userID), signaling.MethodUserLeft, signaling.Presence{ConversationID: cl.conv, UserID: userID})
	}
}

// startGraceLocked ends cl on behalf of userID unless they reconnect within
// the grace period.
func (s *Server) startGraceLocked(cl *call, userID string) {
	if _, ok := cl.grace[userID]; ok {
		return
	}
	cl.grace[userID] = s.clock.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.calls[cl.conv] != cl || cl.grace[userID] == nil || s.connectedLocked(userID) {
			return
		}
		s.expireLocked(cl, userID)
	})
}

func (s *Server) expireLocked(cl *call, userID string) {
	s.metrics.Inc(metrics.HubCallsExpired)
	s.log.Info("call expired after party disconnected", "conversation_id", cl.conv, "user_id", userID)
	s.removeCallLocked(cl)
	s.deliverEndLocked(cl.other(userID), signaling.CallEnded{
		ConversationID: cl.conv,
		EndedByUserID:  userID,
		Reason:         signaling.EndReasonError,
	})
}

func (s *Server) sendLocked(userID, method string, payload any) {
	conns := s.clients[userID]
	if len(conns) == 0 {
		return
	}
	data, err := encodeInvocation(method, payload)
	if err != nil {
		s.log.Error("encode invocation", "method", method, "err", err)
		return
	}
	for c := range conns {
		c.out.Push(outFrame{data: data})
	}
}

func encodeInvocation(method string, payload any) (json.RawMessage, error) {
	f, err := hub.NewInvocation(method, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
