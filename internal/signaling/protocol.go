package signaling

// Hub methods invoked by clients.
const (
	MethodSendOffer        = "SendOffer"
	MethodSendAnswer       = "SendAnswer"
	MethodSendIceCandidate = "SendIceCandidate"
	MethodRespondToCall    = "RespondToCall"
	MethodEndCall          = "EndCall"
)

// Hub methods invoked on clients.
const (
	MethodIncomingCall         = "IncomingCall"
	MethodCallSignalReceived   = "CallSignalReceived"
	MethodCallResponseReceived = "CallResponseReceived"
	MethodCallEndedReceived    = "CallEndedReceived"
	MethodUserJoined           = "UserJoined"
	MethodUserLeft             = "UserLeft"
)

// InboundMethods lists every method a client subscribes to.
var InboundMethods = []string{
	MethodIncomingCall,
	MethodCallSignalReceived,
	MethodCallResponseReceived,
	MethodCallEndedReceived,
	MethodUserJoined,
	MethodUserLeft,
}

// MethodForSignal returns the outbound method that carries a signal of type t.
func MethodForSignal(t SignalType) (string, bool) {
	switch t {
	case SignalOffer:
		return MethodSendOffer, true
	case SignalAnswer:
		return MethodSendAnswer, true
	case SignalICECandidate:
		return MethodSendIceCandidate, true
	default:
		return "", false
	}
}
