package metrics

import "sync"

// Event names. Call outcome counters are suffixed with the end reason.
const (
	CallsInitiated      = "calls_initiated"
	CallsIncoming       = "calls_incoming"
	CallsAccepted       = "calls_accepted"
	CallsRejected       = "calls_rejected"
	CallsConnected      = "calls_connected"
	CallsFailed         = "calls_failed"
	CallsConflict       = "calls_conflict"
	CallsEndedPrefix    = "calls_ended_"
	HubConnects         = "hub_connects"
	HubConnectFailures  = "hub_connect_failures"
	HubReconnects       = "hub_reconnects"
	HubRetriesExhausted = "hub_retries_exhausted"
	SignalsSent         = "signals_sent"
	SignalsReceived     = "signals_received"
	SignalsDeferred     = "signals_deferred"
	FramesMalformed     = "frames_malformed"
	FramesDropped       = "frames_dropped"

	// Hub server side.
	HubClientsConnected = "hub_clients_connected"
	HubAuthFailures     = "hub_auth_failures"
	HubRateLimited      = "hub_rate_limited"
	HubCallsRouted      = "hub_calls_routed"
	HubCallsBusy        = "hub_calls_busy"
	HubCallsExpired     = "hub_calls_expired"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards updates.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
