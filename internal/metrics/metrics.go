package metrics

import "sync"

// Event counter names. Names are intentionally simple; a follow-up metrics
// task can standardize and export these via a full Prometheus client.
const (
	SignalingConnected   = "signaling_connected"
	SignalingReconnect   = "signaling_reconnect_scheduled"
	SignalingGiveUp      = "signaling_reconnect_give_up"
	SignalingDropped     = "signaling_envelope_dropped"
	SignalingRateLimited = "signaling_rate_limited"
	OfferReceived        = "offer_received"
	OfferAccepted        = "offer_accepted"
	OfferRejected        = "offer_rejected"
	CandidateBuffered    = "ice_candidate_buffered"
	CandidateDropped     = "ice_candidate_dropped"
	NegotiationRestarted = "negotiation_ice_restart"
	ChannelConnected     = "channel_connected"
	ChannelClosed        = "channel_closed"
	TransferCompleted    = "transfer_completed"
	TransferFailed       = "transfer_failed"
	TextMessageSent      = "text_message_sent"
	TextMessageReceived  = "text_message_received"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and counts nothing, so callers don't need to guard
// every Inc with a nil check.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
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
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
