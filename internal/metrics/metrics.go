package metrics

import "sync"

// Event counter names used across the relay.
const (
	ConnOpened        = "conn_opened"
	ConnClosed        = "conn_closed"
	FrameDecoded      = "frame_decoded"
	FrameDropped      = "frame_dropped"
	FrameRateLimited  = "frame_rate_limited"
	RoomJoined        = "room_joined"
	RoomJoinRejected  = "room_join_rejected"
	RoomLeft          = "room_left"
	RelayOffer        = "relay_offer"
	RelayAnswer       = "relay_answer"
	RelayICECandidate = "relay_ice_candidate"
	RelayTargetMissed = "relay_target_missed"
	BroadcastSendFail = "broadcast_send_fail"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type exists to keep routing and cleanup logic testable while still
// exposing drop/relay counters for scraping.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
