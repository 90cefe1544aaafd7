package metrics

import "sync"

// Event names recorded by the relay.
const (
	RoomCreated        = "room_created"
	RoomRemoved        = "room_removed"
	ParticipantJoined  = "participant_joined"
	ParticipantLeft    = "participant_left"
	ForwardedOffer     = "forwarded_offer"
	ForwardedAnswer    = "forwarded_answer"
	ForwardedCandidate = "forwarded_candidate"

	// Drop reasons. A dropped message is never surfaced to other
	// participants; these counters are the only externally visible trace.
	DropReasonUnknownRoom  = "drop_unknown_room"
	DropReasonBadMessage   = "drop_bad_message"
	DropReasonRateLimited  = "drop_rate_limited"
	DropReasonRoomFull     = "drop_room_full"
	DropReasonTooManyRooms = "drop_too_many_rooms"
	DropReasonSlowReader   = "drop_slow_reader"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type keeps forwarding/drop accounting testable while still being
// scrapeable via PrometheusHandler.
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

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
