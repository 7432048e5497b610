package metrics

import "sync"

// Counter names used across the relay and the client call stack.
const (
	RoomsCreated   = "rooms_created"
	RoomsDestroyed = "rooms_destroyed"

	Joins            = "joins"
	DuplicateJoins   = "duplicate_joins"
	JoinRejectedFull = "join_rejected_full"

	RelayedEvents         = "relayed_events"
	DropReasonNoPeer      = "dropped_no_peer"
	DropReasonBadMessage  = "dropped_bad_message"
	DropReasonStale       = "dropped_stale"
	DropReasonRateLimited = "rate_limited"

	PeerLeftNotifications = "peer_left_notifications"
	AuthFailure           = "auth_failure"

	SessionResets            = "session_resets"
	TerminalFailures         = "terminal_failures"
	BufferedCandidateFlushes = "buffered_candidate_flushes"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps routing and state-machine logic testable while still providing
// drop counters for operations.
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
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
