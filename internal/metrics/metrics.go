package metrics

import "sync"

// Event names. Each name becomes one `event` label value on the Prometheus
// counter.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	MemberJoined     = "member_joined"
	MemberLeft       = "member_left"
	JoinRejected     = "join_rejected"
	RoomCreated      = "room_created"
	RoomDeleted      = "room_deleted"
	MediaUpdated     = "media_updated"
	ChatRelayed      = "chat_relayed"
	PresenterStart   = "presentation_started"
	PresenterStop    = "presentation_stopped"
	PresenterStale   = "presentation_stop_ignored"
	PresenterLeft    = "presentation_cleared_on_leave"
	EnvelopeRouted   = "envelope_routed"
	EnvelopeStale    = "envelope_dropped_stale"
	MessageStale     = "message_dropped_stale"
	MessageNotInRoom = "message_dropped_not_joined"

	// Drop reasons.
	DropReasonMalformed     = "message_malformed"
	DropReasonRateLimited   = "rate_limited"
	DropReasonSendQueueFull = "send_queue_full"
	DropReasonOriginDenied  = "origin_denied"
)

// Metrics is a minimal, concurrency-safe counter registry.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
