package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
)

// Relay delivers messages to members of a room. It has no buffering, retry
// or acknowledgement: a message for a member that is no longer present is
// dropped.
type Relay struct {
	reg     *room.Registry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewRelay(reg *room.Registry, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{reg: reg, metrics: m, log: logger}
}

// Route delivers an addressed envelope to msg.To. It reports false when the
// recipient is not a current member of roomID.
func (r *Relay) Route(roomID string, msg meshproto.Message) bool {
	member, ok := r.reg.Member(roomID, msg.To)
	if !ok {
		r.metrics.Inc(metrics.EnvelopeStale)
		r.log.Debug("dropping envelope for unknown recipient",
			"room_id", roomID,
			"type", msg.Type,
			"from", msg.From,
			"to", msg.To,
		)
		return false
	}
	r.deliver(roomID, member, msg)
	r.metrics.Inc(metrics.EnvelopeRouted)
	return true
}

// Broadcast delivers msg to every current member of roomID except exclude
// ("" excludes nobody) and returns the number of members it was handed to.
func (r *Relay) Broadcast(roomID string, msg meshproto.Message, exclude string) int {
	delivered := 0
	for _, member := range r.reg.Members(roomID) {
		if member.ID == exclude {
			continue
		}
		if r.deliver(roomID, member, msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Relay) deliver(roomID string, member room.Member, msg meshproto.Message) bool {
	if member.Conn == nil {
		return false
	}
	if member.Conn.Send(msg) {
		return true
	}
	if member.Conn.Closed() {
		// Already shutting down; its leave is on the way to the coordinator.
		r.log.Debug("dropping message for closing connection",
			"room_id", roomID,
			"member_id", member.ID,
			"type", msg.Type,
		)
		return false
	}
	// An unresponsive member is disconnected; the coordinator sees the close
	// as a normal leave.
	r.metrics.Inc(metrics.DropReasonSendQueueFull)
	r.log.Warn("send queue full; closing connection",
		"room_id", roomID,
		"member_id", member.ID,
		"type", msg.Type,
	)
	member.Conn.Close()
	return false
}
