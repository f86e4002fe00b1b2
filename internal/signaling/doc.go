// Package signaling is the mesh call signaling server.
//
// Each WebSocket connection runs a read pump and a write pump. Every inbound
// event (join, leave, message, disconnect) is handed to a single Coordinator
// goroutine, which owns all room state and therefore sees one global order
// of events. Outbound delivery never blocks the coordinator: each connection
// has a bounded send queue, and a connection whose queue is full is closed.
//
// The server relays negotiation envelopes; it never inspects SDP and never
// carries media.
package signaling
