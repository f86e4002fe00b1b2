// Package room holds the authoritative in-memory state of the signaling
// server: which members are in which room, and who is presenting.
//
// Rooms are created on first join and destroyed when their last member
// leaves. All state is lost on restart.
package room
