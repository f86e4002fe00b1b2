package negotiation

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrLinkClosed is returned for operations on a link that was torn down.
var ErrLinkClosed = errors.New("negotiation: link closed")

type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// IsInitiator is the glare tie-break: of two members, the one with the
// byte-wise smaller id creates the offer. Both sides compute the same answer
// regardless of who joined first.
func IsInitiator(localID, remoteID string) bool {
	return localID < remoteID
}

// link is the local negotiation and connection state for one remote member.
type link struct {
	remoteID string
	role     Role
	pc       *webrtc.PeerConnection
	sender   *webrtc.RTPSender

	mu    sync.Mutex
	state State
	// Remote candidates that arrived before the remote description.
	pending   []webrtc.ICECandidateInit
	hasRemote bool
	// Local candidates are held back until our description has been sent,
	// so the remote never sees a candidate for a link it does not know.
	descSent bool
	outgoing []webrtc.ICECandidateInit
	// closing is set by local teardown; PeerConnection state changes after it
	// are not failures.
	closing bool
}

// transitionLocked moves to next unless the link is terminal. It requires
// l.mu and reports whether the state changed.
func (l *link) transitionLocked(next State) bool {
	if l.state.Terminal() || l.state == next {
		return false
	}
	l.state = next
	return true
}

// applyPendingLocked requires l.mu and l.hasRemote.
func (l *link) applyPendingLocked() []error {
	var errs []error
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	return errs
}

func (l *link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
