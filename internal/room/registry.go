package room

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
)

// DefaultDisplayName is used when a member joins with a blank name.
const DefaultDisplayName = "Guest"

// Conn is the connection that owns a member.
type Conn interface {
	// Send enqueues msg without blocking. It returns false if the connection
	// cannot accept more messages (queue full or already closed).
	Send(msg meshproto.Message) bool
	// Close asks the connection to shut down. The resulting disconnect is
	// reported back as a leave.
	Close()
	// Closed reports whether Close has been called.
	Closed() bool
}

type Limits struct {
	// MaxRooms and MaxMembersPerRoom are disabled when <= 0.
	MaxRooms            int
	MaxMembersPerRoom   int
	MaxDisplayNameRunes int
}

type Member struct {
	ID          string
	DisplayName string
	Audio       bool
	Video       bool
	Conn        Conn
}

func (m Member) Info() meshproto.MemberInfo {
	return meshproto.MemberInfo{
		MemberID:    m.ID,
		DisplayName: m.DisplayName,
		Audio:       m.Audio,
		Video:       m.Video,
	}
}

type room struct {
	members map[string]*Member
	// order holds member ids in join order.
	order []string
}

// Registry maps room ids to their members. It is safe for concurrent use;
// the signaling coordinator is its only writer.
type Registry struct {
	limits  Limits
	metrics *metrics.Metrics
	newID   func() string

	mu      sync.RWMutex
	rooms   map[string]*room
	members int
}

func NewRegistry(limits Limits, m *metrics.Metrics) *Registry {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Registry{
		limits:  limits,
		metrics: m,
		newID:   uuid.NewString,
		rooms:   make(map[string]*room),
	}
}

// Join adds a new member to roomID, creating the room if needed. It returns
// the new member and the roster of the members that were already present, in
// join order.
func (r *Registry) Join(roomID, displayName string, conn Conn) (Member, []meshproto.MemberInfo, error) {
	if roomID == "" {
		return Member{}, nil, ErrInvalidRoomID
	}
	name := NormalizeDisplayName(displayName, r.limits.MaxDisplayNameRunes)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists && r.limits.MaxRooms > 0 && len(r.rooms) >= r.limits.MaxRooms {
		r.metrics.Inc(metrics.JoinRejected)
		return Member{}, nil, ErrTooManyRooms
	}
	if exists && r.limits.MaxMembersPerRoom > 0 && len(rm.order) >= r.limits.MaxMembersPerRoom {
		r.metrics.Inc(metrics.JoinRejected)
		return Member{}, nil, ErrRoomFull
	}

	var id string
	for attempt := 0; attempt < 3; attempt++ {
		candidate := r.newID()
		if exists {
			if _, taken := rm.members[candidate]; taken {
				continue
			}
		}
		id = candidate
		break
	}
	if id == "" {
		return Member{}, nil, ErrMemberIDExhausted
	}

	if !exists {
		rm = &room{members: make(map[string]*Member)}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.RoomCreated)
	}

	roster := make([]meshproto.MemberInfo, 0, len(rm.order))
	for _, existing := range rm.order {
		roster = append(roster, rm.members[existing].Info())
	}

	member := &Member{
		ID:          id,
		DisplayName: name,
		Audio:       true,
		Video:       true,
		Conn:        conn,
	}
	rm.members[id] = member
	rm.order = append(rm.order, id)
	r.members++
	r.metrics.Inc(metrics.MemberJoined)

	return *member, roster, nil
}

// Leave removes memberID from roomID and deletes the room once empty. It
// reports false for an unknown room or member, including a second leave.
func (r *Registry) Leave(roomID, memberID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	member, ok := rm.members[memberID]
	if !ok {
		return Member{}, false
	}

	delete(rm.members, memberID)
	for i, id := range rm.order {
		if id == memberID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	r.members--
	r.metrics.Inc(metrics.MemberLeft)

	if len(rm.order) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomDeleted)
	}
	return *member, true
}

// UpdateMedia sets the audio and video flags of one member.
func (r *Registry) UpdateMedia(roomID, memberID string, audio, video bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	member, ok := rm.members[memberID]
	if !ok {
		return false
	}
	member.Audio = audio
	member.Video = video
	r.metrics.Inc(metrics.MediaUpdated)
	return true
}

func (r *Registry) Member(roomID, memberID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	member, ok := rm.members[memberID]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// Members returns a snapshot of the room's members in join order.
func (r *Registry) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(rm.order))
	for _, id := range rm.order {
		out = append(out, *rm.members[id])
	}
	return out
}

func (r *Registry) Stats() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), r.members
}

// NormalizeDisplayName trims raw, substitutes DefaultDisplayName when blank,
// and truncates to maxRunes (when > 0).
func NormalizeDisplayName(raw string, maxRunes int) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return DefaultDisplayName
	}
	if maxRunes > 0 && utf8.RuneCountInString(name) > maxRunes {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return name
}
