package signaling

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
)

// Session is the per-connection state the coordinator needs. Its fields are
// read and written only by the coordinator goroutine.
type Session struct {
	conn room.Conn

	roomID   string
	memberID string
}

func NewSession(conn room.Conn) *Session {
	return &Session{conn: conn}
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventDisconnect
)

type event struct {
	kind    eventKind
	session *Session
	msg     meshproto.Message
}

type CoordinatorConfig struct {
	Registry     *room.Registry
	Presentation *room.Presentation
	Relay        *Relay
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Coordinator processes every signaling event on one goroutine (Run), in the
// order the events were submitted.
type Coordinator struct {
	reg     *room.Registry
	pres    *room.Presentation
	relay   *Relay
	metrics *metrics.Metrics
	log     *slog.Logger

	events chan event
	done   chan struct{}
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = room.NewRegistry(room.Limits{}, m)
	}
	pres := cfg.Presentation
	if pres == nil {
		pres = room.NewPresentation(reg, m)
	}
	relay := cfg.Relay
	if relay == nil {
		relay = NewRelay(reg, m, logger)
	}
	return &Coordinator{
		reg:     reg,
		pres:    pres,
		relay:   relay,
		metrics: m,
		log:     logger,
		events:  make(chan event),
		done:    make(chan struct{}),
	}
}

func (c *Coordinator) Registry() *room.Registry { return c.reg }

func (c *Coordinator) Presentation() *room.Presentation { return c.pres }

// Run processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Submit queues msg from s. It blocks until the coordinator accepts the event
// and reports false if the coordinator has stopped.
func (c *Coordinator) Submit(s *Session, msg meshproto.Message) bool {
	return c.submit(event{kind: eventMessage, session: s, msg: msg})
}

// Disconnect reports that s's connection is gone. It is the authoritative
// leave for that connection.
func (c *Coordinator) Disconnect(s *Session) bool {
	return c.submit(event{kind: eventDisconnect, session: s})
}

func (c *Coordinator) submit(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) handle(ev event) {
	s := ev.session
	if ev.kind == eventDisconnect {
		c.leave(s)
		return
	}

	msg := ev.msg
	if msg.Type == meshproto.TypeJoin {
		c.join(s, msg)
		return
	}
	if s.memberID == "" {
		c.metrics.Inc(metrics.MessageNotInRoom)
		c.log.Debug("dropping message from connection that has not joined", "type", msg.Type)
		return
	}

	switch msg.Type {
	case meshproto.TypeLeave:
		c.leave(s)
	case meshproto.TypeOffer, meshproto.TypeAnswer, meshproto.TypeCandidate:
		if msg.To == s.memberID {
			c.metrics.Inc(metrics.EnvelopeStale)
			return
		}
		msg.From = s.memberID
		c.relay.Route(s.roomID, msg)
	case meshproto.TypeMediaUpdate:
		audio, video := *msg.Audio, *msg.Video
		if !c.reg.UpdateMedia(s.roomID, s.memberID, audio, video) {
			c.staleMessage(s, msg)
			return
		}
		c.relay.Broadcast(s.roomID, meshproto.MediaUpdated(s.memberID, audio, video), s.memberID)
	case meshproto.TypePresentationStart:
		previous, ok := c.pres.Start(s.roomID, s.memberID)
		if !ok {
			c.staleMessage(s, msg)
			return
		}
		member, _ := c.reg.Member(s.roomID, s.memberID)
		c.log.Info("presentation started", "room_id", s.roomID, "member_id", s.memberID, "previous_id", previous)
		c.relay.Broadcast(s.roomID, meshproto.PresentationStarted(s.memberID, member.DisplayName, previous), s.memberID)
	case meshproto.TypePresentationStop:
		if !c.pres.Stop(s.roomID, s.memberID) {
			c.log.Debug("ignoring presentation stop from non-presenter", "room_id", s.roomID, "member_id", s.memberID)
			return
		}
		c.log.Info("presentation stopped", "room_id", s.roomID, "member_id", s.memberID)
		c.relay.Broadcast(s.roomID, meshproto.PresentationStopped(s.memberID), s.memberID)
	case meshproto.TypeChat:
		member, ok := c.reg.Member(s.roomID, s.memberID)
		if !ok {
			c.staleMessage(s, msg)
			return
		}
		c.metrics.Inc(metrics.ChatRelayed)
		c.relay.Broadcast(s.roomID, meshproto.ChatRelayed(s.memberID, member.DisplayName, msg.Text), "")
	default:
		c.staleMessage(s, msg)
	}
}

func (c *Coordinator) join(s *Session, msg meshproto.Message) {
	if s.memberID != "" {
		c.metrics.Inc(metrics.MessageStale)
		c.log.Debug("ignoring join from connection already in a room", "room_id", s.roomID, "member_id", s.memberID)
		return
	}

	member, roster, err := c.reg.Join(msg.RoomID, msg.DisplayName, s.conn)
	if err != nil {
		var code string
		switch {
		case errors.Is(err, room.ErrRoomFull):
			code = meshproto.ErrorCodeRoomFull
		case errors.Is(err, room.ErrTooManyRooms):
			code = meshproto.ErrorCodeTooManyRooms
		default:
			code = "join_failed"
		}
		c.log.Info("join rejected", "room_id", msg.RoomID, "err", err)
		s.conn.Send(meshproto.Error(code, err.Error()))
		return
	}

	s.roomID = msg.RoomID
	s.memberID = member.ID
	c.log.Info("member joined",
		"room_id", s.roomID,
		"member_id", member.ID,
		"display_name", member.DisplayName,
		"members", len(roster)+1,
	)

	s.conn.Send(meshproto.Roster(s.roomID, member.ID, roster, c.pres.Presenter(s.roomID)))
	c.relay.Broadcast(s.roomID, meshproto.MemberJoined(member.Info()), member.ID)
}

// leave removes s's member, if any. It is idempotent.
func (c *Coordinator) leave(s *Session) {
	if s.memberID == "" {
		return
	}
	roomID, memberID := s.roomID, s.memberID
	s.roomID, s.memberID = "", ""

	if c.pres.OnMemberLeft(roomID, memberID) {
		c.log.Info("presenter left; presentation cleared", "room_id", roomID, "member_id", memberID)
		c.relay.Broadcast(roomID, meshproto.PresentationStopped(memberID), memberID)
	}

	member, ok := c.reg.Leave(roomID, memberID)
	if !ok {
		c.metrics.Inc(metrics.MessageStale)
		return
	}
	c.log.Info("member left", "room_id", roomID, "member_id", memberID)
	c.relay.Broadcast(roomID, meshproto.MemberLeft(memberID, member.DisplayName), "")
}

func (c *Coordinator) staleMessage(s *Session, msg meshproto.Message) {
	c.metrics.Inc(metrics.MessageStale)
	c.log.Debug("dropping stale message", "room_id", s.roomID, "member_id", s.memberID, "type", msg.Type)
}
