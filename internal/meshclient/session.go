// Package meshclient joins a room over signaling and keeps one negotiated
// link per remote member, reporting room and media events to an Observer.
package meshclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/negotiation"
)

// SignalConn is the signaling connection. It is implemented by
// *signalclient.Client.
type SignalConn interface {
	Send(msg meshproto.Message) error
	Incoming() <-chan meshproto.Message
	Join(ctx context.Context, roomID, displayName string) (meshproto.Message, error)
	Close() error
}

// Observer receives room and media events. Methods may be called from
// several goroutines and must not block.
type Observer interface {
	MemberJoined(info meshproto.MemberInfo)
	MemberLeft(memberID, displayName string)
	PresentationStarted(memberID, displayName string)
	PresentationStopped(memberID string)
	RemoteTrack(memberID string, track *webrtc.TrackRemote)
	Chat(memberID, displayName, text string)
	MediaUpdated(memberID string, audio, video bool)
	LinkStateChanged(memberID string, state negotiation.State)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) MemberJoined(meshproto.MemberInfo)          {}
func (NopObserver) MemberLeft(string, string)                  {}
func (NopObserver) PresentationStarted(string, string)         {}
func (NopObserver) PresentationStopped(string)                 {}
func (NopObserver) RemoteTrack(string, *webrtc.TrackRemote)    {}
func (NopObserver) Chat(string, string, string)                {}
func (NopObserver) MediaUpdated(string, bool, bool)            {}
func (NopObserver) LinkStateChanged(string, negotiation.State) {}

type Config struct {
	Signal     SignalConn
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Media is optional; without it the client only receives.
	Media    *media.Manager
	Observer Observer
	Logger   *slog.Logger
}

type Session struct {
	cfg    Config
	log    *slog.Logger
	obs    Observer
	engine *negotiation.Engine

	selfID string
	roomID string

	mu        sync.Mutex
	order     []string
	members   map[string]meshproto.MemberInfo
	presenter string

	leaveOnce sync.Once
}

// Join sends the join frame, waits for the roster and starts a link to every
// member already in the room.
func Join(ctx context.Context, cfg Config, roomID, displayName string) (*Session, error) {
	if cfg.Signal == nil {
		return nil, errors.New("meshclient: signal connection is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	roster, err := cfg.Signal.Join(ctx, roomID, displayName)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger.With("room_id", roster.RoomID, "member_id", roster.MemberID),
		obs:       obs,
		selfID:    roster.MemberID,
		roomID:    roster.RoomID,
		members:   make(map[string]meshproto.MemberInfo),
		presenter: roster.PresenterID,
	}

	var outbound negotiation.OutboundMedia
	if cfg.Media != nil {
		outbound = cfg.Media
	}
	s.engine, err = negotiation.New(negotiation.Config{
		LocalID:    roster.MemberID,
		API:        cfg.API,
		ICEServers: cfg.ICEServers,
		Signaler:   cfg.Signal,
		Media:      outbound,
		Observer:   linkObserver{s},
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("start negotiation: %w", err)
	}

	if cfg.Media != nil {
		cfg.Media.OnSourceChange(s.announceSource)
	}

	s.log.Info("joined room", "members", len(roster.Members))
	for _, info := range roster.Members {
		s.addMember(info)
		if err := s.engine.CreateLink(ctx, info.MemberID); err != nil {
			s.log.Warn("failed to create link", "remote_id", info.MemberID, "err", err)
		}
	}
	if roster.PresenterID != "" {
		s.obs.PresentationStarted(roster.PresenterID, s.displayName(roster.PresenterID))
	}
	return s, nil
}

// Run handles server frames until the connection ends or ctx is canceled.
// On cancel it leaves the room.
func (s *Session) Run(ctx context.Context) error {
	incoming := s.cfg.Signal.Incoming()
	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return ctx.Err()
		case msg, ok := <-incoming:
			if !ok {
				s.engine.Close()
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Session) handle(ctx context.Context, msg meshproto.Message) {
	switch msg.Type {
	case meshproto.TypeMemberJoined:
		info := meshproto.MemberInfo{
			MemberID:    msg.MemberID,
			DisplayName: msg.DisplayName,
			Audio:       msg.Audio != nil && *msg.Audio,
			Video:       msg.Video != nil && *msg.Video,
		}
		s.addMember(info)
		if err := s.engine.CreateLink(ctx, info.MemberID); err != nil {
			s.log.Warn("failed to create link", "remote_id", info.MemberID, "err", err)
		}

	case meshproto.TypeMemberLeft:
		s.removeMember(msg.MemberID, msg.DisplayName)

	case meshproto.TypeOffer, meshproto.TypeAnswer, meshproto.TypeCandidate:
		if err := s.engine.HandleEnvelope(ctx, msg); err != nil {
			s.log.Debug("envelope not applied", "type", string(msg.Type), "remote_id", msg.From, "err", err)
		}

	case meshproto.TypeMediaUpdate:
		audio, video := msg.Audio != nil && *msg.Audio, msg.Video != nil && *msg.Video
		s.mu.Lock()
		info, ok := s.members[msg.MemberID]
		if ok {
			info.Audio, info.Video = audio, video
			s.members[msg.MemberID] = info
		}
		s.mu.Unlock()
		if ok {
			s.obs.MediaUpdated(msg.MemberID, audio, video)
		}

	case meshproto.TypePresentationStart:
		s.mu.Lock()
		s.presenter = msg.MemberID
		s.mu.Unlock()
		s.obs.PresentationStarted(msg.MemberID, msg.DisplayName)

	case meshproto.TypePresentationStop:
		s.mu.Lock()
		cleared := s.presenter == msg.MemberID
		if cleared {
			s.presenter = ""
		}
		s.mu.Unlock()
		if cleared {
			s.obs.PresentationStopped(msg.MemberID)
		}

	case meshproto.TypeChat:
		s.obs.Chat(msg.MemberID, msg.DisplayName, msg.Text)

	case meshproto.TypeError:
		s.log.Warn("server error", "code", msg.Code, "message", msg.Message)

	default:
		s.log.Debug("ignoring frame", "type", string(msg.Type))
	}
}

func (s *Session) addMember(info meshproto.MemberInfo) {
	s.mu.Lock()
	if _, ok := s.members[info.MemberID]; !ok {
		s.order = append(s.order, info.MemberID)
	}
	s.members[info.MemberID] = info
	s.mu.Unlock()
	s.obs.MemberJoined(info)
}

func (s *Session) removeMember(memberID, displayName string) {
	s.engine.RemoveLink(memberID)
	s.dropMember(memberID, displayName)
}

// dropMember forgets memberID locally and tells the observer. It sends no
// signaling.
func (s *Session) dropMember(memberID, displayName string) {
	s.mu.Lock()
	_, known := s.members[memberID]
	delete(s.members, memberID)
	for i, id := range s.order {
		if id == memberID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	wasPresenter := s.presenter == memberID
	if wasPresenter {
		s.presenter = ""
	}
	s.mu.Unlock()

	if wasPresenter {
		s.obs.PresentationStopped(memberID)
	}
	if known {
		s.obs.MemberLeft(memberID, displayName)
	}
}

func (s *Session) announceSource(sharing bool) {
	msg := meshproto.StopPresenting()
	if sharing {
		msg = meshproto.StartPresenting()
	}
	if err := s.cfg.Signal.Send(msg); err != nil {
		s.log.Warn("failed to announce presentation", "sharing", sharing, "err", err)
	}
}

// ShareScreen switches the outbound video to the screen and announces the
// presentation. Capture errors leave everything unchanged.
func (s *Session) ShareScreen(ctx context.Context) error {
	if s.cfg.Media == nil {
		return errors.New("meshclient: no outbound media")
	}
	return s.cfg.Media.ShareScreen(ctx)
}

// StopSharing switches back to the camera and ends the presentation.
func (s *Session) StopSharing(ctx context.Context) error {
	if s.cfg.Media == nil {
		return errors.New("meshclient: no outbound media")
	}
	return s.cfg.Media.RevertToCamera(ctx)
}

func (s *Session) SetMedia(audio, video bool) error {
	return s.cfg.Signal.Send(meshproto.SetMedia(audio, video))
}

func (s *Session) SendChat(text string) error {
	return s.cfg.Signal.Send(meshproto.SendChat(text))
}

// Leave notifies the server best-effort, tears down every link and closes
// the signaling connection.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.engine.Leave()
		_ = s.cfg.Signal.Close()
		s.log.Info("left room")
	})
}

func (s *Session) SelfID() string { return s.selfID }

func (s *Session) RoomID() string { return s.roomID }

// Members returns the other members in join order.
func (s *Session) Members() []meshproto.MemberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]meshproto.MemberInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.members[id])
	}
	return out
}

func (s *Session) Presenter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenter
}

// LinkState reports the negotiation state of the link to memberID.
func (s *Session) LinkState(memberID string) (negotiation.State, bool) {
	return s.engine.State(memberID)
}

func (s *Session) Links() []string { return s.engine.Links() }

func (s *Session) displayName(memberID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[memberID].DisplayName
}

// linkObserver adapts negotiation events to the session observer.
type linkObserver struct{ s *Session }

func (o linkObserver) LinkStateChanged(remoteID string, state negotiation.State) {
	o.s.obs.LinkStateChanged(remoteID, state)
}

func (o linkObserver) RemoteTrack(remoteID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	o.s.obs.RemoteTrack(remoteID, track)
}

// LinkClosed treats a link that broke on its own like the member leaving.
// The server still lists the member until its socket goes away.
func (o linkObserver) LinkClosed(remoteID string, err error) {
	if err == nil {
		return
	}
	o.s.log.Info("link to member lost", "remote_id", remoteID, "err", err)
	if o.s.engine != nil {
		if _, ok := o.s.engine.State(remoteID); ok {
			// A newer link to the same member replaced the failed one.
			return
		}
	}
	o.s.dropMember(remoteID, o.s.displayName(remoteID))
}
