// Package negotiation maintains one pion PeerConnection per remote mesh
// member and drives the offer/answer/candidate exchange for each of them.
//
// Every link is an explicit state machine guarded by its own mutex, so links
// progress independently. Remote candidates are queued until the remote
// description is set; local candidates are held until our description has
// been sent.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/webrtcpeer"
)

var ErrEngineClosed = errors.New("negotiation: engine closed")

// Signaler delivers client frames to the signaling server.
type Signaler interface {
	Send(msg meshproto.Message) error
}

// OutboundMedia supplies the outbound video of every new link. It is
// implemented by *media.Manager.
type OutboundMedia interface {
	Attach(remoteID string, pc *webrtc.PeerConnection) (*webrtc.RTPSender, error)
	Detach(remoteID string)
}

// Observer receives link events. Methods are called from engine and pion
// goroutines and must not block.
type Observer interface {
	LinkStateChanged(remoteID string, state State)
	RemoteTrack(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// LinkClosed is called once per link. err is nil for a local RemoveLink.
	LinkClosed(remoteID string, err error)
}

type Config struct {
	// LocalID is the member id the server assigned to this client.
	LocalID    string
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Media      OutboundMedia
	Observer   Observer
	Logger     *slog.Logger
}

type Engine struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool

	stale atomic.Uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("negotiation: local member id is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("negotiation: signaler is required")
	}
	if cfg.API == nil {
		api, err := webrtcpeer.NewAPI(webrtcpeer.Options{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("member_id", cfg.LocalID),
		links: make(map[string]*link),
	}, nil
}

func (e *Engine) LocalID() string { return e.cfg.LocalID }

// CreateLink starts negotiation with remoteID if no link exists yet. The
// initiator sends an offer; the responder waits for one.
func (e *Engine) CreateLink(ctx context.Context, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if remoteID == "" || remoteID == e.cfg.LocalID {
		return fmt.Errorf("negotiation: invalid remote member id %q", remoteID)
	}

	l, created, err := e.ensureLink(remoteID)
	if err != nil || !created {
		return err
	}
	if l.role == RoleResponder {
		e.log.Debug("waiting for offer", "remote_id", remoteID)
		return nil
	}
	return e.sendOffer(l)
}

// HandleEnvelope applies an offer, answer or candidate relayed by the server.
// Envelopes that refer to no link, or that do not fit the link's state, are
// dropped and counted; they are not errors.
func (e *Engine) HandleEnvelope(ctx context.Context, msg meshproto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from := msg.From
	if from == "" || from == e.cfg.LocalID {
		e.dropStale(msg.Type, from, "bad sender")
		return nil
	}

	switch msg.Type {
	case meshproto.TypeOffer:
		if msg.SDP == nil {
			return fmt.Errorf("negotiation: offer from %s without sdp", from)
		}
		return e.handleOffer(from, *msg.SDP)
	case meshproto.TypeAnswer:
		if msg.SDP == nil {
			return fmt.Errorf("negotiation: answer from %s without sdp", from)
		}
		return e.handleAnswer(from, *msg.SDP)
	case meshproto.TypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("negotiation: candidate from %s without payload", from)
		}
		return e.handleCandidate(from, msg.Candidate.ToPion())
	default:
		return fmt.Errorf("negotiation: %s is not an envelope", msg.Type)
	}
}

// RemoveLink tears down the link to remoteID, e.g. because the member left.
// It reports whether a link was removed.
func (e *Engine) RemoveLink(remoteID string) bool {
	l := e.lookup(remoteID)
	if l == nil {
		return false
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return false
	}
	l.closing = true
	l.transitionLocked(StateClosed)
	l.mu.Unlock()

	e.release(l)
	e.log.Debug("link removed", "remote_id", remoteID)
	e.notifyState(remoteID, StateClosed)
	if obs := e.cfg.Observer; obs != nil {
		obs.LinkClosed(remoteID, nil)
	}
	return true
}

// Leave sends a best-effort leave frame and then tears down every link.
func (e *Engine) Leave() {
	if err := e.cfg.Signaler.Send(meshproto.Leave()); err != nil {
		e.log.Debug("leave not delivered", "err", err)
	}
	e.Close()
}

// Close tears down every link. Later CreateLink calls fail with
// ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.RemoveLink(id)
	}
}

func (e *Engine) State(remoteID string) (State, bool) {
	l := e.lookup(remoteID)
	if l == nil {
		return 0, false
	}
	return l.State(), true
}

func (e *Engine) Role(remoteID string) (Role, bool) {
	l := e.lookup(remoteID)
	if l == nil {
		return 0, false
	}
	return l.role, true
}

// Links returns the remote ids with a live link, sorted.
func (e *Engine) Links() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StaleEnvelopes counts envelopes dropped because they referred to no link or
// did not fit the link's state.
func (e *Engine) StaleEnvelopes() uint64 { return e.stale.Load() }

func (e *Engine) lookup(remoteID string) *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[remoteID]
}

// ensureLink returns the link for remoteID, creating it if needed. The new
// link is published before its PeerConnection exists; its mutex is held until
// initialization finishes, so other users wait on it rather than on e.mu.
func (e *Engine) ensureLink(remoteID string) (*link, bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false, ErrEngineClosed
	}
	if l := e.links[remoteID]; l != nil {
		e.mu.Unlock()
		return l, false, nil
	}
	role := RoleResponder
	if IsInitiator(e.cfg.LocalID, remoteID) {
		role = RoleInitiator
	}
	l := &link{remoteID: remoteID, role: role}
	l.mu.Lock()
	e.links[remoteID] = l
	e.mu.Unlock()

	if err := e.initLocked(l); err != nil {
		l.state = StateFailed
		l.closing = true
		l.mu.Unlock()
		e.forget(l)
		return nil, false, err
	}
	l.mu.Unlock()

	e.log.Debug("link created", "remote_id", remoteID, "role", role.String())
	return l, true, nil
}

// initLocked requires l.mu.
func (e *Engine) initLocked(l *link) error {
	pc, err := e.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: e.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection for %s: %w", l.remoteID, err)
	}

	if e.cfg.Media != nil {
		l.sender, err = e.cfg.Media.Attach(l.remoteID, pc)
	} else {
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
	}
	if err != nil {
		_ = pc.Close()
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) { e.onLocalCandidate(l, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { e.onConnectionState(l, s) })
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) { e.onTrack(l, track, receiver) })
	l.pc = pc
	return nil
}

func (e *Engine) sendOffer(l *link) error {
	l.mu.Lock()
	if l.state != StateNew {
		l.mu.Unlock()
		return nil
	}
	offer, err := l.pc.CreateOffer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		l.mu.Unlock()
		err = fmt.Errorf("create offer for %s: %w", l.remoteID, err)
		e.fail(l, err)
		return err
	}
	l.transitionLocked(StateOfferSent)
	l.mu.Unlock()

	e.notifyState(l.remoteID, StateOfferSent)
	if err := e.send(meshproto.Offer(l.remoteID, offer)); err != nil {
		return err
	}
	e.flushLocalCandidates(l)
	return nil
}

func (e *Engine) handleOffer(from string, sdp meshproto.SessionDescription) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return fmt.Errorf("negotiation: offer from %s: %w", from, err)
	}
	// The tie-break is authoritative: an offer from the member we should be
	// offering to is glare from a misbehaving peer.
	if IsInitiator(e.cfg.LocalID, from) {
		e.dropStale(meshproto.TypeOffer, from, "local side is initiator")
		return nil
	}

	l, _, err := e.ensureLink(from)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != StateNew {
		state := l.state
		l.mu.Unlock()
		if state.Terminal() {
			return ErrLinkClosed
		}
		e.dropStale(meshproto.TypeOffer, from, "state "+state.String())
		return nil
	}
	l.transitionLocked(StateOfferReceived)

	answer, err := e.answerLocked(l, desc)
	if err != nil {
		l.mu.Unlock()
		e.fail(l, err)
		return err
	}
	l.transitionLocked(StateAnswered)
	l.mu.Unlock()

	e.notifyState(from, StateOfferReceived)
	e.notifyState(from, StateAnswered)
	if err := e.send(meshproto.Answer(from, answer)); err != nil {
		return err
	}
	e.flushLocalCandidates(l)
	return nil
}

// answerLocked requires l.mu.
func (e *Engine) answerLocked(l *link, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("apply offer from %s: %w", l.remoteID, err)
	}
	l.hasRemote = true
	e.logRejected(l, l.applyPendingLocked())

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", l.remoteID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set answer for %s: %w", l.remoteID, err)
	}
	return answer, nil
}

func (e *Engine) handleAnswer(from string, sdp meshproto.SessionDescription) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return fmt.Errorf("negotiation: answer from %s: %w", from, err)
	}
	l := e.lookup(from)
	if l == nil {
		e.dropStale(meshproto.TypeAnswer, from, "no link")
		return nil
	}

	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.role != RoleInitiator || l.state != StateOfferSent {
		state := l.state
		l.mu.Unlock()
		e.dropStale(meshproto.TypeAnswer, from, "state "+state.String())
		return nil
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		err = fmt.Errorf("apply answer from %s: %w", from, err)
		e.fail(l, err)
		return err
	}
	l.hasRemote = true
	e.logRejected(l, l.applyPendingLocked())
	l.transitionLocked(StateConnected)
	l.mu.Unlock()

	e.notifyState(from, StateConnected)
	return nil
}

func (e *Engine) handleCandidate(from string, c webrtc.ICECandidateInit) error {
	l := e.lookup(from)
	if l == nil {
		e.dropStale(meshproto.TypeCandidate, from, "no link")
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return ErrLinkClosed
	}
	if !l.hasRemote {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate from %s: %w", from, err)
	}
	return nil
}

func (e *Engine) onLocalCandidate(l *link, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	if !l.descSent {
		l.outgoing = append(l.outgoing, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	_ = e.send(meshproto.Candidate(l.remoteID, init))
}

func (e *Engine) flushLocalCandidates(l *link) {
	l.mu.Lock()
	l.descSent = true
	out := l.outgoing
	l.outgoing = nil
	l.mu.Unlock()

	for _, c := range out {
		_ = e.send(meshproto.Candidate(l.remoteID, c))
	}
}

func (e *Engine) onConnectionState(l *link, s webrtc.PeerConnectionState) {
	e.log.Debug("peer connection state", "remote_id", l.remoteID, "state", s.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		changed := l.state == StateAnswered && l.transitionLocked(StateConnected)
		l.mu.Unlock()
		if changed {
			e.notifyState(l.remoteID, StateConnected)
		}
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		// Closing the PeerConnection from inside its own callback can block
		// pion's operation queue.
		go e.fail(l, fmt.Errorf("peer connection %s", s))
	}
}

func (e *Engine) onTrack(l *link, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.log.Debug("remote track",
		"remote_id", l.remoteID,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first frames are decodable.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := l.pc.WriteRTCP(pli); err != nil {
			e.log.Debug("failed to send pli", "remote_id", l.remoteID, "err", err)
		}
	}

	if obs := e.cfg.Observer; obs != nil {
		obs.RemoteTrack(l.remoteID, track, receiver)
	}
}

// fail tears down a link that broke on its own. No signaling is sent.
func (e *Engine) fail(l *link, cause error) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	l.transitionLocked(StateFailed)
	l.mu.Unlock()

	e.release(l)
	e.log.Info("link failed", "remote_id", l.remoteID, "err", cause)
	e.notifyState(l.remoteID, StateFailed)
	if obs := e.cfg.Observer; obs != nil {
		obs.LinkClosed(l.remoteID, cause)
	}
}

// release detaches the outbound slot and closes the PeerConnection before
// the link leaves the map, so a replacement link cannot lose its own slot.
func (e *Engine) release(l *link) {
	if e.cfg.Media != nil {
		e.cfg.Media.Detach(l.remoteID)
	}
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			e.log.Debug("close peer connection", "remote_id", l.remoteID, "err", err)
		}
	}
	e.forget(l)
}

func (e *Engine) forget(l *link) {
	e.mu.Lock()
	if e.links[l.remoteID] == l {
		delete(e.links, l.remoteID)
	}
	e.mu.Unlock()
}

func (e *Engine) send(msg meshproto.Message) error {
	if err := e.cfg.Signaler.Send(msg); err != nil {
		e.log.Debug("failed to send envelope", "type", string(msg.Type), "remote_id", msg.To, "err", err)
		return err
	}
	return nil
}

func (e *Engine) dropStale(t meshproto.Type, from, why string) {
	e.stale.Add(1)
	e.log.Debug("dropping stale envelope", "type", string(t), "remote_id", from, "reason", why)
}

func (e *Engine) logRejected(l *link, errs []error) {
	for _, err := range errs {
		e.log.Debug("queued candidate rejected", "remote_id", l.remoteID, "err", err)
	}
}

func (e *Engine) notifyState(remoteID string, state State) {
	if obs := e.cfg.Observer; obs != nil {
		obs.LinkStateChanged(remoteID, state)
	}
}
