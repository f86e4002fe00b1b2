package signaling

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
)

type recordingConn struct {
	mu     sync.Mutex
	msgs   []meshproto.Message
	full   bool
	closed int
}

func (c *recordingConn) Send(msg meshproto.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *recordingConn) Close() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *recordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

func (c *recordingConn) messages() []meshproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]meshproto.Message(nil), c.msgs...)
}

func (c *recordingConn) types() []meshproto.Type {
	var out []meshproto.Type
	for _, msg := range c.messages() {
		out = append(out, msg.Type)
	}
	return out
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

type coordinatorHarness struct {
	t       *testing.T
	coord   *Coordinator
	metrics *metrics.Metrics
}

func newCoordinatorHarness(t *testing.T, limits room.Limits) *coordinatorHarness {
	t.Helper()
	m := metrics.New()
	reg := room.NewRegistry(limits, m)
	coord := NewCoordinator(CoordinatorConfig{Registry: reg, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-coord.Done()
	})
	return &coordinatorHarness{t: t, coord: coord, metrics: m}
}

// sync returns once every previously submitted event has been handled. The
// coordinator accepts one event at a time, so a no-op disconnect can only be
// accepted after the previous event has finished.
func (h *coordinatorHarness) sync() {
	h.coord.Disconnect(NewSession(&recordingConn{}))
}

func (h *coordinatorHarness) submit(s *Session, msg meshproto.Message) {
	h.t.Helper()
	if !h.coord.Submit(s, msg) {
		h.t.Fatalf("Submit(%s) rejected", msg.Type)
	}
	h.sync()
}

func (h *coordinatorHarness) join(roomID, name string) (*Session, *recordingConn) {
	h.t.Helper()
	conn := &recordingConn{}
	s := NewSession(conn)
	h.submit(s, meshproto.Join(roomID, name))
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeRoster {
		h.t.Fatalf("join %s: got %v, want a single roster", name, conn.types())
	}
	conn.reset()
	return s, conn
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func TestCoordinator_JoinSendsRosterThenAnnounces(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})

	a, aConn := h.join("r1", "Ada")

	bConn := &recordingConn{}
	b := NewSession(bConn)
	h.submit(b, meshproto.Join("r1", "Bob"))

	roster := bConn.messages()
	if len(roster) != 1 || roster[0].Type != meshproto.TypeRoster {
		t.Fatalf("b got %v, want roster", bConn.types())
	}
	if roster[0].MemberID != b.memberID || roster[0].RoomID != "r1" {
		t.Fatalf("roster = %+v", roster[0])
	}
	if len(roster[0].Members) != 1 || roster[0].Members[0].MemberID != a.memberID || roster[0].Members[0].DisplayName != "Ada" {
		t.Fatalf("roster members = %+v", roster[0].Members)
	}

	joined := aConn.messages()
	if len(joined) != 1 || joined[0].Type != meshproto.TypeMemberJoined {
		t.Fatalf("a got %v, want member-joined", aConn.types())
	}
	if joined[0].MemberID != b.memberID || joined[0].DisplayName != "Bob" {
		t.Fatalf("member-joined = %+v", joined[0])
	}
}

func TestCoordinator_RosterIncludesCurrentPresenter(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	h.submit(a, meshproto.StartPresenting())

	conn := &recordingConn{}
	h.submit(NewSession(conn), meshproto.Join("r1", "Bob"))
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].PresenterID != a.memberID {
		t.Fatalf("roster = %+v, want presenter %s", msgs, a.memberID)
	}
}

func TestCoordinator_JoinRejectedWithErrorFrame(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{MaxMembersPerRoom: 1})
	h.join("r1", "Ada")

	conn := &recordingConn{}
	s := NewSession(conn)
	h.submit(s, meshproto.Join("r1", "Bob"))

	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeError || msgs[0].Code != meshproto.ErrorCodeRoomFull {
		t.Fatalf("got %+v, want room_full error", msgs)
	}
	if s.memberID != "" {
		t.Fatalf("rejected session has member id %q", s.memberID)
	}
}

func TestCoordinator_EnvelopeFromIsOverwritten(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	b, bConn := h.join("r1", "Bob")

	offer := meshproto.Offer(b.memberID, testOffer())
	offer.From = "somebody-else"
	h.submit(a, offer)

	msgs := bConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeOffer {
		t.Fatalf("b got %v, want offer", bConn.types())
	}
	if msgs[0].From != a.memberID {
		t.Fatalf("offer from=%q, want %q", msgs[0].From, a.memberID)
	}
	if got := h.metrics.Get(metrics.EnvelopeRouted); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.EnvelopeRouted, got)
	}
}

func TestCoordinator_EnvelopeToUnknownOrSelfIsDropped(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	_, bConn := h.join("r1", "Bob")
	aConn.reset()

	h.submit(a, meshproto.Offer("ghost", testOffer()))
	h.submit(a, meshproto.Candidate(a.memberID, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))

	if len(aConn.messages()) != 0 || len(bConn.messages()) != 0 {
		t.Fatalf("dropped envelopes were delivered: a=%v b=%v", aConn.types(), bConn.types())
	}
	if got := h.metrics.Get(metrics.EnvelopeStale); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.EnvelopeStale, got)
	}
}

func TestCoordinator_EnvelopeAcrossRoomsIsDropped(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	b, bConn := h.join("r2", "Bob")

	h.submit(a, meshproto.Offer(b.memberID, testOffer()))
	if len(bConn.messages()) != 0 {
		t.Fatalf("envelope crossed rooms: %v", bConn.types())
	}
}

func TestCoordinator_MessagesBeforeJoinAreDropped(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	_, aConn := h.join("r1", "Ada")

	conn := &recordingConn{}
	s := NewSession(conn)
	h.submit(s, meshproto.SendChat("hi"))
	h.submit(s, meshproto.StartPresenting())
	h.submit(s, meshproto.Leave())

	if len(aConn.messages()) != 0 || len(conn.messages()) != 0 {
		t.Fatalf("unexpected deliveries a=%v s=%v", aConn.types(), conn.types())
	}
	if got := h.metrics.Get(metrics.MessageNotInRoom); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.MessageNotInRoom, got)
	}
}

func TestCoordinator_SecondJoinIsIgnored(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	id := a.memberID

	h.submit(a, meshproto.Join("r2", "Ada"))
	if a.memberID != id || a.roomID != "r1" {
		t.Fatalf("session moved to %s/%s", a.roomID, a.memberID)
	}
	if len(aConn.messages()) != 0 {
		t.Fatalf("second join answered: %v", aConn.types())
	}
}

func TestCoordinator_LeaveIsIdempotent(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	_, bConn := h.join("r1", "Bob")

	h.submit(a, meshproto.Leave())
	h.coord.Disconnect(a)
	h.sync()

	msgs := bConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeMemberLeft {
		t.Fatalf("b got %v, want exactly one member-left", bConn.types())
	}
	if msgs[0].DisplayName != "Ada" {
		t.Fatalf("member-left = %+v", msgs[0])
	}
	if got := h.metrics.Get(metrics.MemberLeft); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MemberLeft, got)
	}
}

func TestCoordinator_RejoinAfterLeave(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	first := a.memberID

	h.submit(a, meshproto.Leave())
	aConn.reset()
	h.submit(a, meshproto.Join("r1", "Ada"))

	msgs := aConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeRoster {
		t.Fatalf("rejoin got %v, want roster", aConn.types())
	}
	if a.memberID == "" || a.memberID == first {
		t.Fatalf("rejoin member id %q (first %q)", a.memberID, first)
	}
}

func TestCoordinator_EmptyRoomIsDeleted(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	h.coord.Disconnect(a)
	h.sync()

	if rooms, members := h.coord.Registry().Stats(); rooms != 0 || members != 0 {
		t.Fatalf("Stats()=(%d,%d), want (0,0)", rooms, members)
	}
}

func TestCoordinator_PresenterDisconnectStopsPresentation(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, _ := h.join("r1", "Ada")
	_, bConn := h.join("r1", "Bob")

	h.submit(a, meshproto.StartPresenting())
	msgs := bConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypePresentationStart {
		t.Fatalf("b got %v, want presentation-start", bConn.types())
	}
	if msgs[0].MemberID != a.memberID || msgs[0].DisplayName != "Ada" || msgs[0].PreviousID != "" {
		t.Fatalf("presentation-start = %+v", msgs[0])
	}
	bConn.reset()

	h.coord.Disconnect(a)
	h.sync()

	got := bConn.types()
	want := []meshproto.Type{meshproto.TypePresentationStop, meshproto.TypeMemberLeft}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("b got %v, want %v", got, want)
	}
	if p := h.coord.Presentation().Presenter("r1"); p != "" {
		t.Fatalf("presenter=%q after presenter left", p)
	}
}

func TestCoordinator_PresentationTakeoverReportsPrevious(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	b, _ := h.join("r1", "Bob")
	aConn.reset()

	h.submit(a, meshproto.StartPresenting())
	h.submit(b, meshproto.StartPresenting())

	msgs := aConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypePresentationStart {
		t.Fatalf("a got %v, want presentation-start", aConn.types())
	}
	if msgs[0].MemberID != b.memberID || msgs[0].PreviousID != a.memberID {
		t.Fatalf("presentation-start = %+v", msgs[0])
	}

	// A late stop from the displaced presenter must not clear b's slot.
	aConn.reset()
	h.submit(a, meshproto.StopPresenting())
	if p := h.coord.Presentation().Presenter("r1"); p != b.memberID {
		t.Fatalf("presenter=%q, want %q", p, b.memberID)
	}
	if len(aConn.messages()) != 0 {
		t.Fatalf("stale stop was broadcast: %v", aConn.types())
	}
}

func TestCoordinator_MediaUpdateExcludesSender(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	_, bConn := h.join("r1", "Bob")
	aConn.reset()

	h.submit(a, meshproto.SetMedia(false, true))

	if len(aConn.messages()) != 0 {
		t.Fatalf("sender got %v", aConn.types())
	}
	msgs := bConn.messages()
	if len(msgs) != 1 || msgs[0].Type != meshproto.TypeMediaUpdate || msgs[0].MemberID != a.memberID {
		t.Fatalf("b got %+v", msgs)
	}
	if *msgs[0].Audio || !*msgs[0].Video {
		t.Fatalf("media-update audio=%v video=%v", *msgs[0].Audio, *msgs[0].Video)
	}
	member, _ := h.coord.Registry().Member("r1", a.memberID)
	if member.Audio || !member.Video {
		t.Fatalf("registry flags audio=%v video=%v", member.Audio, member.Video)
	}
}

func TestCoordinator_ChatReachesEveryoneIncludingSender(t *testing.T) {
	h := newCoordinatorHarness(t, room.Limits{})
	a, aConn := h.join("r1", "Ada")
	_, bConn := h.join("r1", "Bob")
	aConn.reset()

	h.submit(a, meshproto.SendChat("hello"))

	for name, conn := range map[string]*recordingConn{"a": aConn, "b": bConn} {
		msgs := conn.messages()
		if len(msgs) != 1 || msgs[0].Type != meshproto.TypeChat {
			t.Fatalf("%s got %v, want chat", name, conn.types())
		}
		if msgs[0].MemberID != a.memberID || msgs[0].DisplayName != "Ada" || msgs[0].Text != "hello" {
			t.Fatalf("%s chat = %+v", name, msgs[0])
		}
	}
}

func TestCoordinator_SubmitAfterStopReturnsFalse(t *testing.T) {
	coord := NewCoordinator(CoordinatorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	cancel()
	<-coord.Done()

	if coord.Submit(NewSession(&recordingConn{}), meshproto.Leave()) {
		t.Fatalf("Submit after stop = true")
	}
	if coord.Disconnect(NewSession(&recordingConn{})) {
		t.Fatalf("Disconnect after stop = true")
	}
}
