package meshclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/webrtcpeer"
)

type eventLog struct {
	NopObserver

	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func (l *eventLog) MemberJoined(info meshproto.MemberInfo) { l.add("joined:%s", info.MemberID) }
func (l *eventLog) MemberLeft(memberID, _ string)          { l.add("left:%s", memberID) }
func (l *eventLog) PresentationStarted(memberID, _ string) { l.add("present:%s", memberID) }
func (l *eventLog) PresentationStopped(memberID string)    { l.add("stop:%s", memberID) }
func (l *eventLog) Chat(memberID, _, text string)          { l.add("chat:%s:%s", memberID, text) }

func (l *eventLog) RemoteTrack(memberID string, _ *webrtc.TrackRemote) {
	l.add("track:%s", memberID)
}

func (l *eventLog) LinkStateChanged(memberID string, state negotiation.State) {
	l.add("state:%s:%s", memberID, state)
}

func startSignaling(t *testing.T) string {
	t.Helper()

	m := metrics.New()
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		Registry: room.NewRegistry(room.Limits{}, m),
		Metrics:  m,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)

	srv := signaling.NewServer(signaling.Config{Coordinator: coord, Metrics: m})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cancel()
		<-coord.Done()
	})
	return ts.URL
}

// writeIVF writes a VP8 IVF file with the given number of frames at 100fps.
func writeIVF(t *testing.T, name string, frames int) string {
	t.Helper()

	buf := make([]byte, 32)
	copy(buf[0:4], "DKIF")
	binary.LittleEndian.PutUint16(buf[6:], 32)
	copy(buf[8:12], "VP80")
	binary.LittleEndian.PutUint16(buf[12:], 64)
	binary.LittleEndian.PutUint16(buf[14:], 48)
	binary.LittleEndian.PutUint32(buf[16:], 100)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(frames))
	for i := 0; i < frames; i++ {
		payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
		binary.LittleEndian.PutUint64(hdr[4:], uint64(i))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type testClient struct {
	session *Session
	log     *eventLog
}

func joinClient(ctx context.Context, t *testing.T, base string, lan *webrtcpeer.VirtualLAN, ip, name string, capturer media.Capturer) *testClient {
	t.Helper()
	return joinClientWithOptions(ctx, t, base, lan, ip, name, capturer, webrtcpeer.Options{})
}

func joinClientWithOptions(ctx context.Context, t *testing.T, base string, lan *webrtcpeer.VirtualLAN, ip, name string, capturer media.Capturer, opts webrtcpeer.Options) *testClient {
	t.Helper()

	wsURL, err := signalclient.SignalURL(base)
	if err != nil {
		t.Fatalf("SignalURL: %v", err)
	}
	sig, err := signalclient.Dial(ctx, signalclient.Config{URL: wsURL})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	api, err := lan.APIWithOptions(ip, opts)
	if err != nil {
		t.Fatalf("API(%s): %v", ip, err)
	}

	var mgr *media.Manager
	if capturer != nil {
		mgr = media.NewManager(capturer, nil)
		if err := mgr.Start(ctx); err != nil {
			t.Fatalf("media Start: %v", err)
		}
		t.Cleanup(func() { _ = mgr.Close() })
	}

	log := &eventLog{}
	s, err := Join(ctx, Config{Signal: sig, API: api, Media: mgr, Observer: log}, "r1", name)
	if err != nil {
		t.Fatalf("Join(%s): %v", name, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testClient{session: s, log: log}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newLAN(t *testing.T) *webrtcpeer.VirtualLAN {
	t.Helper()
	lan, err := webrtcpeer.NewVirtualLAN("10.0.0.0/24", "10.0.0.1", "10.0.0.2")
	if err != nil {
		t.Fatalf("NewVirtualLAN: %v", err)
	}
	t.Cleanup(func() { _ = lan.Stop() })
	return lan
}

func connected(c *testClient, remoteID string) bool {
	state, ok := c.session.LinkState(remoteID)
	return ok && state == negotiation.StateConnected
}

func TestSession_MeshConnectPresentAndLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := startSignaling(t)
	lan := newLAN(t)

	presenter := joinClient(ctx, t, base, lan, "10.0.0.1", "m1", media.FileCapturer{
		CameraPath: writeIVF(t, "camera.ivf", 10),
		ScreenPath: writeIVF(t, "screen.ivf", 1000),
	})
	viewer := joinClient(ctx, t, base, lan, "10.0.0.2", "m2", nil)

	m1, m2 := presenter.session.SelfID(), viewer.session.SelfID()
	if members := viewer.session.Members(); len(members) != 1 || members[0].MemberID != m1 {
		t.Fatalf("m2 members=%+v, want [m1]", members)
	}
	waitFor(t, "m1 sees m2 join", func() bool { return presenter.log.has("joined:" + m2) })

	waitFor(t, "m1 link connected", func() bool { return connected(presenter, m2) })
	waitFor(t, "m2 link connected", func() bool { return connected(viewer, m1) })
	waitFor(t, "m2 receives m1 video", func() bool { return viewer.log.has("track:" + m1) })

	if err := presenter.session.ShareScreen(ctx); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	waitFor(t, "m2 sees presentation", func() bool { return viewer.log.has("present:" + m1) })
	if got := viewer.session.Presenter(); got != m1 {
		t.Fatalf("m2 presenter=%q, want m1", got)
	}

	presenter.session.Leave()

	waitFor(t, "m2 sees m1 leave", func() bool { return viewer.log.has("left:" + m1) })
	if !viewer.log.has("stop:" + m1) {
		t.Fatalf("m2 did not see the presentation stop")
	}
	if links := viewer.session.Links(); len(links) != 0 {
		t.Fatalf("m2 links=%v after m1 left", links)
	}
	if got := viewer.session.Presenter(); got != "" {
		t.Fatalf("m2 presenter=%q after m1 left", got)
	}
}

func TestSession_EndedScreenStopsPresentation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := startSignaling(t)
	lan := newLAN(t)

	presenter := joinClient(ctx, t, base, lan, "10.0.0.1", "m1", media.FileCapturer{
		CameraPath: writeIVF(t, "camera.ivf", 10),
		ScreenPath: writeIVF(t, "screen.ivf", 5),
	})
	viewer := joinClient(ctx, t, base, lan, "10.0.0.2", "m2", nil)
	m1 := presenter.session.SelfID()

	if err := presenter.session.ShareScreen(ctx); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	waitFor(t, "presentation start", func() bool { return viewer.log.has("present:" + m1) })
	waitFor(t, "presentation stop", func() bool { return viewer.log.has("stop:" + m1) })
	if got := viewer.session.Presenter(); got != "" {
		t.Fatalf("presenter=%q after screen ended", got)
	}
}

func TestSession_ChatAndMediaUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := startSignaling(t)
	lan := newLAN(t)

	a := joinClient(ctx, t, base, lan, "10.0.0.1", "m1", nil)
	b := joinClient(ctx, t, base, lan, "10.0.0.2", "m2", nil)
	m2 := b.session.SelfID()
	waitFor(t, "m1 sees m2", func() bool { return a.log.has("joined:" + m2) })

	if err := b.session.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitFor(t, "chat at m1", func() bool { return a.log.has("chat:" + m2 + ":hello") })
	waitFor(t, "chat echoed to m2", func() bool { return b.log.has("chat:" + m2 + ":hello") })

	if err := b.session.SetMedia(false, true); err != nil {
		t.Fatalf("SetMedia: %v", err)
	}
	waitFor(t, "media update at m1", func() bool {
		for _, info := range a.session.Members() {
			if info.MemberID == m2 && !info.Audio && info.Video {
				return true
			}
		}
		return false
	})
}

func TestLinkClosed_FailureDropsMemberLocally(t *testing.T) {
	log := &eventLog{}
	sig := &recordingSignal{}
	s := &Session{
		cfg:       Config{Signal: sig},
		log:       slog.Default(),
		obs:       log,
		members:   map[string]meshproto.MemberInfo{"x": {MemberID: "x", DisplayName: "X"}, "y": {MemberID: "y", DisplayName: "Y"}},
		order:     []string{"x", "y"},
		presenter: "x",
	}

	linkObserver{s}.LinkClosed("y", nil)
	if got := len(s.Members()); got != 2 {
		t.Fatalf("members=%d after a local RemoveLink, want 2", got)
	}

	linkObserver{s}.LinkClosed("x", errors.New("peer connection failed"))

	members := s.Members()
	if len(members) != 1 || members[0].MemberID != "y" {
		t.Fatalf("members=%+v, want [y]", members)
	}
	if got := s.Presenter(); got != "" {
		t.Fatalf("presenter=%q after presenter link failed", got)
	}
	if !log.has("left:x") || !log.has("stop:x") {
		t.Fatalf("events=%v, want left:x and stop:x", log.events)
	}
	if n := sig.sent(); n != 0 {
		t.Fatalf("sent %d frames, want none", n)
	}

	// A later member-left from the server is not reported twice.
	s.dropMember("x", "X")
	left := 0
	for _, e := range log.events {
		if e == "left:x" {
			left++
		}
	}
	if left != 1 {
		t.Fatalf("left:x reported %d times, want 1", left)
	}
}

type recordingSignal struct {
	mu   sync.Mutex
	msgs []meshproto.Message
}

func (r *recordingSignal) Send(msg meshproto.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingSignal) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (*recordingSignal) Incoming() <-chan meshproto.Message { return nil }

func (*recordingSignal) Join(context.Context, string, string) (meshproto.Message, error) {
	return meshproto.Message{}, errors.New("not connected")
}

func (*recordingSignal) Close() error { return nil }

func TestSession_DeadPeerIsRemovedWithoutMemberLeft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := startSignaling(t)
	lan := newLAN(t)

	fast := webrtcpeer.Options{
		ICEDisconnectedTimeout: time.Second,
		ICEFailedTimeout:       2 * time.Second,
		ICEKeepaliveInterval:   200 * time.Millisecond,
	}
	a := joinClientWithOptions(ctx, t, base, lan, "10.0.0.1", "m1", nil, fast)
	b := joinClientWithOptions(ctx, t, base, lan, "10.0.0.2", "m2", nil, fast)
	m1, m2 := a.session.SelfID(), b.session.SelfID()

	waitFor(t, "m1 link connected", func() bool { return connected(a, m2) })
	waitFor(t, "m2 link connected", func() bool { return connected(b, m1) })

	// Tear down m2's peer connections while its signaling socket stays
	// open, so the server never announces member-left.
	b.session.engine.Close()

	waitFor(t, "m1 drops m2", func() bool { return a.log.has("left:" + m2) })
	if members := a.session.Members(); len(members) != 0 {
		t.Fatalf("m1 members=%+v after m2's link died", members)
	}
	if links := a.session.Links(); len(links) != 0 {
		t.Fatalf("m1 links=%v after m2's link died", links)
	}
}
