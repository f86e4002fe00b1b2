package signalclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signaling"
)

func startSignaling(t *testing.T, limits room.Limits) string {
	t.Helper()

	m := metrics.New()
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		Registry: room.NewRegistry(limits, m),
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

func dialTest(t *testing.T, base string) *Client {
	t.Helper()
	wsURL, err := SignalURL(base)
	if err != nil {
		t.Fatalf("SignalURL: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: wsURL})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *Client) meshproto.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		if !ok {
			t.Fatalf("incoming closed: %v", c.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server frame")
	}
	return meshproto.Message{}
}

func TestClient_JoinAndReceiveBroadcast(t *testing.T) {
	base := startSignaling(t, room.Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	alice := dialTest(t, base)
	roster, err := alice.Join(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	if roster.MemberID == "" || len(roster.Members) != 0 {
		t.Fatalf("alice roster=%+v, want own id and no members", roster)
	}

	bob := dialTest(t, base)
	roster, err = bob.Join(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	if len(roster.Members) != 1 || roster.Members[0].DisplayName != "alice" {
		t.Fatalf("bob roster members=%+v, want [alice]", roster.Members)
	}

	joined := next(t, alice)
	if joined.Type != meshproto.TypeMemberJoined || joined.MemberID != roster.MemberID {
		t.Fatalf("alice got %+v, want member-joined for bob", joined)
	}

	if err := bob.Send(meshproto.SendChat("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	chat := next(t, alice)
	if chat.Type != meshproto.TypeChat || chat.Text != "hi" || chat.DisplayName != "bob" {
		t.Fatalf("alice got %+v, want chat from bob", chat)
	}
}

func TestClient_JoinRefusedWhenRoomFull(t *testing.T) {
	base := startSignaling(t, room.Limits{MaxMembersPerRoom: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := dialTest(t, base).Join(ctx, "r1", "first"); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	_, err := dialTest(t, base).Join(ctx, "r1", "second")
	if err == nil || !strings.Contains(err.Error(), meshproto.ErrorCodeRoomFull) {
		t.Fatalf("second Join err=%v, want room_full", err)
	}
}

func TestClient_SkipsMalformedFramesAndReportsClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presentation-stop","memberId":"m1"}`))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	}))
	t.Cleanup(ts.Close)

	c := dialTest(t, ts.URL)
	msg := next(t, c)
	if msg.Type != meshproto.TypePresentationStop || msg.MemberID != "m1" {
		t.Fatalf("got %+v, want presentation-stop m1", msg)
	}
	if got := c.Malformed(); got != 2 {
		t.Fatalf("Malformed=%d, want 2", got)
	}

	select {
	case _, ok := <-c.Incoming():
		if ok {
			t.Fatalf("unexpected frame after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("incoming not closed after server close")
	}
	if !websocket.IsCloseError(c.Err(), websocket.CloseGoingAway) {
		t.Fatalf("Err=%v, want going away close", c.Err())
	}
	if err := c.Send(meshproto.Leave()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v, want ErrClosed", err)
	}
}

func TestClient_CloseFlushesQueueAndSendsNormalClosure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan []string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frames []string
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					frames = append(frames, "close")
				}
				got <- frames
				return
			}
			frames = append(frames, string(data))
		}
	}))
	t.Cleanup(ts.Close)

	c := dialTest(t, ts.URL)
	if err := c.Send(meshproto.Leave()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = c.Close()

	select {
	case frames := <-got:
		if len(frames) != 2 || frames[0] != `{"type":"leave"}` || frames[1] != "close" {
			t.Fatalf("server saw %q, want leave then normal close", frames)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not see the close")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not stop")
	}
}

func TestSignalURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/signal"},
		{in: "https://mesh.example.com/", want: "wss://mesh.example.com/signal"},
		{in: "wss://mesh.example.com/base", want: "wss://mesh.example.com/base/signal"},
		{in: "ftp://mesh.example.com", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := SignalURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("SignalURL=%q,%v want %q", got, err, tc.want)
			}
		})
	}
}

func TestFetchICEServers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webrtc/ice" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":["stun:stun.example.com:3478"]}]}`))
	}))
	t.Cleanup(ts.Close)

	servers, err := FetchICEServers(context.Background(), ts.Client(), ts.URL)
	if err != nil {
		t.Fatalf("FetchICEServers: %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers=%+v", servers)
	}

	if _, err := FetchICEServers(context.Background(), ts.Client(), ts.URL+"/missing"); err == nil {
		t.Fatalf("expected error for 404")
	}
}
