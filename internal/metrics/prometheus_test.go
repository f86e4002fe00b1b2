package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fixedGauges struct{ rooms, members int }

func (g fixedGauges) Stats() (int, int) { return g.rooms, g.members }

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(MemberJoined)
	m.Add(EnvelopeRouted, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_mesh_signaling_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_mesh_signaling_events_total{event="envelope_routed"} 2`) {
		t.Fatalf("missing envelope_routed counter: %s", body)
	}
	if !strings.Contains(body, `aero_mesh_signaling_events_total{event="member_joined"} 1`) {
		t.Fatalf("missing member_joined counter: %s", body)
	}
	if !strings.Contains(body, `aero_mesh_signaling_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
	if strings.Contains(body, "aero_mesh_signaling_rooms") {
		t.Fatalf("unexpected gauge without Gauges: %s", body)
	}
}

func TestPrometheusHandler_ExposesGauges(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(New(), fixedGauges{rooms: 3, members: 7}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	if !strings.Contains(body, "aero_mesh_signaling_rooms 3\n") {
		t.Fatalf("missing rooms gauge: %s", body)
	}
	if !strings.Contains(body, "aero_mesh_signaling_members 7\n") {
		t.Fatalf("missing members gauge: %s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	if got := m.Get("x"); got != 0 {
		t.Fatalf("Get on nil=%d, want 0", got)
	}
}
