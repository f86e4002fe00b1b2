package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetricName = "aero_mesh_signaling_events_total"
	gaugeRoomsName   = "aero_mesh_signaling_rooms"
	gaugeMembersName = "aero_mesh_signaling_members"
)

// Gauges reports point-in-time values that are not counters.
type Gauges interface {
	Stats() (rooms, members int)
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric name with an `event` label. When gauges is
// non-nil, the current room and member counts are exported as well.
func PrometheusHandler(m *Metrics, gauges Gauges) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling event counters.\n", eventsMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetricName, labelEscaper.Replace(k), snap[k])
		}

		if gauges == nil {
			return
		}
		rooms, members := gauges.Stats()
		_, _ = fmt.Fprintf(w, "# HELP %s Rooms with at least one member.\n", gaugeRoomsName)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", gaugeRoomsName)
		_, _ = fmt.Fprintf(w, "%s %d\n", gaugeRoomsName, rooms)
		_, _ = fmt.Fprintf(w, "# HELP %s Members across all rooms.\n", gaugeMembersName)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", gaugeMembersName)
		_, _ = fmt.Fprintf(w, "%s %d\n", gaugeMembersName, members)
	})
}
