package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/influxdb"
)

// value returns the sample of family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no sample %s%v", name, want)
	return 0
}

type mockDispatcher struct {
	stats plejd.DispatcherStats
}

func (m *mockDispatcher) Stats() plejd.DispatcherStats { return m.stats }

type mockTelemetry struct {
	stats influxdb.Stats
}

func (m *mockTelemetry) Stats() influxdb.Stats { return m.stats }

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.EventReceived(plejd.EventDim)
	r.EventReceived(plejd.EventDim)
	r.EventReceived(plejd.EventMotion)
	r.FrameUnrecognized()
	r.CommandWritten(nil)
	r.CommandWritten(nil)
	r.CommandWritten(errors.New("write failed"))
	r.Reconnected()

	tests := []struct {
		name   string
		metric string
		labels map[string]string
		want   float64
	}{
		{"dim events", "plejd_events_total", map[string]string{"kind": "dim"}, 2},
		{"motion events", "plejd_events_total", map[string]string{"kind": "motion"}, 1},
		{"unrecognized frames", "plejd_frames_unrecognized_total", nil, 1},
		{"successful commands", "plejd_commands_total", map[string]string{"result": "ok"}, 2},
		{"failed commands", "plejd_commands_total", map[string]string{"result": "error"}, 1},
		{"reconnects", "plejd_reconnects_total", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := value(t, reg, tt.metric, tt.labels); got != tt.want {
				t.Errorf("%s%v = %v, want %v", tt.metric, tt.labels, got, tt.want)
			}
		})
	}
}

func TestRecorderConnectionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	if got := value(t, reg, "plejd_connection_state", map[string]string{"state": "disconnected"}); got != 1 {
		t.Errorf("initial disconnected = %v, want 1", got)
	}

	r.StateChanged(plejd.StateConnected)

	for _, s := range connectionStates {
		want := 0.0
		if s == plejd.StateConnected {
			want = 1
		}
		if got := value(t, reg, "plejd_connection_state", map[string]string{"state": s.String()}); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestRegisterDispatcherAndDroppedEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &mockDispatcher{}
	RegisterDispatcher(reg, d)
	dropped := uint64(0)
	RegisterDroppedEvents(reg, func() uint64 { return dropped })

	d.stats = plejd.DispatcherStats{Batches: 7, BusyRetries: 2, Resubmissions: 1, FramesDropped: 3}
	dropped = 4

	checks := map[string]float64{
		"plejd_dispatcher_batches_total":        7,
		"plejd_dispatcher_busy_retries_total":   2,
		"plejd_dispatcher_resubmissions_total":  1,
		"plejd_dispatcher_frames_dropped_total": 3,
		"plejd_bridge_events_dropped_total":     4,
	}
	for name, want := range checks {
		if got := value(t, reg, name, nil); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestRegisterTelemetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &mockTelemetry{}
	RegisterTelemetry(reg, src)

	if got := value(t, reg, "plejd_influxdb_points_total", nil); got != 0 {
		t.Errorf("points before writes = %v, want 0", got)
	}

	// Counters are read at scrape time.
	src.stats = influxdb.Stats{PointsQueued: 40, WriteErrors: 2, Pings: 9, PingFailures: 1}

	checks := map[string]float64{
		"plejd_influxdb_points_total":                40,
		"plejd_influxdb_write_errors_total":          2,
		"plejd_influxdb_health_checks_total":         9,
		"plejd_influxdb_health_check_failures_total": 1,
	}
	for name, want := range checks {
		if got := value(t, reg, name, nil); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestHandlerExposesRuntimeAndMeshMetrics(t *testing.T) {
	reg := NewRegistry()
	r := NewRecorder(reg)
	r.EventReceived(plejd.EventSceneActivated)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	for _, want := range []string{
		"go_goroutines",
		`plejd_events_total{kind="scene_activated"} 1`,
		"plejd_connection_state",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition does not contain %q", want)
		}
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestServerRunListenError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", NewRegistry())

	if err := s.Run(context.Background()); err == nil {
		t.Error("Run() expected listen error")
	}
}
