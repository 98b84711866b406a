package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/influxdb"
)

const (
	namespace = "plejd"

	// shutdownTimeout bounds the graceful stop of the metrics server.
	shutdownTimeout = 5 * time.Second

	readHeaderTimeout = 5 * time.Second
)

// connectionStates lists every state exported by the connection gauge.
var connectionStates = []plejd.ConnectionState{
	plejd.StateDisconnected,
	plejd.StateDiscovering,
	plejd.StateConnecting,
	plejd.StateAuthenticating,
	plejd.StateConnected,
	plejd.StateReconnecting,
}

var _ plejd.Recorder = (*Recorder)(nil)

// NewRegistry creates a Prometheus registry with the Go runtime and
// process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Recorder implements plejd.Recorder on Prometheus collectors.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Recorder struct {
	events          *prometheus.CounterVec // labels: kind
	unrecognized    prometheus.Counter
	commands        *prometheus.CounterVec // labels: result=ok|error
	reconnects      prometheus.Counter
	connectionState *prometheus.GaugeVec // labels: state
}

// NewRecorder registers the mesh collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Mesh events decoded, by kind.",
		}, []string{"kind"}),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_unrecognized_total",
			Help:      "Notification frames that decrypted but matched no known layout.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command frames written to the mesh, by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnections to the mesh gateway.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current mesh link state; the active state is 1.",
		}, []string{"state"}),
	}
	reg.MustRegister(r.events, r.unrecognized, r.commands, r.reconnects, r.connectionState)

	// Pre-create series so dashboards see zeros before the first event.
	r.commands.WithLabelValues("ok")
	r.commands.WithLabelValues("error")
	r.StateChanged(plejd.StateDisconnected)

	return r
}

// EventReceived counts a decoded mesh event.
func (r *Recorder) EventReceived(kind plejd.EventKind) {
	r.events.WithLabelValues(string(kind)).Inc()
}

// FrameUnrecognized counts a frame the parser could not classify.
func (r *Recorder) FrameUnrecognized() {
	r.unrecognized.Inc()
}

// CommandWritten counts a command frame write.
func (r *Recorder) CommandWritten(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.commands.WithLabelValues(result).Inc()
}

// Reconnected counts a successful reconnect.
func (r *Recorder) Reconnected() {
	r.reconnects.Inc()
}

// StateChanged moves the connection gauge to state.
func (r *Recorder) StateChanged(state plejd.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

// DispatcherSource exposes dispatcher counters. *plejd.Dispatcher implements it.
type DispatcherSource interface {
	Stats() plejd.DispatcherStats
}

// RegisterDispatcher exports the dispatcher's retry counters, read at
// scrape time.
func RegisterDispatcher(reg prometheus.Registerer, d DispatcherSource) {
	counter := func(name, help string, value func(plejd.DispatcherStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(d.Stats())) })
	}
	reg.MustRegister(
		counter("batches_total", "Command batches accepted.",
			func(s plejd.DispatcherStats) uint64 { return s.Batches }),
		counter("busy_retries_total", "Writes retried after a busy gateway reply.",
			func(s plejd.DispatcherStats) uint64 { return s.BusyRetries }),
		counter("resubmissions_total", "Frames resubmitted after a reconnect.",
			func(s plejd.DispatcherStats) uint64 { return s.Resubmissions }),
		counter("frames_dropped_total", "Frames abandoned after repeated failures.",
			func(s plejd.DispatcherStats) uint64 { return s.FramesDropped }),
	)
}

// RegisterDroppedEvents exports the bridge's count of events discarded on
// a full publish queue.
func RegisterDroppedEvents(reg prometheus.Registerer, dropped func() uint64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "events_dropped_total",
		Help:      "Mesh events dropped because the MQTT publish queue was full.",
	}, func() float64 { return float64(dropped()) }))
}

// TelemetrySource exposes event sink counters. *influxdb.Client implements it.
type TelemetrySource interface {
	Stats() influxdb.Stats
}

// RegisterTelemetry exports the InfluxDB sink's delivery counters.
func RegisterTelemetry(reg prometheus.Registerer, src TelemetrySource) {
	counter := func(name, help string, value func(influxdb.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "influxdb",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(src.Stats())) })
	}
	reg.MustRegister(
		counter("points_total", "Mesh events queued for InfluxDB.",
			func(s influxdb.Stats) uint64 { return s.PointsQueued }),
		counter("write_errors_total", "Batches that failed to reach InfluxDB.",
			func(s influxdb.Stats) uint64 { return s.WriteErrors }),
		counter("health_checks_total", "InfluxDB reachability checks.",
			func(s influxdb.Stats) uint64 { return s.Pings }),
		counter("health_check_failures_total", "InfluxDB reachability checks that failed.",
			func(s influxdb.Stats) uint64 { return s.PingFailures }),
	)
}

// Server serves the metrics endpoint.
type Server struct {
	srv *http.Server
}

// NewServer creates a server exposing reg at /metrics on listen.
func NewServer(listen string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// Returns:
//   - error: nil after a clean shutdown, or the listener error
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
