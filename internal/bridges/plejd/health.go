package plejd

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// defaultReportInterval is how often health is published when unset.
	defaultReportInterval = 30 * time.Second

	// telemetryCheckTimeout bounds the telemetry reachability check made
	// before each report.
	telemetryCheckTimeout = 5 * time.Second
)

// MeshLink exposes the mesh connection state the bridge reports on.
// *Supervisor implements it.
type MeshLink interface {
	IsConnected() bool
	Stats() SupervisorStats
	Gateway() (GatewayCandidate, bool)
	Site() (Site, bool)
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// TelemetryChecker reports whether the time-series sink is reachable.
// The influxdb client implements it.
type TelemetryChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthReporter publishes the bridge status to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	mesh      MeshLink
	telemetry TelemetryChecker

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID is the bridge identifier for health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Mesh provides connection statistics.
	Mesh MeshLink

	// Telemetry is checked before each report when set. An unreachable
	// sink degrades the status but never masks an MQTT or mesh outage.
	Telemetry TelemetryChecker
}

// NewHealthReporter creates a new health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultReportInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		mesh:      cfg.Mesh,
		telemetry: cfg.Telemetry,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow(ctx context.Context) error {
	status, reason := h.determineStatus(ctx)
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(ctx); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(ctx); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus(ctx context.Context) (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.mesh == nil || !h.mesh.IsConnected() {
		return HealthDegraded, "mesh disconnected"
	}
	if h.telemetry != nil {
		checkCtx, cancel := context.WithTimeout(ctx, telemetryCheckTimeout)
		err := h.telemetry.HealthCheck(checkCtx)
		cancel()
		if err != nil {
			h.logWarn("telemetry sink unreachable", err)
			return HealthDegraded, "telemetry unreachable"
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var (
		stats       SupervisorStats
		deviceCount int
		gatewayMAC  string
		siteID      string
	)
	if h.mesh != nil {
		stats = h.mesh.Stats()
		if site, ok := h.mesh.Site(); ok {
			deviceCount = len(site.Devices)
			siteID = site.ID
		}
		if gw, ok := h.mesh.Gateway(); ok {
			gatewayMAC = gw.MAC.String()
		}
	}

	msg := NewHealthMessage(h.bridgeID, h.version, status, stats, deviceCount, h.startTime)
	if reason != "" {
		msg.Reason = reason
	}
	msg.Connection.Gateway = gatewayMAC
	msg.Connection.Site = siteID

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// QoS 1, retained
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logWarn(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, "error", err)
	}
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
