package plejd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// commandTimeout bounds handing a command to the dispatcher.
	commandTimeout = 5 * time.Second

	// eventQueueSize is how many mesh events may wait for MQTT publication.
	eventQueueSize = 256
)

// Bridge translates between the Plejd mesh and MQTT.
// It handles:
//   - Receiving commands from Core via MQTT and handing them to the dispatcher
//   - Receiving mesh events from the EventBus and publishing state and events
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID string
	mqtt     MQTTClient
	mesh     MeshLink
	commands CommandRunner
	bus      *EventBus
	events   EventWriter
	health   *HealthReporter

	// Mesh events waiting for publication. The bus callback runs on the
	// transport's notification path and must not block on the broker.
	queue       chan Event
	unsubscribe func()

	// Last published state per mesh address
	stateCache   map[byte]map[string]any
	stateCacheMu sync.Mutex

	dropped atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// CommandRunner executes a batch of mesh commands. *Dispatcher implements it.
type CommandRunner interface {
	Run(ctx context.Context, cmds ...Command) error
}

// EventWriter records mesh events for time-series analysis.
// It is optional; the influxdb package implements it.
type EventWriter interface {
	WriteMeshEvent(kind, deviceID, address string, fields map[string]any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Mesh reports the mesh link state and the loaded site.
	Mesh MeshLink

	// Commands receives translated commands.
	Commands CommandRunner

	// Bus delivers decoded mesh events.
	Bus *EventBus

	// Events is an optional time-series sink. If it also implements
	// TelemetryChecker, health reports include its reachability.
	Events EventWriter

	// Logger is an optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Mesh == nil {
		return nil, fmt.Errorf("mesh link is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("command runner is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = "plejd-bridge-01"
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:   bridgeID,
		mqtt:       opts.MQTTClient,
		mesh:       opts.Mesh,
		commands:   opts.Commands,
		bus:        opts.Bus,
		events:     opts.Events,
		queue:      make(chan Event, eventQueueSize),
		stateCache: make(map[byte]map[string]any),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	telemetry, _ := opts.Events.(TelemetryChecker)
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Mesh:      opts.Mesh,
		Telemetry: telemetry,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to mesh events and MQTT commands and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		err = b.start(ctx)
	})
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.wg.Add(1)
	go b.publishLoop()
	b.unsubscribe = b.bus.Subscribe(b.enqueueEvent)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	deviceCount := 0
	if site, ok := b.mesh.Site(); ok {
		deviceCount = len(site.Devices)
	}
	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"devices", deviceCount)

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		close(b.done)

		// Abort in-flight command hand-offs
		b.ctxCancel()

		// Publishes the "stopping" status
		b.health.Stop()

		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// DroppedEvents returns how many mesh events were discarded because the
// publication queue was full.
func (b *Bridge) DroppedEvents() uint64 {
	return b.dropped.Load()
}

// handleMQTTMessage routes incoming MQTT messages.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	address, ok := commandTopicAddress(topic)
	if !ok {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}
	b.handleCommand(address, payload)
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(topicAddress string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"address", topicAddress,
		"command", cmd.Command)

	command, address, ackErr := b.translateCommand(cmd, topicAddress)
	if ackErr != nil {
		b.publishAckError(cmd, address, ackErr.Code, ackErr.Message)
		return
	}

	// Derive from the bridge context so hand-offs are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.commands.Run(ctx, command); err != nil {
		b.publishAckError(cmd, address, ErrCodeBridgeError, err.Error())
		return
	}
	b.publishAck(cmd, address, AckAccepted)
}

// translateCommand maps a command message onto a mesh Command. The returned
// address is the one used for the acknowledgment topic.
func (b *Bridge) translateCommand(cmd CommandMessage, topicAddress string) (Command, string, *AckError) {
	site, _ := b.mesh.Site()

	if cmd.Command == "scene" {
		return translateScene(cmd, site, topicAddress)
	}

	var (
		address byte
		device  Device
		known   bool
	)
	if cmd.DeviceID != "" {
		device, known = site.DeviceByID(cmd.DeviceID)
		if !known {
			return nil, topicAddress, &AckError{
				Code:    ErrCodeNotConfigured,
				Message: fmt.Sprintf("device %s not configured", cmd.DeviceID),
			}
		}
		address = device.Address
	} else {
		a, err := ParseAddress(topicAddress)
		if err != nil {
			return nil, topicAddress, &AckError{Code: ErrCodeInvalidParameters, Message: err.Error()}
		}
		address = a
		device, known = site.DeviceByAddress(address)
	}
	ackAddress := FormatAddress(address)

	requireTrait := func(trait Traits) *AckError {
		if known && !device.Traits.Has(trait) {
			return &AckError{
				Code:    ErrCodeInvalidCommand,
				Message: fmt.Sprintf("device %s does not support %s", device.ID, cmd.Command),
			}
		}
		return nil
	}

	switch cmd.Command {
	case "on":
		return TurnOn{Address: address}, ackAddress, nil
	case "off":
		return TurnOff{Address: address}, ackAddress, nil
	case "dim":
		if e := requireTrait(TraitDim); e != nil {
			return nil, ackAddress, e
		}
		level, e := intParam(cmd.Parameters, "level", math.MaxUint8)
		if e != nil {
			return nil, ackAddress, e
		}
		return Dim{Address: address, Level: uint8(level)}, ackAddress, nil
	case "color_temperature":
		if e := requireTrait(TraitTemperature); e != nil {
			return nil, ackAddress, e
		}
		value, e := intParam(cmd.Parameters, "value", math.MaxUint16)
		if e != nil {
			return nil, ackAddress, e
		}
		return ColorTemperature{Address: address, Value: uint16(value)}, ackAddress, nil
	case "cover":
		if e := requireTrait(TraitCover); e != nil {
			return nil, ackAddress, e
		}
		if s, ok := cmd.Parameters["position"].(string); ok && s == "stop" {
			return CoverStop(address), ackAddress, nil
		}
		position, e := intParam(cmd.Parameters, "position", maxCoverPosition)
		if e != nil {
			return nil, ackAddress, e
		}
		return Cover{Address: address, Position: position}, ackAddress, nil
	default:
		return nil, ackAddress, &AckError{
			Code:    ErrCodeInvalidCommand,
			Message: fmt.Sprintf("unknown command: %s", cmd.Command),
		}
	}
}

// translateScene resolves a scene by "index" parameter or by scene id.
func translateScene(cmd CommandMessage, site Site, topicAddress string) (Command, string, *AckError) {
	if _, ok := cmd.Parameters["index"]; ok {
		index, e := intParam(cmd.Parameters, "index", math.MaxUint8)
		if e != nil {
			return nil, topicAddress, e
		}
		return ActivateScene{Index: byte(index)}, topicAddress, nil
	}
	if cmd.DeviceID != "" {
		for _, scene := range site.Scenes {
			if scene.ID == cmd.DeviceID {
				return ActivateScene{Index: scene.Address}, topicAddress, nil
			}
		}
		return nil, topicAddress, &AckError{
			Code:    ErrCodeNotConfigured,
			Message: fmt.Sprintf("scene %s not configured", cmd.DeviceID),
		}
	}
	return nil, topicAddress, &AckError{
		Code:    ErrCodeInvalidParameters,
		Message: "missing 'index' parameter",
	}
}

// intParam reads a whole-number parameter in the range 0..upper.
func intParam(params map[string]any, name string, upper int) (int, *AckError) {
	raw, ok := params[name]
	if !ok {
		return 0, &AckError{
			Code:    ErrCodeInvalidParameters,
			Message: fmt.Sprintf("missing '%s' parameter", name),
		}
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, &AckError{
			Code:    ErrCodeInvalidParameters,
			Message: fmt.Sprintf("'%s' must be a number", name),
		}
	}
	if v != math.Trunc(v) || v < 0 || v > float64(upper) {
		return 0, &AckError{
			Code:    ErrCodeInvalidParameters,
			Message: fmt.Sprintf("'%s' must be an integer 0-%d, got %v", name, upper, v),
		}
	}
	return int(v), nil
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	b.publishJSON(AckTopic(address), NewAckMessage(cmd, status, address), false)
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message), false)
	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// enqueueEvent is the EventBus subscriber. It never blocks.
func (b *Bridge) enqueueEvent(evt Event) {
	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
		b.logWarn("event queue full, dropping event", "kind", evt.Kind())
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.queue:
			b.handleEvent(evt)
		}
	}
}

// handleEvent publishes a mesh event as a state or event message.
func (b *Bridge) handleEvent(evt Event) {
	site, _ := b.mesh.Site()

	switch e := evt.(type) {
	case ChangeStateEvent:
		b.publishState(site, e.Address, map[string]any{"on": e.State != 0}, false)
	case DimEvent:
		b.publishState(site, e.Address, map[string]any{"on": e.State != 0, "level": e.Level}, false)
	case ColorTemperatureEvent:
		b.publishState(site, e.Address, map[string]any{"color_temperature": e.Kelvin}, false)
	case MotionEvent:
		// Motion is momentary: every report is published.
		b.publishState(site, e.Address, map[string]any{"motion": true, "light_level": e.LightLevel}, true)
	case SceneActivatedEvent:
		msg := NewEventMessage(e.Kind(), map[string]any{"scene": e.Scene})
		for _, scene := range site.Scenes {
			if scene.Address == e.Scene {
				msg.DeviceID = scene.ID
				msg.Data["title"] = scene.Title
				break
			}
		}
		b.publishEvent(msg)
	case ButtonPressEvent:
		msg := NewEventMessage(e.Kind(), map[string]any{"button": e.Button, "action": string(e.Action)})
		msg.Address = FormatAddress(e.Address)
		if device, ok := site.DeviceByAddress(e.Address); ok {
			msg.DeviceID = device.ID
		}
		b.publishEvent(msg)
	default:
		b.logDebug("unhandled event", "kind", evt.Kind())
	}
}

func (b *Bridge) publishState(site Site, address byte, update map[string]any, always bool) {
	state, changed := b.mergeState(address, update)
	if !changed && !always {
		return
	}

	var deviceID string
	if device, ok := site.DeviceByAddress(address); ok {
		deviceID = device.ID
	}

	b.publishJSON(StateTopic(address), NewStateMessage(deviceID, address, state), true)

	if b.events != nil {
		b.events.WriteMeshEvent(stateKind(update), deviceID, FormatAddress(address), update)
	}
}

func (b *Bridge) publishEvent(msg EventMessage) {
	b.publishJSON(EventTopic(msg.Kind), msg, false)

	if b.events != nil {
		b.events.WriteMeshEvent(string(msg.Kind), msg.DeviceID, msg.Address, msg.Data)
	}
}

// stateKind names the telemetry series of a state update.
func stateKind(update map[string]any) string {
	switch {
	case update["motion"] != nil:
		return string(EventMotion)
	case update["color_temperature"] != nil:
		return string(EventColorTemperature)
	case update["level"] != nil:
		return string(EventDim)
	default:
		return string(EventChangeState)
	}
}

// mergeState folds an update into the cached state of an address and returns
// the full state. changed is false when every value was already cached.
func (b *Bridge) mergeState(address byte, update map[string]any) (map[string]any, bool) {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	cached, ok := b.stateCache[address]
	changed := !ok
	if !ok {
		cached = make(map[string]any, len(update))
		b.stateCache[address] = cached
	}
	for k, v := range update {
		if old, ok := cached[k]; !ok || old != v {
			cached[k] = v
			changed = true
		}
	}
	return maps.Clone(cached), changed
}

// ClearStateCache forgets all published state so the next report for every
// address is published again. Called when the broker connection is re-established.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	b.stateCache = make(map[byte]map[string]any)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishJSON(topic string, msg any, retained bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic %s: %w", topic, err))
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
