package plejd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol is the protocol identifier carried in every message.
const Protocol = "plejd"

// CommandMessage is sent from Core to Bridge to control a mesh device.
// Topic: graylogic/command/plejd/{address}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	// Generated by the bridge when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the cloud device identifier. When set it takes precedence
	// over the address in the topic.
	DeviceID string `json:"device_id,omitempty"`

	// Command is one of "on", "off", "dim", "color_temperature", "cover", "scene".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 128} for dim
	//   {"value": 2700} for color_temperature
	//   {"position": 32768} or {"position": "stop"} for cover
	//   {"index": 3} for scene
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// UnmarshalJSON accepts a missing timestamp; a present one must be RFC3339.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was handed to the mesh dispatcher.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/plejd/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when a device reports state.
// Topic: graylogic/state/plejd/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is empty when the address is not part of the loaded site.
	DeviceID string `json:"device_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// State contains the reported values:
	//   Switch: {"on": true}
	//   Dimmer: {"on": true, "level": 128}
	//   Tunable white: {"color_temperature": 2700}
	//   Motion sensor: {"motion": true, "light_level": 300}
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// EventMessage is sent from Bridge to Core for momentary mesh events
// (scene activations and button presses) that carry no persistent state.
// Topic: graylogic/event/plejd/{kind}
// QoS: 1, Retained: No
type EventMessage struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id,omitempty"`
	Address   string         `json:"address,omitempty"`
	Data      map[string]any `json:"data"`
	Protocol  string         `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running but the mesh or MQTT link is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/plejd
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the mesh link.
type ConnectionStatus struct {
	// Status is the supervisor state ("connected", "reconnecting", ...).
	Status string `json:"status"`

	// Gateway is the MAC of the connected gateway.
	Gateway string `json:"gateway,omitempty"`

	// Site is the id of the controlled site.
	Site string `json:"site,omitempty"`

	// LastActivity is when traffic was last seen on the mesh.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	EventsReceived     uint64 `json:"events_received"`
	FramesUnrecognized uint64 `json:"frames_unrecognized"`
	CommandsWritten    uint64 `json:"commands_written"`
	WriteErrors        uint64 `json:"write_errors"`
	Reconnects         uint64 `json:"reconnects"`
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID string, address byte, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   FormatAddress(address),
	}
}

// NewEventMessage creates a momentary event message.
func NewEventMessage(kind EventKind, data map[string]any) EventMessage {
	return EventMessage{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Protocol:  Protocol,
	}
}

// NewHealthMessage creates a health status message from supervisor statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats SupervisorStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Connection: &ConnectionStatus{
			Status: stats.State.String(),
		},
		Statistics: &BridgeStatistics{
			EventsReceived:     stats.EventsReceived,
			FramesUnrecognized: stats.FramesUnrecognized,
			CommandsWritten:    stats.CommandsWritten,
			WriteErrors:        stats.WriteErrors,
			Reconnects:         stats.Reconnects,
		},
	}
	if !stats.LastActivity.IsZero() && stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &last
	}
	return msg
}

// NewLWTMessage creates the Last Will and Testament message for MQTT.
// The broker publishes it if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// FormatAddress renders a mesh address for topics and messages (decimal).
func FormatAddress(address byte) string {
	return strconv.Itoa(int(address))
}

// ParseAddress parses a decimal mesh address as used in topics.
func ParseAddress(s string) (byte, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", ErrInvalidCommand, s)
	}
	return byte(n), nil
}

// CommandTopic returns the MQTT topic for commands to a mesh address.
// Example: graylogic/command/plejd/11
func CommandTopic(address byte) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, FormatAddress(address))
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: graylogic/ack/plejd/11
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, address)
}

// StateTopic returns the MQTT topic for state updates.
// Example: graylogic/state/plejd/11
func StateTopic(address byte) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, FormatAddress(address))
}

// EventTopic returns the MQTT topic for momentary events of a kind.
// Example: graylogic/event/plejd/scene_activated
func EventTopic(kind EventKind) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, Protocol, kind)
}

// HealthTopic returns the MQTT topic for health status.
// Example: graylogic/health/plejd
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: graylogic/command/plejd/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// commandTopicAddress extracts the address segment of a command topic.
func commandTopicAddress(topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, Protocol)
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
