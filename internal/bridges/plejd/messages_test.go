package plejd

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command", CommandTopic(11), "graylogic/command/plejd/11"},
		{"ack", AckTopic("11"), "graylogic/ack/plejd/11"},
		{"state", StateTopic(255), "graylogic/state/plejd/255"},
		{"event", EventTopic(EventSceneActivated), "graylogic/event/plejd/scene_activated"},
		{"health", HealthTopic(), "graylogic/health/plejd"},
		{"command subscribe", CommandSubscribeTopic(), "graylogic/command/plejd/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCommandTopicAddress(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"graylogic/command/plejd/11", "11", true},
		{"graylogic/command/plejd/", "", false},
		{"graylogic/command/plejd/11/extra", "", false},
		{"graylogic/command/knx/11", "", false},
		{"graylogic/state/plejd/11", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := commandTopicAddress(tt.topic)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("commandTopicAddress() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"0", 0, false},
		{"11", 11, false},
		{"255", 255, false},
		{"256", 0, true},
		{"-1", 0, true},
		{"0x0b", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Errorf("error = %v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCommandMessageUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		check   func(t *testing.T, m CommandMessage)
	}{
		{
			name:    "full message",
			payload: `{"id":"c1","timestamp":"2026-01-15T10:30:00Z","device_id":"dev-1","command":"dim","parameters":{"level":128}}`,
			check: func(t *testing.T, m CommandMessage) {
				if m.ID != "c1" || m.DeviceID != "dev-1" || m.Command != "dim" {
					t.Errorf("message = %+v", m)
				}
				if !m.Timestamp.Equal(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)) {
					t.Errorf("Timestamp = %v", m.Timestamp)
				}
				if m.Parameters["level"] != float64(128) {
					t.Errorf("level = %v", m.Parameters["level"])
				}
			},
		},
		{
			name:    "missing timestamp",
			payload: `{"command":"on"}`,
			check: func(t *testing.T, m CommandMessage) {
				if !m.Timestamp.IsZero() {
					t.Errorf("Timestamp = %v, want zero", m.Timestamp)
				}
			},
		},
		{name: "bad timestamp", payload: `{"command":"on","timestamp":"yesterday"}`, wantErr: true},
		{name: "not json", payload: `on`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m CommandMessage
			err := json.Unmarshal([]byte(tt.payload), &m)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, m)
		})
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c1", DeviceID: "dev-1"}
	ack := NewAckError(cmd, "11", ErrCodeInvalidParameters, "bad level")

	if ack.Status != AckFailed {
		t.Errorf("Status = %q, want failed", ack.Status)
	}
	if ack.CommandID != "c1" || ack.DeviceID != "dev-1" || ack.Address != "11" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Protocol != Protocol {
		t.Errorf("Protocol = %q", ack.Protocol)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("Error = %+v", ack.Error)
	}
}

func TestNewHealthMessage(t *testing.T) {
	stats := SupervisorStats{
		EventsReceived:  10,
		CommandsWritten: 4,
		Reconnects:      1,
		State:           StateConnected,
		LastActivity:    time.Now(),
	}
	msg := NewHealthMessage("bridge-1", "1.2.3", HealthHealthy, stats, 7, time.Now().Add(-time.Minute))

	if msg.Connection == nil || msg.Connection.Status != "connected" {
		t.Fatalf("Connection = %+v", msg.Connection)
	}
	if msg.Connection.LastActivity == nil {
		t.Error("LastActivity should be set")
	}
	if msg.Statistics.EventsReceived != 10 || msg.Statistics.Reconnects != 1 {
		t.Errorf("Statistics = %+v", msg.Statistics)
	}
	if msg.DevicesManaged != 7 {
		t.Errorf("DevicesManaged = %d, want 7", msg.DevicesManaged)
	}
	if msg.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, want >= 59", msg.UptimeSeconds)
	}

	idle := NewHealthMessage("bridge-1", "", HealthDegraded, SupervisorStats{}, 0, time.Now())
	if idle.Connection.LastActivity != nil {
		t.Error("LastActivity should be omitted without traffic")
	}
	if idle.Connection.Status != "disconnected" {
		t.Errorf("Status = %q, want disconnected", idle.Connection.Status)
	}
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("bridge-1")
	if msg.Status != HealthOffline {
		t.Errorf("Status = %q, want offline", msg.Status)
	}
	if msg.Reason == "" {
		t.Error("Reason should be set")
	}
}
