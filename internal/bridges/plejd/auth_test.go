package plejd

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestHandshakeRun(t *testing.T) {
	session := newMockSession()
	hs := NewHandshake(session, testKey, bytes.NewReader([]byte{0x41}))

	if hs.State() != HandshakeIdle {
		t.Fatalf("initial state = %s, want idle", hs.State())
	}
	if err := hs.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if hs.State() != HandshakeVerified {
		t.Errorf("state = %s, want verified", hs.State())
	}

	auth := session.getWrites(AuthUUID)
	if len(auth) != 2 {
		t.Fatalf("auth writes = %d, want 2", len(auth))
	}
	if !bytes.Equal(auth[0].data, []byte{0x00}) {
		t.Errorf("challenge request = %x, want 00", auth[0].data)
	}
	want := AuthResponse(session.challenge, testKey)
	if !bytes.Equal(auth[1].data, want[:]) {
		t.Errorf("response = %x, want %x", auth[1].data, want)
	}
	for _, w := range auth {
		if !w.withResponse {
			t.Error("auth writes should request a response")
		}
	}

	ping := session.getWrites(PingUUID)
	if len(ping) != 1 || !bytes.Equal(ping[0].data, []byte{0x41}) {
		t.Errorf("ping writes = %+v, want one write of 41", ping)
	}
}

func TestHandshakeFailsOnBadPing(t *testing.T) {
	session := newMockSession()
	session.pingDelta = 2
	hs := NewHandshake(session, testKey, bytes.NewReader([]byte{0x10}))

	err := hs.Run(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("error = %v, want ErrAuthenticationFailed", err)
	}
	if hs.State() != HandshakeFailed {
		t.Errorf("state = %s, want failed", hs.State())
	}
}

func TestHandshakeFailsOnTransportError(t *testing.T) {
	session := newMockSession()
	session.setConnected(false)
	hs := NewHandshake(session, testKey, nil)

	err := hs.Run(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("error = %v, want ErrAuthenticationFailed", err)
	}
	if hs.State() != HandshakeFailed {
		t.Errorf("state = %s, want failed", hs.State())
	}
}

func TestHandshakeIsSingleUse(t *testing.T) {
	session := newMockSession()
	hs := NewHandshake(session, testKey, nil)

	if err := hs.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if err := hs.Run(context.Background()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("second Run() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestPingWrapsAround(t *testing.T) {
	session := newMockSession()
	if err := Ping(context.Background(), session, bytes.NewReader([]byte{0xff})); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	session.mu.Lock()
	reply := session.pingSent + session.pingDelta
	session.mu.Unlock()
	if reply != 0x00 {
		t.Errorf("expected reply = %02x, want 00", reply)
	}
}

func TestHandshakeStateString(t *testing.T) {
	tests := []struct {
		state HandshakeState
		want  string
	}{
		{HandshakeIdle, "idle"},
		{HandshakeChallengeRequested, "challenge_requested"},
		{HandshakeChallengeReceived, "challenge_received"},
		{HandshakeResponseSent, "response_sent"},
		{HandshakeVerified, "verified"},
		{HandshakeFailed, "failed"},
		{HandshakeState(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
