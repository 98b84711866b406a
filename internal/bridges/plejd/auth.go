package plejd

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// HandshakeState tracks progress through gateway authentication.
type HandshakeState int

// Handshake states. Verified and Failed are terminal.
const (
	HandshakeIdle HandshakeState = iota
	HandshakeChallengeRequested
	HandshakeChallengeReceived
	HandshakeResponseSent
	HandshakeVerified
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeChallengeRequested:
		return "challenge_requested"
	case HandshakeChallengeReceived:
		return "challenge_received"
	case HandshakeResponseSent:
		return "response_sent"
	case HandshakeVerified:
		return "verified"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// challengeRequest is written to the auth endpoint to ask for a challenge.
var challengeRequest = []byte{0x00}

// Handshake performs challenge/response authentication on a freshly
// opened session. A Handshake is single use.
type Handshake struct {
	session Session
	key     CryptoKey
	rand    io.Reader

	mu    sync.Mutex
	state HandshakeState
}

// NewHandshake prepares a handshake for session using the site key.
// A nil rnd uses crypto/rand for the liveness ping.
func NewHandshake(session Session, key CryptoKey, rnd io.Reader) *Handshake {
	return &Handshake{
		session: session,
		key:     key,
		rand:    rnd,
		state:   HandshakeIdle,
	}
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) setState(s HandshakeState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run executes the handshake. It never retries: any failure moves the
// handshake to HandshakeFailed and returns an error wrapping
// ErrAuthenticationFailed.
func (h *Handshake) Run(ctx context.Context) error {
	if s := h.State(); s != HandshakeIdle {
		return fmt.Errorf("%w: handshake already %s", ErrAuthenticationFailed, s)
	}

	if err := h.run(ctx); err != nil {
		h.setState(HandshakeFailed)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	h.setState(HandshakeVerified)
	return nil
}

func (h *Handshake) run(ctx context.Context) error {
	if err := h.session.Write(ctx, AuthUUID, challengeRequest, true); err != nil {
		return fmt.Errorf("request challenge: %w", err)
	}
	h.setState(HandshakeChallengeRequested)

	raw, err := h.session.Read(ctx, AuthUUID)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if len(raw) != ChallengeSize {
		return fmt.Errorf("challenge is %d bytes, want %d", len(raw), ChallengeSize)
	}
	h.setState(HandshakeChallengeReceived)

	var challenge [ChallengeSize]byte
	copy(challenge[:], raw)
	resp := AuthResponse(challenge, h.key)

	if err := h.session.Write(ctx, AuthUUID, resp[:], true); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	h.setState(HandshakeResponseSent)

	return Ping(ctx, h.session, h.rand)
}

// Ping checks that the gateway is alive and accepted our authentication.
//
// It writes one random byte n to the ping endpoint and expects n+1 (mod 256)
// back. Errors wrap ErrAuthenticationFailed only when the echo is wrong;
// transport failures are returned as they are.
func Ping(ctx context.Context, session Session, rnd io.Reader) error {
	if rnd == nil {
		rnd = rand.Reader
	}

	var n [1]byte
	if _, err := io.ReadFull(rnd, n[:]); err != nil {
		return fmt.Errorf("ping: random byte: %w", err)
	}

	if err := session.Write(ctx, PingUUID, n[:], true); err != nil {
		return fmt.Errorf("ping: write: %w", err)
	}

	reply, err := session.Read(ctx, PingUUID)
	if err != nil {
		return fmt.Errorf("ping: read: %w", err)
	}
	if len(reply) < 1 {
		return fmt.Errorf("%w: ping: empty reply", ErrAuthenticationFailed)
	}
	if want := n[0] + 1; reply[0] != want {
		return fmt.Errorf("%w: ping: got 0x%02x, want 0x%02x", ErrAuthenticationFailed, reply[0], want)
	}
	return nil
}
