package plejd

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key and address sizes used by the mesh protocol.
const (
	// KeySize is the length of a site crypto key in bytes.
	KeySize = 16

	// MACSize is the length of a gateway MAC address in bytes.
	MACSize = 6

	// ChallengeSize is the length of the authentication challenge.
	ChallengeSize = 16
)

// CryptoKey is the per-site AES-128 key shared by every node in a mesh.
type CryptoKey [KeySize]byte

// MAC is a gateway hardware address in transmission order (most significant byte first).
type MAC [MACSize]byte

// ParseCryptoKey decodes a hex crypto key as returned by the cloud API.
// Dashes are ignored, so both "0011...ff" and UUID-style keys are accepted.
func ParseCryptoKey(s string) (CryptoKey, error) {
	var key CryptoKey

	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if err != nil {
		return key, fmt.Errorf("%w: %w", ErrInvalidCryptoKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidCryptoKey, len(raw), KeySize)
	}

	copy(key[:], raw)
	return key, nil
}

// String returns the key as lowercase hex.
func (k CryptoKey) String() string {
	return hex.EncodeToString(k[:])
}

// ParseMAC decodes a MAC address written as hex with optional ':' or '-' separators.
func ParseMAC(s string) (MAC, error) {
	var mac MAC

	cleaned := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return mac, fmt.Errorf("%w: %w", ErrInvalidMAC, err)
	}
	if len(raw) != MACSize {
		return mac, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidMAC, len(raw), MACSize)
	}

	copy(mac[:], raw)
	return mac, nil
}

// String renders the MAC as "AA:BB:CC:DD:EE:FF".
func (m MAC) String() string {
	var b strings.Builder
	for i, octet := range m {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

// reversed returns the MAC in over-the-air (little-endian) byte order.
func (m MAC) reversed() [MACSize]byte {
	var out [MACSize]byte
	for i := range m {
		out[i] = m[MACSize-1-i]
	}
	return out
}

// keystream derives the 16-byte XOR keystream for a key/gateway pair.
//
// The seed is rev(mac) || rev(mac) || rev(mac)[0:4], encrypted once with
// AES-128 in a single block.
func keystream(key CryptoKey, mac MAC) [aes.BlockSize]byte {
	rev := mac.reversed()

	var seed [aes.BlockSize]byte
	copy(seed[0:6], rev[:])
	copy(seed[6:12], rev[:])
	copy(seed[12:16], rev[:4])

	// aes.NewCipher only fails on invalid key lengths; CryptoKey is always 16 bytes.
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(fmt.Sprintf("plejd: aes cipher: %v", err))
	}

	var ks [aes.BlockSize]byte
	block.Encrypt(ks[:], seed[:])
	return ks
}

// Transform encrypts or decrypts a frame for the given site key and gateway.
//
// The cipher is a fixed keystream XOR, so the same call both encrypts and
// decrypts: Transform(k, m, Transform(k, m, x)) == x.
//
// Parameters:
//   - key: Site crypto key
//   - mac: MAC address of the connected gateway
//   - data: Plain or encrypted frame
//
// Returns:
//   - []byte: A new slice of the same length as data
func Transform(key CryptoKey, mac MAC, data []byte) []byte {
	ks := keystream(key, mac)

	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ ks[i%aes.BlockSize]
	}
	return out
}

// AuthResponse computes the answer to a gateway authentication challenge.
//
// Challenge and key are XORed as 128-bit big-endian integers (a bytewise
// XOR for equal-width values), hashed with SHA-256, and the two digest
// halves are XORed together.
func AuthResponse(challenge [ChallengeSize]byte, key CryptoKey) [ChallengeSize]byte {
	var mixed [ChallengeSize]byte
	for i := range mixed {
		mixed[i] = challenge[i] ^ key[i]
	}

	digest := sha256.Sum256(mixed[:])

	var resp [ChallengeSize]byte
	for i := range resp {
		resp[i] = digest[i] ^ digest[i+ChallengeSize]
	}
	return resp
}

// DecodeFrame converts a canonical hex frame string into bytes.
// Whitespace anywhere in the string is ignored.
func DecodeFrame(frame string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(frame), "")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %q: %w", ErrInvalidCommand, frame, err)
	}
	return raw, nil
}
