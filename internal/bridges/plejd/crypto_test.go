package plejd

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestTransformKeystreamLayout(t *testing.T) {
	// Seed is the reversed MAC twice, then its first four bytes.
	seed := []byte{
		0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA,
		0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA,
		0xFF, 0xEE, 0xDD, 0xCC,
	}
	block, err := aes.NewCipher(testKey[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	want := make([]byte, aes.BlockSize)
	block.Encrypt(want, seed)

	got := Transform(testKey, testMAC, make([]byte, aes.BlockSize))
	if !bytes.Equal(got, want) {
		t.Errorf("keystream = %x, want %x", got, want)
	}
}

func TestTransformRepeatsKeystream(t *testing.T) {
	zeros := make([]byte, 40)
	out := Transform(testKey, testMAC, zeros)

	for i := 16; i < len(out); i++ {
		if out[i] != out[i%16] {
			t.Fatalf("out[%d] = %02x, want out[%d] = %02x", i, out[i], i%16, out[i%16])
		}
	}
}

func TestTransformIsSelfInverse(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"one block", bytes.Repeat([]byte{0x5a}, 16)},
		{"longer than block", []byte("the quick brown fox jumps over the lazy dog")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := Transform(testKey, testMAC, tt.data)
			if len(enc) != len(tt.data) {
				t.Fatalf("len = %d, want %d", len(enc), len(tt.data))
			}
			dec := Transform(testKey, testMAC, enc)
			if !bytes.Equal(dec, tt.data) {
				t.Errorf("round trip = %x, want %x", dec, tt.data)
			}
		})
	}
}

func TestTransformDependsOnGateway(t *testing.T) {
	other := MAC{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	data := []byte{0x01, 0x01, 0x10, 0x00, 0x97, 0x01}

	a := Transform(testKey, testMAC, data)
	b := Transform(testKey, other, data)
	if bytes.Equal(a, b) {
		t.Error("frames encrypted for different gateways should differ")
	}
}

func TestAuthResponse(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		key       string
		want      string
	}{
		{
			name:      "counting challenge",
			challenge: "000102030405060708090a0b0c0d0e0f",
			key:       "00112233445566778899aabbccddeeff",
			want:      "0b31c067a9e97b426979227c7227ce7a",
		},
		{
			name:      "all zero",
			challenge: "00000000000000000000000000000000",
			key:       "00000000000000000000000000000000",
			want:      "582a34081b40e7eeb2fde2defd80e593",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var challenge [ChallengeSize]byte
			raw, _ := hex.DecodeString(tt.challenge)
			copy(challenge[:], raw)

			key, err := ParseCryptoKey(tt.key)
			if err != nil {
				t.Fatalf("ParseCryptoKey: %v", err)
			}

			got := AuthResponse(challenge, key)
			if hex.EncodeToString(got[:]) != tt.want {
				t.Errorf("AuthResponse = %x, want %s", got, tt.want)
			}
		})
	}
}

func TestParseCryptoKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    CryptoKey
		wantErr bool
	}{
		{"plain hex", testKeyHex, testKey, false},
		{"uuid style", "00112233-4455-6677-8899-aabbccddeeff", testKey, false},
		{"upper case", "00112233445566778899AABBCCDDEEFF", testKey, false},
		{"too short", "0011", CryptoKey{}, true},
		{"too long", testKeyHex + "00", CryptoKey{}, true},
		{"not hex", "zz112233445566778899aabbccddeeff", CryptoKey{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCryptoKey(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCryptoKey) {
					t.Errorf("error = %v, want ErrInvalidCryptoKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("key = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseMAC(t *testing.T) {
	tests := []struct {
		input   string
		want    MAC
		wantErr bool
	}{
		{"AA:BB:CC:DD:EE:FF", testMAC, false},
		{"aa-bb-cc-dd-ee-ff", testMAC, false},
		{"aabbccddeeff", testMAC, false},
		{"AA:BB:CC", MAC{}, true},
		{"GG:BB:CC:DD:EE:FF", MAC{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMAC(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMAC) {
					t.Errorf("error = %v, want ErrInvalidMAC", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("mac = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMACString(t *testing.T) {
	if got := testMAC.String(); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("String() = %q, want AA:BB:CC:DD:EE:FF", got)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		frame   string
		want    []byte
		wantErr bool
	}{
		{"01 01 10 00 97 01", []byte{0x01, 0x01, 0x10, 0x00, 0x97, 0x01}, false},
		{"0201100021 05", []byte{0x02, 0x01, 0x10, 0x00, 0x21, 0x05}, false},
		{"01 0x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			got, err := DecodeFrame(tt.frame)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Errorf("error = %v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DecodeFrame() = %x, want %x", got, tt.want)
			}
		})
	}
}
