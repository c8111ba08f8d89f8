package crypto

import (
	"bytes"
	"testing"
)

func testHeader() []byte {
	return []byte{0x80, 0x78, 0x00, 0x01, 0x00, 0x00, 0x03, 0xC0, 0x00, 0x00, 0x04, 0xD2}
}

func TestRoundTripAllModes(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	cipher := NewCipher(key)
	plaintext := []byte("a fake opus frame payload")

	tests := []struct {
		name string
		mode Mode
	}{
		{"normal", Normal},
		{"suffix", Suffix},
		{"lite", Lite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := testHeader()
			state, err := NewState(tt.mode)
			if err != nil {
				t.Fatalf("NewState: %v", err)
			}

			sealed := make([]byte, TagSize+len(plaintext)+32)
			payloadEnd := TagSize + len(plaintext)
			copy(sealed[TagSize:payloadEnd], plaintext)

			total, err := state.WritePacketNonce(sealed, payloadEnd)
			if err != nil {
				t.Fatalf("WritePacketNonce: %v", err)
			}
			sealed = sealed[:total]

			var nonceSuffix []byte
			if tt.mode != Normal {
				nonceSuffix = append([]byte(nil), sealed[payloadEnd:total]...)
			}

			dst := make([]byte, payloadEnd)
			cipher.Seal(tt.mode, header, nonceSuffix, dst, plaintext)
			copy(sealed[:payloadEnd], dst)

			got, err := cipher.Open(tt.mode, header, nonceSuffix, sealed[:payloadEnd])
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
			}
		})
	}
}

func TestTamperDetection(t *testing.T) {
	var key [KeySize]byte
	cipher := NewCipher(key)
	plaintext := []byte("hello voice")
	header := testHeader()

	dst := make([]byte, TagSize+len(plaintext))
	cipher.Seal(Normal, header, nil, dst, plaintext)

	t.Run("flip ciphertext byte", func(t *testing.T) {
		tampered := append([]byte(nil), dst...)
		tampered[len(tampered)-1] ^= 0xFF
		if _, err := cipher.Open(Normal, header, nil, tampered); err == nil {
			t.Fatal("expected decrypt failure after ciphertext tamper")
		}
	})

	t.Run("flip header byte", func(t *testing.T) {
		tamperedHeader := append([]byte(nil), header...)
		tamperedHeader[2] ^= 0xFF
		if _, err := cipher.Open(Normal, tamperedHeader, nil, dst); err == nil {
			t.Fatal("expected decrypt failure after header tamper")
		}
	})

	t.Run("flip suffix byte", func(t *testing.T) {
		state, _ := NewState(Suffix)
		suffixDst := make([]byte, TagSize+len(plaintext)+NonceSize)
		payloadEnd := TagSize + len(plaintext)
		total, _ := state.WritePacketNonce(suffixDst, payloadEnd)
		suffix := append([]byte(nil), suffixDst[payloadEnd:total]...)

		body := make([]byte, payloadEnd)
		cipher.Seal(Suffix, header, suffix, body, plaintext)

		badSuffix := append([]byte(nil), suffix...)
		badSuffix[0] ^= 0xFF
		if _, err := cipher.Open(Suffix, header, badSuffix, body); err == nil {
			t.Fatal("expected decrypt failure after suffix tamper")
		}
	})
}
