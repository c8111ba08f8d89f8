// Package crypto implements the three XSalsa20Poly1305 nonce schemes used to
// tag outbound/inbound RT(C)P packets, grounded on the arikawa voice UDP
// connection's use of golang.org/x/crypto/nacl/secretbox and on
// songbird's driver/crypto.rs CryptoMode/CryptoState split.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Mode is one of the three supported nonce schemes.
type Mode int

const (
	// Normal uses the packet header as the nonce source (zero-padded to 24 bytes).
	Normal Mode = iota
	// Suffix appends 24 random bytes to the ciphertext as the nonce.
	Suffix
	// Lite appends a 4-byte wrapping counter to the ciphertext as the nonce.
	Lite
)

const (
	// NonceSize is the width of a secretbox nonce.
	NonceSize = 24
	// TagSize is the width of the Poly1305 authentication tag secretbox prepends.
	TagSize = secretbox.Overhead
	// KeySize is the width of the shared secret key.
	KeySize = 32
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "xsalsa20_poly1305"
	case Suffix:
		return "xsalsa20_poly1305_suffix"
	case Lite:
		return "xsalsa20_poly1305_lite"
	default:
		return "unknown"
	}
}

// ModeFromWireName maps a select-protocol wire string to a Mode. ok is false
// for an unrecognised name, so the caller can reject an unknown server offer
// instead of silently picking one.
func ModeFromWireName(name string) (m Mode, ok bool) {
	switch name {
	case "xsalsa20_poly1305":
		return Normal, true
	case "xsalsa20_poly1305_suffix":
		return Suffix, true
	case "xsalsa20_poly1305_lite":
		return Lite, true
	default:
		return 0, false
	}
}

// NonceSizeInPacket returns how many bytes of the packet the nonce occupies
// for Normal mode (the full 12-byte RTP header); Suffix/Lite report the
// trailing nonce region width.
func (m Mode) NonceSizeInPacket(headerLen int) int {
	switch m {
	case Normal:
		return headerLen
	case Suffix:
		return NonceSize
	case Lite:
		return 4
	default:
		return 0
	}
}

// PayloadPrefixLen is the number of bytes occupied by the scheme before the
// ciphertext payload: always the authentication tag.
func (m Mode) PayloadPrefixLen() int { return TagSize }

// PayloadSuffixLen is the number of bytes occupied by the scheme after the
// ciphertext payload.
func (m Mode) PayloadSuffixLen(headerLen int) int {
	switch m {
	case Suffix, Lite:
		return m.NonceSizeInPacket(headerLen)
	default:
		return 0
	}
}

// Overhead is the total number of additional bytes a sealed packet carries
// compared to its plaintext payload.
func (m Mode) Overhead(headerLen int) int {
	return m.PayloadPrefixLen() + m.PayloadSuffixLen(headerLen)
}

// State carries the per-connection mutable crypto bookkeeping: only Lite
// mode needs one, for its wrapping counter.
type State struct {
	Mode    Mode
	counter uint32
}

// NewState creates a State for the given mode. Lite mode's counter starts at
// a random value, mirroring songbird's CryptoState::from(CryptoMode::Lite).
func NewState(mode Mode) (State, error) {
	s := State{Mode: mode}
	if mode == Lite {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return State{}, fmt.Errorf("crypto: seed lite counter: %w", err)
		}
		s.counter = binary.BigEndian.Uint32(b[:])
	}
	return s, nil
}

// WritePacketNonce writes the mode-dependent nonce suffix into
// packet[payloadEnd:] and returns the new total length. For Normal mode this
// is a no-op (the header already supplies the nonce) and payloadEnd is
// returned unchanged.
func (s *State) WritePacketNonce(packet []byte, payloadEnd int) (int, error) {
	switch s.Mode {
	case Suffix:
		end := payloadEnd + NonceSize
		if end > len(packet) {
			return 0, fmt.Errorf("crypto: packet buffer too small for suffix nonce")
		}
		if _, err := rand.Read(packet[payloadEnd:end]); err != nil {
			return 0, fmt.Errorf("crypto: generate suffix nonce: %w", err)
		}
		return end, nil
	case Lite:
		end := payloadEnd + 4
		if end > len(packet) {
			return 0, fmt.Errorf("crypto: packet buffer too small for lite nonce")
		}
		binary.BigEndian.PutUint32(packet[payloadEnd:end], s.counter)
		s.counter++
		return end, nil
	default:
		return payloadEnd, nil
	}
}

// Cipher wraps the 32-byte shared secret negotiated at handshake time. It is
// a cheap value to copy/clone (matching songbird's "cipher handles are cheap
// clones" design note) since it holds only the key.
type Cipher struct {
	key [KeySize]byte
}

// NewCipher builds a Cipher from the session description's secret key.
func NewCipher(key [KeySize]byte) Cipher {
	return Cipher{key: key}
}

// nonceFrom builds a secretbox nonce from a variable-length source slice,
// left-aligning it and zero-padding the remainder, mirroring
// CryptoMode::decrypt_in_place / encrypt_in_place's nonce construction.
func nonceFrom(src []byte) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:], src)
	return n
}

// Seal encrypts plaintext into dst[TagSize:], writing the tag into
// dst[:TagSize]. header is the full RTP header (used as the nonce source
// under Normal mode); nonceSuffix is the already-generated suffix bytes for
// Suffix/Lite mode (nil under Normal). dst must have length
// TagSize+len(plaintext) and must not alias plaintext.
func (c Cipher) Seal(mode Mode, header, nonceSuffix, dst, plaintext []byte) {
	var nonceSrc []byte
	if mode == Normal {
		nonceSrc = header
	} else {
		nonceSrc = nonceSuffix
	}
	nonce := nonceFrom(nonceSrc)

	sealed := secretbox.Seal(dst[:0], plaintext, &nonce, &c.key)
	if &sealed[0] != &dst[0] {
		copy(dst, sealed)
	}
}

// Open authenticates and decrypts a received packet's tag+ciphertext region.
// header is the full RTP header; nonceSuffix is the suffix region already
// stripped off the packet by the caller for Suffix/Lite modes (nil under
// Normal). sealed is exactly tag(16B) followed by ciphertext. It returns the
// plaintext, or an error if authentication fails: any single-byte corruption
// of the sealed region or of the nonce source (the header under Normal,
// nonceSuffix under Suffix/Lite) fails. Under Suffix/Lite the header is not
// an input to Open, so a corrupted header is not detected.
func (c Cipher) Open(mode Mode, header, nonceSuffix, sealed []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("crypto: packet too short for auth tag")
	}

	var nonceSrc []byte
	if mode == Normal {
		nonceSrc = header
	} else {
		nonceSrc = nonceSuffix
	}
	nonce := nonceFrom(nonceSrc)

	plain, ok := secretbox.Open(nil, sealed, &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("crypto: authentication failed")
	}
	return plain, nil
}
