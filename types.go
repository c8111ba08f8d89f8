// Package voicedriver implements the voice/gateway driver for a chat
// platform's real-time voice channel protocol: connection handshake,
// per-frame audio mixing, cryptographic packet tagging, inbound packet
// demultiplexing, timed/lifecycle event dispatch, and reconnect.
//
// The chat platform's REST/gateway client, caches, and ID types are
// external collaborators referenced only through the types in this
// file (ConnectionInfo); they are not implemented here.
package voicedriver

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionInfo is produced by the external gateway client once it has
// discovered a voice endpoint for a guild/session. It is immutable once
// constructed and is handed to Driver.Connect (or used again on resume).
type ConnectionInfo struct {
	Endpoint  string // voice gateway websocket endpoint, e.g. "wss://host:443"
	GuildID   string
	SessionID string
	Token     string
	UserID    string
}

// NewSessionID generates a random session identifier suitable for
// ConnectionInfo.SessionID. The real gateway client assigns its own
// session IDs as part of the voice-server-update it discovers; this helper
// exists for callers exercising a Driver outside of that flow, such as the
// probe in cmd/voicedriver-probe, that need a plausible SessionID without a
// live gateway.
func NewSessionID() string {
	return uuid.NewString()
}

// CryptoMode selects which of the three supported XSalsa20Poly1305 nonce
// schemes is used to tag outbound RT(C)P packets. See internal/crypto.
type CryptoMode int

const (
	// CryptoModeNormal uses the 12-byte RTP header (zero-padded to 24
	// bytes) as the nonce. No extra per-packet overhead.
	CryptoModeNormal CryptoMode = iota
	// CryptoModeSuffix appends 24 random bytes to the payload as the nonce.
	CryptoModeSuffix
	// CryptoModeLite appends a 4-byte wrapping counter to the payload.
	CryptoModeLite
)

func (m CryptoMode) String() string {
	switch m {
	case CryptoModeNormal:
		return "xsalsa20_poly1305"
	case CryptoModeSuffix:
		return "xsalsa20_poly1305_suffix"
	case CryptoModeLite:
		return "xsalsa20_poly1305_lite"
	default:
		return "unknown"
	}
}

// DecodeMode selects how much work the inbound UDP receive task performs
// on packets from other speakers.
type DecodeMode int

const (
	// DecodeModePass forwards each RTP packet's SSRC, sequence number and
	// timestamp without decryption; the packet bytes are not forwarded.
	DecodeModePass DecodeMode = iota
	// DecodeModeDecrypt decrypts but does not run the Opus decoder.
	DecodeModeDecrypt
	// DecodeModeDecode decrypts and fully decodes to stereo PCM.
	DecodeModeDecode
)

// Config holds settings negotiated once per session. CryptoMode may not be
// changed while connected; the supervisor freezes it across reconnects.
type Config struct {
	CryptoMode         CryptoMode
	DecodeMode         DecodeMode
	PreallocatedTracks int
	// SilentFrames is the number of silent Opus frames emitted after a
	// speaking-to-silent transition, to flush the peer's decoder. Pinned at
	// 5 by default per the most recent upstream behaviour.
	SilentFrames int
	// HandshakeTimeout bounds the identify/ready/select-protocol/session
	// description exchange.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		CryptoMode:         CryptoModeNormal,
		DecodeMode:         DecodeModeDecrypt,
		PreallocatedTracks: 1,
		SilentFrames:       5,
		HandshakeTimeout:   10 * time.Second,
	}
}

// WithCryptoMode returns a copy of c with CryptoMode set.
func (c Config) WithCryptoMode(m CryptoMode) Config { c.CryptoMode = m; return c }

// WithDecodeMode returns a copy of c with DecodeMode set.
func (c Config) WithDecodeMode(m DecodeMode) Config { c.DecodeMode = m; return c }

// WithPreallocatedTracks returns a copy of c with PreallocatedTracks set.
func (c Config) WithPreallocatedTracks(n int) Config { c.PreallocatedTracks = n; return c }

// WithSilentFrames returns a copy of c with SilentFrames set.
func (c Config) WithSilentFrames(n int) Config { c.SilentFrames = n; return c }

// WithHandshakeTimeout returns a copy of c with HandshakeTimeout set.
func (c Config) WithHandshakeTimeout(d time.Duration) Config { c.HandshakeTimeout = d; return c }

// makeSafe prevents changes which would invalidate the current session: the
// crypto mode is frozen while connected, matching songbird's make_safe.
func (c Config) makeSafe(previous Config, connected bool) Config {
	if connected {
		c.CryptoMode = previous.CryptoMode
	}
	return c
}
