// Package rtpcodec builds outbound RTP headers and nonce placement, and
// classifies/splits inbound datagrams into RTP/RTCP/IP-discovery-echo/
// unknown, grounded on the arikawa voice-UDP connection reference file's
// header field layout (other_examples) and cross-checked against
// github.com/pion/rtp and github.com/pion/rtcp's header parsers for the
// inbound classification path.
package rtpcodec

import (
	"encoding/binary"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/rustyguts/voicedriver/internal/crypto"
)

// HeaderSize is the fixed, extension-free RTP header width this driver
// emits and expects on outbound packets.
const HeaderSize = 12

// rtpVersion is the first header byte (RTP version=2 << 6, no padding,
// extension or CSRCs); PayloadType is the fixed codec profile byte for Opus
// audio (120, marker=0), matching the voice gateway's documented value.
const (
	rtpVersion   byte = 0x80
	PayloadType  byte = 0x78
)

// Header is the fixed 12-byte outbound RTP header.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// WriteInto encodes h into buf[:HeaderSize]. buf must have length >=
// HeaderSize.
func (h Header) WriteInto(buf []byte) {
	buf[0] = rtpVersion
	buf[1] = PayloadType
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
}

// Sequencer advances sequence and timestamp by one frame each tick,
// wrapping per their bit widths exactly as Go's unsigned overflow already
// does.
type Sequencer struct {
	SSRC          uint32
	sequence      uint16
	timestamp     uint32
	timestampIncr uint32
}

// NewSequencer creates a Sequencer for ssrc, advancing the RTP timestamp by
// timestampIncr (960 for 20ms @ 48kHz) each call to Next.
func NewSequencer(ssrc uint32, timestampIncr uint32) *Sequencer {
	return &Sequencer{SSRC: ssrc, timestampIncr: timestampIncr}
}

// Next returns the header for the next packet and advances internal state.
// Sequence/timestamp advance exactly once per call regardless of whether
// the caller ends up emitting a packet. The mixer calls Next only on ticks
// where it sends a packet, so a tick that emits nothing advances neither.
func (s *Sequencer) Next() Header {
	h := Header{Sequence: s.sequence, Timestamp: s.timestamp, SSRC: s.SSRC}
	s.sequence++
	s.timestamp += s.timestampIncr
	return h
}

// BuildPacket assembles a full outbound packet into dst: the RTP header,
// the sealed (tag+ciphertext) payload, and the mode-dependent nonce suffix.
// dst must have capacity for HeaderSize + mode.Overhead(HeaderSize) +
// len(plaintext). Returns the total packet length.
func BuildPacket(dst []byte, header Header, cipher crypto.Cipher, state *crypto.State, plaintext []byte) (int, error) {
	header.WriteInto(dst[:HeaderSize])

	payloadEnd := HeaderSize + crypto.TagSize + len(plaintext)
	total, err := state.WritePacketNonce(dst, payloadEnd)
	if err != nil {
		return 0, err
	}

	var nonceSuffix []byte
	if state.Mode != crypto.Normal {
		nonceSuffix = dst[payloadEnd:total]
	}

	cipher.Seal(state.Mode, dst[:HeaderSize], nonceSuffix, dst[HeaderSize:payloadEnd], plaintext)
	return total, nil
}

// Kind classifies an inbound UDP datagram.
type Kind int

const (
	KindUnknown Kind = iota
	KindRTP
	KindRTCP
	KindIPDiscoveryEcho
)

// ipDiscoveryPacketSize is the fixed 74-byte IP-discovery response size
// (spec.md §6 IP-discovery packet).
const ipDiscoveryPacketSize = 74

// Classify inspects a raw inbound datagram and reports its Kind. IP
// discovery echoes share no marker byte with RTP/RTCP, so classification
// falls back to datagram length, matching the one-shot nature of discovery
// (it is only expected once, immediately after the UDP socket opens).
func Classify(data []byte, expectingDiscovery bool) Kind {
	if expectingDiscovery && len(data) == ipDiscoveryPacketSize {
		return KindIPDiscoveryEcho
	}
	if len(data) < HeaderSize {
		return KindUnknown
	}
	// RTCP packet types occupy 200-211 in byte[1]; RTP's marker+payload-type
	// byte never legally collides with that range for this driver's fixed
	// Opus profile.
	if data[1] >= 200 && data[1] <= 211 {
		return KindRTCP
	}
	if data[0]&0xC0 == 0x80 {
		return KindRTP
	}
	return KindUnknown
}

// InboundRTP is a parsed, still-encrypted inbound RTP packet.
type InboundRTP struct {
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	Header         []byte // the raw header bytes, used as the Normal-mode nonce source
	Payload        []byte // tag + ciphertext (+ mode-dependent nonce suffix, not yet stripped)
}

// ParseRTP parses data as an RTP packet using pion/rtp for header decode,
// cross-checked against the driver's own fixed-profile assumptions.
func ParseRTP(data []byte) (InboundRTP, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return InboundRTP{}, err
	}
	headerLen := len(data) - len(pkt.Payload)
	return InboundRTP{
		SSRC:           pkt.SSRC,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Header:         data[:headerLen],
		Payload:        pkt.Payload,
	}, nil
}

// SplitNonceSuffix removes the mode-dependent trailing nonce bytes from an
// inbound RTP payload, returning the tag+ciphertext region and the nonce
// suffix itself (nil under Normal mode, where the header is the nonce).
func SplitNonceSuffix(mode crypto.Mode, payload []byte) (sealed, nonceSuffix []byte) {
	suffixLen := mode.PayloadSuffixLen(HeaderSize)
	if suffixLen == 0 || len(payload) < suffixLen {
		return payload, nil
	}
	split := len(payload) - suffixLen
	return payload[:split], payload[split:]
}

// ParseRTCP decodes an inbound RTCP compound packet via pion/rtcp, used
// only for classification/logging of telemetry packets (spec.md does not
// require acting on their contents beyond forwarding as an RtcpPacket
// event).
func ParseRTCP(data []byte) ([]rtcp.Packet, error) {
	return rtcp.Unmarshal(data)
}

// SilentFrame is the fixed 3-byte Opus silence frame emitted on a
// speaking-to-silent transition.
var SilentFrame = []byte{0xF8, 0xFF, 0xFE}
