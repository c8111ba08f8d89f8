package netio

import (
	"net"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/rtpcodec"
)

// DecodeMode selects how much work UDPRecvTask performs on inbound packets
// from other speakers, mirroring voicedriver.DecodeMode without importing
// the root package (which itself will import netio).
type DecodeMode int

const (
	DecodeModePass DecodeMode = iota
	DecodeModeDecrypt
	DecodeModeDecode
)

// reorderWindow bounds how far a sequence number may jump backward/forward
// before the packet counts as a discontinuity: it is delivered with empty
// PCM and its SSRC's decoder state is reset.
const reorderWindow = 32

const (
	sampleRate   = 48000
	channels     = 2
	frameSamples = 960 // 20ms @ 48kHz
)

type ssrcState struct {
	decoder     *opus.Decoder
	lastSeq     uint16
	initialized bool
}

// UDPRecvTask reads datagrams from the shared UDP socket, classifies them,
// and forwards decoded/decrypted events to the event task, grounded on
// songbird's aux_network.rs per-SSRC OpusDecoder map and sequence-gap
// handling (now split from the WS concerns that ws.rs absorbed in later
// songbird versions).
type UDPRecvTask struct {
	conn       *net.UDPConn
	cipher     crypto.Cipher
	mode       crypto.Mode
	decodeMode DecodeMode
	events     chan<- events.Context
	log        *dlog.Logger

	ssrcs map[uint32]*ssrcState

	expectDiscovery bool
}

// NewUDPRecvTask builds a task bound to conn. The task starts with
// expectDiscovery false and never sets it: the handshake has already consumed
// the IP-discovery response, so no datagram is classified as a discovery echo.
func NewUDPRecvTask(conn *net.UDPConn, cipher crypto.Cipher, mode crypto.Mode, decodeMode DecodeMode, eventsOut chan<- events.Context, log *dlog.Logger) *UDPRecvTask {
	return &UDPRecvTask{
		conn:       conn,
		cipher:     cipher,
		mode:       mode,
		decodeMode: decodeMode,
		events:     eventsOut,
		log:        log,
		ssrcs:      make(map[uint32]*ssrcState),
	}
}

// Run reads datagrams until the socket is closed. It blocks; run it in its
// own goroutine.
func (u *UDPRecvTask) Run() {
	u.log.Printf("udp recv task started")
	defer u.log.Printf("udp recv task finished")

	buf := make([]byte, 1500)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			u.log.Errorf("udp read failure: %v", err)
			return
		}
		u.handleDatagram(buf[:n])
	}
}

func (u *UDPRecvTask) handleDatagram(data []byte) {
	switch rtpcodec.Classify(data, u.expectDiscovery) {
	case rtpcodec.KindRTCP:
		pkts, err := rtpcodec.ParseRTCP(data)
		if err != nil {
			u.log.Warnf("rtcp parse failure: %v", err)
			return
		}
		for range pkts {
			u.emit(events.Context{RtcpPacket: &events.RtcpPacket{PayloadOffset: rtpcodec.HeaderSize}})
		}
	case rtpcodec.KindRTP:
		u.handleRTP(data)
	case rtpcodec.KindIPDiscoveryEcho:
		// consumed by the handshake layer synchronously; should not reach
		// here once expectDiscovery is cleared.
	default:
	}
}

func (u *UDPRecvTask) handleRTP(data []byte) {
	pkt, err := rtpcodec.ParseRTP(data)
	if err != nil {
		u.log.Warnf("rtp parse failure: %v", err)
		return
	}

	if u.decodeMode == DecodeModePass {
		u.emit(events.Context{VoicePacket: &events.VoicePacket{
			SSRC: pkt.SSRC, SequenceNumber: pkt.SequenceNumber, Timestamp: pkt.Timestamp,
		}})
		return
	}

	sealed, nonceSuffix := rtpcodec.SplitNonceSuffix(u.mode, pkt.Payload)
	plaintext, err := u.cipher.Open(u.mode, pkt.Header, nonceSuffix, sealed)
	if err != nil {
		u.log.Warnf("decrypt failure for ssrc %d: %v", pkt.SSRC, err)
		return
	}

	state := u.stateFor(pkt.SSRC)
	outOfOrder := state.initialized && seqDelta(pkt.SequenceNumber, state.lastSeq) > reorderWindow
	state.lastSeq = pkt.SequenceNumber
	state.initialized = true
	if outOfOrder {
		if dec, err := opus.NewDecoder(sampleRate, channels); err == nil {
			state.decoder = dec
		} else {
			u.log.Errorf("failed to reset opus decoder for ssrc %d: %v", pkt.SSRC, err)
		}
	}

	if outOfOrder || u.decodeMode == DecodeModeDecrypt || state.decoder == nil {
		u.emit(events.Context{VoicePacket: &events.VoicePacket{
			SSRC: pkt.SSRC, SequenceNumber: pkt.SequenceNumber, Timestamp: pkt.Timestamp,
		}})
		return
	}

	pcm := make([]int16, frameSamples*channels)
	n, err := state.decoder.Decode(plaintext, pcm)
	if err != nil {
		u.log.Warnf("opus decode failure for ssrc %d: %v", pkt.SSRC, err)
		return
	}

	u.emit(events.Context{VoicePacket: &events.VoicePacket{
		SSRC: pkt.SSRC, Audio: pcm[:n*channels], SequenceNumber: pkt.SequenceNumber, Timestamp: pkt.Timestamp,
	}})
}

func (u *UDPRecvTask) stateFor(ssrc uint32) *ssrcState {
	if s, ok := u.ssrcs[ssrc]; ok {
		return s
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		u.log.Errorf("failed to allocate opus decoder for ssrc %d: %v", ssrc, err)
	}
	s := &ssrcState{decoder: dec}
	u.ssrcs[ssrc] = s
	return s
}

func seqDelta(a, b uint16) int {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	if d > 1<<15 {
		d = 1<<16 - d
	}
	return d
}

func (u *UDPRecvTask) emit(ctx events.Context) {
	select {
	case u.events <- ctx:
	default:
		u.log.Warnf("event channel full, dropping core event")
	}
}

// UDPSender owns the send half of the shared UDP socket. Only one goroutine
// (the mixer) ever calls Send, matching spec.md §5's "split into send and
// receive halves, each owned exclusively by one task."
type UDPSender struct {
	conn *net.UDPConn
}

// NewUDPSender wraps conn for exclusive use by the mixer's send path.
func NewUDPSender(conn *net.UDPConn) *UDPSender { return &UDPSender{conn: conn} }

// Send writes one already-built packet.
func (s *UDPSender) Send(packet []byte) error {
	_, err := s.conn.Write(packet)
	return err
}

// SetWriteDeadline bounds a single Send call, matching the arikawa
// reference's deadline-based write pacing.
func (s *UDPSender) SetWriteDeadline(d time.Time) error {
	return s.conn.SetWriteDeadline(d)
}
