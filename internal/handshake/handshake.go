// Package handshake performs the voice gateway's connection negotiation:
// identify/resume, ready, UDP IP discovery, select-protocol, and session
// description, grounded on songbird's driver/connection/error.rs error
// taxonomy and the arikawa voice-UDP-connection reference file's IP
// discovery packet shape (other_examples), generalized from Discord's fixed
// wire format to this driver's opcode-tagged internal/wire envelopes.
package handshake

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/wire"
)

// Recipient names a subsystem an InterconnectFailure could not reach.
type Recipient int

const (
	RecipientEvent Recipient = iota
	RecipientMixer
	RecipientNetwork
)

func (r Recipient) String() string {
	switch r {
	case RecipientEvent:
		return "event"
	case RecipientMixer:
		return "mixer"
	case RecipientNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Kind enumerates the connection-layer error taxonomy from spec.md §7,
// mirroring songbird's driver::connection::error::Error enum one-for-one.
type Kind int

const (
	KindCrypto Kind = iota
	KindCryptoModeInvalid
	KindCryptoModeUnavailable
	KindEndpointURL
	KindExpectedHandshake
	KindIllegalDiscoveryResponse
	KindIllegalIP
	KindIO
	KindJSON
	KindInterconnectFailure
	KindWs
)

// Error wraps a Kind with its cause and, for InterconnectFailure, the
// unreachable Recipient.
type Error struct {
	Kind      Kind
	Recipient Recipient
	Cause     error
}

func (e *Error) Error() string {
	if e.Kind == KindInterconnectFailure {
		return fmt.Sprintf("handshake: interconnect failure reaching %s", e.Recipient)
	}
	if e.Cause != nil {
		return fmt.Sprintf("handshake: %s: %v", kindName(e.Kind), e.Cause)
	}
	return fmt.Sprintf("handshake: %s", kindName(e.Kind))
}

func (e *Error) Unwrap() error { return e.Cause }

func kindName(k Kind) string {
	switch k {
	case KindCrypto:
		return "crypto"
	case KindCryptoModeInvalid:
		return "crypto mode invalid"
	case KindCryptoModeUnavailable:
		return "crypto mode unavailable"
	case KindEndpointURL:
		return "endpoint url"
	case KindExpectedHandshake:
		return "expected handshake"
	case KindIllegalDiscoveryResponse:
		return "illegal discovery response"
	case KindIllegalIP:
		return "illegal ip"
	case KindIO:
		return "io"
	case KindJSON:
		return "json"
	case KindWs:
		return "ws"
	default:
		return "unknown"
	}
}

func wrap(k Kind, cause error) *Error { return &Error{Kind: k, Cause: cause} }

// InterconnectFailure builds the dedicated error for a send that could not
// reach the named subsystem, usually because it was poisoned.
func InterconnectFailure(r Recipient) *Error {
	return &Error{Kind: KindInterconnectFailure, Recipient: r}
}

// SupportedModes lists, in preference order, the crypto modes this driver
// implements. SelectProtocol offers the caller's preferred mode when the
// server's Ready.Modes contains it, and otherwise the first mode present in
// both this list and Ready.Modes.
var SupportedModes = []crypto.Mode{crypto.Lite, crypto.Suffix, crypto.Normal}

// Result is everything a successful handshake hands back to the supervisor:
// the negotiated crypto state, the UDP socket, assigned SSRC, and heartbeat
// interval.
type Result struct {
	SSRC                uint32
	Cipher              crypto.Cipher
	CryptoState         crypto.State
	UDPConn             *net.UDPConn
	ExternalIP          string
	ExternalPort        int
	HeartbeatInterval   time.Duration
}

// Identify performs a fresh handshake over ws: identify, ready, UDP dial +
// IP discovery, select-protocol, session description. preferred is tried
// before falling through SupportedModes' default preference order, letting a
// caller's Config.CryptoMode win when the server offers it.
func Identify(ctx context.Context, ws *websocket.Conn, info Identity, preferred crypto.Mode, timeout time.Duration, log *dlog.Logger) (Result, error) {
	deadline := time.Now().Add(timeout)
	ws.SetReadDeadline(deadline)

	hello, err := readHello(ws)
	if err != nil {
		return Result{}, err
	}

	if err := sendJSON(ws, wire.OpIdentify, wire.Identify{
		ServerID:  info.GuildID,
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Token:     info.Token,
	}); err != nil {
		return Result{}, err
	}

	ready, err := readReady(ws)
	if err != nil {
		return Result{}, err
	}

	udpConn, extIP, extPort, err := discoverIP(ctx, ready.IP, ready.Port, ready.SSRC)
	if err != nil {
		return Result{}, err
	}

	mode, ok := negotiateMode(ready.Modes, preferred)
	if !ok {
		return Result{}, wrap(KindCryptoModeUnavailable, nil)
	}

	if err := sendJSON(ws, wire.OpSelectProtocol, wire.SelectProtocol{
		Protocol: "udp",
		Data: wire.SelectProtocolData{
			Address: extIP,
			Port:    extPort,
			Mode:    mode.String(),
		},
	}); err != nil {
		udpConn.Close()
		return Result{}, err
	}

	sessDesc, err := readSessionDescription(ws)
	if err != nil {
		udpConn.Close()
		return Result{}, err
	}
	confirmed, ok := crypto.ModeFromWireName(sessDesc.Mode)
	if !ok || confirmed != mode {
		udpConn.Close()
		return Result{}, wrap(KindCryptoModeInvalid, nil)
	}
	if len(sessDesc.SecretKey) != crypto.KeySize {
		udpConn.Close()
		return Result{}, wrap(KindCrypto, fmt.Errorf("secret key has length %d, want %d", len(sessDesc.SecretKey), crypto.KeySize))
	}

	var key [crypto.KeySize]byte
	copy(key[:], sessDesc.SecretKey)

	state, err := crypto.NewState(mode)
	if err != nil {
		udpConn.Close()
		return Result{}, wrap(KindCrypto, err)
	}

	log.Printf("handshake complete: ssrc=%d mode=%s ext=%s:%d", ready.SSRC, mode, extIP, extPort)

	return Result{
		SSRC:              ready.SSRC,
		Cipher:            crypto.NewCipher(key),
		CryptoState:       state,
		UDPConn:           udpConn,
		ExternalIP:        extIP,
		ExternalPort:      extPort,
		HeartbeatInterval: time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond,
	}, nil
}

// Identity is the per-session data needed to identify/resume.
type Identity struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string
}

// Resume replays an existing session on an already-established websocket,
// skipping UDP dial/discovery/select-protocol: the same socket is reused
// per spec.md §4.2, "On resume... only the session identifier and token are
// replayed."
func Resume(ws *websocket.Conn, info Identity, timeout time.Duration) error {
	ws.SetReadDeadline(time.Now().Add(timeout))
	if err := sendJSON(ws, wire.OpResume, wire.Resume{
		ServerID:  info.GuildID,
		SessionID: info.SessionID,
		Token:     info.Token,
	}); err != nil {
		return err
	}
	return readResumed(ws)
}

func negotiateMode(offered []string, preferred crypto.Mode) (crypto.Mode, bool) {
	offeredSet := make(map[crypto.Mode]bool, len(offered))
	for _, name := range offered {
		if m, ok := crypto.ModeFromWireName(name); ok {
			offeredSet[m] = true
		}
	}
	if offeredSet[preferred] {
		return preferred, true
	}
	for _, m := range SupportedModes {
		if offeredSet[m] {
			return m, true
		}
	}
	return 0, false
}

func sendJSON(ws *websocket.Conn, op wire.Opcode, payload any) error {
	data, err := wire.Encode(op, payload)
	if err != nil {
		return wrap(KindJSON, err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return wrap(KindWs, err)
	}
	return nil
}

func readEnvelope(ws *websocket.Conn, want wire.Opcode) (wire.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return wire.Envelope{}, wrap(KindWs, err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, wrap(KindJSON, err)
	}
	if env.Op != want {
		return wire.Envelope{}, wrap(KindExpectedHandshake, fmt.Errorf("got opcode %d, want %d", env.Op, want))
	}
	return env, nil
}

func readHello(ws *websocket.Conn) (wire.Hello, error) {
	env, err := readEnvelope(ws, wire.OpHello)
	if err != nil {
		return wire.Hello{}, err
	}
	var hello wire.Hello
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return wire.Hello{}, wrap(KindJSON, err)
	}
	return hello, nil
}

func readReady(ws *websocket.Conn) (wire.Ready, error) {
	env, err := readEnvelope(ws, wire.OpReady)
	if err != nil {
		return wire.Ready{}, err
	}
	var ready wire.Ready
	if err := json.Unmarshal(env.Data, &ready); err != nil {
		return wire.Ready{}, wrap(KindJSON, err)
	}
	return ready, nil
}

func readSessionDescription(ws *websocket.Conn) (wire.SessionDescription, error) {
	env, err := readEnvelope(ws, wire.OpSessionDescription)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	var sd wire.SessionDescription
	if err := json.Unmarshal(env.Data, &sd); err != nil {
		return wire.SessionDescription{}, wrap(KindJSON, err)
	}
	return sd, nil
}

func readResumed(ws *websocket.Conn) error {
	_, err := readEnvelope(ws, wire.OpResumed)
	return err
}

// discoveryPacketSize is the fixed 74-byte IP discovery datagram (spec.md
// §6), matching the arikawa reference file's ssrcBuffer/ipBuffer layout.
const discoveryPacketSize = 74

func discoverIP(ctx context.Context, host string, port int, ssrc uint32) (*net.UDPConn, string, int, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, "", 0, wrap(KindEndpointURL, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, "", 0, wrap(KindIO, err)
	}

	var request [discoveryPacketSize]byte
	binary.BigEndian.PutUint16(request[0:2], 1)
	binary.BigEndian.PutUint16(request[2:4], 70)
	binary.BigEndian.PutUint32(request[4:8], ssrc)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if _, err := conn.Write(request[:]); err != nil {
		conn.Close()
		return nil, "", 0, wrap(KindIO, err)
	}

	var response [discoveryPacketSize]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		conn.Close()
		return nil, "", 0, wrap(KindIllegalDiscoveryResponse, err)
	}
	conn.SetDeadline(time.Time{})

	ipField := response[8:72]
	nullPos := bytes.IndexByte(ipField, 0)
	if nullPos < 0 {
		conn.Close()
		return nil, "", 0, wrap(KindIllegalIP, fmt.Errorf("no null terminator in discovery response"))
	}
	ip := string(ipField[:nullPos])
	if net.ParseIP(ip) == nil {
		conn.Close()
		return nil, "", 0, wrap(KindIllegalIP, fmt.Errorf("unparsable address %q", ip))
	}
	extPort := binary.LittleEndian.Uint16(response[72:74])

	return conn, ip, int(extPort), nil
}
