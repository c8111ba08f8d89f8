// Package wire defines the JSON payloads exchanged over the voice gateway
// websocket, grounded on the teacher's ControlMsg single-struct convention
// (client/transport.go) adapted to the opcode-tagged envelope spec.md §6
// describes.
package wire

import "encoding/json"

// Opcode identifies the kind of payload carried by an Envelope.
type Opcode int

const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpClientDisconnect   Opcode = 13
	OpClientConnect      Opcode = 12
)

// Envelope is the outer JSON frame every gateway message is wrapped in:
// {"op": <int>, "d": <payload>}.
type Envelope struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
}

// Encode marshals op and payload into an Envelope's wire bytes.
func Encode(op Opcode, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: op, Data: data})
}

// --- Client -> server payloads ---

// Identify begins a fresh voice session.
type Identify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Resume replays an existing session after a connection drop.
type Resume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SelectProtocol confirms the client's chosen crypto mode and discovered
// external address.
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// Heartbeat carries a client-chosen nonce the server must echo.
type Heartbeat struct {
	Nonce uint64 `json:"nonce"`
}

// SpeakingUpdate announces the client's own speaking state.
type SpeakingUpdate struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// --- Server -> client payloads ---

// Ready carries the assigned SSRC, UDP endpoint, and offered crypto modes.
type Ready struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SessionDescription carries the negotiated crypto mode and secret key.
type SessionDescription struct {
	Mode      string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

// HeartbeatAck echoes the nonce from a prior Heartbeat.
type HeartbeatAck struct {
	Nonce uint64 `json:"nonce"`
}

// Hello carries the heartbeat interval, in milliseconds, the client must use.
type Hello struct {
	HeartbeatIntervalMs float64 `json:"heartbeat_interval"`
}

// Resumed is an empty acknowledgement that a Resume succeeded.
type Resumed struct{}

// ClientConnect/ClientDisconnect announce other speakers joining/leaving.
type ClientConnect struct {
	UserID string   `json:"user_id"`
	SSRCs  []uint32 `json:"ssrcs"`
}

type ClientDisconnect struct {
	UserID string `json:"user_id"`
}

// PeerSpeaking announces another user's speaking-state transition.
type PeerSpeaking struct {
	UserID   string `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking bool   `json:"speaking"`
}
