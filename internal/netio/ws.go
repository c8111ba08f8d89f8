// Package netio runs the background send/receive loops that sit between the
// supervisor and the wire: the WS keepalive task and the UDP send/receive
// tasks. Grounded on songbird's driver/tasks/ws.rs (AuxNetwork) and
// aux_network.rs select-loop shape, generalized from tokio::select! onto a
// single goroutine using a plain `select` over Go channels.
package netio

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/wire"
)

// WSCommandKind discriminates a local command sent to the WS task.
type WSCommandKind int

const (
	WSReplaceConn WSCommandKind = iota
	WSSetKeepalive
	WSSpeaking
	WSPoison
)

// WSCommand is a local instruction from the supervisor to the WS task.
type WSCommand struct {
	Kind      WSCommandKind
	Conn      *websocket.Conn // WSReplaceConn
	Keepalive time.Duration   // WSSetKeepalive
	Speaking  bool            // WSSpeaking
}

// WSTask runs the heartbeat/read/command select loop over one websocket
// connection. A new WSTask is built (or the current one replaces its Conn
// via WSReplaceConn) after every reconnect.
type WSTask struct {
	conn              *websocket.Conn
	ssrc              uint32
	heartbeatInterval time.Duration

	commands chan WSCommand
	inbound  chan wsReadResult
	events   chan<- events.Context
	onError  func(error)

	speaking        bool
	dontSend        bool
	lastNonce       uint64
	hasPendingNonce bool

	log *dlog.Logger
}

// NewWSTask builds a task around an already-handshaken connection.
// eventsOut receives every server-pushed event translated to
// events.Context; onError is invoked (non-blocking call site expected) on
// any send/receive failure, so the supervisor can decide to reconnect.
func NewWSTask(conn *websocket.Conn, ssrc uint32, heartbeatInterval time.Duration, eventsOut chan<- events.Context, onError func(error), log *dlog.Logger) *WSTask {
	return &WSTask{
		conn:              conn,
		ssrc:              ssrc,
		heartbeatInterval: heartbeatInterval,
		commands:          make(chan WSCommand, 16),
		inbound:           make(chan wsReadResult, 1),
		events:            eventsOut,
		onError:           onError,
		log:               log,
	}
}

// Commands returns the channel used to send local commands to the task.
func (t *WSTask) Commands() chan<- WSCommand { return t.commands }

// Run executes the select loop until Poisoned or the inbound message reader
// goroutine's channel closes. It blocks; callers should run it in its own
// goroutine.
func (t *WSTask) Run() {
	t.log.Printf("ws task started")
	defer t.log.Printf("ws task finished")

	go t.readLoop(t.conn, t.inbound)

	timer := time.NewTimer(t.heartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := t.sendHeartbeat(); err != nil {
				t.log.Errorf("heartbeat send failure: %v", err)
				t.fail(err)
			}
			timer.Reset(t.heartbeatInterval)

		case res, ok := <-t.inbound:
			if !ok {
				return
			}
			if res.err != nil {
				t.log.Errorf("ws read failure: %v", res.err)
				t.fail(res.err)
				continue
			}
			t.processInbound(res.env)

		case cmd, ok := <-t.commands:
			if !ok {
				return
			}
			if !t.handleCommand(cmd, timer) {
				return
			}
		}
	}
}

type wsReadResult struct {
	env wire.Envelope
	err error
}

// readLoop feeds every decoded envelope from conn into inbound. It is
// restarted by Run after a WSReplaceConn; the prior goroutine (reading the
// old conn) exits on its own once the supervisor closes that old
// connection.
func (t *WSTask) readLoop(conn *websocket.Conn, inbound chan<- wsReadResult) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			inbound <- wsReadResult{err: err}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warnf("unexpected json: %v", err)
			continue
		}
		inbound <- wsReadResult{env: env}
	}
}

func (t *WSTask) handleCommand(cmd WSCommand, timer *time.Timer) bool {
	switch cmd.Kind {
	case WSReplaceConn:
		t.conn = cmd.Conn
		t.dontSend = false
		timer.Reset(t.heartbeatInterval)
		go t.readLoop(t.conn, t.inbound)
		return true
	case WSSetKeepalive:
		t.heartbeatInterval = cmd.Keepalive
		timer.Reset(t.heartbeatInterval)
		return true
	case WSSpeaking:
		if cmd.Speaking != t.speaking && !t.dontSend {
			t.speaking = cmd.Speaking
			if err := t.sendSpeaking(); err != nil {
				t.log.Errorf("speaking update failure: %v", err)
				t.fail(err)
			}
		}
		return true
	case WSPoison:
		return false
	default:
		return true
	}
}

func (t *WSTask) fail(err error) {
	t.dontSend = true
	if t.onError != nil {
		t.onError(err)
	}
}

func (t *WSTask) sendHeartbeat() error {
	var nonceBytes [8]byte
	if _, err := rand.Read(nonceBytes[:]); err != nil {
		return err
	}
	nonce := binary.BigEndian.Uint64(nonceBytes[:])
	t.lastNonce = nonce
	t.hasPendingNonce = true

	if t.dontSend {
		return nil
	}
	data, err := wire.Encode(wire.OpHeartbeat, wire.Heartbeat{Nonce: nonce})
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTask) sendSpeaking() error {
	data, err := wire.Encode(wire.OpSpeaking, wire.SpeakingUpdate{
		Speaking: boolToBit(t.speaking),
		Delay:    0,
		SSRC:     t.ssrc,
	})
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func boolToBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (t *WSTask) emit(ctx events.Context) {
	select {
	case t.events <- ctx:
	default:
		t.log.Warnf("event channel full, dropping core event")
	}
}

func (t *WSTask) processInbound(env wire.Envelope) {
	switch env.Op {
	case wire.OpHeartbeatAck:
		var ack wire.HeartbeatAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			t.log.Warnf("bad heartbeat ack: %v", err)
			return
		}
		if !t.hasPendingNonce {
			return
		}
		t.hasPendingNonce = false
		if ack.Nonce != t.lastNonce {
			t.log.Warnf("heartbeat nonce mismatch: expected %d, saw %d", t.lastNonce, ack.Nonce)
		}

	case wire.OpSpeaking:
		var sp wire.PeerSpeaking
		if err := json.Unmarshal(env.Data, &sp); err != nil {
			t.log.Warnf("bad speaking update: %v", err)
			return
		}
		t.emit(events.Context{SpeakingStateUpdate: &events.SpeakingStateUpdate{
			SSRC: sp.SSRC, UserID: sp.UserID, Speaking: sp.Speaking,
		}})

	case wire.OpClientConnect:
		var cc wire.ClientConnect
		if err := json.Unmarshal(env.Data, &cc); err != nil {
			t.log.Warnf("bad client connect: %v", err)
			return
		}
		t.emit(events.Context{ClientConnect: &events.ClientConnect{UserID: cc.UserID, SSRCs: cc.SSRCs}})

	case wire.OpClientDisconnect:
		var cd wire.ClientDisconnect
		if err := json.Unmarshal(env.Data, &cd); err != nil {
			t.log.Warnf("bad client disconnect: %v", err)
			return
		}
		t.emit(events.Context{ClientDisconnect: &events.ClientDisconnect{UserID: cd.UserID}})

	default:
		t.log.Printf("ignoring unhandled opcode %d", env.Op)
	}
}
