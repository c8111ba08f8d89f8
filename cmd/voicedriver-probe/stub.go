package main

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/wire"
)

// stubEndpoint is a minimal stand-in for the chat platform's voice gateway,
// just enough of the handshake in spec.md §4.2/§6 to let a real Driver
// connect against a loopback address: it serves one websocket upgrade,
// answers the IP-discovery datagram, and accepts a select-protocol offering
// any of modes. It does not implement resume validation or heartbeats
// beyond echoing nonces, matching scenario S1 in spec.md §8.
type stubEndpoint struct {
	http   *httptest.Server
	udp    *net.UDPConn
	ssrc   uint32
	modes  []string
	secret [crypto.KeySize]byte

	packetsSeen atomic.Int64
}

func newStubEndpoint(ssrc uint32, modes []string) (*stubEndpoint, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	s := &stubEndpoint{udp: udpConn, ssrc: ssrc, modes: modes}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		s.serveSession(ws)
	})
	s.http = httptest.NewServer(mux)

	go s.serveDiscoveryAndRTP()
	return s, nil
}

// wsURL rewrites the httptest server's http:// URL into the ws:// scheme
// ConnectionInfo.Endpoint expects.
func (s *stubEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

func (s *stubEndpoint) udpPort() int {
	return s.udp.LocalAddr().(*net.UDPAddr).Port
}

func (s *stubEndpoint) serveSession(ws *websocket.Conn) {
	send := func(op wire.Opcode, payload any) error {
		data, err := wire.Encode(op, payload)
		if err != nil {
			return err
		}
		return ws.WriteMessage(websocket.TextMessage, data)
	}
	recv := func(want wire.Opcode, into any) error {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		if env.Op != want {
			return nil
		}
		return json.Unmarshal(env.Data, into)
	}

	if err := send(wire.OpHello, wire.Hello{HeartbeatIntervalMs: 5000}); err != nil {
		return
	}

	var id wire.Identify
	if err := recv(wire.OpIdentify, &id); err != nil {
		return
	}

	if err := send(wire.OpReady, wire.Ready{
		SSRC:  s.ssrc,
		IP:    "127.0.0.1",
		Port:  s.udpPort(),
		Modes: s.modes,
	}); err != nil {
		return
	}

	var sel wire.SelectProtocol
	if err := recv(wire.OpSelectProtocol, &sel); err != nil {
		return
	}

	if err := send(wire.OpSessionDescription, wire.SessionDescription{
		Mode:      sel.Data.Mode,
		SecretKey: s.secret[:],
	}); err != nil {
		return
	}

	// Keep the socket open, answering heartbeats and Resume requests, until
	// the probe tears it down.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Op {
		case wire.OpHeartbeat:
			var hb wire.Heartbeat
			json.Unmarshal(env.Data, &hb)
			send(wire.OpHeartbeatAck, wire.HeartbeatAck{Nonce: hb.Nonce})
		case wire.OpResume:
			send(wire.OpResumed, wire.Resumed{})
		}
	}
}

// serveDiscoveryAndRTP answers the one IP-discovery datagram per dial with
// a loopback address, then counts every subsequent RTP/RTCP packet it
// receives without attempting to decrypt it (the probe only needs to prove
// packets are flowing, not round-trip them).
func (s *stubEndpoint) serveDiscoveryAndRTP() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 74 {
			var resp [74]byte
			binary.BigEndian.PutUint16(resp[0:2], 2)
			binary.BigEndian.PutUint16(resp[2:4], 70)
			copy(resp[8:], "127.0.0.1")
			binary.LittleEndian.PutUint16(resp[72:74], uint16(addr.Port))
			s.udp.WriteToUDP(resp[:], addr)
			continue
		}
		s.packetsSeen.Add(1)
	}
}

func (s *stubEndpoint) close() {
	s.http.Close()
	s.udp.Close()
}
