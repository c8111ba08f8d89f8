// Package supervisor implements the cooperative orchestrator described in
// spec.md §4.1, grounded on songbird's driver/tasks/mod.rs runner loop: it
// owns the interconnect (the send-endpoints reaching the event, mixer, and
// WS tasks), spawns those subsystems lazily on first connect, and drives the
// resume → rebuild-interconnect-and-resume → full-reconnect fallback ladder
// from CoreMessage::Reconnect.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/eventtask"
	"github.com/rustyguts/voicedriver/internal/handshake"
	"github.com/rustyguts/voicedriver/internal/mixer"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/tracks"
)

// frameInterval mirrors the mixer's own tick length; the event task needs it
// to advance its notion of driver time on every Tick message.
const frameInterval = 20 * time.Millisecond

// ConnectionInfo is the per-session data a caller supplies to Connect: where
// to dial, and the identify/resume credentials (spec.md §4.2).
type ConnectionInfo struct {
	Endpoint  string
	GuildID   string
	SessionID string
	Token     string
	UserID    string
}

func (info ConnectionInfo) identity() handshake.Identity {
	return handshake.Identity{
		GuildID:   info.GuildID,
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Token:     info.Token,
	}
}

// Options holds the settings the supervisor uses for handshakes and lazily
// spawned subsystems. They are set at construction, replaced by any
// CmdConnectWithResult that carries Options, and kept as they are across
// reconnects.
type Options struct {
	DecodeMode          netio.DecodeMode
	PreallocatedTracks  int
	SilentFrames        int
	HandshakeTimeout    time.Duration
	PreferredCryptoMode crypto.Mode
}

// CommandKind discriminates a Command's variant (spec.md §4.1's command set).
type CommandKind int

const (
	CmdConnectWithResult CommandKind = iota
	CmdDisconnect
	CmdAddTrack
	CmdSetTrack
	CmdSetBitrate
	CmdAddEvent
	CmdMute
	CmdReconnect
	CmdFullReconnect
	CmdRebuildInterconnect
	CmdPoison
)

// Command is one external instruction handed to the supervisor's Run loop.
type Command struct {
	Kind    CommandKind
	Info    ConnectionInfo           // CmdConnectWithResult
	Options *Options                 // CmdConnectWithResult; nil keeps the current Options
	Reply   chan<- error             // CmdConnectWithResult
	Track   *tracks.Track            // CmdAddTrack, CmdSetTrack
	Handle  *tracks.Handle           // CmdAddTrack, CmdSetTrack
	Bitrate int                      // CmdSetBitrate
	Event   *events.EventData        // CmdAddEvent
	Muted   bool                     // CmdMute
}

// activeConn is the supervisor's view of a live connection: everything torn
// down by Disconnect and rebuilt (wholly or partially) by a reconnect.
type activeConn struct {
	info    ConnectionInfo
	ws        *websocket.Conn
	ssrc      uint32
	heartbeat time.Duration

	udpConn *net.UDPConn
	wsTask  *netio.WSTask
}

// Supervisor runs as a single cooperative goroutine reading Commands.
// Construct with New and launch Run in its own goroutine.
type Supervisor struct {
	opts Options
	log  *dlog.Logger

	commands chan Command

	coreEvents chan events.Context
	retarget   chan chan<- eventtask.Message

	mixerTask *mixer.Mixer
	eventTask *eventtask.Task

	conn *activeConn
}

// New builds a Supervisor. Subsystems (mixer, event task, core-event relay)
// are spawned lazily, on the first successful Connect, matching spec.md
// §4.1's "spawns subsystems lazily on first connect."
func New(opts Options, log *dlog.Logger) *Supervisor {
	return &Supervisor{
		opts:       opts,
		log:        log,
		commands:   make(chan Command, 32),
		coreEvents: make(chan events.Context, 256),
		retarget:   make(chan chan<- eventtask.Message, 1),
	}
}

// Commands returns the channel used to send instructions to the supervisor.
func (s *Supervisor) Commands() chan<- Command { return s.commands }

// Run processes commands until CmdPoison. It blocks; launch it with `go
// s.Run()`.
func (s *Supervisor) Run() {
	s.log.Printf("supervisor started")
	defer s.log.Printf("supervisor finished")

	for cmd := range s.commands {
		if !s.apply(cmd) {
			return
		}
	}
}

func (s *Supervisor) apply(cmd Command) bool {
	switch cmd.Kind {
	case CmdConnectWithResult:
		if cmd.Options != nil {
			s.opts = *cmd.Options
		}
		err := s.connect(cmd.Info)
		if cmd.Reply != nil {
			select {
			case cmd.Reply <- err:
			default:
			}
		}
	case CmdDisconnect:
		s.disconnect()
	case CmdAddTrack:
		s.ensureSubsystems()
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdAddTrack, Track: cmd.Track, Handle: cmd.Handle}
	case CmdSetTrack:
		s.ensureSubsystems()
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetTrack, Track: cmd.Track, Handle: cmd.Handle}
	case CmdSetBitrate:
		s.ensureSubsystems()
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetBitrate, Bitrate: cmd.Bitrate}
	case CmdAddEvent:
		s.ensureSubsystems()
		s.eventTask.Messages() <- eventtask.Message{Kind: eventtask.MsgAddGlobalEvent, Event: cmd.Event}
	case CmdMute:
		s.ensureSubsystems()
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetMute, Muted: cmd.Muted}
	case CmdReconnect:
		s.reconnect()
	case CmdFullReconnect:
		s.fullReconnect()
	case CmdRebuildInterconnect:
		s.rebuildInterconnect()
	case CmdPoison:
		s.teardown()
		return false
	}
	return true
}

// ensureSubsystems spawns the mixer and event task on first use. Both
// persist for the supervisor's entire lifetime; only their endpoints (or, for
// the event task, the task object itself) change across reconnects.
func (s *Supervisor) ensureSubsystems() {
	if s.eventTask != nil {
		return
	}
	s.eventTask = eventtask.New(frameInterval, s.log)
	go s.eventTask.Run()
	s.retarget <- s.eventTask.Messages()
	go s.relayCoreEvents()

	s.mixerTask = mixer.New(s.eventTask.Messages(), nil, s.opts.SilentFrames, s.opts.PreallocatedTracks, dlog.New("mixer"))
	go s.mixerTask.Run()
}

// relayCoreEvents forwards every events.Context arriving from the WS/UDP
// tasks' shared, permanently-stable coreEvents channel into whichever event
// task is current, retargeted by rebuildInterconnect without the WS/UDP
// tasks ever needing to know the target changed.
func (s *Supervisor) relayCoreEvents() {
	var target chan<- eventtask.Message
	for {
		select {
		case target = <-s.retarget:
		case ctx, ok := <-s.coreEvents:
			if !ok {
				return
			}
			if target == nil {
				continue
			}
			select {
			case target <- eventtask.Message{Kind: eventtask.MsgFireCoreEvent, Ctx: ctx}:
			default:
				s.log.Warnf("event task channel full, dropping relayed core event")
			}
		}
	}
}

func (s *Supervisor) onWSError(err error) {
	s.log.Warnf("ws task failure, requesting reconnect: %v", err)
	select {
	case s.commands <- Command{Kind: CmdReconnect}:
	default:
		s.log.Warnf("supervisor command queue full, dropping reconnect request")
	}
}

// connect performs a full fresh handshake and wires the resulting endpoints
// into the (lazily spawned) mixer, plus fresh WS/UDP tasks.
func (s *Supervisor) connect(info ConnectionInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, info.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("supervisor: dial %s: %w", info.Endpoint, err)
	}

	result, err := handshake.Identify(ctx, ws, info.identity(), s.opts.PreferredCryptoMode, s.opts.HandshakeTimeout, s.log)
	if err != nil {
		ws.Close()
		return err
	}

	s.teardownConn()
	s.ensureSubsystems()

	wsTask := netio.NewWSTask(ws, result.SSRC, result.HeartbeatInterval, s.coreEvents, s.onWSError, dlog.New("ws"))
	go wsTask.Run()

	udpRecv := netio.NewUDPRecvTask(result.UDPConn, result.Cipher, result.CryptoState.Mode, s.opts.DecodeMode, s.coreEvents, dlog.New("udp-rx"))
	go udpRecv.Run()

	state := result.CryptoState
	s.mixerTask.Commands() <- mixer.Command{
		Kind: mixer.CmdSetConn,
		Conn: &mixer.Conn{
			Cipher: result.Cipher,
			State:  &state,
			SSRC:   result.SSRC,
			Sender: netio.NewUDPSender(result.UDPConn),
		},
	}
	s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdRebuildEncoder}
	s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetWSCommands, WSCommands: wsTask.Commands()}

	s.conn = &activeConn{
		info:      info,
		ws:        ws,
		ssrc:      result.SSRC,
		heartbeat: result.HeartbeatInterval,
		udpConn:   result.UDPConn,
		wsTask:    wsTask,
	}
	return nil
}

// disconnect poisons the mixer's connection half only, preserving the track
// set so the next Connect resumes playback (spec.md §5).
func (s *Supervisor) disconnect() {
	if s.mixerTask != nil {
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdDropConn}
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdRebuildEncoder}
	}
	s.teardownConn()
}

func (s *Supervisor) teardownConn() {
	if s.conn == nil {
		return
	}
	if s.conn.wsTask != nil {
		s.conn.wsTask.Commands() <- netio.WSCommand{Kind: netio.WSPoison}
	}
	s.conn.ws.Close()
	if s.conn.udpConn != nil {
		s.conn.udpConn.Close()
	}
	s.conn = nil
}

// reconnect implements spec.md §4.1's CoreMessage::Reconnect ladder: try one
// session resume; on failure rebuild the interconnect (fresh event/WS tasks,
// losing subscribed events but keeping tracks) and retry once; if that also
// fails, fall back to a full fresh handshake.
func (s *Supervisor) reconnect() {
	if s.conn == nil {
		return
	}
	info := s.conn.info

	if err := s.resume(info); err == nil {
		return
	}

	s.rebuildInterconnect()
	if err := s.resume(info); err == nil {
		return
	}

	if err := s.connect(info); err != nil {
		s.log.Errorf("catastrophic connection failure, stopping: %v", err)
	}
}

// resume dials a fresh websocket to the same endpoint and replays only the
// session identifier and token, reusing the existing UDP socket, cipher, and
// SSRC (spec.md §4.2: "On resume... only the session identifier and token
// are replayed").
func (s *Supervisor) resume(info ConnectionInfo) error {
	return s.redialWS(info)
}

// redialWS dials a fresh websocket to info.Endpoint, resumes the current
// session on it, and swaps it in for s.conn's WS task, closing the old
// socket only once the new task is already running on the new one.
//
// The old WS task's readLoop goroutine may still be blocked in
// conn.ReadMessage when this runs: WSPoison only unblocks WSTask.Run's
// select, it doesn't reach a goroutine parked in a read. gorilla/websocket
// forbids two goroutines reading the same connection concurrently, so the
// new task is never handed the old socket — it gets its own, and the old
// one is closed out from under its stuck reader, which unblocks it with an
// error instead of racing it. Shared by resume and rebuildInterconnect.
func (s *Supervisor) redialWS(info ConnectionInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, info.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("supervisor: resume dial %s: %w", info.Endpoint, err)
	}
	if err := handshake.Resume(ws, info.identity(), s.opts.HandshakeTimeout); err != nil {
		ws.Close()
		return err
	}

	if s.conn.wsTask != nil {
		s.conn.wsTask.Commands() <- netio.WSCommand{Kind: netio.WSPoison}
	}
	oldWS := s.conn.ws
	wsTask := netio.NewWSTask(ws, s.conn.ssrc, s.conn.heartbeat, s.coreEvents, s.onWSError, dlog.New("ws"))
	go wsTask.Run()

	s.conn.ws = ws
	s.conn.wsTask = wsTask
	if s.mixerTask != nil {
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetWSCommands, WSCommands: wsTask.Commands()}
	}
	oldWS.Close()
	return nil
}

// fullReconnect always performs a fresh handshake (new SSRC, UDP socket,
// cipher), preserving tracks and events (spec.md §5: "FullReconnect
// preserves tracks and events").
func (s *Supervisor) fullReconnect() {
	if s.conn == nil {
		return
	}
	info := s.conn.info
	if err := s.connect(info); err != nil {
		s.log.Errorf("catastrophic connection failure, stopping: %v", err)
	}
}

// rebuildInterconnect poisons the event and WS tasks and spawns fresh ones,
// then notifies the mixer of the new endpoints (spec.md §4.1), losing
// subscribed events but keeping the track set (spec.md §5). The WS task is
// rebuilt via redialWS rather than handed the existing socket: see its doc
// comment for why reusing s.conn.ws here would race the old task's readLoop.
func (s *Supervisor) rebuildInterconnect() {
	if s.eventTask != nil {
		s.eventTask.Messages() <- eventtask.Message{Kind: eventtask.MsgPoison}
	}

	s.eventTask = eventtask.New(frameInterval, s.log)
	go s.eventTask.Run()
	s.retarget <- s.eventTask.Messages()

	if s.mixerTask != nil {
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdSetEvents, Events: s.eventTask.Messages()}
	}

	if s.conn != nil && s.conn.wsTask != nil {
		if err := s.redialWS(s.conn.info); err != nil {
			s.log.Warnf("rebuildInterconnect: ws redial failed, connection left down: %v", err)
		}
	}
}

// teardown runs on CmdPoison: drops the connection and poisons every
// subsystem the supervisor spawned.
func (s *Supervisor) teardown() {
	s.teardownConn()
	if s.mixerTask != nil {
		s.mixerTask.Commands() <- mixer.Command{Kind: mixer.CmdPoison}
	}
	if s.eventTask != nil {
		s.eventTask.Messages() <- eventtask.Message{Kind: eventtask.MsgPoison}
	}
}
