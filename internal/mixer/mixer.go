// Package mixer runs the dedicated-thread audio tick loop described in
// spec.md §4.3, grounded on the teacher's client/audio.go capture/playback
// loops (Opus encoder lifecycle, per-frame scratch buffers, saturating
// mixdown) generalized from local-device capture to track-sourced PCM, and
// on songbird's driver/tasks/mixer.rs tick algorithm for the deadline/drop
// policy and command surface.
package mixer

import (
	"errors"
	"io"
	"runtime"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/eventtask"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/internal/rtpcodec"
	"github.com/rustyguts/voicedriver/tracks"
)

const (
	sampleRate    = 48000
	channels      = 2
	frameSamples  = 960 // 20ms @ 48kHz
	frameInterval = 20 * time.Millisecond
	maxPacketSize = rtpcodec.HeaderSize + crypto.TagSize + 1500
)

// Conn is everything the mixer needs to emit a packet: the negotiated
// cipher/crypto state, the assigned SSRC, and the exclusive UDP send half.
type Conn struct {
	Cipher crypto.Cipher
	State  *crypto.State
	SSRC   uint32
	Sender *netio.UDPSender
}

// CommandKind discriminates a Command's variant (spec.md §4.3 step 1).
type CommandKind int

const (
	CmdAddTrack CommandKind = iota
	CmdSetTrack
	CmdSetBitrate
	CmdSetMute
	CmdSetConn
	CmdDropConn
	CmdRebuildEncoder
	CmdSetEvents
	CmdSetWSCommands
	CmdPoison
)

// Command is a local instruction from the supervisor to the mixer.
type Command struct {
	Kind       CommandKind
	Track      *tracks.Track // CmdAddTrack, CmdSetTrack (nil clears the track set)
	Handle     *tracks.Handle
	Bitrate    int  // CmdSetBitrate
	Muted      bool // CmdSetMute
	Conn       *Conn
	Events     chan<- eventtask.Message // CmdSetEvents, sent after RebuildInterconnect
	WSCommands chan<- netio.WSCommand   // CmdSetWSCommands, sent after RebuildInterconnect
}

type trackSlot struct {
	id     int
	track  *tracks.Track
	handle *tracks.Handle
}

func (s *trackSlot) ref() events.TrackRef {
	return events.TrackRef{State: s.track.View(), Handle: s.handle}
}

// Mixer runs the per-tick audio loop on a dedicated OS thread.
type Mixer struct {
	commands chan Command
	events   chan<- eventtask.Message
	wsCmds   chan<- netio.WSCommand
	log      *dlog.Logger

	slots  []*trackSlot
	nextID int

	muted   bool
	bitrate int
	conn    *Conn
	encoder *opus.Encoder

	sequencer *rtpcodec.Sequencer

	mixBuf  []int32
	scratch []int16
	tmpPCM  []int16
	packet  []byte
	opusBuf []byte

	silentFrames int
	speakingTail int
	wasSpeaking  bool
}

// New builds a Mixer. eventsOut receives Tick/FireTrackEvent messages;
// wsCommands receives Speaking announcements; silentFrames bounds the
// speaking-tail window (spec.md §4.3 step 2); preallocatedTracks sizes the
// track slot slice's initial capacity, avoiding reallocation for the common
// case of a known, small, steady track count.
func New(eventsOut chan<- eventtask.Message, wsCommands chan<- netio.WSCommand, silentFrames, preallocatedTracks int, log *dlog.Logger) *Mixer {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		log.Errorf("failed to allocate initial opus encoder: %v", err)
	}
	return &Mixer{
		commands:     make(chan Command, 64),
		events:       eventsOut,
		wsCmds:       wsCommands,
		log:          log,
		slots:        make([]*trackSlot, 0, preallocatedTracks),
		bitrate:      64000,
		encoder:      enc,
		mixBuf:       make([]int32, frameSamples*channels),
		scratch:      make([]int16, frameSamples*channels),
		tmpPCM:       make([]int16, frameSamples*channels),
		packet:       make([]byte, maxPacketSize),
		opusBuf:      make([]byte, 1500),
		silentFrames: silentFrames,
	}
}

// Commands returns the channel used to send local commands to the mixer.
func (m *Mixer) Commands() chan<- Command { return m.commands }

// Run pins the calling goroutine to its OS thread and executes the tick
// loop until CmdPoison. Callers should launch it with `go m.Run()` from a
// fresh goroutine dedicated to this purpose, per spec.md §5's "one
// dedicated OS thread" requirement.
func (m *Mixer) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.log.Printf("mixer started")
	defer m.log.Printf("mixer finished")

	nextDeadline := time.Now().Add(frameInterval)
	for {
		if !m.drainCommands() {
			return
		}

		m.tick()

		select {
		case m.events <- eventtask.Message{Kind: eventtask.MsgTick}:
		default:
			m.log.Warnf("event task channel full, dropping tick notification")
		}

		now := time.Now()
		overrun := now.Sub(nextDeadline)
		switch {
		case overrun > frameInterval:
			m.log.Warnf("mixer tick overran by %v, dropping missed frames", overrun)
			nextDeadline = now
		case overrun > 0:
			nextDeadline = nextDeadline.Add(frameInterval)
		default:
			time.Sleep(nextDeadline.Sub(now))
			nextDeadline = nextDeadline.Add(frameInterval)
		}
	}
}

func (m *Mixer) drainCommands() bool {
	for {
		select {
		case cmd := <-m.commands:
			if !m.applyCommand(cmd) {
				return false
			}
		default:
			return true
		}
	}
}

func (m *Mixer) applyCommand(cmd Command) bool {
	switch cmd.Kind {
	case CmdAddTrack:
		m.nextID++
		m.slots = append(m.slots, &trackSlot{id: m.nextID, track: cmd.Track, handle: cmd.Handle})
	case CmdSetTrack:
		for _, s := range m.slots {
			s.track.Close()
		}
		m.slots = nil
		if cmd.Track != nil {
			m.nextID++
			m.slots = append(m.slots, &trackSlot{id: m.nextID, track: cmd.Track, handle: cmd.Handle})
		}
	case CmdSetBitrate:
		m.bitrate = cmd.Bitrate
		if m.encoder != nil {
			if err := m.encoder.SetBitrate(m.bitrate); err != nil {
				m.log.Errorf("set bitrate: %v", err)
			}
		}
	case CmdSetMute:
		m.muted = cmd.Muted
	case CmdSetConn:
		m.conn = cmd.Conn
		m.sequencer = rtpcodec.NewSequencer(cmd.Conn.SSRC, frameSamples)
	case CmdDropConn:
		m.conn = nil
		m.sequencer = nil
	case CmdRebuildEncoder:
		enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
		if err != nil {
			m.log.Errorf("rebuild opus encoder: %v", err)
			return true
		}
		if err := enc.SetBitrate(m.bitrate); err != nil {
			m.log.Errorf("set bitrate after rebuild: %v", err)
		}
		m.encoder = enc
	case CmdSetEvents:
		m.events = cmd.Events
	case CmdSetWSCommands:
		m.wsCmds = cmd.WSCommands
	case CmdPoison:
		return false
	}
	return true
}

// applyTrackCommand handles one drained tracks.Command against the Track the
// mixer owns directly, on its own goroutine: no locking needed since this is
// the sole place Track/State/Events are mutated.
func (m *Mixer) applyTrackCommand(slot *trackSlot, cmd tracks.Command) {
	t := slot.track
	switch cmd.Kind {
	case tracks.CmdPlay:
		if t.State.Mode != tracks.ModeEnd {
			t.State.Mode = tracks.ModePlay
		}
	case tracks.CmdPause:
		if t.State.Mode != tracks.ModeEnd {
			t.State.Mode = tracks.ModePause
		}
	case tracks.CmdStop:
		if t.State.Mode != tracks.ModeEnd {
			t.State.Mode = tracks.ModeEnd
			m.fireTrackEvent(slot, events.TrackEnd)
		}
	case tracks.CmdVolume:
		t.State.Volume = cmd.Volume
	case tracks.CmdSeek:
		if err := t.Source.Seek(cmd.Position); err != nil {
			m.log.Errorf("seek track %d: %v", slot.id, err)
			return
		}
		t.State.Position = cmd.Position
	case tracks.CmdLoop:
		t.State.Loop = cmd.Loop
	case tracks.CmdAddEvent:
		t.Events.Add(cmd.Event, t.State.Position)
	case tracks.CmdDo:
		if cmd.Do != nil {
			cmd.Do(t)
		}
	case tracks.CmdRequest:
		if cmd.Reply != nil {
			select {
			case cmd.Reply <- t.State:
			default:
			}
		}
	}
}

func (m *Mixer) tick() {
	for _, slot := range m.slots {
		for _, cmd := range slot.track.Drain() {
			m.applyTrackCommand(slot, cmd)
		}
	}

	// Every Playing track advances and processes its own local timed
	// events on every tick, independent of whether a packet is emitted
	// this tick (muted or idle).
	for _, slot := range m.slots {
		if slot.track.State.Mode != tracks.ModePlay {
			continue
		}
		slot.track.StepFrame(frameInterval)
		slot.track.Events.ProcessTimed(slot.track.State.Position, events.Context{Tracks: []events.TrackRef{slot.ref()}})
	}

	playing := m.playingSlots()
	speaking := len(playing) > 0 && !m.muted

	if m.conn != nil {
		m.announceSpeaking(speaking)
	}

	if !speaking {
		if m.wasSpeaking {
			m.speakingTail = m.silentFrames
		}
		m.wasSpeaking = false
		if m.speakingTail > 0 {
			m.speakingTail--
			m.sendPacket(rtpcodec.SilentFrame)
		}
		m.pruneEnded()
		return
	}
	m.wasSpeaking = true

	payload := m.buildPayload(playing)
	if payload != nil {
		m.sendPacket(payload)
	}
	m.pruneEnded()
}

func (m *Mixer) playingSlots() []*trackSlot {
	var out []*trackSlot
	for _, s := range m.slots {
		if s.track.State.Mode == tracks.ModePlay {
			out = append(out, s)
		}
	}
	return out
}

// buildPayload attempts single-source passthrough (spec.md §4.3 step 3)
// before falling back to decode-and-mix.
func (m *Mixer) buildPayload(playing []*trackSlot) []byte {
	if len(playing) == 1 && playing[0].track.State.Volume == 1.0 {
		slot := playing[0]
		frame, ok, err := slot.track.Source.ReadOpus()
		switch {
		case err != nil:
			m.handleEndOfStream(slot, err)
		case ok:
			return frame
		}
		// ok == false, err == nil: fall through to the PCM path below.
	}
	return m.mixAndEncode(playing)
}

func (m *Mixer) mixAndEncode(playing []*trackSlot) []byte {
	for i := range m.mixBuf {
		m.mixBuf[i] = 0
	}

	contributed := false
	for _, slot := range playing {
		if slot.track.State.Mode != tracks.ModePlay {
			continue // ended during this tick's passthrough attempt above
		}
		frames, err := slot.track.Source.ReadPCM(m.tmpPCM)
		if err != nil {
			m.handleEndOfStream(slot, err)
			continue
		}
		contributed = true
		vol := slot.track.State.Volume
		n := frames * channels
		if n > len(m.tmpPCM) {
			n = len(m.tmpPCM)
		}
		for i := 0; i < n; i++ {
			m.mixBuf[i] += int32(float32(m.tmpPCM[i]) * vol)
		}
	}

	if !contributed {
		return nil
	}

	for i, v := range m.mixBuf {
		m.scratch[i] = saturateInt16(v)
	}

	n, err := m.encoder.Encode(m.scratch, m.opusBuf)
	if err != nil {
		m.log.Errorf("opus encode: %v", err)
		return nil
	}
	return m.opusBuf[:n]
}

// handleEndOfStream applies spec.md §4.3 step 4: loop (seek to zero,
// decrementing a finite counter) or transition to End and notify both the
// track's own local subscribers and the global ones. Non-EOF errors are
// logged and otherwise ignored, leaving the track Playing for the next tick.
func (m *Mixer) handleEndOfStream(slot *trackSlot, err error) {
	if !errors.Is(err, io.EOF) {
		m.log.Warnf("track %d source read error: %v", slot.id, err)
		return
	}

	t := slot.track
	if t.State.Loop.ShouldRestart() {
		if seekErr := t.Source.Seek(0); seekErr != nil {
			m.log.Errorf("loop-seek track %d: %v", slot.id, seekErr)
			t.State.Mode = tracks.ModeEnd
			m.fireTrackEvent(slot, events.TrackEnd)
			return
		}
		t.State.Position = 0
		m.fireTrackEvent(slot, events.TrackLoop)
		return
	}

	t.State.Mode = tracks.ModeEnd
	m.fireTrackEvent(slot, events.TrackEnd)
}

// fireTrackEvent processes kind on the track's own local store inline, then
// forwards the same firing to the event task's global store.
func (m *Mixer) fireTrackEvent(slot *trackSlot, kind events.TrackEvent) {
	ctx := events.Context{Tracks: []events.TrackRef{slot.ref()}}
	slot.track.Events.ProcessTrackEvent(slot.track.State.Position, kind, ctx)

	select {
	case m.events <- eventtask.Message{Kind: eventtask.MsgFireTrackEvent, TrackEvent: kind, Ctx: ctx}:
	default:
		m.log.Warnf("event task channel full, dropping global track event %v", kind)
	}
}

// pruneEnded drops any slot that transitioned to End this tick, closing its
// Track so Handle holders observe ErrGone instead of blocking forever.
func (m *Mixer) pruneEnded() {
	kept := m.slots[:0]
	for _, s := range m.slots {
		if s.track.State.Mode == tracks.ModeEnd {
			s.track.Close()
			continue
		}
		kept = append(kept, s)
	}
	m.slots = kept
}

func (m *Mixer) sendPacket(payload []byte) {
	if m.conn == nil || m.sequencer == nil {
		return
	}
	header := m.sequencer.Next()
	n, err := rtpcodec.BuildPacket(m.packet, header, m.conn.Cipher, m.conn.State, payload)
	if err != nil {
		m.log.Errorf("build packet: %v", err)
		return
	}
	if err := m.conn.Sender.Send(m.packet[:n]); err != nil {
		m.log.Errorf("udp send: %v", err)
	}
}

func (m *Mixer) announceSpeaking(speaking bool) {
	select {
	case m.wsCmds <- netio.WSCommand{Kind: netio.WSSpeaking, Speaking: speaking}:
	default:
		m.log.Warnf("ws command channel full, dropping speaking announcement")
	}
}

func saturateInt16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
