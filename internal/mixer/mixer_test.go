package mixer

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/eventtask"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/internal/rtpcodec"
	"github.com/rustyguts/voicedriver/tracks"
)

type fakeSource struct {
	frames [][]int16
	pos    int
	seek   bool
}

func (f *fakeSource) ReadPCM(buf []int16) (int, error) {
	if f.pos >= len(f.frames) {
		return 0, io.EOF
	}
	n := copy(buf, f.frames[f.pos])
	f.pos++
	return n / channels, nil
}
func (f *fakeSource) ReadOpus() ([]byte, bool, error) { return nil, false, nil }
func (f *fakeSource) Seekable() bool                  { return f.seek }
func (f *fakeSource) Seek(time.Duration) error         { f.pos = 0; return nil }

func newFakeSource(n int, seek bool) *fakeSource {
	frames := make([][]int16, n)
	for i := range frames {
		frames[i] = make([]int16, frameSamples*channels)
		for j := range frames[i] {
			frames[i][j] = 100
		}
	}
	return &fakeSource{frames: frames, seek: seek}
}

// loopbackPair opens two connected UDP sockets so sendPacket has somewhere
// real to write to.
func loopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b, err := net.DialUDP("udp", nil, a.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return a, b
}

func newTestMixer(t *testing.T) (*Mixer, chan eventtask.Message, *net.UDPConn) {
	t.Helper()
	eventsCh := make(chan eventtask.Message, 64)
	wsCh := make(chan netio.WSCommand, 8)
	m := New(eventsCh, wsCh, 5, 4, dlog.New("mixer-test"))

	listener, dialer := loopbackPair(t)
	t.Cleanup(func() { listener.Close(); dialer.Close() })

	state, err := crypto.NewState(crypto.Normal)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	var key [crypto.KeySize]byte
	m.conn = &Conn{
		Cipher: crypto.NewCipher(key),
		State:  &state,
		SSRC:   42,
		Sender: netio.NewUDPSender(dialer),
	}
	m.sequencer = rtpcodec.NewSequencer(42, frameSamples)
	return m, eventsCh, listener
}

func TestSequenceAndTimestampAdvanceEveryTick(t *testing.T) {
	m, _, conn := newTestMixer(t)
	track, _ := tracks.NewTrack(newFakeSource(10, true))
	track.State.Mode = tracks.ModePlay
	m.slots = append(m.slots, &trackSlot{id: 1, track: track})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var lastSeq uint16
	var lastTS uint32
	for i := 0; i < 3; i++ {
		m.tick()
		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read packet %d: %v", i, err)
		}
		seq := binary.BigEndian.Uint16(buf[2:4])
		ts := binary.BigEndian.Uint32(buf[4:8])
		if i > 0 {
			if seq != lastSeq+1 {
				t.Fatalf("tick %d: sequence jumped from %d to %d", i, lastSeq, seq)
			}
			if ts != lastTS+frameSamples {
				t.Fatalf("tick %d: timestamp jumped from %d to %d", i, lastTS, ts)
			}
		}
		lastSeq, lastTS = seq, ts
		_ = n
	}
}

func TestSpeakingTailEmitsFixedSilentFrameCount(t *testing.T) {
	m, _, conn := newTestMixer(t)
	track, _ := tracks.NewTrack(newFakeSource(1, true))
	track.State.Mode = tracks.ModePlay
	m.slots = append(m.slots, &trackSlot{id: 1, track: track})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	m.tick() // consumes the single frame, track still Play (no EOF seen yet)
	drain(t, conn)
	m.tick() // hits EOF, not looping... wait track IS seekable with loop default NoLoop => ends

	// After ending, speaking transitions false->tail window opens.
	tailPackets := 0
	for i := 0; i < m.silentFrames+2; i++ {
		m.tick()
		if gotPacket(conn) {
			tailPackets++
		}
	}
	if tailPackets != m.silentFrames {
		t.Fatalf("expected exactly %d silent tail packets, got %d", m.silentFrames, tailPackets)
	}
}

func TestFiniteLoopReseeksInsteadOfEnding(t *testing.T) {
	m, eventsCh, conn := newTestMixer(t)
	src := newFakeSource(2, true)
	track, _ := tracks.NewTrack(src)
	track.State.Mode = tracks.ModePlay
	track.State.Loop = tracks.FiniteLoop(1)
	m.slots = append(m.slots, &trackSlot{id: 1, track: track})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 3; i++ {
		m.tick()
		drain(t, conn)
	}

	if track.State.Mode == tracks.ModeEnd {
		t.Fatal("expected one loop iteration before ending, track ended too early")
	}
	if len(m.slots) != 1 {
		t.Fatal("looping track should not have been pruned")
	}

	select {
	case msg := <-eventsCh:
		if msg.Kind != eventtask.MsgFireTrackEvent || msg.TrackEvent != events.TrackLoop {
			t.Fatalf("expected a Loop event forwarded to the event task, got %+v", msg)
		}
	default:
		t.Fatal("expected a Loop event to be forwarded")
	}
}

func TestTrackEndPrunesSlotAndFiresEvent(t *testing.T) {
	m, eventsCh, conn := newTestMixer(t)
	track, _ := tracks.NewTrack(newFakeSource(1, true))
	track.State.Mode = tracks.ModePlay
	m.slots = append(m.slots, &trackSlot{id: 1, track: track})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	m.tick()
	drain(t, conn)
	m.tick() // EOF this tick -> End

	if len(m.slots) != 0 {
		t.Fatalf("expected ended track to be pruned, got %d slots", len(m.slots))
	}

	var sawEnd bool
	for {
		select {
		case msg := <-eventsCh:
			if msg.Kind == eventtask.MsgFireTrackEvent && msg.TrackEvent == events.TrackEnd {
				sawEnd = true
			}
		default:
			if !sawEnd {
				t.Fatal("expected a Track(End) event forwarded to the event task")
			}
			return
		}
	}
}

func drain(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	conn.Read(buf)
}

func gotPacket(conn *net.UDPConn) bool {
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := conn.Read(buf)
	return err == nil
}
