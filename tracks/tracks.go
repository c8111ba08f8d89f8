// Package tracks implements the per-source playback state machine and its
// cheaply-clonable remote control handle, grounded on songbird's
// tracks/handle.rs (TrackHandle command surface) generalised from its
// mpsc::UnboundedSender to a buffered Go channel with a closed "done" signal
// standing in for the dropped-track detection Rust gets from SendError.
package tracks

import (
	"errors"
	"time"

	"github.com/rustyguts/voicedriver/events"
)

// Sentinel errors returned by Handle operations. Compare with errors.Is.
var (
	// ErrGone is returned by a Handle command when its Track has already
	// been removed by the mixer.
	ErrGone = errors.New("tracks: command failed, track is gone")

	// ErrNoReply is returned by Handle.Request when the track disappeared
	// before it could answer.
	ErrNoReply = errors.New("tracks: request failed, track is gone before reply")

	// ErrNotSeekable is returned synchronously, without dispatch, by Seek
	// and the Loop setters when the track's source cannot seek.
	ErrNotSeekable = errors.New("tracks: track is not seekable")
)

// PlayMode is a Track's coarse playback state.
type PlayMode int

const (
	ModePlay PlayMode = iota
	ModePause
	ModeEnd
)

func (m PlayMode) String() string {
	switch m {
	case ModePlay:
		return "play"
	case ModePause:
		return "pause"
	case ModeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// LoopKind distinguishes an unbounded loop from a counted one.
type LoopKind int

const (
	LoopInfinite LoopKind = iota
	LoopFinite
)

// Loop is a track's repeat policy.
type Loop struct {
	Kind      LoopKind
	Remaining int // meaningful only when Kind == LoopFinite
}

// NoLoop plays the source once.
func NoLoop() Loop { return Loop{Kind: LoopFinite, Remaining: 0} }

// InfiniteLoop repeats the source forever.
func InfiniteLoop() Loop { return Loop{Kind: LoopInfinite} }

// FiniteLoop repeats the source n additional times after the first play.
func FiniteLoop(n int) Loop { return Loop{Kind: LoopFinite, Remaining: n} }

// ShouldRestart reports whether the source should be seeked to zero and
// replayed, decrementing a finite counter as a side effect.
func (l *Loop) ShouldRestart() bool {
	switch l.Kind {
	case LoopInfinite:
		return true
	case LoopFinite:
		if l.Remaining > 0 {
			l.Remaining--
			return true
		}
		return false
	default:
		return false
	}
}

// Source is an audio producer a Track wraps. Implementations correspond to
// the teacher's opusEncoder/opusDecoder/paStream testing-seam interfaces
// (client/audio.go): small, mockable, single-purpose.
type Source interface {
	// ReadPCM fills buf with interleaved stereo int16 samples and returns
	// how many frames (not samples) were written. io.EOF signals the
	// natural end of the source.
	ReadPCM(buf []int16) (frames int, err error)

	// ReadOpus returns one pre-encoded frame for direct passthrough, when
	// the source already stores Opus-encoded audio at the negotiated
	// sample rate/channel count. ok is false when no such frame is
	// available and the caller must fall back to ReadPCM.
	ReadOpus() (frame []byte, ok bool, err error)

	// Seekable reports whether Seek is supported.
	Seekable() bool

	// Seek moves playback to pos. Only called when Seekable() is true.
	Seek(pos time.Duration) error
}

// State is the observable subset of a Track: mode, volume, position, loop
// policy. It is mutated only by the mixer goroutine that owns the
// surrounding Track; the local event store attached to the same Track is
// processed inline by that goroutine too, so handlers observe State without
// any cross-goroutine synchronization.
type State struct {
	Mode     PlayMode
	Volume   float32
	Position time.Duration
	Loop     Loop
}

// Snapshot adapts a State to events.TrackView. A separate type is needed
// because State already has Volume/Position fields, and Go forbids a field
// and a same-named method on one type.
type Snapshot struct{ state State }

func (v Snapshot) Playing() bool             { return v.state.Mode == ModePlay }
func (v Snapshot) Volume() float32           { return v.state.Volume }
func (v Snapshot) Position() time.Duration   { return v.state.Position }

var _ events.TrackView = Snapshot{}

// View returns an events.TrackView snapshot of the track's current State,
// for building an events.TrackRef to pass into a Context.
func (t *Track) View() Snapshot { return Snapshot{state: t.State} }

// Command is a message sent from a Handle to its Track, processed by the
// mixer between ticks.
type Command struct {
	Kind     CommandKind
	Volume   float32
	Position time.Duration
	Loop     Loop
	Event    *events.EventData
	Do       func(*Track)
	Reply    chan<- State
}

// CommandKind discriminates Command's variant.
type CommandKind int

const (
	CmdPlay CommandKind = iota
	CmdPause
	CmdStop
	CmdVolume
	CmdSeek
	CmdLoop
	CmdAddEvent
	CmdDo
	CmdRequest
)

// Track owns one Source plus its state machine and local event store. It is
// created by NewTrack (mirroring songbird's create_player) and lives on the
// mixer's goroutine; only the mixer ever touches Source or State directly.
type Track struct {
	Source Source
	State  State
	Events *events.Store

	commands chan Command
	done     chan struct{}
}

const commandBufferSize = 16

// NewTrack builds a Track/Handle pair for source, paused by default (the
// caller must Play it, matching songbird's convention that queued tracks
// start paused).
func NewTrack(source Source) (*Track, *Handle) {
	commands := make(chan Command, commandBufferSize)
	done := make(chan struct{})

	t := &Track{
		Source:   source,
		State:    State{Mode: ModePause, Volume: 1.0, Loop: NoLoop()},
		Events:   events.NewLocalStore(),
		commands: commands,
		done:     done,
	}
	h := &Handle{
		commands: commands,
		done:     done,
		seekable: source.Seekable(),
	}
	return t, h
}

// Drain returns all commands currently queued, without blocking, for the
// mixer to apply between ticks.
func (t *Track) Drain() []Command {
	var out []Command
	for {
		select {
		case cmd := <-t.commands:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// Close marks the track gone: further Handle sends observe done and fail
// with ErrGone instead of blocking forever on a full, unread channel.
func (t *Track) Close() {
	close(t.done)
}

// StepFrame advances position by one mixer tick's worth of audio, only
// meaningful while Mode == ModePlay.
func (t *Track) StepFrame(frameLen time.Duration) {
	t.State.Position += frameLen
}

// Handle is a cheap-to-copy remote control for a Track: a command sender plus
// the seekable witness captured at creation (songbird's TrackHandle).
type Handle struct {
	commands chan<- Command
	done     <-chan struct{}
	seekable bool
}

// IsSeekable reports whether Seek, loop commands, and looping itself are
// available for this track.
func (h *Handle) IsSeekable() bool { return h.seekable }

func (h *Handle) dispatch(cmd Command) error {
	select {
	case <-h.done:
		return ErrGone
	default:
	}
	select {
	case h.commands <- cmd:
		return nil
	case <-h.done:
		return ErrGone
	}
}

// Play unpauses the track.
func (h *Handle) Play() error { return h.dispatch(Command{Kind: CmdPlay}) }

// Pause pauses the track.
func (h *Handle) Pause() error { return h.dispatch(Command{Kind: CmdPause}) }

// Stop ends the track. This is final: the next mixer tick fires a Track(End)
// event and the track is removed once drained.
func (h *Handle) Stop() error { return h.dispatch(Command{Kind: CmdStop}) }

// SetVolume sets the track's linear gain (1.0 = unity).
func (h *Handle) SetVolume(v float32) error {
	return h.dispatch(Command{Kind: CmdVolume, Volume: v})
}

// Seek moves playback to pos. Fails synchronously, without dispatch, if the
// track is not seekable.
func (h *Handle) Seek(pos time.Duration) error {
	if !h.seekable {
		return ErrNotSeekable
	}
	return h.dispatch(Command{Kind: CmdSeek, Position: pos})
}

// EnableLoop loops the track indefinitely. Requires Seekable.
func (h *Handle) EnableLoop() error {
	if !h.seekable {
		return ErrNotSeekable
	}
	return h.dispatch(Command{Kind: CmdLoop, Loop: InfiniteLoop()})
}

// DisableLoop turns off looping. Requires Seekable.
func (h *Handle) DisableLoop() error {
	if !h.seekable {
		return ErrNotSeekable
	}
	return h.dispatch(Command{Kind: CmdLoop, Loop: NoLoop()})
}

// LoopFor loops the track count additional times beyond its first play.
// Requires Seekable.
func (h *Handle) LoopFor(count int) error {
	if !h.seekable {
		return ErrNotSeekable
	}
	return h.dispatch(Command{Kind: CmdLoop, Loop: FiniteLoop(count)})
}

// AddEvent attaches evt's handler to this track. A Core-triggered event is
// rejected synchronously, matching songbird's is_global_only check, since a
// local store would silently drop it anyway.
func (h *Handle) AddEvent(evt *events.EventData) error {
	if evt.Trigger.Kind == events.KindCore {
		return errors.New("tracks: core events cannot be attached to a single track")
	}
	return h.dispatch(Command{Kind: CmdAddEvent, Event: evt})
}

// Do schedules fn to run against the raw Track between mixer ticks. fn must
// be cheap and non-blocking: it runs on the mixer's dedicated thread.
func (h *Handle) Do(fn func(*Track)) error {
	return h.dispatch(Command{Kind: CmdDo, Do: fn})
}

// Request asks the mixer for a snapshot of the track's State. The reply
// arrives asynchronously on the returned channel; ErrNoReply is returned (not
// sent on the channel) if the track disappeared before it could reply.
func (h *Handle) Request() (<-chan State, error) {
	reply := make(chan State, 1)
	if err := h.dispatch(Command{Kind: CmdRequest, Reply: reply}); err != nil {
		return nil, ErrNoReply
	}
	return reply, nil
}
