// Package eventtask implements the cooperative task that owns the global
// EventStore (spec.md §4.6). Per-track local stores live on the tracks
// themselves and are processed inline by the mixer, which already has
// exclusive, single-threaded access to every Track it owns; duplicating
// that state into a second goroutine would only add a race to guard
// against without buying anything, since the mixer's tick is already the
// sole place track state changes. The event task instead handles the two
// things that are NOT already serialized through the mixer: global timed
// subscriptions (driven by Tick messages) and core events arriving
// asynchronously from the WS/UDP tasks, plus the global half of
// per-track lifecycle subscriptions (Track(End)/Track(Loop) fire on both
// the track's own store and the global one).
package eventtask

import (
	"time"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/dlog"
)

// MessageKind discriminates a Message's variant.
type MessageKind int

const (
	MsgAddGlobalEvent MessageKind = iota
	MsgFireCoreEvent
	MsgFireTrackEvent
	MsgTick
	MsgPoison
)

// Message is one instruction sent to the event task.
type Message struct {
	Kind       MessageKind
	Event      *events.EventData // MsgAddGlobalEvent
	Ctx        events.Context    // MsgFireCoreEvent, MsgFireTrackEvent
	TrackEvent events.TrackEvent // MsgFireTrackEvent
}

// Task owns the global EventStore and the notion of driver time used to
// evaluate it. Confined to the goroutine running Run.
type Task struct {
	global        *events.Store
	now           time.Duration
	frameInterval time.Duration

	messages chan Message
	log      *dlog.Logger
}

// New builds an event task that advances its notion of time by
// frameInterval on each Tick message.
func New(frameInterval time.Duration, log *dlog.Logger) *Task {
	return &Task{
		global:        events.NewGlobalStore(),
		frameInterval: frameInterval,
		messages:      make(chan Message, 256),
		log:           log,
	}
}

// Messages returns the channel used to send instructions to the task.
func (t *Task) Messages() chan<- Message { return t.messages }

// Run processes messages until MsgPoison or the channel is closed. It
// blocks; run it in its own goroutine.
func (t *Task) Run() {
	t.log.Printf("event task started")
	defer t.log.Printf("event task finished")

	for msg := range t.messages {
		switch msg.Kind {
		case MsgPoison:
			return
		case MsgAddGlobalEvent:
			t.global.Add(msg.Event, t.now)
		case MsgFireCoreEvent:
			if core, ok := msg.Ctx.CoreEventOf(); ok {
				t.global.ProcessCoreEvent(t.now, core, msg.Ctx)
			}
		case MsgFireTrackEvent:
			t.global.ProcessTrackEvent(t.now, msg.TrackEvent, msg.Ctx)
		case MsgTick:
			t.now += t.frameInterval
			t.global.ProcessTimed(t.now, events.Context{})
		}
	}
}
