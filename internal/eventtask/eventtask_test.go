package eventtask

import (
	"testing"
	"time"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/dlog"
)

func newTestTask() *Task {
	return New(20*time.Millisecond, dlog.New("eventtask-test"))
}

func TestTickFiresGlobalDelayedEvent(t *testing.T) {
	task := newTestTask()
	go task.Run()
	defer func() { task.Messages() <- Message{Kind: MsgPoison} }()

	fired := make(chan struct{}, 1)
	task.Messages() <- Message{Kind: MsgAddGlobalEvent, Event: events.NewEventData(
		events.Delayed(40*time.Millisecond),
		events.HandlerFunc(func(ctx events.Context) (events.Trigger, bool) {
			fired <- struct{}{}
			return events.Trigger{}, false
		}),
	)}

	for i := 0; i < 3; i++ {
		task.Messages() <- Message{Kind: MsgTick}
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delayed event to fire")
	}
}

func TestFireTrackEventReachesGlobalSubscription(t *testing.T) {
	task := newTestTask()
	go task.Run()
	defer func() { task.Messages() <- Message{Kind: MsgPoison} }()

	fired := make(chan events.Context, 1)
	task.Messages() <- Message{Kind: MsgAddGlobalEvent, Event: events.NewEventData(
		events.OnTrack(events.TrackEnd),
		events.HandlerFunc(func(ctx events.Context) (events.Trigger, bool) {
			fired <- ctx
			return events.Trigger{}, false
		}),
	)}

	ref := events.TrackRef{State: fakeView{}, Handle: "handle-1"}
	task.Messages() <- Message{Kind: MsgFireTrackEvent, TrackEvent: events.TrackEnd, Ctx: events.Context{Tracks: []events.TrackRef{ref}}}

	select {
	case ctx := <-fired:
		if len(ctx.Tracks) != 1 || ctx.Tracks[0].Handle != "handle-1" {
			t.Fatalf("expected the fired ref to carry through, got %+v", ctx.Tracks)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for track-end handler")
	}
}

func TestFireCoreEventReachesGlobalStore(t *testing.T) {
	task := newTestTask()
	go task.Run()
	defer func() { task.Messages() <- Message{Kind: MsgPoison} }()

	fired := make(chan struct{}, 1)
	task.Messages() <- Message{Kind: MsgAddGlobalEvent, Event: events.NewEventData(
		events.OnCore(events.CoreClientConnect),
		events.HandlerFunc(func(ctx events.Context) (events.Trigger, bool) {
			fired <- struct{}{}
			return events.Trigger{}, false
		}),
	)}

	task.Messages() <- Message{Kind: MsgFireCoreEvent, Ctx: events.Context{ClientConnect: &events.ClientConnect{UserID: "u1"}}}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for core event handler")
	}
}

type fakeView struct{}

func (fakeView) Playing() bool             { return true }
func (fakeView) Volume() float32           { return 1 }
func (fakeView) Position() time.Duration   { return 0 }
