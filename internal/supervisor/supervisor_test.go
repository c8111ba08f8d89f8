package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/tracks"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(Options{DecodeMode: netio.DecodeModeDecrypt, SilentFrames: 5, HandshakeTimeout: time.Second}, dlog.New("supervisor-test"))
	t.Cleanup(func() { s.apply(Command{Kind: CmdPoison}) })
	return s
}

type silentSource struct{}

func (silentSource) ReadPCM([]int16) (int, error)   { return 0, io.EOF }
func (silentSource) ReadOpus() ([]byte, bool, error) { return nil, false, nil }
func (silentSource) Seekable() bool                  { return false }
func (silentSource) Seek(time.Duration) error        { return nil }

// TestAddTrackRoutesToMixer exercises CmdAddTrack end to end: the supervisor
// lazily spawns the mixer and forwards the track into it, observable via the
// track's own Handle.Request snapshot.
func TestAddTrackRoutesToMixer(t *testing.T) {
	s := newTestSupervisor(t)

	track, handle := tracks.NewTrack(silentSource{})
	s.apply(Command{Kind: CmdAddTrack, Track: track, Handle: handle})

	reply, err := handle.Request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case state := <-reply:
		if state.Mode != tracks.ModePause {
			t.Fatalf("expected newly added track to start paused, got %v", state.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for track state from mixer")
	}
}

// TestAddEventRoutesThroughRelayToGlobalStore exercises the path a WS/UDP
// task's CoreEvent takes once AddEvent has registered a global subscription
// through the supervisor: CmdAddEvent reaches the event task's store before
// relayCoreEvents forwards a simulated inbound event, so the handler must
// see it via the stable coreEvents channel without the WS/UDP tasks ever
// knowing which event task instance is currently live.
func TestAddEventRoutesThroughRelayToGlobalStore(t *testing.T) {
	s := newTestSupervisor(t)
	s.ensureSubsystems()

	fired := make(chan events.Context, 1)
	s.apply(Command{Kind: CmdAddEvent, Event: events.NewEventData(
		events.OnCore(events.CoreClientConnect),
		events.HandlerFunc(func(ctx events.Context) (events.Trigger, bool) {
			fired <- ctx
			return events.Trigger{}, false
		}),
	)})

	s.coreEvents <- events.Context{ClientConnect: &events.ClientConnect{UserID: "u1"}}

	select {
	case ctx := <-fired:
		if ctx.ClientConnect == nil || ctx.ClientConnect.UserID != "u1" {
			t.Fatalf("expected the relayed context to carry through, got %+v", ctx.ClientConnect)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed core event to reach the global store")
	}
}

// TestRebuildInterconnectDropsOldEventTaskSubscriptions confirms
// rebuildInterconnect's documented cost: a fresh global store loses
// previously registered subscriptions, since spec.md §5 only promises tracks
// survive, not events.
func TestRebuildInterconnectDropsOldEventTaskSubscriptions(t *testing.T) {
	s := newTestSupervisor(t)
	s.ensureSubsystems()

	fired := make(chan struct{}, 1)
	s.apply(Command{Kind: CmdAddEvent, Event: events.NewEventData(
		events.OnCore(events.CoreClientConnect),
		events.HandlerFunc(func(ctx events.Context) (events.Trigger, bool) {
			fired <- struct{}{}
			return events.Trigger{}, false
		}),
	)})

	s.rebuildInterconnect()

	s.coreEvents <- events.Context{ClientConnect: &events.ClientConnect{UserID: "u2"}}

	select {
	case <-fired:
		t.Fatal("expected the subscription registered before rebuild to be gone")
	case <-time.After(200 * time.Millisecond):
		// Expected: the fresh event task's store never saw this subscription.
	}
}
