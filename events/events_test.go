package events

import (
	"testing"
	"time"
)

func recordingHandler(fired *[]string, label string) Handler {
	return HandlerFunc(func(ctx Context) (Trigger, bool) {
		*fired = append(*fired, label)
		return Trigger{}, false
	})
}

func TestPeriodicFiresAfterOnePeriodThenRepeats(t *testing.T) {
	s := NewGlobalStore()
	var fired []string

	s.Add(NewEventData(Periodic(50*time.Millisecond, nil), recordingHandler(&fired, "tick")), 0)

	s.ProcessTimed(49*time.Millisecond, Context{})
	if len(fired) != 0 {
		t.Fatalf("should not fire before 50ms, got %v", fired)
	}

	s.ProcessTimed(50*time.Millisecond, Context{})
	if len(fired) != 1 {
		t.Fatalf("expected 1 firing at 50ms, got %v", fired)
	}

	s.ProcessTimed(100*time.Millisecond, Context{})
	if len(fired) != 2 {
		t.Fatalf("expected 2 firings by 100ms, got %v", fired)
	}
}

func TestOrderingAtEqualFireTime(t *testing.T) {
	s := NewGlobalStore()
	var fired []string

	s.Add(NewEventData(Delayed(100*time.Millisecond), recordingHandler(&fired, "e1")), 0)
	s.Add(NewEventData(Delayed(100*time.Millisecond), recordingHandler(&fired, "e2")), 0)

	s.ProcessTimed(100*time.Millisecond, Context{})

	if len(fired) != 2 || fired[0] != "e1" || fired[1] != "e2" {
		t.Fatalf("expected [e1 e2] registration order, got %v", fired)
	}
}

func TestDelayedFiresOnceAndIsRemoved(t *testing.T) {
	s := NewGlobalStore()
	var count int
	s.Add(NewEventData(Delayed(10*time.Millisecond), HandlerFunc(func(ctx Context) (Trigger, bool) {
		count++
		return Trigger{}, false
	})), 0)

	s.ProcessTimed(20*time.Millisecond, Context{})
	s.ProcessTimed(30*time.Millisecond, Context{})

	if count != 1 {
		t.Fatalf("delayed event should fire exactly once, fired %d times", count)
	}
}

func TestCancelRemovesSubscription(t *testing.T) {
	s := NewGlobalStore()
	var count int
	s.Add(NewEventData(OnTrack(TrackEnd), HandlerFunc(func(ctx Context) (Trigger, bool) {
		count++
		return CancelTrigger(), true
	})), 0)

	s.ProcessTrackEvent(0, TrackEnd, Context{})
	s.ProcessTrackEvent(0, TrackEnd, Context{})

	if count != 1 {
		t.Fatalf("cancelled subscription should not refire, fired %d times", count)
	}
}

func TestLocalStoreRejectsCoreEvents(t *testing.T) {
	s := NewLocalStore()
	var count int
	s.Add(NewEventData(OnCore(CoreSpeakingUpdate), HandlerFunc(func(ctx Context) (Trigger, bool) {
		count++
		return Trigger{}, false
	})), 0)

	s.ProcessCoreEvent(0, CoreSpeakingUpdate, Context{})

	if count != 0 {
		t.Fatalf("local store must drop core events at registration, fired %d times", count)
	}
}

func TestUntimedPersistsUntilReplaced(t *testing.T) {
	s := NewGlobalStore()
	var count int
	s.Add(NewEventData(OnTrack(TrackLoop), HandlerFunc(func(ctx Context) (Trigger, bool) {
		count++
		return Trigger{}, false
	})), 0)

	for i := 0; i < 3; i++ {
		s.ProcessTrackEvent(0, TrackLoop, Context{})
	}

	if count != 3 {
		t.Fatalf("persistent handler should fire every time, fired %d times", count)
	}
}

func TestCoreEventContextRoundTrip(t *testing.T) {
	ctx := Context{ClientConnect: &ClientConnect{UserID: "u1", SSRCs: []uint32{7}}}
	evt, ok := ctx.CoreEventOf()
	if !ok || evt != CoreClientConnect {
		t.Fatalf("expected CoreClientConnect, got %v ok=%v", evt, ok)
	}
}
