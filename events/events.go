// Package events implements timed and untimed event subscriptions, grounded
// on songbird's events/store.rs EventStore/GlobalEvents design: a min-heap of
// timed subscriptions plus a map of untimed (track/core) subscriptions, with
// local (per-track) stores rejecting core-only events.
package events

import (
	"container/heap"
	"time"
)

// TrackEvent is fired on a track lifecycle transition.
type TrackEvent int

const (
	TrackEnd TrackEvent = iota
	TrackLoop
)

func (e TrackEvent) String() string {
	switch e {
	case TrackEnd:
		return "end"
	case TrackLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// CoreEvent is fired from the supervisor/network layer and only ever makes
// sense on the global store: attaching one to a local (per-track) store is a
// no-op, matching Event::is_global_only in songbird.
type CoreEvent int

const (
	CoreSpeakingStateUpdate CoreEvent = iota
	CoreSpeakingUpdate
	CoreVoicePacket
	CoreRtcpPacket
	CoreClientConnect
	CoreClientDisconnect
)

func (e CoreEvent) String() string {
	switch e {
	case CoreSpeakingStateUpdate:
		return "speaking_state_update"
	case CoreSpeakingUpdate:
		return "speaking_update"
	case CoreVoicePacket:
		return "voice_packet"
	case CoreRtcpPacket:
		return "rtcp_packet"
	case CoreClientConnect:
		return "client_connect"
	case CoreClientDisconnect:
		return "client_disconnect"
	default:
		return "unknown"
	}
}

// Kind discriminates a Trigger's variant.
type Kind int

const (
	KindPeriodic Kind = iota
	KindDelayed
	KindTrack
	KindCore
	KindCancel
)

// Trigger is the condition under which an EventData fires: exactly one of
// the Periodic/Delayed/Track/Core/Cancel shapes, selected by Kind. Build one
// with the Periodic/Delayed/OnTrack/OnCore/CancelTrigger constructors rather
// than populating the struct directly.
type Trigger struct {
	Kind       Kind
	Period     time.Duration // KindPeriodic
	Phase      *time.Duration
	Delay      time.Duration    // KindDelayed
	TrackEvent TrackEvent       // KindTrack
	CoreEvent  CoreEvent        // KindCore
}

// Periodic fires every period, first firing after phase (or after one period
// if phase is nil).
func Periodic(period time.Duration, phase *time.Duration) Trigger {
	return Trigger{Kind: KindPeriodic, Period: period, Phase: phase}
}

// Delayed fires once, after delay elapses from registration.
func Delayed(delay time.Duration) Trigger {
	return Trigger{Kind: KindDelayed, Delay: delay}
}

// OnTrack fires whenever the given track lifecycle transition occurs.
func OnTrack(evt TrackEvent) Trigger {
	return Trigger{Kind: KindTrack, TrackEvent: evt}
}

// OnCore fires whenever the given core (network/supervisor) event occurs.
// Attaching this to a local store is silently dropped.
func OnCore(evt CoreEvent) Trigger {
	return Trigger{Kind: KindCore, CoreEvent: evt}
}

// CancelTrigger removes the subscription instead of re-registering it.
func CancelTrigger() Trigger {
	return Trigger{Kind: KindCancel}
}

func (t Trigger) isGlobalOnly() bool { return t.Kind == KindCore }

func (t Trigger) untimedKey() (untimedKey, bool) {
	switch t.Kind {
	case KindTrack:
		return untimedKey{isCore: false, track: t.TrackEvent}, true
	case KindCore:
		return untimedKey{isCore: true, core: t.CoreEvent}, true
	default:
		return untimedKey{}, false
	}
}

type untimedKey struct {
	isCore bool
	track  TrackEvent
	core   CoreEvent
}

// Handler reacts to a fired event. Returning (trigger, true) re-registers the
// subscription under the returned trigger (CancelTrigger removes it);
// returning (_, false) keeps the same trigger, except Delayed entries, which
// are removed, and Periodic entries, which repeat with no phase.
type Handler interface {
	Act(ctx Context) (Trigger, bool)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx Context) (Trigger, bool)

func (f HandlerFunc) Act(ctx Context) (Trigger, bool) { return f(ctx) }

// EventData is one registered subscription.
type EventData struct {
	Trigger  Trigger
	Action   Handler
	fireTime time.Duration
	hasFire  bool
	heapIdx  int
	seq      uint64
}

// NewEventData builds a subscription. fireTime is computed by the store at
// registration time via computeActivation.
func NewEventData(trigger Trigger, action Handler) *EventData {
	return &EventData{Trigger: trigger, Action: action}
}

func (e *EventData) computeActivation(now time.Duration) {
	switch e.Trigger.Kind {
	case KindPeriodic:
		phase := e.Trigger.Period
		if e.Trigger.Phase != nil {
			phase = *e.Trigger.Phase
		}
		e.fireTime = now + phase
		e.hasFire = true
	case KindDelayed:
		e.fireTime = now + e.Trigger.Delay
		e.hasFire = true
	default:
		e.hasFire = false
	}
}

// timedHeap is a container/heap.Interface min-heap of *EventData ordered by
// fireTime, tie-broken by seq (assignment order); songbird uses a BinaryHeap
// for the same purpose since the stdlib has no third-party priority-queue
// equivalent in this corpus. container/heap does not guarantee FIFO order
// among equal elements on its own, so two events due at the same instant
// need the tie-break to fire in the order they were registered.
type timedHeap []*EventData

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if h[i].fireTime != h[j].fireTime {
		return h[i].fireTime < h[j].fireTime
	}
	return h[i].seq < h[j].seq
}
func (h timedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

func (h *timedHeap) Push(x any) {
	evt := x.(*EventData)
	evt.heapIdx = len(*h)
	*h = append(*h, evt)
}

func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return evt
}

// Store holds timed and untimed subscriptions. A local store (one installed
// per Track) rejects Core-only triggers; the global store accepts everything.
type Store struct {
	timed      timedHeap
	untimed    map[untimedKey][]*EventData
	localOnly  bool
	nextSeq    uint64
}

// NewGlobalStore creates the store used at the driver/mixer level.
func NewGlobalStore() *Store {
	return &Store{untimed: make(map[untimedKey][]*EventData)}
}

// NewLocalStore creates the per-track store installed when a track is
// registered.
func NewLocalStore() *Store {
	return &Store{untimed: make(map[untimedKey][]*EventData), localOnly: true}
}

// Add registers evt, computing its activation time relative to now. A
// Core-triggered event added to a local store is silently dropped, and one
// with Cancel is dropped immediately.
func (s *Store) Add(evt *EventData, now time.Duration) {
	evt.computeActivation(now)

	if s.localOnly && evt.Trigger.isGlobalOnly() {
		return
	}

	switch evt.Trigger.Kind {
	case KindPeriodic, KindDelayed:
		evt.seq = s.nextSeq
		s.nextSeq++
		heap.Push(&s.timed, evt)
	case KindTrack, KindCore:
		key, _ := evt.Trigger.untimedKey()
		s.untimed[key] = append(s.untimed[key], evt)
	case KindCancel:
		// dropped
	}
}

// ProcessTimed fires every timed subscription whose fire time is <= now, in
// fire-time order, re-registering periodic/replaced triggers and discarding
// one-shot delayed triggers whose handler did not replace them.
func (s *Store) ProcessTimed(now time.Duration, ctx Context) {
	for s.timed.Len() > 0 {
		next := s.timed[0]
		if next.fireTime > now {
			return
		}
		evt := heap.Pop(&s.timed).(*EventData)

		oldTrigger := evt.Trigger
		if newTrigger, replaced := evt.Action.Act(ctx); replaced {
			evt.Trigger = newTrigger
			s.Add(evt, now)
		} else if oldTrigger.Kind == KindPeriodic {
			evt.Trigger = Periodic(oldTrigger.Period, nil)
			s.Add(evt, now)
		}
	}
}

func keyForTrack(e TrackEvent) untimedKey { return untimedKey{isCore: false, track: e} }
func keyForCore(e CoreEvent) untimedKey   { return untimedKey{isCore: true, core: e} }

// ProcessTrackEvent fires every subscription registered for the given track
// lifecycle transition. Handlers that return a trigger identical to their
// current one stay registered in place (no heap/map churn); any other
// replacement re-adds them under the new trigger, and an unreplaced
// non-delayed, non-periodic subscription simply persists.
func (s *Store) ProcessTrackEvent(now time.Duration, evt TrackEvent, ctx Context) {
	s.processUntimed(now, keyForTrack(evt), ctx)
}

// ProcessCoreEvent fires every subscription registered for the given core
// event kind.
func (s *Store) ProcessCoreEvent(now time.Duration, evt CoreEvent, ctx Context) {
	s.processUntimed(now, keyForCore(evt), ctx)
}

func (s *Store) processUntimed(now time.Duration, key untimedKey, ctx Context) {
	entries, ok := s.untimed[key]
	if !ok {
		return
	}

	kept := entries[:0]
	for _, evt := range entries {
		newTrigger, replaced := evt.Action.Act(ctx)
		if !replaced {
			kept = append(kept, evt)
			continue
		}
		if sameUntimedTrigger(evt.Trigger, newTrigger) {
			kept = append(kept, evt)
			continue
		}
		evt.Trigger = newTrigger
		s.Add(evt, now)
	}
	if len(kept) == 0 {
		delete(s.untimed, key)
	} else {
		s.untimed[key] = kept
	}
}

func sameUntimedTrigger(a, b Trigger) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindTrack:
		return a.TrackEvent == b.TrackEvent
	case KindCore:
		return a.CoreEvent == b.CoreEvent
	default:
		return false
	}
}

// HasCoreSubscription reports whether any subscription is registered for the
// given core event kind.
func (s *Store) HasCoreSubscription(evt CoreEvent) bool {
	_, ok := s.untimed[keyForCore(evt)]
	return ok
}
