package tracks

import (
	"sync"

	"github.com/rustyguts/voicedriver/events"
)

// Queue is a FIFO of Handles with the invariant "only the head is Playing;
// others are Paused", grounded on songbird's tracks/queue.rs TrackQueue. It
// is not on the mixer hot path; it is a registered Track(End) event handler
// demonstrating the event contract, reused across the repo for anything that
// wants song-queue semantics.
type Queue struct {
	mu     sync.Mutex
	tracks []*Handle
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// queueAdvancer pops the finished head and resumes the new head on a
// Track(End) firing, skipping any head that fails to resume (its Track has
// already gone).
type queueAdvancer struct {
	q *Queue
}

func (a queueAdvancer) Act(ctx events.Context) (events.Trigger, bool) {
	a.q.mu.Lock()
	defer a.q.mu.Unlock()

	if len(a.q.tracks) > 0 {
		a.q.tracks = a.q.tracks[1:]
	}

	for len(a.q.tracks) > 0 {
		if err := a.q.tracks[0].Play(); err == nil {
			break
		}
		a.q.tracks = a.q.tracks[1:]
	}

	return events.Trigger{}, false
}

// Add appends track to the queue, pausing it first unless the queue was
// empty. A track added to an empty queue becomes the head and receives no
// command, so it keeps its current mode (NewTrack starts it paused). track's
// local event store gets a Track(End) subscription that advances the queue.
func (q *Queue) Add(track *Track, handle *Handle) {
	q.mu.Lock()
	wasEmpty := len(q.tracks) == 0
	q.mu.Unlock()

	if !wasEmpty {
		_ = handle.Pause()
	}

	track.Events.Add(
		events.NewEventData(events.OnTrack(events.TrackEnd), queueAdvancer{q: q}),
		track.State.Position,
	)

	q.mu.Lock()
	q.tracks = append(q.tracks, handle)
	q.mu.Unlock()
}

// Len returns the number of tracks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// IsEmpty reports whether the queue holds no tracks.
func (q *Queue) IsEmpty() bool { return q.Len() == 0 }

// Pause pauses the head of the queue, if any.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return nil
	}
	return q.tracks[0].Pause()
}

// Resume resumes the head of the queue, if any.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return nil
	}
	return q.tracks[0].Play()
}

// Stop stops the current head and clears the queue.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.stopCurrentLocked()
	q.tracks = nil
	return err
}

// Skip stops the current head, letting the Track(End) subscription advance
// to the next entry.
func (q *Queue) Skip() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopCurrentLocked()
}

func (q *Queue) stopCurrentLocked() error {
	if len(q.tracks) == 0 {
		return nil
	}
	return q.tracks[0].Stop()
}
