package pipeline

import (
	"sync/atomic"
	"time"
)

// putTimeout bounds one blocking send attempt so a stalled queue re-checks
// the stop flag twice a second.
const putTimeout = 500 * time.Millisecond

// Flag is the shared stop signal. Once set it stays set.
type Flag struct {
	v atomic.Bool
}

// Set marks the flag.
func (f *Flag) Set() {
	f.v.Store(true)
}

// IsSet reports whether the flag was set.
func (f *Flag) IsSet() bool {
	return f.v.Load()
}

type envelope[T any] struct {
	job    T
	reason string
	pill   bool
}

// Queue is a bounded FIFO connecting two pipeline stages. A queue carries
// jobs and poison pills; consumers receive them in arrival order.
type Queue[T any] struct {
	name string
	ch   chan envelope[T]
}

// NewQueue creates a queue with the given capacity.
func NewQueue[T any](name string, size int) *Queue[T] {
	return &Queue[T]{name: name, ch: make(chan envelope[T], size)}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string {
	return q.name
}

// Len returns the current number of queued envelopes.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Put delivers a job, retrying after every timeout until the stop flag is
// set. Returns false when the job was abandoned because of shutdown.
func (q *Queue[T]) Put(job T, stop *Flag) bool {
	for !stop.IsSet() {
		t := time.NewTimer(putTimeout)
		select {
		case q.ch <- envelope[T]{job: job}:
			t.Stop()
			return true
		case <-t.C:
		}
	}
	return false
}

// TryPut delivers without blocking. Returns false when the queue is full.
func (q *Queue[T]) TryPut(job T) bool {
	select {
	case q.ch <- envelope[T]{job: job}:
		return true
	default:
		return false
	}
}

// TryPoison enqueues a poison pill without blocking. A full queue drops the
// pill; consumers will still see the stop flag.
func (q *Queue[T]) TryPoison(reason string) bool {
	select {
	case q.ch <- envelope[T]{reason: reason, pill: true}:
		return true
	default:
		return false
	}
}

// Get blocks until the next envelope arrives and reports whether it is a
// poison pill.
func (q *Queue[T]) Get() (T, bool) {
	env := <-q.ch
	return env.job, env.pill
}

// Queues bundles the four pipeline queues the supervisor owns.
type Queues struct {
	Frames   *Queue[FrameJob]
	Persons  *Queue[DetectionBundle]
	Vehicles *Queue[DetectionBundle]
	Notifs   *Queue[NotificationJob]
}

// StageQueue is the element-type-independent view of a queue, enough for
// monitoring and shutdown.
type StageQueue interface {
	Name() string
	Len() int
	Cap() int
	TryPoison(reason string) bool
}

// All returns the queues in pipeline order.
func (qs *Queues) All() []StageQueue {
	return []StageQueue{qs.Frames, qs.Persons, qs.Vehicles, qs.Notifs}
}

// NewQueues creates the four stage queues, all with the same capacity.
func NewQueues(size int) *Queues {
	return &Queues{
		Frames:   NewQueue[FrameJob]("frames", size),
		Persons:  NewQueue[DetectionBundle]("person_detections", size),
		Vehicles: NewQueue[DetectionBundle]("vehicle_detections", size),
		Notifs:   NewQueue[NotificationJob]("notifications", size),
	}
}
