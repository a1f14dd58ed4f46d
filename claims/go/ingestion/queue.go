package ingestion

import (
	"context"
	"sync"
	"time"

	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
)

// Percentages of capacity at which back-pressure engages and releases.
const (
	DefaultPauseHighPct = 75
	DefaultResumeLowPct = 50
)

// Queue is the bounded hand-off between fetchers and the parser workers.
//
// When the depth reaches the high watermark the queue flips into a paused
// state and invokes the registered OnPause callback; once consumers drain it
// back below the low watermark OnResume fires. Producers that call Offer on a
// full queue block up to their timeout, so back-pressure propagates to the
// fetcher rather than growing memory without bound.
type Queue struct {
	ch        chan WorkItem
	capacity  int
	highWater int
	lowWater  int

	mtx      sync.Mutex
	paused   bool
	onPause  func()
	onResume func()

	depthMetric  metrics2.Int64Metric
	offeredCtr   metrics2.Counter
	takenCtr     metrics2.Counter
	rejectedCtr  metrics2.Counter
	pauseEvents  metrics2.Counter
	resumeEvents metrics2.Counter
}

// NewQueue returns a bounded queue with the given capacity and the default
// watermarks: pause at 75% of capacity, resume at 50%.
func NewQueue(capacity int) (*Queue, error) {
	return NewQueueWithWatermarks(capacity, DefaultPauseHighPct, DefaultResumeLowPct)
}

// NewQueueWithWatermarks returns a bounded queue whose pause and resume
// watermarks are the given percentages of capacity.
func NewQueueWithWatermarks(capacity, pauseHighPct, resumeLowPct int) (*Queue, error) {
	if capacity < 1 {
		return nil, skerr.Fmt("queue capacity must be positive, got %d", capacity)
	}
	if pauseHighPct < 1 || pauseHighPct > 100 {
		return nil, skerr.Fmt("pause watermark must be in [1, 100], got %d", pauseHighPct)
	}
	if resumeLowPct < 0 || resumeLowPct >= pauseHighPct {
		return nil, skerr.Fmt("resume watermark must be in [0, %d), got %d", pauseHighPct, resumeLowPct)
	}
	q := &Queue{
		ch:        make(chan WorkItem, capacity),
		capacity:  capacity,
		highWater: capacity * pauseHighPct / 100,
		lowWater:  capacity * resumeLowPct / 100,

		depthMetric:  metrics2.GetInt64Metric("claims_ingestion_queue_depth"),
		offeredCtr:   metrics2.GetCounter("claims_ingestion_queue_offered"),
		takenCtr:     metrics2.GetCounter("claims_ingestion_queue_taken"),
		rejectedCtr:  metrics2.GetCounter("claims_ingestion_queue_rejected"),
		pauseEvents:  metrics2.GetCounter("claims_ingestion_queue_pause_events"),
		resumeEvents: metrics2.GetCounter("claims_ingestion_queue_resume_events"),
	}
	if q.highWater < 1 {
		q.highWater = capacity
	}
	return q, nil
}

// OnBackpressure registers the callbacks invoked when the queue crosses its
// watermarks. Must be called before any Offer.
func (q *Queue) OnBackpressure(onPause, onResume func()) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.onPause = onPause
	q.onResume = onResume
}

// Offer tries to enqueue the item, blocking for at most timeout when the
// queue is full. It returns false if the item could not be enqueued in time.
func (q *Queue) Offer(item WorkItem, timeout time.Duration) bool {
	select {
	case q.ch <- item:
	default:
		if timeout <= 0 {
			q.rejectedCtr.Inc(1)
			return false
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case q.ch <- item:
		case <-t.C:
			q.rejectedCtr.Inc(1)
			return false
		}
	}
	q.offeredCtr.Inc(1)
	q.afterDepthChange()
	return true
}

// Take blocks until an item is available or the context is canceled.
func (q *Queue) Take(ctx context.Context) (WorkItem, error) {
	select {
	case item := <-q.ch:
		q.takenCtr.Inc(1)
		q.afterDepthChange()
		return item, nil
	case <-ctx.Done():
		return WorkItem{}, skerr.Wrap(ctx.Err())
	}
}

// TryTake returns the next item without blocking. The second return value is
// false if the queue was empty.
func (q *Queue) TryTake() (WorkItem, bool) {
	select {
	case item := <-q.ch:
		q.takenCtr.Inc(1)
		q.afterDepthChange()
		return item, true
	default:
		return WorkItem{}, false
	}
}

// Depth returns the number of items currently queued.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity returns the maximum number of queued items.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Paused returns whether the queue is currently applying back-pressure.
func (q *Queue) Paused() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.paused
}

func (q *Queue) afterDepthChange() {
	depth := len(q.ch)
	q.depthMetric.Update(int64(depth))

	q.mtx.Lock()
	var notify func()
	if !q.paused && depth >= q.highWater {
		q.paused = true
		notify = q.onPause
		q.pauseEvents.Inc(1)
	} else if q.paused && depth <= q.lowWater {
		q.paused = false
		notify = q.onResume
		q.resumeEvents.Inc(1)
	}
	q.mtx.Unlock()

	if notify != nil {
		notify()
	}
}
