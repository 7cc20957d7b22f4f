package watch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
)

type QueueConfig struct {
	Size int
	// Grace is how long a publisher waits on a full queue before the oldest
	// queued notification is dropped to make room.
	Grace time.Duration
}

// Queue is the bounded many-producers, single-consumer notification channel
// shared by all watch loops. Publish of an event never blocks longer than the
// grace period. Watch failure notifications are never dropped.
type Queue struct {
	notifications chan Notification
	grace         time.Duration
	clock         clockwork.Clock
	dropped       atomic.Uint64
	evicting      sync.Mutex

	metrics *Metrics
	logger  *logr.Logger
}

func NewQueue(config QueueConfig, clock clockwork.Clock) *Queue {
	size := config.Size
	if size < 1 {
		size = 1
	}

	return &Queue{
		notifications: make(chan Notification, size),
		grace:         config.Grace,
		clock:         clock,
	}
}

func (q *Queue) Publish(notification Notification) {
	select {
	case q.notifications <- notification:
		return
	default:
	}

	if q.grace > 0 {
		timer := q.clock.NewTimer(q.grace)
		defer timer.Stop()

		select {
		case q.notifications <- notification:
			return
		case <-timer.Chan():
		}
	}

	q.makeRoom(notification)
}

// makeRoom drops the oldest queued event until notification fits. Queued watch
// failures are put back behind the others instead.
func (q *Queue) makeRoom(notification Notification) {
	q.evicting.Lock()
	defer q.evicting.Unlock()

	requeued := 0

	for {
		select {
		case q.notifications <- notification:
			return
		default:
		}

		// Nothing but watch failures left to drop.
		if requeued >= cap(q.notifications) {
			if notification.Kind != KindWatchFailed {
				q.drop(notification)

				return
			}

			q.notifications <- notification

			return
		}

		select {
		case oldest := <-q.notifications:
			if oldest.Kind == KindWatchFailed {
				q.notifications <- oldest
				requeued++

				continue
			}

			q.drop(oldest)
		default:
		}
	}
}

func (q *Queue) Notifications() <-chan Notification {
	return q.notifications
}

// Close must only be called once every publisher has returned.
func (q *Queue) Close() {
	close(q.notifications)
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) drop(notification Notification) {
	q.dropped.Add(1)
	q.metrics.incDropped()

	if q.logger != nil {
		q.logger.V(0).Info("Queue full, dropping notification",
			"id", notification.ID,
			"machine", notification.Machine,
			"log", notification.Log,
			"eventID", notification.EventID,
		)
	}
}
