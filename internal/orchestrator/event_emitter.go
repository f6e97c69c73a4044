package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventEmitter fans persisted events out to live subscribers of a job.
// Delivery is best effort: a subscriber that stops draining loses events
// after a short timeout, and recovers them by replaying the store.
type EventEmitter struct {
	bufferSize int
	timeout    time.Duration
	log        *logrus.Entry

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}

	droppedCount atomic.Uint64
}

type subscription struct {
	ch     chan *models.Event
	closed bool
}

// NewEventEmitter creates an emitter with the given per-subscriber buffer.
func NewEventEmitter(bufferSize int, timeout time.Duration, log *logrus.Entry) *EventEmitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &EventEmitter{
		bufferSize: bufferSize,
		timeout:    timeout,
		log:        log,
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers a live subscriber for jobID. The returned cancel
// function unregisters it and closes the channel.
func (e *EventEmitter) Subscribe(jobID string) (<-chan *models.Event, func()) {
	sub := &subscription{ch: make(chan *models.Event, e.bufferSize)}

	e.mu.Lock()
	if e.subs[jobID] == nil {
		e.subs[jobID] = make(map[*subscription]struct{})
	}
	e.subs[jobID][sub] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs[jobID], sub)
			if len(e.subs[jobID]) == 0 {
				delete(e.subs, jobID)
			}
			sub.closed = true
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit sends an event to every subscriber of its job.
// If a subscriber's channel is full, it waits up to the timeout before
// dropping the event for that subscriber.
func (e *EventEmitter) Emit(event *models.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for sub := range e.subs[event.JobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}

		select {
		case sub.ch <- event:
		case <-time.After(e.timeout):
			count := e.droppedCount.Add(1)
			if count%10 == 1 && e.log != nil {
				e.log.WithFields(logrus.Fields{
					"job_id":  event.JobID,
					"type":    event.Type,
					"dropped": count,
				}).Warn("Event subscriber full, dropped event")
			}
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Subscribers returns the number of live subscribers for jobID.
func (e *EventEmitter) Subscribers(jobID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[jobID])
}
