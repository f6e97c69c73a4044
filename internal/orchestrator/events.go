package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventLog is the append-only, per-job record of every transition.
// An event is persisted before it is published, so a replay always sees
// at least what a live subscriber saw.
type EventLog struct {
	store   state.EventStore
	emitter *EventEmitter
	poll    time.Duration
	log     *logrus.Entry
}

// NewEventLog creates an event log over store. poll is how often a stream
// rechecks the store for events appended by other processes.
func NewEventLog(store state.EventStore, emitter *EventEmitter, poll time.Duration, log *logrus.Entry) *EventLog {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &EventLog{store: store, emitter: emitter, poll: poll, log: log}
}

// Append persists an event and publishes it to live subscribers.
func (l *EventLog) Append(jobID string, eventType models.EventType, payload any) (*models.Event, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
	}

	ev, err := l.store.AppendEvent(jobID, eventType, raw)
	if err != nil {
		return nil, models.PersistenceError("append event", err)
	}
	trace("events", "job %s #%d %s", jobID, ev.ID, ev.Type)
	if l.emitter != nil {
		l.emitter.Emit(ev)
	}
	return ev, nil
}

// Replay returns the events of jobID with id > after, in order.
// The same cursor always yields the same prefix.
func (l *EventLog) Replay(jobID string, after int64, limit int) ([]*models.Event, error) {
	events, err := l.store.ListEvents(jobID, after, limit)
	if err != nil {
		return nil, models.PersistenceError("list events", err)
	}
	return events, nil
}

// Stream replays events after the cursor and then follows the job live.
// The channel closes after a terminal job event or when ctx is done.
// Every event is delivered exactly once and in id order: live events are
// buffered behind the replay and gaps are filled from the store.
func (l *EventLog) Stream(ctx context.Context, jobID string, after int64) (<-chan *models.Event, error) {
	var live <-chan *models.Event
	unsubscribe := func() {}
	if l.emitter != nil {
		live, unsubscribe = l.emitter.Subscribe(jobID)
		trace("events", "job %s: stream opened after #%d (%d subscribers)", jobID, after, l.emitter.Subscribers(jobID))
	}

	backlog, err := l.Replay(jobID, after, 0)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan *models.Event)
	go func() {
		defer close(out)
		defer unsubscribe()

		cursor := after
		send := func(ev *models.Event) bool {
			if ev.ID <= cursor {
				return true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
			cursor = ev.ID
			return !ev.Type.Terminal()
		}
		catchUp := func() bool {
			events, err := l.Replay(jobID, cursor, 0)
			if err != nil {
				if l.log != nil {
					l.log.WithError(err).WithField("job_id", jobID).Warn("Event stream catch-up failed")
				}
				return true
			}
			for _, ev := range events {
				if !send(ev) {
					return false
				}
			}
			return true
		}

		for _, ev := range backlog {
			if !send(ev) {
				return
			}
		}

		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					live = nil
					continue
				}
				if ev.ID > cursor+1 && !catchUp() {
					return
				}
				if !send(ev) {
					return
				}
			case <-ticker.C:
				if !catchUp() {
					return
				}
			}
		}
	}()
	return out, nil
}
