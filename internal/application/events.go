package application

import (
	"time"

	"github.com/google/uuid"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

type EventKind string

const (
	EventOperationStarted  EventKind = "operation.started"
	EventOperationFinished EventKind = "operation.finished"
	EventOperationFailed   EventKind = "operation.failed"
	EventStateChanged      EventKind = "state.changed"
	EventSyncReceived      EventKind = "sync.received"
)

// Event is emitted for every coordinator operation and state transition.
// Handlers run synchronously on the emitting goroutine and must not block.
type Event struct {
	Kind        EventKind
	Operation   string
	OperationID string
	Account     string
	State       domain.AuthState
	Time        time.Time
	Elapsed     time.Duration
	Err         error
}

type EventHandler func(Event)

func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

type eventEmitter struct {
	handler EventHandler
	clock   ports.Clock
	account domain.AccountName
}

func (e eventEmitter) emit(event Event) {
	if e.handler == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = e.clock.Now()
	}
	event.Account = string(e.account)
	e.handler(event)
}

// begin emits operation.started and returns the func that closes the
// operation with its outcome.
func (e eventEmitter) begin(operation string) func(error) {
	id := uuid.NewString()
	started := e.clock.Now()
	e.emit(Event{Kind: EventOperationStarted, Operation: operation, OperationID: id, Time: started})

	return func(err error) {
		now := e.clock.Now()
		kind := EventOperationFinished
		if err != nil {
			kind = EventOperationFailed
		}
		e.emit(Event{
			Kind:        kind,
			Operation:   operation,
			OperationID: id,
			Time:        now,
			Elapsed:     now.Sub(started),
			Err:         err,
		})
	}
}
