package client

import "github.com/MegaGrindStone/streamchat/internal/models"

// EventType identifies what an Event reports.
type EventType string

const (
	// EventPartial carries the rendered HTML of the reply received so far.
	EventPartial EventType = "partial"
	// EventDone is emitted once the reply completed; History holds the conversation after it.
	EventDone EventType = "done"
	// EventError is emitted when the reply failed; Err holds the failure.
	EventError EventType = "error"
)

// Event is what SendTurn reports to its Observer while a turn progresses.
type Event struct {
	Type EventType

	// HTML and Text are set for EventPartial.
	HTML string
	Text string

	// History is set for EventDone.
	History []models.Message

	// Err is set for EventError.
	Err error
}

// Observer receives the events of one turn. Observe is called on the goroutine running SendTurn.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) {
	f(e)
}
