package timeout

import (
	"fmt"
	"sync"
	"time"
)

// Category is the category of every event emitted by this package.
const Category = "TimeoutHandler"

// Event is a single timeout diagnostic for one unit.
type Event struct {
	UnitID   string
	Category string
	Message  string
	Time     time.Time
}

// Emitter receives timeout events. Emit is called synchronously from the
// coordinator's goroutines and must not block for long.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// MultiEmitter fans each event out to every emitter, in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// RequestingStopMessage is emitted once when a unit's deadline expires.
func RequestingStopMessage(unitID string, d time.Duration) string {
	return fmt.Sprintf("Requesting stop of task '%s' as it has exceeded its configured timeout of %s.", unitID, d)
}

// NotYetStoppedMessage is emitted on each watchdog tick while the unit runs.
func NotYetStoppedMessage(unitID string) string {
	return fmt.Sprintf("Timed out task '%s' has not yet stopped.", unitID)
}

// HasStoppedMessage is emitted exactly once, when the unit has stopped.
func HasStoppedMessage(unitID string) string {
	return fmt.Sprintf("Timed out task '%s' has stopped.", unitID)
}

// Recorder is an Emitter that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Messages returns the messages recorded for unitID, in emission order.
func (r *Recorder) Messages(unitID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.UnitID == unitID {
			out = append(out, e.Message)
		}
	}
	return out
}
