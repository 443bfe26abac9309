package timeout

import (
	"log/slog"
	"sync"
	"time"
)

// Handle is the coordinator's non-owning view of a running unit.
type Handle interface {
	// SignalStop asks the unit to stop. It must not wait for the unit to exit.
	SignalStop() error
	// Done is closed exactly once, when the unit's body has returned or the
	// unit has been killed.
	Done() <-chan struct{}
}

// Killer is implemented by handles whose unit can be terminated forcibly.
type Killer interface {
	Kill() error
}

// StopRequester delivers the stop request for an expired unit.
type StopRequester struct {
	emitter Emitter
	log     *slog.Logger

	wg sync.WaitGroup
}

// NewStopRequester returns a StopRequester that reports to emitter.
func NewStopRequester(emitter Emitter, log *slog.Logger) *StopRequester {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &StopRequester{emitter: emitter, log: log}
}

// RequestStop emits the stop request event for unitID and then signals h on
// a separate goroutine. It returns the time the request was made without
// waiting for the signal to be delivered.
func (r *StopRequester) RequestStop(unitID string, d time.Duration, h Handle) time.Time {
	now := time.Now()
	r.emitter.Emit(Event{
		UnitID:   unitID,
		Category: Category,
		Message:  RequestingStopMessage(unitID, d),
		Time:     now,
	})

	r.wg.Go(func() {
		if err := h.SignalStop(); err != nil {
			r.log.Warn("signalling stop failed", "task", unitID, "error", err)
		}
	})
	return now
}

// Wait blocks until every outstanding stop signal has been delivered.
func (r *StopRequester) Wait() {
	r.wg.Wait()
}
