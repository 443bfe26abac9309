package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWarnInterval is the watchdog cadence when none is configured.
	DefaultWarnInterval = 3 * time.Minute

	// DefaultEscalateAfter is the number of consecutive "not yet stopped"
	// warnings after which the watchdog escalates.
	DefaultEscalateAfter = 5
)

// WatchdogState is the progress of one watchdog. Fields only move forward.
type WatchdogState struct {
	RequestedAt  time.Time
	WarnInterval time.Duration
	Warnings     int
	Killed       bool
	Abandoned    bool
	Stopped      bool
	StoppedAt    time.Time
}

// Watchdog follows an expired unit until it has stopped.
type Watchdog struct {
	unitID        string
	h             Handle
	emitter       Emitter
	log           *slog.Logger
	escalateAfter int

	stopped   chan struct{}
	abandoned chan struct{}
	abandonMu sync.Once

	mu    sync.Mutex
	state WatchdogState
}

func newWatchdog(
	unitID string,
	h Handle,
	requestedAt time.Time,
	warnInterval time.Duration,
	escalateAfter int,
	emitter Emitter,
	log *slog.Logger,
	stopped, abandoned chan struct{},
) *Watchdog {
	return &Watchdog{
		unitID:        unitID,
		h:             h,
		emitter:       emitter,
		log:           log,
		escalateAfter: escalateAfter,
		stopped:       stopped,
		abandoned:     abandoned,
		state: WatchdogState{
			RequestedAt:  requestedAt,
			WarnInterval: warnInterval,
		},
	}
}

// State returns a snapshot of the watchdog's progress.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run warns on every tick until the unit is done, then emits the final
// "has stopped" event and returns. If ctx is cancelled first, Run returns
// without the final event and marks the unit abandoned.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.state.WarnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped before task exit", "task", w.unitID, "cause", context.Cause(ctx))
			w.abandon()
			return

		case <-w.h.Done():
			w.finish()
			return

		case <-ticker.C:
			// Both channels may be ready; exit takes precedence over a warning.
			select {
			case <-w.h.Done():
				w.finish()
				return
			default:
			}
			w.warn()
		}
	}
}

func (w *Watchdog) warn() {
	w.mu.Lock()
	w.state.Warnings++
	n := w.state.Warnings
	w.mu.Unlock()

	watchdogWarnings.Inc()
	w.emitter.Emit(Event{
		UnitID:   w.unitID,
		Category: Category,
		Message:  NotYetStoppedMessage(w.unitID),
		Time:     time.Now(),
	})

	if w.escalateAfter > 0 && n == w.escalateAfter {
		w.escalate()
	}
}

// escalate kills units that can be killed and abandons the rest. Polling
// continues in both cases.
func (w *Watchdog) escalate() {
	if k, ok := w.h.(Killer); ok {
		w.log.Warn("task ignored stop request, killing", "task", w.unitID)
		stopEscalations.WithLabelValues(escalationKill).Inc()
		if err := k.Kill(); err != nil {
			w.log.Warn("killing task failed", "task", w.unitID, "error", err)
		}
		w.mu.Lock()
		w.state.Killed = true
		w.mu.Unlock()
		return
	}

	w.log.Warn("task ignored stop request and cannot be killed, abandoning", "task", w.unitID)
	stopEscalations.WithLabelValues(escalationAbandon).Inc()
	w.abandon()
}

func (w *Watchdog) abandon() {
	w.abandonMu.Do(func() {
		w.mu.Lock()
		w.state.Abandoned = true
		w.mu.Unlock()
		close(w.abandoned)
	})
}

func (w *Watchdog) finish() {
	now := time.Now()
	w.mu.Lock()
	w.state.Stopped = true
	w.state.StoppedAt = now
	requestedAt := w.state.RequestedAt
	w.mu.Unlock()

	stopLatency.Observe(now.Sub(requestedAt).Seconds())
	w.emitter.Emit(Event{
		UnitID:   w.unitID,
		Category: Category,
		Message:  HasStoppedMessage(w.unitID),
		Time:     now,
	})
	close(w.stopped)
}
