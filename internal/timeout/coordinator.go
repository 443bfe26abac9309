package timeout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Supervise after the coordinator has been closed.
var ErrClosed = errors.New("timeout coordinator closed")

// Config configures a Coordinator.
type Config struct {
	// WarnInterval is the watchdog cadence. Zero means DefaultWarnInterval.
	WarnInterval time.Duration

	// EscalateAfter is the number of consecutive warnings before the
	// watchdog kills or abandons the unit. Zero disables escalation;
	// a negative value means DefaultEscalateAfter.
	EscalateAfter int

	// Emitter receives timeout events. Nil discards them.
	Emitter Emitter
}

// Coordinator supervises units of work against their deadlines.
type Coordinator struct {
	log           *slog.Logger
	emitter       Emitter
	warnInterval  time.Duration
	escalateAfter int

	sched     Scheduler
	requester *StopRequester

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator returns a Coordinator ready to supervise units.
func NewCoordinator(log *slog.Logger, cfg Config) *Coordinator {
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = DefaultWarnInterval
	}
	if cfg.EscalateAfter < 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = nopEmitter{}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		log:           log,
		emitter:       emitter,
		warnInterval:  cfg.WarnInterval,
		escalateAfter: cfg.EscalateAfter,
		requester:     NewStopRequester(emitter, log),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Supervision is the coordinator's view of one supervised unit.
type Supervision struct {
	spec     Spec
	deadline *Deadline

	expired   chan struct{}
	stopped   chan struct{}
	abandoned chan struct{}

	mu       sync.Mutex
	watchdog *Watchdog
}

// Supervise starts supervising the unit behind h, which must already be
// running. A spec that Validate rejects fails here with the same
// *ConfigurationError and nothing is armed. Callers that run Validate before
// starting the unit, as the engine does, never see that error.
func (c *Coordinator) Supervise(spec Spec, h Handle) (*Supervision, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	s := &Supervision{
		spec:      spec,
		expired:   make(chan struct{}),
		stopped:   make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	if !spec.Bounded() {
		return s, nil
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	supervisedUnits.Inc()
	s.deadline = c.sched.Arm(spec.UnitID, *spec.Duration, func(*Deadline) {
		c.expire(s, h)
	})
	return s, nil
}

func (c *Coordinator) expire(s *Supervision, h Handle) {
	defer supervisedUnits.Dec()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(s.expired)
		close(s.abandoned)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	timeoutsTotal.Inc()
	close(s.expired)
	c.log.Info("task exceeded timeout", "task", s.spec.UnitID, "timeout", *s.spec.Duration)

	requestedAt := c.requester.RequestStop(s.spec.UnitID, *s.spec.Duration, h)
	w := newWatchdog(
		s.spec.UnitID, h, requestedAt,
		c.warnInterval, c.escalateAfter,
		c.emitter, c.log,
		s.stopped, s.abandoned,
	)
	s.mu.Lock()
	s.watchdog = w
	s.mu.Unlock()

	go func() {
		defer c.wg.Done()
		w.Run(c.ctx)
	}()
}

// Close disarms every deadline and stops every watchdog, then waits for
// them to return. Units whose watchdog was still running are abandoned.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.sched.Close()
	c.cancel(ErrClosed)
	c.wg.Wait()
	c.requester.Wait()
}

// Armed returns the number of units whose deadline has neither fired nor
// been disarmed.
func (c *Coordinator) Armed() int {
	return c.sched.Armed()
}

// UnitID returns the supervised unit's id.
func (s *Supervision) UnitID() string {
	return s.spec.UnitID
}

// Complete records natural completion of the unit. It reports true if the
// unit finished in time; false means the unit timed out and the caller must
// report it as such.
func (s *Supervision) Complete() bool {
	if s.deadline == nil {
		return true
	}
	if s.deadline.Disarm() {
		supervisedUnits.Dec()
		return true
	}
	return false
}

// Expired is closed when the unit's deadline fires before completion.
func (s *Supervision) Expired() <-chan struct{} {
	return s.expired
}

// Stopped is closed once an expired unit has been confirmed stopped.
func (s *Supervision) Stopped() <-chan struct{} {
	return s.stopped
}

// Abandoned is closed when the watchdog gives up waiting for an expired unit
// that cannot be killed, or when the coordinator closes first.
func (s *Supervision) Abandoned() <-chan struct{} {
	return s.abandoned
}

// WatchdogState returns a snapshot of the unit's watchdog, and false if the
// unit has not expired.
func (s *Supervision) WatchdogState() (WatchdogState, bool) {
	s.mu.Lock()
	w := s.watchdog
	s.mu.Unlock()
	if w == nil {
		return WatchdogState{}, false
	}
	return w.State(), true
}
