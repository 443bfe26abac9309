package timeout

import (
	"sync"
	"sync/atomic"
	"time"
)

// Terminal states of a Deadline.
const (
	stateRunning int32 = iota
	stateCompleted
	stateExpired
)

// Deadline is the armed timer for one unit. Its state moves from running to
// exactly one of completed or expired.
type Deadline struct {
	UnitID   string
	Duration time.Duration

	state atomic.Int32
	timer *time.Timer
	sched *Scheduler
}

// Disarm records natural completion of the unit. It reports true if
// completion won the race against expiry; when it returns false the expiry
// callback has run or is running, and the unit must be treated as timed out.
func (d *Deadline) Disarm() bool {
	if !d.state.CompareAndSwap(stateRunning, stateCompleted) {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.sched.forget(d)
	return true
}

// Expired reports whether the deadline fired before the unit completed.
func (d *Deadline) Expired() bool {
	return d.state.Load() == stateExpired
}

func (d *Deadline) fire(onExpire func(*Deadline)) {
	if !d.state.CompareAndSwap(stateRunning, stateExpired) {
		return
	}
	d.sched.forget(d)
	onExpire(d)
}

// Scheduler arms one-shot deadlines for supervised units.
// The zero value is ready to use.
type Scheduler struct {
	mu     sync.Mutex
	armed  map[*Deadline]struct{}
	closed bool
}

// Arm starts a timer that calls onExpire after d, unless the returned
// Deadline is disarmed first. onExpire runs at most once, on its own
// goroutine. Arm on a closed scheduler returns a Deadline that never fires.
func (s *Scheduler) Arm(unitID string, d time.Duration, onExpire func(*Deadline)) *Deadline {
	dl := &Deadline{UnitID: unitID, Duration: d, sched: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dl
	}
	if s.armed == nil {
		s.armed = make(map[*Deadline]struct{})
	}
	s.armed[dl] = struct{}{}
	// Assigned under the lock so Close never sees a nil timer.
	dl.timer = time.AfterFunc(d, func() { dl.fire(onExpire) })
	return dl
}

// Armed returns the number of deadlines that have neither fired nor been disarmed.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Close stops every armed timer. Deadlines that have not fired never will.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for dl := range s.armed {
		dl.timer.Stop()
		delete(s.armed, dl)
	}
}

func (s *Scheduler) forget(dl *Deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, dl)
}
