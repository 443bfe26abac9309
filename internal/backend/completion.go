package backend

import (
	"strings"
	"sync"
	"time"
)

// Completion records the outcome of one execution exactly once and
// publishes it through a Done channel. Backends embed it to implement the
// Done, Result and StartedAt methods of [Execution].
type Completion struct {
	started time.Time
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	lines  []string
	output strings.Builder
	result UnitResult
	err    error
}

// NewCompletion returns a Completion for an execution that started at started.
func NewCompletion(started time.Time) *Completion {
	return &Completion{started: started, done: make(chan struct{})}
}

// Log records one output line.
func (c *Completion) Log(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	c.output.WriteString(line + "\n")
}

// Finish records the outcome and closes Done. Only the first call has any
// effect. Zero fields in res are filled from the recorded lines.
func (c *Completion) Finish(res UnitResult, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if res.LogLines == nil {
			res.LogLines = c.lines
		}
		if res.Output == nil && c.output.Len() > 0 {
			res.Output = []byte(c.output.String())
		}
		if res.DurationMS == 0 {
			res.DurationMS = int(time.Since(c.started).Milliseconds())
		}
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		if err != nil && res.ExitCode == 0 {
			res.ExitCode = 1
		}
		c.result = res
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once Finish has been called.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result blocks until Done is closed and returns the recorded outcome.
func (c *Completion) Result() (UnitResult, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// StartedAt reports when the execution began.
func (c *Completion) StartedAt() time.Time {
	return c.started
}
