package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
)

// DefaultStopGrace is how long a work queue waits for a signalled sub-item
// before killing it.
const DefaultStopGrace = 5 * time.Second

// WorkQueue runs the sub-items spawned by one owning unit on any registered
// backend. When the context passed to Submit is done, every sub-item still
// running is asked to stop with that context's cause; items that can be
// killed are killed if they have not exited after StopGrace.
//
// WorkQueue implements unit.Queue.
type WorkQueue struct {
	reg       *Registry
	log       *slog.Logger
	owner     string
	logWriter func(string)
	stopGrace time.Duration

	g errgroup.Group

	mu    sync.Mutex
	execs []Execution
}

// NewWorkQueue returns a queue for the sub-items of the unit named owner.
// Sub-item output is forwarded to logWriter, which may be nil.
func NewWorkQueue(reg *Registry, log *slog.Logger, owner string, logWriter func(string)) *WorkQueue {
	return &WorkQueue{
		reg:       reg,
		log:       log,
		owner:     owner,
		logWriter: logWriter,
		stopGrace: DefaultStopGrace,
	}
}

// SetStopGrace overrides DefaultStopGrace. It must be called before Submit.
func (q *WorkQueue) SetStopGrace(d time.Duration) {
	q.stopGrace = d
}

// Submit starts one sub-item and returns once it is running.
func (q *WorkQueue) Submit(ctx context.Context, name, isolation string, action model.Action) error {
	b, resolved, err := q.reg.Resolve(isolation, action.Kind)
	if err != nil {
		return err
	}

	itemName := q.owner + "/" + name
	spec := UnitSpec{
		ID:        model.NewID(),
		Name:      itemName,
		Isolation: resolved,
		Action:    action,
	}
	if q.logWriter != nil {
		spec.LogWriter = func(line string) { q.logWriter("[" + name + "] " + line) }
	}

	exec, err := b.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start %s: %w", itemName, err)
	}

	q.mu.Lock()
	q.execs = append(q.execs, exec)
	q.mu.Unlock()

	q.g.Go(func() error {
		defer func() {
			if err := b.Cleanup(context.WithoutCancel(ctx), spec.ID); err != nil {
				q.log.Warn("sub-item cleanup failed", "item", itemName, "error", err)
			}
		}()

		select {
		case <-exec.Done():
		case <-ctx.Done():
			q.stop(exec, itemName, context.Cause(ctx))
		}
		_, err := exec.Result()
		if err != nil {
			return fmt.Errorf("%s: %w", itemName, err)
		}
		return nil
	})
	return nil
}

// stop signals exec and waits for it to exit, killing it after the grace
// period if it can be killed.
func (q *WorkQueue) stop(exec Execution, name string, cause error) {
	if err := exec.Stop(cause); err != nil {
		q.log.Warn("stopping sub-item failed", "item", name, "error", err)
	}

	k, killable := exec.(timeout.Killer)
	if !killable {
		<-exec.Done()
		return
	}

	t := time.NewTimer(q.stopGrace)
	defer t.Stop()
	select {
	case <-exec.Done():
	case <-t.C:
		q.log.Warn("sub-item ignored stop request, killing", "item", name, "grace", q.stopGrace)
		if err := k.Kill(); err != nil {
			q.log.Warn("killing sub-item failed", "item", name, "error", err)
		}
		<-exec.Done()
	}
}

// Wait blocks until every submitted sub-item has terminated and returns the
// first sub-item error.
func (q *WorkQueue) Wait() error {
	return q.g.Wait()
}

// Len returns the number of sub-items submitted so far.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.execs)
}
