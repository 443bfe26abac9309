// Package unit executes the declarative bodies of supervised tasks.
//
// A body is described by a [model.Action] so that it can run unchanged on a
// goroutine, inside a worker child process, or inside a microVM guest.
// Bodies observe cancellation only at cooperative checkpoints: [Sleep],
// [Checkpoint], and the sub-item wait of a spawn action.
package unit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/model"
)

// ErrUnknownAction is returned by Run for an unsupported action kind.
var ErrUnknownAction = errors.New("unknown action kind")

// Queue accepts sub-items spawned by a running unit. Implementations must
// stop every submitted item once the context passed to Submit is done, and
// Wait must not return until every submitted item has terminated.
type Queue interface {
	Submit(ctx context.Context, name, isolation string, action model.Action) error
	Wait() error
}

// Env carries the collaborators a unit body may use.
type Env struct {
	// Log receives output lines. A nil Log discards output.
	Log func(string)
	// Queue receives spawned sub-items. When nil, sub-items run as
	// goroutines sharing the owning unit's context.
	Queue Queue
}

func (e Env) log(line string) {
	if e.Log != nil {
		e.Log(line)
	}
}

// Validate reports whether action describes a runnable body.
func Validate(action model.Action) error {
	switch action.Kind {
	case model.ActionEcho, model.ActionFail:
		return nil
	case model.ActionSleep, model.ActionSpin:
		if action.DurationMS < 0 {
			return fmt.Errorf("%s: duration_ms must not be negative", action.Kind)
		}
		return nil
	case model.ActionSpawn:
		if action.Items <= 0 {
			return fmt.Errorf("spawn: items must be positive")
		}
		if action.DurationMS < 0 {
			return fmt.Errorf("spawn: duration_ms must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
	}
}

// Run executes action until it finishes or, for cooperative kinds, until ctx
// is done. A cancelled body returns context.Cause(ctx).
func Run(ctx context.Context, action model.Action, env Env) error {
	if err := Validate(action); err != nil {
		return err
	}

	switch action.Kind {
	case model.ActionEcho:
		for _, line := range action.Lines {
			env.log(line)
		}
		return nil

	case model.ActionSleep:
		return Sleep(ctx, action.Duration())

	case model.ActionSpin:
		// Spin ignores ctx entirely; it stops only when its work is done.
		spin(action.Duration())
		env.log(fmt.Sprintf("spun for %s", action.Duration()))
		return nil

	case model.ActionFail:
		msg := action.Message
		if msg == "" {
			msg = "task failed"
		}
		env.log(msg)
		return errors.New(msg)

	case model.ActionSpawn:
		return spawn(ctx, action, env)
	}
	return nil
}

// Sleep blocks for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Checkpoint returns context.Cause(ctx) if ctx is done, and nil otherwise.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

func spawn(ctx context.Context, action model.Action, env Env) error {
	item := model.Action{Kind: model.ActionSleep, DurationMS: action.DurationMS}

	if env.Queue == nil {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for i := range action.Items {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := Sleep(ctx, item.Duration()); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("item %d: %w", i, err))
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		env.log(fmt.Sprintf("%d items finished", action.Items))
		return errors.Join(errs...)
	}

	for i := range action.Items {
		name := fmt.Sprintf("item-%d", i)
		if err := env.Queue.Submit(ctx, name, action.ItemIsolation, item); err != nil {
			// Items already submitted must still be awaited.
			return errors.Join(fmt.Errorf("submitting %s: %w", name, err), env.Queue.Wait())
		}
	}
	err := env.Queue.Wait()
	env.log(fmt.Sprintf("%d items finished", action.Items))
	return err
}
