// Package inproc runs units on goroutines inside the coordinating process.
//
// The shared backend derives each unit's context from the caller's, so a
// cancelled build reaches the unit directly. The isolate backend gives each
// unit a detached context tree and contains panics, so the only way to stop
// an isolated unit is through its execution handle.
//
// Neither backend can kill a unit: a body that never reaches a checkpoint
// keeps running until it returns on its own.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
)

// Backend runs units on goroutines.
type Backend struct {
	name     string
	detached bool
	log      *slog.Logger

	mu      sync.Mutex
	running map[string]*execution
}

// NewShared returns the shared in-process backend.
func NewShared(log *slog.Logger) *Backend {
	return &Backend{
		name:    model.IsolationShared,
		log:     log,
		running: make(map[string]*execution),
	}
}

// NewIsolate returns the isolated in-process backend.
func NewIsolate(log *slog.Logger) *Backend {
	return &Backend{
		name:     model.IsolationIsolate,
		detached: true,
		log:      log,
		running:  make(map[string]*execution),
	}
}

// Start runs spec on a new goroutine.
func (b *Backend) Start(ctx context.Context, spec backend.UnitSpec) (backend.Execution, error) {
	if err := unit.Validate(spec.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	parent := ctx
	action := spec.Action
	if b.detached {
		parent = context.WithoutCancel(ctx)
		action.Lines = slices.Clone(action.Lines)
	}
	uctx, cancel := context.WithCancelCause(parent)

	ex := &execution{
		Completion: backend.NewCompletion(time.Now()),
		cancel:     cancel,
	}

	b.mu.Lock()
	b.running[spec.ID] = ex
	b.mu.Unlock()

	if b.detached {
		// The detached tree still has to follow the caller's cancellation,
		// but only through the handle.
		stopOnCancel := context.AfterFunc(ctx, func() { ex.Stop(context.Cause(ctx)) })
		go func() {
			<-ex.Done()
			stopOnCancel()
		}()
	}

	env := unit.Env{
		Log: func(line string) {
			ex.Log(line)
			if spec.LogWriter != nil {
				spec.LogWriter(line)
			}
		},
		Queue: spec.Queue,
	}

	go func() {
		defer cancel(nil)
		defer func() {
			b.mu.Lock()
			delete(b.running, spec.ID)
			b.mu.Unlock()
		}()

		err := b.run(uctx, spec, action, env)
		ex.Finish(backend.UnitResult{}, err)
	}()

	return ex, nil
}

func (b *Backend) run(ctx context.Context, spec backend.UnitSpec, action model.Action, env unit.Env) (err error) {
	if b.detached {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("isolated unit panicked", "task", spec.Name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("unit panicked: %v", r)
			}
		}()
	}
	return unit.Run(ctx, action, env)
}

// Capabilities reports the backend's capabilities.
func (b *Backend) Capabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		Name:                b.name,
		SupportedActions:    backend.AllActions,
		SupportedIsolations: []string{b.name},
		Killable:            false,
	}
}

// Cleanup stops the unit if it is still running. Goroutines cannot be
// reclaimed forcibly, so a unit that ignores the stop keeps running.
func (b *Backend) Cleanup(_ context.Context, unitID string) error {
	b.mu.Lock()
	ex, ok := b.running[unitID]
	b.mu.Unlock()
	if ok {
		return ex.Stop(context.Canceled)
	}
	return nil
}

// Running returns the number of units that have not returned yet.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

type execution struct {
	*backend.Completion
	cancel context.CancelCauseFunc
}

// SignalStop cancels the unit's context with a timeout cause.
func (e *execution) SignalStop() error {
	return e.Stop(timeout.ErrTimeoutExceeded)
}

func (e *execution) Stop(cause error) error {
	e.cancel(cause)
	return nil
}
