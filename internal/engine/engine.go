package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/timeout"
)

// DefaultMaxParallel is the number of tasks of one build run at once when
// RunOptions does not say otherwise.
const DefaultMaxParallel = 4

// ErrCancelled is the cause given to a task stopped through Cancel.
var ErrCancelled = errors.New("task cancelled")

// ErrNotRunning is returned by Cancel for a task that is not pending or
// running in this engine.
var ErrNotRunning = errors.New("task is not running")

// Config configures an Engine.
type Config struct {
	// Timeout configures the coordinator supervising each run. Its Emitter,
	// if any, receives every timeout event in addition to the store, the
	// live stream and the logger.
	Timeout timeout.Config

	// MaxParallel bounds the tasks of one build running at once.
	// Zero means DefaultMaxParallel.
	MaxParallel int

	// StopGrace is how long spawned sub-items may ignore a stop before they
	// are killed. Zero means backend.DefaultStopGrace.
	StopGrace time.Duration
}

// RunOptions controls one build.
type RunOptions struct {
	// ContinueOnFailure keeps scheduling tasks that do not depend on a
	// failed task. Without it no new task starts after the first failure.
	ContinueOnFailure bool

	// MaxParallel overrides Config.MaxParallel for this build.
	MaxParallel int
}

// Outcome is the final result of one task.
type Outcome struct {
	TaskID     string                    `json:"task_id"`
	Name       string                    `json:"name"`
	Status     string                    `json:"status"`
	Failure    *timeout.ExecutionFailure `json:"-"`
	Output     []byte                    `json:"output,omitempty"`
	DurationMS int                       `json:"duration_ms"`
}

// Failed reports whether the task failed or was killed.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

// TimedOut reports whether the task failed because it exceeded its timeout.
func (o Outcome) TimedOut() bool {
	return o.Failure != nil && o.Failure.TimedOut()
}

// BuildResult holds the outcome of every task of a build, in the order the
// tasks were given.
type BuildResult struct {
	BuildID  string    `json:"build_id"`
	Outcomes []Outcome `json:"outcomes"`
}

// Failures returns the failure of every failed task, in task order.
func (r *BuildResult) Failures() []*timeout.ExecutionFailure {
	var out []*timeout.ExecutionFailure
	for _, o := range r.Outcomes {
		if o.Failure != nil {
			out = append(out, o.Failure)
		}
	}
	return out
}

// Succeeded reports whether every task completed.
func (r *BuildResult) Succeeded() bool {
	for _, o := range r.Outcomes {
		if o.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

// Engine runs tasks under timeout supervision.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	broker   *LogBroker
	cfg      Config
	wg       sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc // task id → cancel of a pending or running task
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = backend.DefaultStopGrace
	}
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewLogBroker(),
		cfg:      cfg,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// RunBuild runs tasks in dependency order and returns once every task has a
// final status. It returns an error without running anything if the task
// graph is invalid.
//
// Tasks are updated in place with their ids, build id and final fields.
func (e *Engine) RunBuild(ctx context.Context, tasks []*model.Task, opts RunOptions) (*BuildResult, error) {
	g, err := newGraph(tasks)
	if err != nil {
		return nil, err
	}

	buildID := model.NewID()
	now := time.Now().UTC()
	for _, t := range tasks {
		prepare(t, buildID, now)
		if err := e.store.CreateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("create task %q: %w", t.Name, err)
		}
	}

	ctxs, release := e.contexts(ctx, tasks)
	defer release()

	res := e.run(buildID, tasks, ctxs, g, opts)
	result := "success"
	if !res.Succeeded() {
		result = "failure"
	}
	buildsTotal.WithLabelValues(result).Inc()
	return res, nil
}

// Submit stores a single task and runs it asynchronously. The task is
// stored with status "pending" before Submit returns. Dependencies are not
// allowed outside a build.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if len(t.DependsOn) > 0 {
		return fmt.Errorf("%w: task %q depends on %v outside a build", ErrUnknownDependency, t.Name, t.DependsOn)
	}
	tasks := []*model.Task{t}
	g, err := newGraph(tasks)
	if err != nil {
		return err
	}

	prepare(t, t.BuildID, time.Now().UTC())
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	// The goroutine operates on a copy of the task to avoid data races with
	// the caller.
	tCopy := *t
	copies := []*model.Task{&tCopy}
	ctxs, release := e.contexts(context.Background(), copies)
	e.wg.Go(func() {
		defer release()
		e.run(t.BuildID, copies, ctxs, g, RunOptions{})
	})
	return nil
}

// Wait blocks until all tasks started by Submit have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits for tasks started by Submit to finish. When ctx ends first,
// every pending or running task is cancelled and Drain waits for those
// submitted tasks to settle before returning ctx's cause.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	n := len(e.cancels)
	for _, cancel := range e.cancels {
		cancel(ErrCancelled)
	}
	e.mu.Unlock()

	<-done
	return fmt.Errorf("cancelled %d unfinished tasks: %w", n, context.Cause(ctx))
}

// Active returns the number of tasks that are pending or running.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

// Cancel stops a pending or running task. The task ends with status
// "killed". Cancelling goes through the same stop path as a timeout, so a
// unit that ignores it keeps running until it checks its context.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel(ErrCancelled)
	return nil
}

func prepare(t *model.Task, buildID string, now time.Time) {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	t.BuildID = buildID
	t.Status = model.StatusPending
	if t.Isolation == "" {
		t.Isolation = model.IsolationAuto
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

// completion reports that the task at index i reached its outcome.
type completion struct {
	i       int
	outcome Outcome
}

// contexts derives one cancellable context per task from ctx and registers
// it for Cancel. The returned release function unregisters them.
func (e *Engine) contexts(ctx context.Context, tasks []*model.Task) ([]context.Context, func()) {
	ctxs := make([]context.Context, len(tasks))
	cancels := make([]context.CancelCauseFunc, len(tasks))
	e.mu.Lock()
	for i, t := range tasks {
		ctxs[i], cancels[i] = context.WithCancelCause(ctx)
		e.cancels[t.ID] = cancels[i]
	}
	e.mu.Unlock()

	return ctxs, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, t := range tasks {
			delete(e.cancels, t.ID)
			cancels[i](nil)
		}
	}
}

// run schedules the tasks of one build. Invalid timeouts fail their task
// before anything starts; afterwards tasks start as soon as their
// dependencies completed, at most MaxParallel at a time.
func (e *Engine) run(buildID string, tasks []*model.Task, taskCtxs []context.Context, g *graph, opts RunOptions) *BuildResult {
	log := e.logger.With("build_id", buildID)

	limit := opts.MaxParallel
	if limit <= 0 {
		limit = e.cfg.MaxParallel
	}

	ids := make(map[string]string, len(tasks))
	for _, t := range tasks {
		ids[t.Name] = t.ID
	}

	coordCfg := e.cfg.Timeout
	emitters := timeout.MultiEmitter{
		LogEmitter(log),
		&taskEmitter{store: e.store, broker: e.broker, log: log, ids: ids},
	}
	if coordCfg.Emitter != nil {
		emitters = append(emitters, coordCfg.Emitter)
	}
	coordCfg.Emitter = emitters
	coord := timeout.NewCoordinator(log, coordCfg)
	defer coord.Close()

	outcomes := make([]*Outcome, len(tasks))
	remaining := make([]int, len(tasks))
	for i := range tasks {
		remaining[i] = len(g.deps[i])
	}

	done := make(chan completion, len(tasks))
	var eg errgroup.Group
	eg.SetLimit(limit)

	halted := false
	running := 0
	var ready []int

	settle := func(i int, o Outcome) {
		outcomes[i] = &o
		if o.Failed() {
			if !opts.ContinueOnFailure {
				halted = true
			}
			for _, d := range g.downstream(i) {
				if outcomes[d] == nil {
					skipped := e.skip(tasks[d], log)
					outcomes[d] = &skipped
				}
			}
			return
		}
		for _, d := range g.dependents[i] {
			remaining[d]--
			if remaining[d] == 0 && outcomes[d] == nil {
				ready = append(ready, d)
			}
		}
	}

	// Timeouts are validated for the whole build before any task runs.
	for i, t := range tasks {
		spec := timeout.Spec{UnitID: t.Name, Duration: t.Timeout()}
		if err := timeout.Validate(spec); err != nil {
			settle(i, e.reject(t, err, log))
		}
	}
	for i := range tasks {
		if outcomes[i] == nil && remaining[i] == 0 {
			ready = append(ready, i)
		}
	}

	for {
		for !halted && len(ready) > 0 && running < limit {
			i := ready[0]
			ready = ready[1:]
			if outcomes[i] != nil {
				continue
			}
			running++
			eg.Go(func() error {
				done <- completion{i: i, outcome: e.runTask(taskCtxs[i], coord, tasks[i], log)}
				return nil
			})
		}
		if running == 0 {
			break
		}
		c := <-done
		running--
		settle(c.i, c.outcome)
	}
	_ = eg.Wait()

	res := &BuildResult{BuildID: buildID, Outcomes: make([]Outcome, len(tasks))}
	for i, t := range tasks {
		if outcomes[i] == nil {
			// Never scheduled: the build halted on an earlier failure.
			skipped := e.skip(t, log)
			outcomes[i] = &skipped
		}
		res.Outcomes[i] = *outcomes[i]
	}
	return res
}

// skip marks a task that will not run.
func (e *Engine) skip(t *model.Task, log *slog.Logger) Outcome {
	defer e.broker.Close(t.ID)
	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusSkipped); err != nil {
		log.Error("failed to mark task skipped", "task_id", t.ID, "error", err)
	}
	t.Status = model.StatusSkipped
	tasksTotal.WithLabelValues(model.StatusSkipped).Inc()
	log.Info("task skipped", "task", t.Name)
	return Outcome{TaskID: t.ID, Name: t.Name, Status: model.StatusSkipped}
}

// reject fails a task whose configuration is invalid without running it.
func (e *Engine) reject(t *model.Task, cause error, log *slog.Logger) Outcome {
	defer e.broker.Close(t.ID)
	failure := timeout.NewExecutionFailure(t.Name, cause)
	log.Error("task rejected", "task", t.Name, "error", cause)
	return e.finish(t, model.StatusFailed, failure, nil, nil, log)
}

// runTask runs one task to its final status. ctx is the task's own
// context; it is cancelled with ErrCancelled by Cancel.
func (e *Engine) runTask(ctx context.Context, coord *timeout.Coordinator, t *model.Task, log *slog.Logger) Outcome {
	defer e.broker.Close(t.ID)
	log = log.With("task_id", t.ID, "task", t.Name)

	if cause := context.Cause(ctx); cause != nil {
		return e.finish(t, model.StatusKilled, timeout.NewExecutionFailure(t.Name, cause), nil, nil, log)
	}

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		log.Error("failed to transition to running", "error", err)
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, err), nil, nil, log)
	}
	start := time.Now().UTC()
	t.StartedAt = &start

	b, isolation, err := e.registry.Resolve(t.Isolation, t.Action.Kind)
	if err != nil {
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, err), nil, &start, log)
	}

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to LogBroker for real-time SSE.
	var seq atomic.Int32
	logWriter := func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), t.ID, n, line); err != nil {
			log.Error("failed to persist log line", "seq", n, "error", err)
		}
		e.broker.Publish(t.ID, line)
	}

	queue := backend.NewWorkQueue(e.registry, log, t.Name, logWriter)
	queue.SetStopGrace(e.cfg.StopGrace)

	spec := backend.UnitSpec{
		ID:        t.ID,
		Name:      t.Name,
		Isolation: isolation,
		Action:    t.Action,
		LogWriter: logWriter,
		Queue:     queue,
	}

	exec, err := b.Start(ctx, spec)
	if err != nil {
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, err), nil, &start, log)
	}
	defer func() {
		if err := b.Cleanup(context.Background(), t.ID); err != nil {
			log.Warn("backend cleanup failed", "error", err)
		}
	}()

	log.Info("task started", "isolation", isolation)

	sup, err := coord.Supervise(timeout.Spec{UnitID: t.Name, Duration: t.Timeout()}, exec)
	if err != nil {
		_ = exec.Stop(err)
		<-exec.Done()
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, err), nil, &start, log)
	}

	timedOut := false
	select {
	case <-exec.Done():
		timedOut = !sup.Complete()
	case <-sup.Expired():
		timedOut = true
	}

	if timedOut {
		abandoned := false
		select {
		case <-sup.Stopped():
		case <-sup.Abandoned():
			abandoned = true
		}
		var output []byte
		if !abandoned {
			res, _ := exec.Result()
			output = res.Output
		} else {
			log.Warn("task abandoned after ignoring stop request")
		}
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, timeout.ErrTimeoutExceeded), output, &start, log)
	}

	res, runErr := exec.Result()
	if cause := context.Cause(ctx); cause != nil {
		return e.finish(t, model.StatusKilled, timeout.NewExecutionFailure(t.Name, cause), res.Output, &start, log)
	}
	if runErr != nil {
		return e.finish(t, model.StatusFailed, timeout.NewExecutionFailure(t.Name, runErr), res.Output, &start, log)
	}
	return e.finish(t, model.StatusCompleted, nil, res.Output, &start, log)
}

// finish records a task's final status and returns its outcome.
// startedAt is nil if the task never ran.
func (e *Engine) finish(t *model.Task, status string, failure *timeout.ExecutionFailure, output []byte, startedAt *time.Time, log *slog.Logger) Outcome {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
		taskDuration.WithLabelValues(t.Isolation).Observe(now.Sub(*startedAt).Seconds())
	}

	t.Status = status
	t.Output = output
	t.DurationMS = &durationMS
	t.StartedAt = startedAt
	t.FinishedAt = &now
	t.Description, t.Cause = "", ""
	if failure != nil {
		t.Description = failure.Description
		t.Cause = failure.Cause.Error()
	}

	if err := e.store.UpdateTask(context.Background(), t); err != nil {
		log.Error("failed to update finished task", "task_id", t.ID, "error", err)
	}
	tasksTotal.WithLabelValues(status).Inc()

	if failure != nil {
		log.Warn("task failed", "task", t.Name, "status", status, "error", failure)
	} else {
		log.Info("task completed", "task", t.Name, "duration_ms", durationMS)
	}

	return Outcome{
		TaskID:     t.ID,
		Name:       t.Name,
		Status:     status,
		Failure:    failure,
		Output:     output,
		DurationMS: durationMS,
	}
}
