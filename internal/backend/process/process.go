// Package process runs each unit in a separate worker child process.
//
// The child is started in its own process group and speaks the worker frame
// protocol on its stdin and stdout. A stop request is sent both as a stop
// frame and as SIGTERM to the group; Kill sends SIGKILL to the group.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
	"github.com/seantiz/vigil/internal/worker"
)

// ErrNoResult is returned when a worker exits without sending a result frame.
var ErrNoResult = errors.New("worker exited without a result")

// Config configures the process backend.
type Config struct {
	// WorkerBin is the executable started for each unit.
	WorkerBin string
	// WorkerArgs are passed to WorkerBin.
	WorkerArgs []string
	// Env is appended to the current environment of each worker.
	Env []string
}

// Backend runs units in worker child processes.
type Backend struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	running map[string]*execution
}

// New creates a process backend.
func New(log *slog.Logger, cfg Config) *Backend {
	return &Backend{
		cfg:     cfg,
		log:     log,
		running: make(map[string]*execution),
	}
}

// Start launches a worker for spec and sends it the request frame.
func (b *Backend) Start(ctx context.Context, spec backend.UnitSpec) (backend.Execution, error) {
	if err := unit.Validate(spec.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	if b.cfg.WorkerBin == "" {
		return nil, errors.New("process backend: no worker binary configured")
	}

	cmd := exec.Command(b.cfg.WorkerBin, b.cfg.WorkerArgs...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &logWriter{log: b.log.With("task", spec.Name, "stream", "stderr")}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	workersStarted.Inc()

	ex := &execution{
		Completion: backend.NewCompletion(time.Now()),
		cmd:        cmd,
		stdin:      stdin,
		pgid:       cmd.Process.Pid,
		log:        b.log.With("task", spec.Name, "pid", cmd.Process.Pid),
	}

	b.mu.Lock()
	b.running[spec.ID] = ex
	b.mu.Unlock()

	if err := ex.send(&worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
		ID:     spec.ID,
		Name:   spec.Name,
		Action: spec.Action,
	}}); err != nil {
		_ = ex.Kill()
	}

	stopOnCancel := context.AfterFunc(ctx, func() { _ = ex.Stop(context.Cause(ctx)) })

	go func() {
		defer stopOnCancel()
		defer func() {
			b.mu.Lock()
			delete(b.running, spec.ID)
			b.mu.Unlock()
		}()
		ex.wait(stdout, spec.LogWriter)
	}()

	return ex, nil
}

// Capabilities reports the backend's capabilities.
func (b *Backend) Capabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		Name:                model.IsolationProcess,
		SupportedActions:    backend.AllActions,
		SupportedIsolations: []string{model.IsolationProcess},
		Killable:            true,
	}
}

// Cleanup kills the unit's worker if it is still running.
func (b *Backend) Cleanup(_ context.Context, unitID string) error {
	b.mu.Lock()
	ex, ok := b.running[unitID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ex.Kill()
}

// Running returns the number of live workers.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

type execution struct {
	*backend.Completion

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pgid  int
	log   *slog.Logger

	writeMu sync.Mutex
	exited  atomic.Bool
	killed  atomic.Bool

	causeMu   sync.Mutex
	stopCause error
}

func (e *execution) send(msg *worker.Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return worker.WriteMessage(e.stdin, msg)
}

// SignalStop requests a timeout stop.
func (e *execution) SignalStop() error {
	return e.Stop(timeout.ErrTimeoutExceeded)
}

// Stop sends a stop frame carrying cause, then SIGTERM to the process group.
func (e *execution) Stop(cause error) error {
	if e.exited.Load() {
		return nil
	}
	e.causeMu.Lock()
	if e.stopCause == nil {
		e.stopCause = cause
	}
	e.causeMu.Unlock()

	msg := &worker.Message{Type: worker.MsgTypeStop}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	if err := e.send(msg); err != nil {
		e.log.Debug("stop frame not delivered", "error", err)
	}
	return e.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (e *execution) Kill() error {
	e.killed.Store(true)
	return e.signal(syscall.SIGKILL)
}

func (e *execution) signal(sig syscall.Signal) error {
	if e.exited.Load() {
		return nil
	}
	if err := syscall.Kill(-e.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %s to process group %d: %w", sig, e.pgid, err)
	}
	return nil
}

// wait reads frames until the worker closes stdout, reaps it and finishes
// the completion.
func (e *execution) wait(stdout io.Reader, logLine func(string)) {
	var resp *worker.Response
	for {
		var msg worker.Message
		if err := worker.ReadMessage(stdout, &msg); err != nil {
			break
		}
		switch msg.Type {
		case worker.MsgTypeLog:
			e.Log(msg.Line)
			if logLine != nil {
				logLine(msg.Line)
			}
		case worker.MsgTypeResult:
			resp = msg.Response
		}
	}

	waitErr := e.cmd.Wait()
	e.exited.Store(true)
	_ = e.stdin.Close()

	exitCode := e.cmd.ProcessState.ExitCode()
	switch {
	case resp != nil:
		res := backend.UnitResult{
			ExitCode:   resp.ExitCode,
			Error:      resp.Error,
			DurationMS: resp.DurationMS,
		}
		if resp.Output != "" {
			res.Output = []byte(resp.Output)
		}
		err := resp.Err()
		// SIGTERM can overtake the stop frame; the host knows the real cause.
		if resp.Terminated {
			e.causeMu.Lock()
			if e.stopCause != nil {
				err = e.stopCause
				res.Error = err.Error()
			}
			e.causeMu.Unlock()
		}
		e.Finish(res, err)
	case e.killed.Load():
		e.Finish(backend.UnitResult{ExitCode: exitCode}, fmt.Errorf("worker killed: %w", waitErr))
	case waitErr != nil:
		e.Finish(backend.UnitResult{ExitCode: exitCode}, fmt.Errorf("%w: %w", ErrNoResult, waitErr))
	default:
		e.Finish(backend.UnitResult{ExitCode: exitCode}, ErrNoResult)
	}
	e.log.Debug("worker exited", "exit_code", exitCode)
}

// logWriter forwards a worker's stderr to the host logger.
type logWriter struct {
	log *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Debug(string(p))
	return len(p), nil
}
