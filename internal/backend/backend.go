package backend

import (
	"context"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
)

// Backend is the interface that all isolation backends must implement.
type Backend interface {
	// Start begins running the unit described by spec and returns as soon as
	// it is running. Cancelling ctx stops the unit with ctx's cause.
	Start(ctx context.Context, spec UnitSpec) (Execution, error)

	// Capabilities reports what this backend supports.
	Capabilities() BackendCapabilities

	// Cleanup releases any resources still held for the given unit.
	Cleanup(ctx context.Context, unitID string) error
}

// Execution is a running unit. It satisfies [timeout.Handle]; executions
// whose unit can be terminated forcibly also satisfy [timeout.Killer].
type Execution interface {
	timeout.Handle

	// Stop asks the unit to stop with the given cause. It does not wait.
	Stop(cause error) error

	// Result returns the unit's result once Done is closed.
	Result() (UnitResult, error)

	// StartedAt reports when the unit began running.
	StartedAt() time.Time
}

// UnitSpec describes a unit to be executed by a backend.
type UnitSpec struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Isolation string       `json:"isolation"`
	Action    model.Action `json:"action"`

	// LogWriter is an optional callback that backends invoke once per output line.
	LogWriter func(line string) `json:"-"`

	// Queue receives sub-items spawned by in-process units. Backends running
	// units out of process ignore it.
	Queue unit.Queue `json:"-"`
}

// UnitResult holds what a backend observed while running a unit.
type UnitResult struct {
	ExitCode   int      `json:"exit_code"`
	Output     []byte   `json:"output"`
	Error      string   `json:"error"`
	DurationMS int      `json:"duration_ms"`
	LogLines   []string `json:"log_lines"`
}

// BackendCapabilities describes what a backend supports.
type BackendCapabilities struct {
	Name                string   `json:"name"`
	SupportedActions    []string `json:"supported_actions"`
	SupportedIsolations []string `json:"supported_isolations"`
	Killable            bool     `json:"killable"`
	MaxConcurrency      int      `json:"max_concurrency"`
}

// AllActions lists every action kind a full worker can run.
var AllActions = []string{
	model.ActionEcho,
	model.ActionSleep,
	model.ActionSpin,
	model.ActionFail,
	model.ActionSpawn,
}
