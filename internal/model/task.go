package model

import "time"

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusKilled    = "killed"
)

// Isolation mode constants. A mode decides where a unit's body executes
// relative to the coordinator supervising it.
const (
	// IsolationShared runs the body on a goroutine sharing the caller's
	// context tree.
	IsolationShared = "shared"
	// IsolationIsolate runs the body on a goroutine with its own detached
	// context tree, private environment and panic containment.
	IsolationIsolate = "isolate"
	// IsolationProcess runs the body in a separate worker process.
	IsolationProcess = "process"
	// IsolationMicroVM runs the body in a worker inside a Firecracker microVM.
	IsolationMicroVM = "microvm"
	// IsolationAuto picks a mode from the action kind.
	IsolationAuto = "auto"
)

// Action kind constants.
const (
	ActionEcho  = "echo"
	ActionSleep = "sleep"
	ActionSpin  = "spin"
	ActionFail  = "fail"
	ActionSpawn = "spawn"
)

// EventCategoryTimeout is the category of every event emitted by the timeout
// coordinator.
const EventCategoryTimeout = "TimeoutHandler"

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusSkipped: true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusKilled:
		return true
	}
	return false
}

// Action declares what a unit of work does when it runs. Actions are plain
// data so they can cross a process or VM boundary unchanged.
type Action struct {
	Kind          string   `json:"kind" yaml:"kind"`
	DurationMS    int64    `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	Items         int      `json:"items,omitempty" yaml:"items,omitempty"`
	ItemIsolation string   `json:"item_isolation,omitempty" yaml:"item_isolation,omitempty"`
	Lines         []string `json:"lines,omitempty" yaml:"lines,omitempty"`
	Message       string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Duration returns the action's duration.
func (a Action) Duration() time.Duration {
	return time.Duration(a.DurationMS) * time.Millisecond
}

// LogLine represents a single persisted log line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a structured entry recorded against a task by the timeout
// coordinator.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents a unit of work submitted for supervised execution.
type Task struct {
	ID          string     `json:"id"`
	BuildID     string     `json:"build_id,omitempty"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Isolation   string     `json:"isolation"`
	Action      Action     `json:"action"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	TimeoutNS   *int64     `json:"timeout_ns,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Description string     `json:"description,omitempty"`
	Cause       string     `json:"cause,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Timeout returns the configured timeout, or nil when the task is unbounded.
func (t *Task) Timeout() *time.Duration {
	if t.TimeoutNS == nil {
		return nil
	}
	d := time.Duration(*t.TimeoutNS)
	return &d
}

// SetTimeout bounds the task by d. The duration is kept to the nanosecond so
// that sub-millisecond values, negative ones included, survive unchanged.
func (t *Task) SetTimeout(d time.Duration) {
	ns := int64(d)
	t.TimeoutNS = &ns
}
