package store

import (
	"context"
	"errors"

	"github.com/seantiz/vigil/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByIsolation map[string]int `json:"count_by_isolation"`
	TimedOut         int            `json:"timed_out"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks, their log lines and
// their timeout events.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	ListBuildTasks(ctx context.Context, buildID string) ([]*model.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	UpdateTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	InsertEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context, taskID string) ([]model.Event, error)
	Close() error
}
