package engine

import (
	"context"
	"log/slog"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/timeout"
)

// LogEmitter returns an emitter that logs timeout events. Warnings that a
// unit has not yet stopped are logged at Warn; the rest at Info.
func LogEmitter(log *slog.Logger) timeout.Emitter {
	return timeout.EmitterFunc(func(e timeout.Event) {
		level := slog.LevelInfo
		if e.Message == timeout.NotYetStoppedMessage(e.UnitID) {
			level = slog.LevelWarn
		}
		log.Log(context.Background(), level, e.Message, "task", e.UnitID, "category", e.Category)
	})
}

// taskEmitter records the timeout events of one run's tasks in the store and
// on each task's live stream. Events carry the task name, so the emitter
// holds the run's name to id mapping.
type taskEmitter struct {
	store  store.Store
	broker *LogBroker
	log    *slog.Logger
	ids    map[string]string
}

func (t *taskEmitter) Emit(e timeout.Event) {
	id, ok := t.ids[e.UnitID]
	if !ok {
		return
	}
	ev := &model.Event{
		TaskID:    id,
		Category:  e.Category,
		Message:   e.Message,
		CreatedAt: e.Time.UTC(),
	}
	if err := t.store.InsertEvent(context.Background(), ev); err != nil {
		t.log.Error("failed to persist timeout event", "task_id", id, "error", err)
	}
	t.broker.PublishEvent(id, e.Message)
}
