package inproc_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/backend/inproc"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/vtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepSpec(id string) backend.UnitSpec {
	return backend.UnitSpec{
		ID:     id,
		Name:   id,
		Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
	}
}

func TestSignalStop_timeoutCause(t *testing.T) {
	t.Parallel()

	for _, b := range []*inproc.Backend{
		inproc.NewShared(vtest.NewLogger(t)),
		inproc.NewIsolate(vtest.NewLogger(t)),
	} {
		ex, err := b.Start(context.Background(), sleepSpec("block"))
		require.NoError(t, err)
		require.Equal(t, 1, b.Running())

		require.NoError(t, ex.SignalStop())
		vtest.ReceiveSoon(t, ex.Done())

		_, err = ex.Result()
		require.ErrorIs(t, err, timeout.ErrTimeoutExceeded, b.Capabilities().Name)
		require.Eventually(t, func() bool { return b.Running() == 0 }, vtest.ScaleMs(500), vtest.ScaleMs(5))
	}
}

func TestShared_followsCallerContext(t *testing.T) {
	t.Parallel()

	b := inproc.NewShared(vtest.NewLogger(t))
	ctx, cancel := context.WithCancelCause(context.Background())
	ex, err := b.Start(ctx, sleepSpec("s"))
	require.NoError(t, err)

	cause := errors.New("build aborted")
	cancel(cause)
	vtest.ReceiveSoon(t, ex.Done())
	_, err = ex.Result()
	require.ErrorIs(t, err, cause)
}

func TestIsolate_stoppedThroughHandleOnCallerCancel(t *testing.T) {
	t.Parallel()

	b := inproc.NewIsolate(vtest.NewLogger(t))
	ctx, cancel := context.WithCancelCause(context.Background())
	ex, err := b.Start(ctx, sleepSpec("i"))
	require.NoError(t, err)

	cause := errors.New("build aborted")
	cancel(cause)
	vtest.ReceiveSoon(t, ex.Done())
	_, err = ex.Result()
	require.ErrorIs(t, err, cause)
}

func TestIsolate_containsPanics(t *testing.T) {
	t.Parallel()

	b := inproc.NewIsolate(vtest.NewLogger(t))
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:   "p",
		Name: "p",
		Action: model.Action{
			Kind:  model.ActionEcho,
			Lines: []string{"before"},
		},
		LogWriter: func(string) { panic("log sink exploded") },
	})
	require.NoError(t, err)

	vtest.ReceiveSoon(t, ex.Done())
	_, err = ex.Result()
	require.ErrorContains(t, err, "unit panicked")
}

func TestStart_streamsLogs(t *testing.T) {
	t.Parallel()

	b := inproc.NewShared(vtest.NewLogger(t))
	lines := make(chan string, 4)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:        "e",
		Name:      "e",
		Action:    model.Action{Kind: model.ActionEcho, Lines: []string{"a", "b"}},
		LogWriter: func(l string) { lines <- l },
	})
	require.NoError(t, err)
	vtest.ReceiveSoon(t, ex.Done())

	res, err := ex.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.LogLines)
	assert.Equal(t, "a", <-lines)
	assert.Equal(t, "b", <-lines)
}

func TestStart_invalidAction(t *testing.T) {
	t.Parallel()

	b := inproc.NewShared(vtest.NewLogger(t))
	_, err := b.Start(context.Background(), backend.UnitSpec{ID: "x", Action: model.Action{Kind: "nope"}})
	require.Error(t, err)
}

func TestCleanup_stopsRunningUnit(t *testing.T) {
	t.Parallel()

	b := inproc.NewIsolate(vtest.NewLogger(t))
	ex, err := b.Start(context.Background(), sleepSpec("c"))
	require.NoError(t, err)

	require.NoError(t, b.Cleanup(context.Background(), "c"))
	vtest.ReceiveSoon(t, ex.Done())
	require.NoError(t, b.Cleanup(context.Background(), "unknown"))
}

func TestExecution_notKillable(t *testing.T) {
	t.Parallel()

	b := inproc.NewShared(vtest.NewLogger(t))
	ex, err := b.Start(context.Background(), backend.UnitSpec{ID: "k", Action: model.Action{Kind: model.ActionEcho}})
	require.NoError(t, err)
	_, killable := ex.(timeout.Killer)
	require.False(t, killable)
	require.False(t, b.Capabilities().Killable)
}
