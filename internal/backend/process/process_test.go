package process_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/backend/process"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/vtest"
	"github.com/seantiz/vigil/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerEnv = "VIGIL_TEST_WORKER"

// TestMain turns the test binary into a worker when re-executed by the
// backend under test.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		log := slog.New(slog.NewTextHandler(os.Stderr, nil))
		if err := worker.RunStdio(context.Background(), os.Stdin, os.Stdout, log); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newBackend(t *testing.T) *process.Backend {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return process.New(vtest.NewLogger(t), process.Config{
		WorkerBin: exe,
		Env:       []string{workerEnv + "=1"},
	})
}

func TestStart_echo(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	lines := make(chan string, 4)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:        model.NewID(),
		Name:      "hello",
		Action:    model.Action{Kind: model.ActionEcho, Lines: []string{"hello from child"}},
		LogWriter: func(l string) { lines <- l },
	})
	require.NoError(t, err)

	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))
	res, err := ex.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello from child\n", string(res.Output))
	assert.Equal(t, "hello from child", <-lines)
}

func TestStart_failureReported(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:     model.NewID(),
		Name:   "broken",
		Action: model.Action{Kind: model.ActionFail, Message: "link error"},
	})
	require.NoError(t, err)

	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))
	_, err = ex.Result()
	require.EqualError(t, err, "link error")
}

func TestSignalStop_timeoutCause(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:     model.NewID(),
		Name:   "block",
		Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
	})
	require.NoError(t, err)

	require.NoError(t, ex.SignalStop())
	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))

	_, err = ex.Result()
	require.ErrorIs(t, err, timeout.ErrTimeoutExceeded)
	require.Eventually(t, func() bool { return b.Running() == 0 }, vtest.ScaleMs(1000), vtest.ScaleMs(10))
}

func TestKill_spinIgnoresStop(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:     model.NewID(),
		Name:   "spin",
		Action: model.Action{Kind: model.ActionSpin, DurationMS: 60_000},
	})
	require.NoError(t, err)

	require.NoError(t, ex.SignalStop())
	vtest.NotSendingSoon(t, ex.Done())

	killer, ok := ex.(timeout.Killer)
	require.True(t, ok, "process executions must be killable")
	require.NoError(t, killer.Kill())
	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))

	_, err = ex.Result()
	require.ErrorContains(t, err, "worker killed")
}

func TestStart_contextCancelStopsWorker(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	ex, err := b.Start(ctx, backend.UnitSpec{
		ID:     model.NewID(),
		Name:   "block",
		Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
	})
	require.NoError(t, err)

	cancel(errors.New("build aborted"))
	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))
	_, err = ex.Result()
	require.EqualError(t, err, "build aborted")
}

func TestCleanup_killsWorker(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	id := model.NewID()
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:     id,
		Name:   "spin",
		Action: model.Action{Kind: model.ActionSpin, DurationMS: 60_000},
	})
	require.NoError(t, err)

	require.NoError(t, b.Cleanup(context.Background(), id))
	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))
	require.NoError(t, b.Cleanup(context.Background(), id))
}

func TestStart_spawnsItemsInsideWorker(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	ex, err := b.Start(context.Background(), backend.UnitSpec{
		ID:     model.NewID(),
		Name:   "fanout",
		Action: model.Action{Kind: model.ActionSpawn, Items: 10, DurationMS: 60_000},
	})
	require.NoError(t, err)

	require.NoError(t, ex.SignalStop())
	vtest.ReceiveOrTimeout(t, ex.Done(), vtest.ScaleMs(5000))
	_, err = ex.Result()
	require.ErrorIs(t, err, timeout.ErrTimeoutExceeded)
}

func TestStart_rejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := newBackend(t).Start(context.Background(), backend.UnitSpec{ID: "x", Action: model.Action{Kind: "nope"}})
	require.Error(t, err)

	empty := process.New(vtest.NewLogger(t), process.Config{})
	_, err = empty.Start(context.Background(), backend.UnitSpec{ID: "y", Action: model.Action{Kind: model.ActionEcho}})
	require.Error(t, err)

	assert.True(t, empty.Capabilities().Killable)
}
