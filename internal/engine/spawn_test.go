package engine_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/backend/inproc"
	"github.com/seantiz/vigil/internal/backend/process"
	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/vtest"
	"github.com/seantiz/vigil/internal/worker"
)

const workerEnv = "VIGIL_ENGINE_TEST_WORKER"

// TestMain turns the test binary into a worker when re-executed by the
// process backend.
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

// runningCounter is implemented by every backend that tracks live units.
type runningCounter interface {
	Running() int
}

func TestRunBuild_spawnedItemsStopWithOwnerInEveryIsolation(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)

	for _, isolation := range []string{model.IsolationShared, model.IsolationIsolate, model.IsolationProcess} {
		t.Run(isolation, func(t *testing.T) {
			t.Parallel()

			s, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })

			log := vtest.NewLogger(t)
			backends := map[string]runningCounter{
				model.IsolationShared:  inproc.NewShared(log),
				model.IsolationIsolate: inproc.NewIsolate(log),
				model.IsolationProcess: process.New(log, process.Config{
					WorkerBin: exe,
					Env:       []string{workerEnv + "=1"},
				}),
			}
			reg := backend.NewRegistry()
			for name, b := range backends {
				reg.Register(name, b.(backend.Backend))
			}

			grace := vtest.ScaleMs(50)
			rec := new(timeout.Recorder)
			eng := engine.NewEngine(s, reg, log, engine.Config{
				Timeout:   timeout.Config{WarnInterval: vtest.ScaleMs(2000), Emitter: rec},
				StopGrace: grace,
			})
			t.Cleanup(eng.Wait)

			allStopped := func() bool {
				for _, b := range backends {
					if b.Running() != 0 {
						return false
					}
				}
				return true
			}
			t.Cleanup(func() {
				require.Eventually(t, allStopped, vtest.ScaleMs(2000), 5*time.Millisecond)
			})

			limit := vtest.ScaleMs(200)
			owner := task("owner", model.IsolationIsolate, model.Action{
				Kind:          model.ActionSpawn,
				Items:         4,
				DurationMS:    int64(time.Minute / time.Millisecond),
				ItemIsolation: isolation,
			}, ms(200))

			start := time.Now()
			res, err := eng.RunBuild(context.Background(), []*model.Task{owner}, engine.RunOptions{})
			elapsed := time.Since(start)
			require.NoError(t, err)

			o := res.Outcomes[0]
			require.True(t, o.TimedOut())
			assert.Equal(t, model.StatusFailed, o.Status)
			assert.Equal(t, timeout.ErrTimeoutExceeded.Error(), o.Failure.Cause.Error())
			assert.Equal(t, []string{
				timeout.RequestingStopMessage("owner", limit),
				timeout.HasStoppedMessage("owner"),
			}, rec.Messages("owner"))

			// Items sleep for a minute; only the owner's stop can end them this soon.
			assert.Less(t, elapsed, limit+grace+vtest.ScaleMs(3000))
			require.Eventually(t, allStopped, vtest.ScaleMs(2000), 5*time.Millisecond)
		})
	}
}
