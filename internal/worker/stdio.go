package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ErrTerminated is the cause given to a unit whose worker received SIGTERM
// before any stop frame.
var ErrTerminated = errors.New("worker terminated by signal")

// RunStdio serves one session over the given stdin and stdout. SIGTERM
// cancels the unit with ErrTerminated unless a stop frame got there first.
func RunStdio(ctx context.Context, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case <-sigs:
			log.Info("received SIGTERM")
			cancel(ErrTerminated)
		case <-ctx.Done():
		}
	}()

	return Serve(ctx, stdin, stdout, log)
}
