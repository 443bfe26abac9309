// Package worker runs units on behalf of a host that supervises them from
// another process or from outside a microVM.
//
// A session is one request: the host sends a request frame, the worker
// streams log frames while the unit runs and finishes with a single result
// frame. The host may send a stop frame at any time; the worker cancels the
// unit's context with the cause the frame carries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
)

// Serve runs a single session reading frames from r and writing frames to w.
// Cancelling ctx stops the unit with ctx's cause.
func Serve(ctx context.Context, r io.Reader, w io.Writer, log *slog.Logger) error {
	var first Message
	if err := ReadMessage(r, &first); err != nil {
		sendResult(w, nil, log, Response{ExitCode: 1, Error: fmt.Sprintf("read request: %v", err)})
		return fmt.Errorf("read request: %w", err)
	}
	if first.Type != MsgTypeRequest || first.Request == nil {
		err := fmt.Errorf("expected %s frame, got %q", MsgTypeRequest, first.Type)
		sendResult(w, nil, log, Response{ExitCode: 1, Error: err.Error()})
		return err
	}
	req := first.Request
	log = log.With("task", req.Name)

	uctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Stop frames may arrive while the unit runs.
	go func() {
		for {
			var msg Message
			if err := ReadMessage(r, &msg); err != nil {
				return
			}
			if msg.Type == MsgTypeStop {
				log.Info("stop requested by host", "cause", msg.Cause)
				cancel(StopCause(msg.Cause))
			}
		}
	}()

	var (
		writeMu sync.Mutex
		output  strings.Builder
	)
	env := unit.Env{
		Log: func(line string) {
			writeMu.Lock()
			output.WriteString(line + "\n")
			err := WriteMessage(w, &Message{Type: MsgTypeLog, Line: line})
			writeMu.Unlock()
			if err != nil {
				log.Warn("write log line", "error", err)
			}
		},
	}

	start := time.Now()
	runErr := unit.Run(uctx, req.Action, env)

	resp := Response{
		Output:     output.String(),
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	if runErr != nil {
		resp.ExitCode = 1
		resp.Error = runErr.Error()
		resp.TimedOut = errors.Is(runErr, timeout.ErrTimeoutExceeded)
		resp.Terminated = errors.Is(runErr, ErrTerminated)
	}
	sendResult(w, &writeMu, log, resp)
	return nil
}

func sendResult(w io.Writer, mu *sync.Mutex, log *slog.Logger, resp Response) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err := WriteMessage(w, &Message{Type: MsgTypeResult, Response: &resp}); err != nil {
		log.Warn("write result", "error", err)
	}
}
