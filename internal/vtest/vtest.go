// Package vtest holds helpers shared by vigil's tests.
package vtest

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// TimeFactor multiplies every scaled test duration. It is read from
// VIGIL_TEST_TIME_FACTOR so slow CI machines can stretch timeouts without
// editing tests.
var TimeFactor int64 = 1

func init() {
	f := os.Getenv("VIGIL_TEST_TIME_FACTOR")
	if f == "" {
		return
	}
	n, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		panic(fmt.Errorf("failed to parse VIGIL_TEST_TIME_FACTOR (%q): %w", f, err))
	}
	if n <= 0 {
		panic(fmt.Errorf("VIGIL_TEST_TIME_FACTOR must be positive; got %d", n))
	}
	TimeFactor = n
}

// ScaleMs returns ms milliseconds multiplied by TimeFactor.
func ScaleMs(ms int64) time.Duration {
	return time.Duration(TimeFactor*ms) * time.Millisecond
}

// NewLogger returns a *slog.Logger that writes through t.Log.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t, slogt.Text())
}

// ReceiveSoon receives from ch, failing the test if nothing arrives within
// a second (scaled).
func ReceiveSoon[T any](tb testing.TB, ch <-chan T) T {
	tb.Helper()
	return ReceiveOrTimeout(tb, ch, ScaleMs(1000))
}

// ReceiveOrTimeout receives from ch, failing the test after timeout.
func ReceiveOrTimeout[T any](tb testing.TB, ch <-chan T, timeout time.Duration) T {
	tb.Helper()
	if ch == nil {
		tb.Fatalf("immediate failure to avoid blocking receive from nil channel %T", ch)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		tb.Fatalf(
			"timed out after %s receiving from channel %T; set VIGIL_TEST_TIME_FACTOR above %d if this only flakes on one machine",
			timeout, ch, TimeFactor,
		)
		panic("unreachable")
	case x := <-ch:
		return x
	}
}

// NotSending fails the test if a value is immediately ready on ch.
func NotSending[T any](tb testing.TB, ch <-chan T) {
	tb.Helper()
	select {
	case x := <-ch:
		tb.Fatalf("no value should have been sent on channel %T; got %v", ch, x)
	default:
	}
}

// NotSendingSoon fails the test if a value arrives on ch within a short,
// scaled duration.
func NotSendingSoon[T any](tb testing.TB, ch <-chan T) {
	tb.Helper()
	timer := time.NewTimer(ScaleMs(75))
	defer timer.Stop()
	select {
	case <-timer.C:
	case x := <-ch:
		tb.Fatalf("received value %v on channel %T, when it was expected not to send any values", x, ch)
	}
}
