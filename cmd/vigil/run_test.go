package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
)

func TestPrintResult(t *testing.T) {
	res := &engine.BuildResult{
		BuildID: "b",
		Outcomes: []engine.Outcome{
			{Name: "compile", Status: model.StatusCompleted, DurationMS: 12},
			{
				Name:       "test",
				Status:     model.StatusFailed,
				Failure:    timeout.NewExecutionFailure("test", timeout.ErrTimeoutExceeded),
				DurationMS: 1000,
			},
		},
	}

	var buf bytes.Buffer
	printResult(&buf, res)

	want := "compile  completed  12ms\n" +
		"test     failed     1000ms\n" +
		"\n" +
		"Execution failed for task ':test'.\n" +
		"> Timeout has been exceeded\n"
	assert.Equal(t, want, buf.String())
}
