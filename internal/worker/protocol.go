package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types. Request and stop flow from host to worker; log and result
// flow from worker to host.
const (
	MsgTypeRequest = "request"
	MsgTypeStop    = "stop"
	MsgTypeLog     = "log"
	MsgTypeResult  = "result"
)

// Request is the unit a host asks a worker to run.
type Request struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Action model.Action `json:"action"`
}

// Response is the worker's final report for one request.
type Response struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

// Message is the envelope for every frame exchanged with a worker.
type Message struct {
	Type     string    `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Line     string    `json:"line,omitempty"`
	Cause    string    `json:"cause,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Err reconstructs the unit's error from a response, restoring
// timeout.ErrTimeoutExceeded when the worker reported a timeout.
func (r Response) Err() error {
	switch {
	case r.TimedOut:
		return timeout.ErrTimeoutExceeded
	case r.Terminated:
		return ErrTerminated
	case r.Error != "":
		return errors.New(r.Error)
	case r.ExitCode != 0:
		return fmt.Errorf("worker exited with code %d", r.ExitCode)
	}
	return nil
}

// StopCause maps the cause carried by a stop frame back to an error.
func StopCause(cause string) error {
	if cause == "" || cause == timeout.ErrTimeoutExceeded.Error() {
		return timeout.ErrTimeoutExceeded
	}
	return errors.New(cause)
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent writers guarded by a mutex never
	// interleave a prefix with another frame's payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
