package worker

import (
	"bytes"
	"errors"
	"testing"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
)

func TestWriteReadRequestFrame(t *testing.T) {
	original := Message{
		Type: MsgTypeRequest,
		Request: &Request{
			ID:     "01J",
			Name:   "block",
			Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := int(buf.Bytes()[3]) + int(buf.Bytes()[2])<<8; got != buf.Len()-4 {
		t.Fatalf("length prefix = %d, payload = %d", got, buf.Len()-4)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Request == nil || decoded.Request.Action.DurationMS != 60_000 {
		t.Errorf("decoded request = %+v", decoded.Request)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var msg Message
	if err := ReadMessage(buf, &msg); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var msg Message
	if err := ReadMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var msg Message
	if err := ReadMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestResponseErr(t *testing.T) {
	if err := (Response{}).Err(); err != nil {
		t.Errorf("zero Response.Err() = %v, want nil", err)
	}
	if err := (Response{ExitCode: 1, Error: "x", TimedOut: true}).Err(); !errors.Is(err, timeout.ErrTimeoutExceeded) {
		t.Errorf("timed out Response.Err() = %v, want ErrTimeoutExceeded", err)
	}
	if err := (Response{ExitCode: 1, Error: "boom"}).Err(); err == nil || err.Error() != "boom" {
		t.Errorf("Response.Err() = %v, want boom", err)
	}
	if err := (Response{ExitCode: 137}).Err(); err == nil {
		t.Error("non-zero exit code without error should still fail")
	}
}

func TestStopCause(t *testing.T) {
	if !errors.Is(StopCause(""), timeout.ErrTimeoutExceeded) {
		t.Error("empty cause should map to ErrTimeoutExceeded")
	}
	if !errors.Is(StopCause("Timeout has been exceeded"), timeout.ErrTimeoutExceeded) {
		t.Error("timeout cause should map to ErrTimeoutExceeded")
	}
	if err := StopCause("cancelled by user"); errors.Is(err, timeout.ErrTimeoutExceeded) || err.Error() != "cancelled by user" {
		t.Errorf("StopCause(user) = %v", err)
	}
}
