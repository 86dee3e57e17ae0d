package shmipc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := NewSlotError("WIRE_WRITE", 12, 3, ErrCodeTimeout, "no room")
	msg := err.Error()
	for _, want := range []string{"shmipc:", "no room", "op=WIRE_WRITE", "session=12", "slot=3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q lacks %q", msg, want)
		}
	}
}

func TestErrorCodeMatching(t *testing.T) {
	err := NewError("CONNECT", ErrCodeQueueFull, "all slots busy")
	if !errors.Is(err, ErrQueueFull) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("distinct codes must not match")
	}
	if !IsCode(err, ErrCodeQueueFull) {
		t.Error("IsCode failed")
	}
}

func TestWrapErrorPreservesContext(t *testing.T) {
	inner := NewSessionError("WIRE_WRITE", 7, ErrCodeWireClosed, "peer gone")
	wrapped := WrapError("SEND", inner)
	if wrapped.Op != "SEND" {
		t.Errorf("op = %q", wrapped.Op)
	}
	if wrapped.SessionID != 7 || wrapped.Code != ErrCodeWireClosed {
		t.Errorf("context lost: %+v", wrapped)
	}
}

func TestWrapErrorMapsErrno(t *testing.T) {
	cases := map[syscall.Errno]ErrorCode{
		syscall.ETIMEDOUT: ErrCodeTimeout,
		syscall.ENOMEM:    ErrCodeNoMemory,
		syscall.EACCES:    ErrCodeOperationDenied,
		syscall.EIO:       ErrCodeIOError,
	}
	for errno, want := range cases {
		if got := WrapError("OP", errno); got.Code != want {
			t.Errorf("WrapError(%v).Code = %v, want %v", errno, got.Code, want)
		}
	}
}

func TestWrapErrorPlain(t *testing.T) {
	if WrapError("OP", nil) != nil {
		t.Error("wrapping nil should stay nil")
	}
	wrapped := WrapError("OP", fmt.Errorf("plain failure"))
	if wrapped.Code != ErrCodeIOError || !strings.Contains(wrapped.Error(), "plain failure") {
		t.Errorf("wrapped = %+v", wrapped)
	}
	if errors.Unwrap(wrapped) == nil {
		t.Error("Unwrap should return the inner error")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(ErrTimeout) {
		t.Error("ErrTimeout should report as timeout")
	}
	if IsTimeout(ErrWireClosed) {
		t.Error("ErrWireClosed is not a timeout")
	}
}
