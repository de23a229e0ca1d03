package hv

import (
	"errors"
	"fmt"
	"testing"
)

func TestReturnCodeRoundTrip(t *testing.T) {
	kinds := []error{
		ErrInvalidArgument, ErrNotFound, ErrAlreadyExists, ErrOverlap,
		ErrOutOfMemory, ErrPermissionDenied, ErrStateInvalid, ErrUnmapped,
		ErrDeviceBusy, ErrTransport, ErrTimeout, ErrUnsupported, ErrFatal,
	}
	for _, kind := range kinds {
		code := ReturnCode(fmt.Errorf("wrapped: %w", kind))
		if code >= 0 {
			t.Fatalf("%v: non-negative code %d", kind, code)
		}
		if got := CodeError(code); !errors.Is(got, kind) {
			t.Fatalf("%v: round trip gave %v", kind, got)
		}
	}
	if ReturnCode(nil) != CodeOK {
		t.Fatalf("nil error code %d", ReturnCode(nil))
	}
	if CodeError(0) != nil || CodeError(42) != nil {
		t.Fatalf("non-negative codes must map to nil")
	}
}

func TestCallID(t *testing.T) {
	id := CallID(0x3, 0x10)
	call := Hypercall{ID: id}
	if call.Group() != 0x3 || call.Function() != 0x10 {
		t.Fatalf("group %x fn %x", call.Group(), call.Function())
	}
}

func TestContextRegHardwiring(t *testing.T) {
	arm := Context{Arch: ArchitectureARM64}
	arm.SetReg(31, 7)
	if arm.Reg(31) != 0 {
		t.Fatalf("arm64 x31 writable")
	}
	rv := Context{Arch: ArchitectureRISCV64}
	rv.SetReg(0, 7)
	if rv.Reg(0) != 0 {
		t.Fatalf("rv64 x0 writable")
	}
	rv.SetReg(10, 0x1234)
	if rv.Reg(10) != 0x1234 {
		t.Fatalf("a0 lost")
	}
}
