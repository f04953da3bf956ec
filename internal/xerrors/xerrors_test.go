package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errBase = errors.New("base")

func stackHas(pcs []uintptr, fn string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, fn) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_CapturesCaller(t *testing.T) {
	err := New("store unavailable")
	if err.Error() != "store unavailable" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("expected StackPCs on New error")
	}
	if !stackHas(hs.StackPCs(), "TestNew_CapturesCaller") {
		t.Fatal("stack should start at the calling test")
	}
}

func TestNewf_KeepsWrappedSentinel(t *testing.T) {
	err := Newf("lookup %s: %w", "contact:1.2.3.4", errBase)
	if !errors.Is(err, errBase) {
		t.Fatal("errors.Is should see through Newf %w")
	}
	if !strings.Contains(err.Error(), "contact:1.2.3.4") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNilInputs(t *testing.T) {
	if WithStack(nil) != nil {
		t.Error("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Error("EnsureTrace(nil) should be nil")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestWrap_MessageAndPC(t *testing.T) {
	err := Wrap(errBase, "get entry")
	if err.Error() != "get entry: base" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errBase) {
		t.Fatal("Wrap should unwrap to base")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should record a non-zero PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrap_MessageAndPC") {
		t.Fatalf("PC should point at caller, got %v", fn)
	}
}

func TestWrapf_Formats(t *testing.T) {
	err := Wrapf(errBase, "set %s", "k")
	if err.Error() != "set k: base" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestEnsureTrace_DoesNotDoubleStack(t *testing.T) {
	first := New("once")
	if got := EnsureTrace(first); got != first {
		t.Fatal("EnsureTrace should return an already-stacked error unchanged")
	}

	wrapped := Wrap(first, "outer")
	if got := EnsureTrace(wrapped); got != wrapped {
		t.Fatal("EnsureTrace should find the stack deeper in the chain")
	}

	plain := EnsureTrace(errBase)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(plain, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("plain error should gain a stack")
	}
}
