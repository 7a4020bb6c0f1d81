package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeGeometry, "rod shorter than radius").SetComponent("geometry")
	got := err.Error()
	if got != "[GEOMETRY] geometry: rod shorter than radius" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := MotionRejected("moveToReal", fmt.Errorf("queue full"))
	if !strings.Contains(wrapped.Error(), "queue full") {
		t.Errorf("wrapped error should include cause, got %q", wrapped.Error())
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := HomingFailed("endstops not all triggered")
	outer := fmt.Errorf("G28: %w", base)

	if !Is(outer, CodeHomingFailed) {
		t.Error("Is should find code through fmt wrapping")
	}
	if Is(outer, CodeProbe) {
		t.Error("Is matched the wrong code")
	}
	if !stderrors.Is(outer, New(CodeHomingFailed, "")) {
		t.Error("errors.Is should match on code")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("io")
	err := Storage("write grid", cause)
	if !stderrors.Is(err, cause) {
		t.Error("Storage should unwrap to cause")
	}
	if code, ok := CodeOf(err); !ok || code != CodeStorage {
		t.Errorf("CodeOf = %v, %v", code, ok)
	}
}

func TestOutOfBoundsContext(t *testing.T) {
	err := OutOfBounds(1, 2, -3)
	if err.Context["z"] != -3.0 {
		t.Errorf("context z = %v", err.Context["z"])
	}
	if !IsConfig(New(CodeConfigValidation, "x")) || IsConfig(err) {
		t.Error("IsConfig misclassified")
	}
}
