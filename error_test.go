package stageplan

import (
	"errors"
	"testing"
)

func TestPlanErrorFormatsWithSubject(t *testing.T) {
	err := NewPlanError(ErrCodec, "shuffle_0_0_0.arrow", errTestCause{})
	want := "codec: shuffle_0_0_0.arrow: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPlanErrorFormatsWithoutSubject(t *testing.T) {
	err := NewPlanError(ErrPlanShape, "", errTestCause{})
	want := "plan-shape: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPlanErrorUnwraps(t *testing.T) {
	cause := errTestCause{}
	err := NewPlanError(ErrIO, "x", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through PlanError to its cause")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrPlanShape:    "plan-shape",
		ErrIO:           "io",
		ErrCodec:        "codec",
		ErrNotSupported: "not-supported",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(kind), got, want)
		}
	}
}

func TestStreamErrorUnwraps(t *testing.T) {
	cause := errTestCause{}
	se := NewStreamError(0, cause, "op")
	if !errors.Is(se, cause) {
		t.Fatal("expected errors.Is to see through StreamError to its cause")
	}
}
