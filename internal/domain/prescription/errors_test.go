package prescription

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(E(KindConflict, "taken")); got != KindConflict {
		t.Errorf("KindOf = %v", got)
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("outer: %w", E(KindNotFound, "gone"))
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf wrapped = %v", got)
	}

	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf plain = %v", got)
	}
	if got := KindOf(nil); got != KindInternal {
		t.Errorf("KindOf nil = %v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	e := Wrap(KindUpstream, "generation failed", errors.New("boom"))
	if e.Error() != "generation failed: boom" {
		t.Errorf("Error = %q", e.Error())
	}
	if !errors.Is(e, e.Err) {
		t.Error("wrapped cause should be reachable")
	}

	if E(KindValidation, "bad input").Error() != "bad input" {
		t.Error("bare error should be its message")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindInternal:   "internal",
		KindNotFound:   "not_found",
		KindForbidden:  "forbidden",
		KindConflict:   "conflict",
		KindValidation: "validation",
		KindUpstream:   "upstream",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", kind, kind.String(), want)
		}
	}
}
