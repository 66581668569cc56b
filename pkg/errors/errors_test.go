package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrappersClassify(t *testing.T) {
	base := stderrors.New("connection refused")

	cases := []struct {
		err      error
		sentinel error
	}{
		{Transient(base), ErrTransientIO},
		{Mapping(base), ErrMapping},
		{Resolution(base), ErrResolution},
	}
	for _, tc := range cases {
		if !stderrors.Is(tc.err, tc.sentinel) {
			t.Errorf("%v does not match its sentinel", tc.err)
		}
		if !stderrors.Is(tc.err, base) {
			t.Errorf("%v lost the wrapped cause", tc.err)
		}
	}
}

func TestClassificationSurvivesFurtherWrapping(t *testing.T) {
	err := fmt.Errorf("flushing batch: %w", Transient(stderrors.New("timeout")))
	if !stderrors.Is(err, ErrTransientIO) {
		t.Error("wrapping must preserve the transient classification")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Transient(stderrors.New("x"))) {
		t.Error("transient errors are fatal once retries are exhausted")
	}
	if !IsFatal(fmt.Errorf("%w: field type mismatch", ErrSchemaConflict)) {
		t.Error("schema conflicts are fatal")
	}
	if IsFatal(Mapping(stderrors.New("bad payload"))) {
		t.Error("mapping errors are item-scoped, not fatal")
	}
}

func TestItemError(t *testing.T) {
	cause := stderrors.New("unexpected token")
	err := NewItemError(Mapping(cause), "abc123", "map")

	if !IsItemError(err) {
		t.Error("ItemError must classify as item-scoped")
	}
	if !stderrors.Is(err, ErrMapping) || !stderrors.Is(err, cause) {
		t.Error("ItemError must unwrap to its cause chain")
	}
	want := "item abc123 failed at map: mapping error: unexpected token"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, expected %q", got, want)
	}
}
