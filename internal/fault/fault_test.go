package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("signature is invalid")
	err := fmt.Errorf("refresh: %w", Authentication(ReasonInvalidToken).Wrap(cause))

	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication kind, got %v", err)
	}
	if errors.Is(err, ErrAuthorization) {
		t.Fatalf("unexpected authorization kind")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause should stay reachable")
	}
	if got := ReasonOf(err); got != ReasonInvalidToken {
		t.Fatalf("reason = %q", got)
	}
	if KindOf(err) != ErrAuthentication {
		t.Fatalf("kind = %v", KindOf(err))
	}
}

func TestReasonOfUnclassified(t *testing.T) {
	if got := ReasonOf(errors.New("boom")); got != ReasonUnknown {
		t.Fatalf("reason = %q", got)
	}
	if KindOf(nil) != nil {
		t.Fatalf("nil error has no kind")
	}
}

func TestReasonsAreUnique(t *testing.T) {
	seen := map[Reason]bool{}
	for _, r := range Reasons() {
		if seen[r] {
			t.Fatalf("duplicate reason %q", r)
		}
		seen[r] = true
	}
	if seen[ReasonUnknown] {
		t.Fatalf("unknown must not be listed")
	}
}
