package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	t.Parallel()
	err := New(KindTemplateNotFound, "welcome_v2")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected errors.Is to match sentinel, got %v", err)
	}
	if errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("unexpected match across kinds")
	}

	wrapped := fmt.Errorf("send: %w", err)
	if got := Of(wrapped); got != KindTemplateNotFound {
		t.Fatalf("Of = %q, want %q", got, KindTemplateNotFound)
	}
	if got := Of(errors.New("plain")); got != KindNone {
		t.Fatalf("Of(plain) = %q, want empty", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("socket closed")
	err := Wrap(KindDispatchFailed, cause, "to=%s", "5511987654321")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected dispatch_failed kind")
	}
	if Wrap(KindDispatchFailed, nil, "x") != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
}
