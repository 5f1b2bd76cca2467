package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"broker.cancel_order",
		CodeNotFound,
		WithMessage("order does not exist"),
		WithField("order_id", "42"),
		WithField("account_id", "acc-1"),
		WithCause(errors.New("http 404")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=broker.cancel_order") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_found") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `fields=account_id="acc-1",order_id="42"`) {
		t.Fatalf("expected sorted fields in error string: %s", out)
	}
	if !strings.Contains(out, `cause="http 404"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresEmptyKey(t *testing.T) {
	err := New("op", CodeInvalid, WithField("  ", "x"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected no fields, got %v", err.Fields)
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New("feed.subscribe_bars", CodeTransient, WithCause(errors.New("dial tcp: refused")))
	outer := fmt.Errorf("opening stream: %w", inner)

	if !IsCode(outer, CodeTransient) {
		t.Fatal("IsCode should find transient through fmt wrapping")
	}
	if IsCode(outer, CodeClosed) {
		t.Fatal("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), CodeTransient) {
		t.Fatal("IsCode should be false for plain errors")
	}

	nested := New("lifecycle.set_scope", CodeClosed, WithCause(inner))
	if !IsCode(nested, CodeTransient) {
		t.Fatal("IsCode should find codes of nested envelopes")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := New("op", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
	var nilErr *E
	if nilErr.Error() != "" || nilErr.Unwrap() != nil {
		t.Fatal("nil envelope should be inert")
	}
}
