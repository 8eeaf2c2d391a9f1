package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOrderAndMetadata(t *testing.T) {
	err := New(
		"escrow/fulfill",
		CodeTransferFailed,
		WithOrderID(42),
		WithMessage("buy leg rejected"),
		WithMetadata(map[string]string{
			"asset":  "B",
			"amount": "20",
		}),
		WithField("buyer", "acct-buyer"),
		WithCause(errors.New("insufficient balance")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=escrow/fulfill") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=transfer_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "order_id=42") {
		t.Fatalf("expected order id in error string: %s", out)
	}
	expectedMeta := "meta=amount=\"20\",asset=\"B\",buyer=\"acct-buyer\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"insufficient balance\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("assets/memory", CodeUnauthorized)
	wrapped := fmt.Errorf("create order: %w", inner)

	if got := CodeOf(wrapped); got != CodeUnauthorized {
		t.Fatalf("expected unauthorized code from wrapped error, got %q", got)
	}
	if !HasCode(wrapped, CodeUnauthorized) {
		t.Fatal("expected HasCode to match nested envelope")
	}
	if HasCode(nil, CodeUnauthorized) {
		t.Fatal("nil error must not match any code")
	}
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("expected internal code for plain error, got %q", got)
	}
}

func TestMetadataMergeLatestWins(t *testing.T) {
	err := New(
		"escrow/create",
		CodeInvalidParams,
		WithMetadata(map[string]string{"asset": "A"}),
		WithMetadata(map[string]string{"asset": "B", "amount": "1"}),
	)

	if got := err.Metadata["asset"]; got != "B" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Metadata["amount"]; got != "1" {
		t.Fatalf("expected amount metadata to be present, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
