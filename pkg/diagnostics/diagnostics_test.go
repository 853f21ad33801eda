package diagnostics

import (
	"context"
	"errors"
	"testing"

	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

func TestGatePassesWithValidIdentity(t *testing.T) {
	pub, priv, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if err := Gate(context.Background(), IdentityCheck(pub, priv), CSRNGCheck()); err != nil {
		t.Fatalf("expected gate to pass, got %v", err)
	}
}

func TestGateFailsWithMissingIdentity(t *testing.T) {
	err := Gate(context.Background(), IdentityCheck(nil, nil))
	if !errors.Is(err, shdcerr.ErrIdentityMissing) {
		t.Fatalf("want ErrIdentityMissing, got %v", err)
	}
}

func TestCheckerEvaluateAggregatesFailures(t *testing.T) {
	checker := NewChecker(IdentityCheck(nil, nil), CSRNGCheck())
	summary := checker.Evaluate(context.Background())
	if summary.Healthy() {
		t.Fatalf("expected unhealthy summary")
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("expected exactly one failure, got %d", len(summary.Failed))
	}
}
