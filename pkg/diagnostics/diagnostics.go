// Package diagnostics runs the startup and periodic health checks the
// engine needs to satisfy spec §4.5's "Diagnostics gate" and §7's
// Fatal error semantics: identity key present and CSRNG responsive.
// No broadcast-key freshness or replay-guard probe is provided.
package diagnostics

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/shdc-project/shdc/internal/platform/compliance"
	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// Check, Checker, and their aggregation are the platform compliance
// checker's; this package only supplies the two Fatal-path probes the
// engine's startup gate needs.
type (
	Check     = compliance.Check
	Checker   = compliance.Checker
	Result    = compliance.Result
	Summary   = compliance.Summary
	CheckFunc = compliance.CheckFunc
)

// NewChecker builds a Checker from the given checks.
func NewChecker(checks ...Check) *Checker {
	return compliance.NewChecker(checks...)
}

// IdentityCheck verifies an identity keypair has the expected shape.
func IdentityCheck(pub ed25519.PublicKey, priv ed25519.PrivateKey) Check {
	return compliance.CheckFunc(func(ctx context.Context) Result {
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return Result{Status: compliance.StatusFail, Error: shdcerr.ErrIdentityMissing}
		}
		return Result{Status: compliance.StatusPass}
	})
}

// CSRNGCheck verifies the OS CSRNG is responsive by drawing a small
// sample.
func CSRNGCheck() Check {
	return compliance.CheckFunc(func(ctx context.Context) Result {
		if _, err := cryptutil.RandBytes(32); err != nil {
			return Result{Status: compliance.StatusFail, Error: fmt.Errorf("%w: %v", shdcerr.ErrCryptoInitFailure, err)}
		}
		return Result{Status: compliance.StatusPass}
	})
}

// Gate runs checks and returns nil if every one passes, or the first
// failing check's error (already one of shdcerr's Fatal sentinels)
// otherwise. Engine.Start calls this before accepting any packet.
func Gate(ctx context.Context, checks ...Check) error {
	summary := NewChecker(checks...).Evaluate(ctx)
	if summary.Healthy() {
		return nil
	}
	first := summary.Failed[0]
	return fmt.Errorf("shdc: diagnostics: %s: %w", first.Name, first.Error)
}
