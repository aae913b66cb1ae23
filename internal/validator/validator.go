// Package validator implements license validation: a single entry point
// consulting the license store, revocation list and token codec, returning
// a discriminated Outcome rather than unwinding control. The validation
// path itself never mutates state; the three permitted read-path
// reconciliations (forced expiry, module-drift repair, revocation status)
// go through the Reconciler, which licensesvc implements.
package validator

import (
	"context"
	"errors"
	"time"

	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/plans"
	"github.com/lumenguard/licensed/internal/store"
	"github.com/lumenguard/licensed/internal/tokens"
)

// Outcome enumerates validation results, in the order they are checked.
type Outcome int

const (
	OutcomeLicenseNotFound Outcome = iota
	OutcomeInvalidToken
	OutcomeRevoked
	OutcomeExpired
	OutcomeInactive
	OutcomeValid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLicenseNotFound:
		return "LICENSE_NOT_FOUND"
	case OutcomeInvalidToken:
		return "INVALID_TOKEN"
	case OutcomeRevoked:
		return "LICENSE_REVOKED"
	case OutcomeExpired:
		return "LICENSE_EXPIRED"
	case OutcomeInactive:
		return "LICENSE_INACTIVE"
	case OutcomeValid:
		return "VALID"
	default:
		return "UNKNOWN"
	}
}

// Result is the full outcome of a Validate call, including whichever
// License view applies (post reactive-mutation, if any occurred).
type Result struct {
	Outcome Outcome
	License *domain.License // present for Expired, Inactive, Valid, Revoked
	// ModulesDrift indicates module drift was detected and auto-repaired;
	// the final Outcome is still Valid.
	ModulesDrift bool
	RevokedAt    time.Time
	RevokeReason string
}

// Reconciler is the narrow slice of licensesvc the Validator calls back
// into for the only mutations allowed on the read path: forced expiry,
// module-drift repair, and bringing status in line with a revocation.
type Reconciler interface {
	ReconcileExpired(ctx context.Context, clientID string) (*domain.License, error)
	ReconcileModulesDrift(ctx context.Context, clientID string) (*domain.License, error)
	ReconcileRevoked(ctx context.Context, clientID string) (*domain.License, error)
}

// Validator is the stateless coordinator; all mutation goes through
// Reconciler so the validation path itself stays a pure function of
// (store snapshot, revocation-list snapshot, now).
type Validator struct {
	store  store.LicenseStore
	revoke store.RevocationStore
	codec  *tokens.Codec
	clock  clock.Clock
	recon  Reconciler
}

// New constructs a Validator.
func New(s store.LicenseStore, r store.RevocationStore, c *tokens.Codec, clk clock.Clock, recon Reconciler) *Validator {
	return &Validator{store: s, revoke: r, codec: c, clock: clk, recon: recon}
}

// Validate checks the presented token against the live License record,
// strictly in order: not found, invalid token, revoked, expired, inactive,
// module drift, valid. A token rejected only because it has expired, while
// the license itself has also expired, yields expired rather than invalid
// token; on that path the token's claims are not inspected.
func (v *Validator) Validate(ctx context.Context, clientID, presentedToken string) (Result, error) {
	now := v.clock.Now()

	lic, err := v.store.Get(ctx, clientID)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{Outcome: OutcomeLicenseNotFound}, nil
		}
		return Result{}, err
	}

	claims, err := v.codec.Verify(presentedToken)
	if errors.Is(err, tokens.ErrExpired) && !lic.ExpiresAt.After(now) {
		// The token lapsed along with the license: report the expiry.
		if lic.Status != domain.StatusExpired {
			reconciled, rerr := v.recon.ReconcileExpired(ctx, clientID)
			if rerr == nil {
				lic = reconciled
			}
		}
		return Result{Outcome: OutcomeExpired, License: lic}, nil
	}
	if err != nil || claims.ClientID != clientID {
		return Result{Outcome: OutcomeInvalidToken}, nil
	}

	revoked, entry, err := v.revoke.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return Result{}, err
	}
	if revoked {
		// Deactivation also revokes the current token; only an active
		// license is reconciled here, so a toggled-off license keeps
		// status=inactive and can be toggled back on.
		if lic.Status == domain.StatusActive {
			reconciled, rerr := v.recon.ReconcileRevoked(ctx, clientID)
			if rerr == nil {
				lic = reconciled
			}
		}
		return Result{Outcome: OutcomeRevoked, License: lic, RevokedAt: entry.RevokedAt, RevokeReason: entry.Reason}, nil
	}

	// An access token superseded by a later reissue is no longer current
	// and does not unlock anything, even though its signature still checks
	// out. Refresh tokens are exchanged, not presented, so they are exempt.
	if claims.Kind == domain.TokenAccess && claims.TokenID != lic.CurrentTokenID {
		return Result{Outcome: OutcomeInvalidToken}, nil
	}

	if !lic.ExpiresAt.After(now) {
		if lic.Status != domain.StatusExpired {
			reconciled, rerr := v.recon.ReconcileExpired(ctx, clientID)
			if rerr == nil {
				lic = reconciled
			}
		}
		return Result{Outcome: OutcomeExpired, License: lic}, nil
	}

	if lic.Status == domain.StatusInactive {
		return Result{Outcome: OutcomeInactive, License: lic}, nil
	}

	drift := false
	if lic.Status == domain.StatusActive && !plans.EqualModules(lic.ActiveModules, lic.Plan) {
		reconciled, rerr := v.recon.ReconcileModulesDrift(ctx, clientID)
		if rerr == nil {
			lic = reconciled
			drift = true
		}
	}

	return Result{Outcome: OutcomeValid, License: lic, ModulesDrift: drift}, nil
}
