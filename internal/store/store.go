// Package store defines the persistence interfaces for licenses,
// revocations, warn-flags and refresh tokens. Concrete implementations
// live in the postgres and memory subpackages; business code (licensesvc,
// validator, scheduler) depends only on these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lumenguard/licensed/internal/domain"
)

// Errors returned by LicenseStore and RevocationStore.
var (
	ErrNotFound      = errors.New("license not found")
	ErrAlreadyExists = errors.New("license already exists")
)

// LicenseStore is the durable keyed map from client_id to License.
type LicenseStore interface {
	// Get performs a point read. Returns ErrNotFound if absent.
	Get(ctx context.Context, clientID string) (*domain.License, error)

	// Put is an atomic upsert. Implementations check, as defense in depth
	// even though licensesvc is the sole writer, that inactive and revoked
	// licenses carry no modules and that every module is known; module
	// drift on an active license is accepted.
	Put(ctx context.Context, lic *domain.License) error

	// Delete removes a record (called by Scheduler garbage collection and
	// by licensesvc.Service.Delete).
	Delete(ctx context.Context, clientID string) error

	// FindExpiredActive returns all active licenses whose expiry is
	// already in the past, as of a snapshot taken at call time.
	FindExpiredActive(ctx context.Context, now time.Time) ([]*domain.License, error)

	// FindExpiringWithin returns active licenses expiring within the
	// given window that have not yet been warned at that level.
	FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration, level domain.WarnLevel) ([]*domain.License, error)

	// FindGarbage returns expired licenses whose expiry predates the
	// cutoff, eligible for Scheduler garbage collection.
	FindGarbage(ctx context.Context, cutoff time.Time) ([]*domain.License, error)

	// Stats returns counts keyed by "plan:status".
	Stats(ctx context.Context) (map[string]int, error)

	// List paginates all licenses with optional status/plan filters.
	List(ctx context.Context, page, limit int, statusFilter, planFilter string) ([]*domain.License, int, error)
}

// RevocationStore is the append-only revoked-token list.
type RevocationStore interface {
	// Revoke is idempotent: a duplicate token_id fails silently (returns
	// nil, no second row).
	Revoke(ctx context.Context, entry domain.RevocationEntry) error

	// IsRevoked reports whether tokenID has been revoked, and if so the
	// entry recorded for it.
	IsRevoked(ctx context.Context, tokenID string) (bool, *domain.RevocationEntry, error)
}

// WarnFlagStore tracks the per-(client, level) marks that keep expiry
// warnings to at most one per level per active window.
type WarnFlagStore interface {
	// IsSet reports whether the warn-flag for (clientID, level) is set.
	IsSet(ctx context.Context, clientID string, level domain.WarnLevel) (bool, error)

	// Set marks the warn-flag for (clientID, level).
	Set(ctx context.Context, clientID string, level domain.WarnLevel, at time.Time) error

	// ClearAll clears every warn-flag for clientID, called on Extend.
	ClearAll(ctx context.Context, clientID string) error
}

// RefreshTokenStore tracks issued refresh tokens so each can be revoked
// individually, independent of the general RevocationStore.
type RefreshTokenStore interface {
	Put(ctx context.Context, tokenID, clientID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string) error
}
