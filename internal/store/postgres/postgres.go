// Package postgres is the durable store.LicenseStore / store.RevocationStore
// / store.WarnFlagStore / store.RefreshTokenStore implementation: plain SQL
// via the shared pgx pool, pgx.ErrNoRows mapped to package sentinel errors.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/plans"
	"github.com/lumenguard/licensed/internal/repository"
	"github.com/lumenguard/licensed/internal/store"
)

// Store is the Postgres-backed implementation of the license-domain stores.
type Store struct {
	db *repository.PostgresDB
}

// New wraps an already-connected PostgresDB.
func New(db *repository.PostgresDB) *Store {
	return &Store{db: db}
}

// Schema is the DDL this store expects, applied once at bootstrap by
// operator tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS licenses (
	client_id        TEXT PRIMARY KEY,
	plan             TEXT NOT NULL,
	status           TEXT NOT NULL,
	active_modules   JSONB NOT NULL DEFAULT '[]',
	expires_at       TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_check       TIMESTAMPTZ,
	last_activity    TIMESTAMPTZ,
	max_users        INT NOT NULL,
	company_name     TEXT,
	contact_email    TEXT,
	current_token_id TEXT,
	activity_log     JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
CREATE INDEX IF NOT EXISTS idx_licenses_expires_at ON licenses(expires_at);

CREATE TABLE IF NOT EXISTS revocations (
	token_id    TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	revoked_at  TIMESTAMPTZ NOT NULL,
	reason      TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS warn_flags (
	client_id TEXT NOT NULL,
	level     INT NOT NULL,
	set_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, level)
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_id   TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
`

func scanLicense(row pgx.Row) (*domain.License, error) {
	var l domain.License
	var modulesJSON, activityJSON []byte
	err := row.Scan(&l.ClientID, &l.Plan, &l.Status, &modulesJSON, &l.ExpiresAt,
		&l.CreatedAt, &l.UpdatedAt, &l.LastCheck, &l.LastActivity, &l.MaxUsers,
		&l.CompanyName, &l.ContactEmail, &l.CurrentTokenID, &activityJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	if err := json.Unmarshal(modulesJSON, &l.ActiveModules); err != nil {
		return nil, fmt.Errorf("decode active_modules: %w", err)
	}
	if err := json.Unmarshal(activityJSON, &l.ActivityLog); err != nil {
		return nil, fmt.Errorf("decode activity_log: %w", err)
	}
	return &l, nil
}

const licenseColumns = `client_id, plan, status, active_modules, expires_at, created_at, updated_at, last_check, last_activity, max_users, company_name, contact_email, current_token_id, activity_log`

// Get implements store.LicenseStore.
func (s *Store) Get(ctx context.Context, clientID string) (*domain.License, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE client_id = $1`, clientID)
	return scanLicense(row)
}

// Put implements store.LicenseStore. Inactive and revoked licenses must
// carry no modules, and every module must be known; module drift on an
// active license is tolerated here because administrative overrides
// produce it and the validator repairs it.
func (s *Store) Put(ctx context.Context, lic *domain.License) error {
	if (lic.Status == domain.StatusInactive || lic.Status == domain.StatusRevoked) && len(lic.ActiveModules) != 0 {
		return fmt.Errorf("invariant violation: inactive or revoked license must carry no modules")
	}
	for _, m := range lic.ActiveModules {
		if !plans.KnownModule(m) {
			return fmt.Errorf("invariant violation: unknown module %q", m)
		}
	}
	modulesJSON, err := json.Marshal(lic.ActiveModules)
	if err != nil {
		return err
	}
	activityJSON, err := json.Marshal(lic.ActivityLog)
	if err != nil {
		return err
	}
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (client_id) DO UPDATE SET
			plan = $2, status = $3, active_modules = $4, expires_at = $5,
			updated_at = $7, last_check = $8, last_activity = $9, max_users = $10,
			company_name = $11, contact_email = $12, current_token_id = $13, activity_log = $14
	`, lic.ClientID, lic.Plan, lic.Status, modulesJSON, lic.ExpiresAt, lic.CreatedAt,
		lic.UpdatedAt, lic.LastCheck, lic.LastActivity, lic.MaxUsers, lic.CompanyName,
		lic.ContactEmail, lic.CurrentTokenID, activityJSON)
	if err != nil {
		return fmt.Errorf("put license: %w", err)
	}
	return nil
}

// Delete implements store.LicenseStore.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM licenses WHERE client_id = $1`, clientID)
	return err
}

func (s *Store) queryLicenses(ctx context.Context, query string, args ...interface{}) ([]*domain.License, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query licenses: %w", err)
	}
	defer rows.Close()
	var out []*domain.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindExpiredActive implements store.LicenseStore.
func (s *Store) FindExpiredActive(ctx context.Context, now time.Time) ([]*domain.License, error) {
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE status = $1 AND expires_at < $2`, domain.StatusActive, now)
}

// FindExpiringWithin implements store.LicenseStore.
func (s *Store) FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration, level domain.WarnLevel) ([]*domain.License, error) {
	deadline := now.Add(window)
	return s.queryLicenses(ctx, `
		SELECT `+licenseColumns+` FROM licenses l
		WHERE l.status = $1 AND l.expires_at > $2 AND l.expires_at <= $3
		AND NOT EXISTS (SELECT 1 FROM warn_flags w WHERE w.client_id = l.client_id AND w.level = $4)
	`, domain.StatusActive, now, deadline, int(level))
}

// FindGarbage implements store.LicenseStore.
func (s *Store) FindGarbage(ctx context.Context, cutoff time.Time) ([]*domain.License, error) {
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE status = $1 AND expires_at < $2`, domain.StatusExpired, cutoff)
}

// Stats implements store.LicenseStore.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT plan, status, COUNT(*) FROM licenses GROUP BY plan, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var plan, status string
		var count int
		if err := rows.Scan(&plan, &status, &count); err != nil {
			return nil, err
		}
		out[plan+":"+status] = count
	}
	return out, rows.Err()
}

// List implements store.LicenseStore.
func (s *Store) List(ctx context.Context, page, limit int, statusFilter, planFilter string) ([]*domain.License, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	where := "WHERE ($1 = '' OR status = $1) AND ($2 = '' OR plan = $2)"
	var total int
	err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM licenses `+where, statusFilter, planFilter).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count licenses: %w", err)
	}
	items, err := s.queryLicenses(ctx, `
		SELECT `+licenseColumns+` FROM licenses `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, statusFilter, planFilter, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Revoke implements store.RevocationStore.
func (s *Store) Revoke(ctx context.Context, entry domain.RevocationEntry) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO revocations (token_id, client_id, revoked_at, reason, description)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (token_id) DO NOTHING
	`, entry.TokenID, entry.ClientID, entry.RevokedAt, entry.Reason, entry.Description)
	return err
}

// IsRevoked implements store.RevocationStore.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, *domain.RevocationEntry, error) {
	var e domain.RevocationEntry
	err := s.db.Pool().QueryRow(ctx, `
		SELECT token_id, client_id, revoked_at, reason, COALESCE(description, '') FROM revocations WHERE token_id = $1
	`, tokenID).Scan(&e.TokenID, &e.ClientID, &e.RevokedAt, &e.Reason, &e.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, &e, nil
}

// IsSet implements store.WarnFlagStore.
func (s *Store) IsSet(ctx context.Context, clientID string, level domain.WarnLevel) (bool, error) {
	var exists bool
	err := s.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM warn_flags WHERE client_id = $1 AND level = $2)`, clientID, int(level)).Scan(&exists)
	return exists, err
}

// Set implements store.WarnFlagStore.
func (s *Store) Set(ctx context.Context, clientID string, level domain.WarnLevel, at time.Time) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO warn_flags (client_id, level, set_at) VALUES ($1,$2,$3)
		ON CONFLICT (client_id, level) DO UPDATE SET set_at = $3
	`, clientID, int(level), at)
	return err
}

// ClearAll implements store.WarnFlagStore.
func (s *Store) ClearAll(ctx context.Context, clientID string) error {
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM warn_flags WHERE client_id = $1`, clientID)
	return err
}

// RefreshTokens is the Postgres store.RefreshTokenStore implementation.
type RefreshTokens struct {
	db *repository.PostgresDB
}

// NewRefreshTokens wraps an already-connected PostgresDB.
func NewRefreshTokens(db *repository.PostgresDB) *RefreshTokens {
	return &RefreshTokens{db: db}
}

// Put implements store.RefreshTokenStore.
func (r *RefreshTokens) Put(ctx context.Context, tokenID, clientID string, expiresAt time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO refresh_tokens (token_id, client_id, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, clientID, expiresAt)
	return err
}

// IsRevoked implements store.RefreshTokenStore.
func (r *RefreshTokens) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revokedAt *time.Time
	err := r.db.Pool().QueryRow(ctx, `SELECT revoked_at FROM refresh_tokens WHERE token_id = $1`, tokenID).Scan(&revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return revokedAt != nil, nil
}

// Revoke implements store.RefreshTokenStore.
func (r *RefreshTokens) Revoke(ctx context.Context, tokenID string) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE refresh_tokens SET revoked_at = $1 WHERE token_id = $2`, time.Now().UTC(), tokenID)
	return err
}

var (
	_ store.LicenseStore      = (*Store)(nil)
	_ store.RevocationStore   = (*Store)(nil)
	_ store.WarnFlagStore     = (*Store)(nil)
	_ store.RefreshTokenStore = (*RefreshTokens)(nil)
)
