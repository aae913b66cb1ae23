// Package licensesvc is the single writer for License and Revocation
// state: every lifecycle operation (create, toggle, extend, plan change,
// module override, revoke, delete, expire) runs under a per-client lock,
// persists, appends one audit event and publishes one bus event. Toggle
// goes through a transition routine that rejects illegal moves, and no
// operation moves a license out of status=revoked, so a revoked license
// can never come back.
package licensesvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenguard/licensed/internal/audit"
	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/plans"
	"github.com/lumenguard/licensed/internal/store"
	"github.com/lumenguard/licensed/internal/tokens"
)

// Errors returned by Service operations, mapped to external codes only at
// the handler boundary.
var (
	ErrNotFound          = errors.New("license not found")
	ErrAlreadyExists     = errors.New("license already exists")
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrNonPositiveDays   = errors.New("days must be positive")
	ErrUnknownModule     = errors.New("unknown module")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrInactive          = errors.New("license is inactive")
)

const (
	// DefaultAccessTTL and DefaultRefreshTTL apply when no TTLs are
	// configured; cmd/licensed wires the configured values instead.
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 365 * 24 * time.Hour

	// GCAfter is the minimum time in status=expired before garbage
	// collection may delete a record.
	GCAfter = 90 * 24 * time.Hour
)

// Service is the single writer for License/Revocation state.
type Service struct {
	store   store.LicenseStore
	revoke  store.RevocationStore
	warn    store.WarnFlagStore
	codec   *tokens.Codec
	bus     *eventbus.Bus
	auditor *audit.Log
	clock   clock.Clock
	idgen   clock.IDGen
	locks   *keyedMutex

	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New constructs a Service.
func New(s store.LicenseStore, r store.RevocationStore, w store.WarnFlagStore, codec *tokens.Codec, bus *eventbus.Bus, auditor *audit.Log, clk clock.Clock, idgen clock.IDGen, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store: s, revoke: r, warn: w, codec: codec, bus: bus, auditor: auditor,
		clock: clk, idgen: idgen, locks: newKeyedMutex(),
		accessTTL: accessTTL, refreshTTL: refreshTTL,
	}
}

// CreateInput carries the Create operation's fields.
type CreateInput struct {
	ClientID     string // optional; generated if empty
	Plan         domain.Plan
	CompanyName  string
	ContactEmail string
	TTLDays      int
	Actor        string
	IP           string
}

// CreateResult bundles the new License and its freshly issued token pair.
type CreateResult struct {
	License      *domain.License
	AccessToken  string
	RefreshToken string
}

// Create provisions a new License with the plan's module set and a fresh
// token pair.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if !in.Plan.Valid() {
		return nil, ErrInvalidPlan
	}
	clientID := in.ClientID
	if clientID == "" {
		clientID = s.idgen.NewID()
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	if _, err := s.store.Get(ctx, clientID); err == nil {
		return nil, ErrAlreadyExists
	} else if err != store.ErrNotFound {
		return nil, err
	}

	now := s.clock.Now()
	ttl := time.Duration(in.TTLDays) * 24 * time.Hour
	lic := &domain.License{
		ClientID:      clientID,
		Plan:          in.Plan,
		Status:        domain.StatusActive,
		ActiveModules: plans.ModulesForPlan(in.Plan),
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxUsers:      plans.MaxUsersForPlan(in.Plan),
		CompanyName:   in.CompanyName,
		ContactEmail:  in.ContactEmail,
	}

	access, refresh, accessID, _, err := s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules, s.accessTTL, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = accessID
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "created", IP: in.IP})

	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditCreation, clientID, in.Actor, in.IP, domain.AuditSuccess, domain.SeverityLow, nil)
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{
		"action": "created", "plan": lic.Plan, "status": lic.Status,
	})

	return &CreateResult{License: lic, AccessToken: access, RefreshToken: refresh}, nil
}

// Toggle flips active<->inactive.
func (s *Service) Toggle(ctx context.Context, clientID, actor, ip string) (*domain.License, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	target := domain.StatusActive
	if lic.Status == domain.StatusActive {
		target = domain.StatusInactive
	}

	if err := s.transitionLocked(ctx, lic, target); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "toggled", IP: ip})
	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditToggle, clientID, actor, ip, domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"status": lic.Status})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "toggled", "status": lic.Status})
	return lic, nil
}

// IssueTokenPair mints a fresh access/refresh pair for an already-active
// license without otherwise touching its state, for SDK bootstrap or
// re-pairing after a lost token.
func (s *Service) IssueTokenPair(ctx context.Context, clientID string) (*domain.License, string, string, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, "", "", mapNotFound(err)
	}
	if lic.Status != domain.StatusActive {
		return nil, "", "", ErrInactive
	}

	access, refresh, accessID, _, err := s.codec.IssuePair(lic.ClientID, lic.Plan, lic.ActiveModules, s.accessTTL, s.refreshTTL)
	if err != nil {
		return nil, "", "", fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = accessID
	now := s.clock.Now()
	lic.UpdatedAt = now
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "token_paired"})

	if err := s.store.Put(ctx, lic); err != nil {
		return nil, "", "", fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditValidation, clientID, "sdk", "", domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"action": "token_paired"})
	return lic, access, refresh, nil
}

// transitionLocked moves lic to target under the caller's held per-client
// lock. Revoked is terminal: no transition out of it is legal. Moving to
// inactive clears modules and revokes the current token; moving to active
// restores the plan's modules and reissues.
func (s *Service) transitionLocked(ctx context.Context, lic *domain.License, target domain.Status) error {
	if lic.Status == domain.StatusRevoked {
		return ErrIllegalTransition
	}
	now := s.clock.Now()
	lic.UpdatedAt = now

	switch target {
	case domain.StatusInactive:
		lic.Status = domain.StatusInactive
		lic.ActiveModules = nil
		if lic.CurrentTokenID != "" {
			_ = s.revoke.Revoke(ctx, domain.RevocationEntry{
				TokenID: lic.CurrentTokenID, ClientID: lic.ClientID, RevokedAt: now, Reason: "deactivated",
			})
		}
	case domain.StatusActive:
		lic.Status = domain.StatusActive
		lic.ActiveModules = plans.ModulesForPlan(lic.Plan)
		_, _, accessID, _, err := s.codec.IssuePair(lic.ClientID, lic.Plan, lic.ActiveModules, s.accessTTL, s.refreshTTL)
		if err != nil {
			return fmt.Errorf("reissue token: %w", err)
		}
		lic.CurrentTokenID = accessID
	default:
		return ErrIllegalTransition
	}
	return nil
}

// Extend pushes expires_at forward by the given days. An expired license
// returns to active with its modules restored; stale warn-flags are
// cleared so the new window warns afresh.
func (s *Service) Extend(ctx context.Context, clientID string, days int, actor, ip string) (*domain.License, error) {
	if days <= 0 {
		return nil, ErrNonPositiveDays
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	wasExpired := lic.Status == domain.StatusExpired
	lic.ExpiresAt = lic.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	now := s.clock.Now()
	lic.UpdatedAt = now

	if wasExpired {
		lic.Status = domain.StatusActive
		lic.ActiveModules = plans.ModulesForPlan(lic.Plan)
	}

	_, _, accessID, _, err := s.codec.IssuePair(lic.ClientID, lic.Plan, lic.ActiveModules, s.accessTTL, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("reissue token: %w", err)
	}
	lic.CurrentTokenID = accessID

	if err := s.warn.ClearAll(ctx, clientID); err != nil {
		return nil, fmt.Errorf("clear warn flags: %w", err)
	}

	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "extended", IP: ip, Meta: map[string]interface{}{"days": days}})
	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditExtension, clientID, actor, ip, domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"days": days})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "extended", "expires_at": lic.ExpiresAt})
	return lic, nil
}

// UpdatePlan changes the plan, resets modules to the new plan's set and
// reissues the token.
func (s *Service) UpdatePlan(ctx context.Context, clientID string, plan domain.Plan, actor, ip string) (*domain.License, error) {
	if !plan.Valid() {
		return nil, ErrInvalidPlan
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	lic.Plan = plan
	lic.MaxUsers = plans.MaxUsersForPlan(plan)
	if lic.Status == domain.StatusActive {
		lic.ActiveModules = plans.ModulesForPlan(plan)
	}
	now := s.clock.Now()
	lic.UpdatedAt = now

	_, _, accessID, _, err := s.codec.IssuePair(lic.ClientID, lic.Plan, lic.ActiveModules, s.accessTTL, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("reissue token: %w", err)
	}
	lic.CurrentTokenID = accessID

	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "plan_changed", IP: ip, Meta: map[string]interface{}{"plan": plan}})
	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditPlanChange, clientID, actor, ip, domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"plan": plan})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "plan_changed", "plan": lic.Plan})
	return lic, nil
}

// SetModule is an administrative override of a single module without
// touching the plan.
func (s *Service) SetModule(ctx context.Context, clientID string, module domain.Module, enabled bool, actor, ip string) (*domain.License, error) {
	if !plans.KnownModule(module) {
		return nil, ErrUnknownModule
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	if enabled {
		if !lic.HasModule(module) {
			lic.ActiveModules = append(lic.ActiveModules, module)
		}
	} else {
		filtered := lic.ActiveModules[:0]
		for _, m := range lic.ActiveModules {
			if m != module {
				filtered = append(filtered, m)
			}
		}
		lic.ActiveModules = filtered
	}
	now := s.clock.Now()
	lic.UpdatedAt = now
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "modules_updated", IP: ip, Meta: map[string]interface{}{"module": module, "enabled": enabled}})

	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditModulesUpdate, clientID, actor, ip, domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"module": module, "enabled": enabled})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "modules_updated", "active_modules": lic.ActiveModules})
	return lic, nil
}

// Revoke adds the current token to the revocation list and moves the
// license to its terminal revoked state.
func (s *Service) Revoke(ctx context.Context, clientID, reason, description, actor, ip string) (time.Time, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return time.Time{}, mapNotFound(err)
	}

	now := s.clock.Now()
	if lic.CurrentTokenID != "" {
		if err := s.revoke.Revoke(ctx, domain.RevocationEntry{
			TokenID: lic.CurrentTokenID, ClientID: clientID, RevokedAt: now, Reason: reason, Description: description,
		}); err != nil {
			return time.Time{}, fmt.Errorf("revoke token: %w", err)
		}
	}
	lic.Status = domain.StatusRevoked
	lic.ActiveModules = nil
	lic.UpdatedAt = now
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "revoked", IP: ip, Meta: map[string]interface{}{"reason": reason}})

	if err := s.store.Put(ctx, lic); err != nil {
		return time.Time{}, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditRevocation, clientID, actor, ip, domain.AuditSuccess, domain.SeverityMedium, map[string]interface{}{"reason": reason})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "revoked", "revoked_at": now, "reason": reason})
	return now, nil
}

// Delete removes a record outright, appending an audit event and
// publishing the deletion. The scheduler's garbage collection does not go
// through this method; it deletes through the store directly.
func (s *Service) Delete(ctx context.Context, clientID, actor, ip string) error {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := s.store.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}

	s.audit(ctx, domain.AuditScheduler, clientID, actor, ip, domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"action": "gc_deleted"})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "deleted"})
	return nil
}

// Expire forces a transition to status=expired, reducing modules to basic
// features without reissuing a token. Idempotent under repeated firing.
// A revoked license is left unchanged and ErrIllegalTransition returned.
func (s *Service) Expire(ctx context.Context, clientID string) (*domain.License, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if lic.Status == domain.StatusExpired {
		return lic, nil // idempotent under repeated firing
	}
	if lic.Status == domain.StatusRevoked {
		return nil, ErrIllegalTransition
	}

	now := s.clock.Now()
	lic.Status = domain.StatusExpired
	lic.ActiveModules = append([]domain.Module(nil), plans.BasicFeaturesOnly...)
	lic.UpdatedAt = now
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "expired"})

	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditScheduler, clientID, "scheduler", "", domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"action": "expired"})
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "expired"})
	return lic, nil
}

// ReconcileExpired implements validator.Reconciler.
func (s *Service) ReconcileExpired(ctx context.Context, clientID string) (*domain.License, error) {
	return s.Expire(ctx, clientID)
}

// ReconcileModulesDrift implements validator.Reconciler: repairs
// active_modules to the plan's set without reissuing a token, since the
// drift is a read-path auto-repair rather than a plan change.
func (s *Service) ReconcileModulesDrift(ctx context.Context, clientID string) (*domain.License, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	lic.ActiveModules = plans.ModulesForPlan(lic.Plan)
	lic.UpdatedAt = s.clock.Now()
	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "modules_repaired"})
	return lic, nil
}

// ReconcileRevoked implements validator.Reconciler: brings a License's
// status in line with a revocation-list entry discovered on the read path.
func (s *Service) ReconcileRevoked(ctx context.Context, clientID string) (*domain.License, error) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	lic, err := s.store.Get(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	lic.Status = domain.StatusRevoked
	lic.ActiveModules = nil
	lic.UpdatedAt = s.clock.Now()
	if err := s.store.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}
	s.publish(ctx, clientID, lic.Plan, "license_update", map[string]interface{}{"action": "revoked"})
	return lic, nil
}

// RefreshAccess exchanges a refresh token for a new access token and
// persists the new token id as the License's current token, so the very
// next check accepts it. Anything short of a live refresh token against an
// active, unexpired license is an invalid refresh.
func (s *Service) RefreshAccess(ctx context.Context, refreshToken string) (*domain.License, string, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil || claims.Kind != domain.TokenRefresh {
		return nil, "", tokens.ErrInvalidRefresh
	}

	unlock := s.locks.Lock(claims.ClientID)
	defer unlock()

	lic, err := s.store.Get(ctx, claims.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", tokens.ErrInvalidRefresh
		}
		return nil, "", err
	}
	now := s.clock.Now()
	if lic.Status != domain.StatusActive || !lic.ExpiresAt.After(now) {
		return nil, "", tokens.ErrInvalidRefresh
	}

	access, accessID, err := s.codec.RefreshToAccess(refreshToken, lic.Plan, lic.ActiveModules, s.accessTTL)
	if err != nil {
		return nil, "", err
	}
	lic.CurrentTokenID = accessID
	lic.UpdatedAt = now
	lic.LastActivity = now
	lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "token_refreshed"})

	if err := s.store.Put(ctx, lic); err != nil {
		return nil, "", fmt.Errorf("persist license: %w", err)
	}

	s.audit(ctx, domain.AuditValidation, lic.ClientID, "client", "", domain.AuditSuccess, domain.SeverityLow, map[string]interface{}{"action": "token_refreshed"})
	return lic, access, nil
}

// RecordCheck notes a validation attempt: bumps last_check/last_activity
// and appends the validation audit event. No bus event is published; a
// check is an observation, not a lifecycle change.
func (s *Service) RecordCheck(ctx context.Context, clientID, outcome, ip string) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	status := domain.AuditFailed
	if outcome == "VALID" {
		status = domain.AuditSuccess
	}
	severity := domain.SeverityLow
	if outcome == "INVALID_TOKEN" {
		severity = domain.SeverityMedium
	}

	if lic, err := s.store.Get(ctx, clientID); err == nil {
		now := s.clock.Now()
		lic.LastCheck = now
		lic.LastActivity = now
		lic.AppendActivity(domain.ActivityEntry{Timestamp: now, Kind: "check", IP: ip, Meta: map[string]interface{}{"outcome": outcome}})
		_ = s.store.Put(ctx, lic)
	}

	s.audit(ctx, domain.AuditValidation, clientID, "client", ip, status, severity, map[string]interface{}{"outcome": outcome})
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Service) audit(ctx context.Context, kind domain.AuditKind, clientID, actor, ip string, status domain.AuditStatus, sev domain.AuditSeverity, payload map[string]interface{}) {
	_ = s.auditor.Append(ctx, domain.AuditEvent{
		EventType: kind, ClientID: clientID, Actor: actor, IP: ip, Status: status, Severity: sev, Payload: payload,
	})
}

func (s *Service) publish(ctx context.Context, clientID string, plan domain.Plan, eventType string, payload map[string]interface{}) {
	s.bus.Publish(ctx, eventbus.Event{
		Topics:  []string{eventbus.LicenseTopic(clientID), eventbus.PlanTopic(string(plan))},
		Type:    eventType,
		Payload: payload,
	})
}
