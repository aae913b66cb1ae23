package licensesvc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenguard/licensed/internal/audit"
	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/plans"
	"github.com/lumenguard/licensed/internal/store"
	"github.com/lumenguard/licensed/internal/store/memory"
	"github.com/lumenguard/licensed/internal/tokens"
	"github.com/lumenguard/licensed/internal/validator"
)

type svcFixture struct {
	store *memory.Store
	codec *tokens.Codec
	clk   *clock.Fake
	bus   *eventbus.Bus
	svc   *Service
	val   *validator.Validator
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	st := memory.New()
	clk := clock.NewFake(time.Now().UTC())
	codec := tokens.New("service-test-secret", clk, clock.UUIDGen{}, memory.NewRefreshStore())
	bus := eventbus.New(zerolog.Nop(), nil)
	auditor := audit.New(nil, zerolog.Nop())

	svc := New(st, st, st, codec, bus, auditor, clk, clock.UUIDGen{}, DefaultAccessTTL, DefaultRefreshTTL)
	return &svcFixture{
		store: st, codec: codec, clk: clk, bus: bus, svc: svc,
		val: validator.New(st, st, codec, clk, svc),
	}
}

// drainEvents returns all events currently queued on sub.
func drainEvents(sub *eventbus.Subscription) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreateThenValidateRoundTrip(t *testing.T) {
	f := newSvcFixture(t)

	res, err := f.svc.Create(context.Background(), CreateInput{
		ClientID: "c1", Plan: domain.PlanPremium, TTLDays: 30, Actor: "ops",
	})
	require.NoError(t, err)
	require.NotNil(t, res.License)
	assert.Equal(t, domain.StatusActive, res.License.Status)
	assert.Equal(t, 50, res.License.MaxUsers)
	assert.Equal(t, 30, res.License.DaysRemaining(f.clk.Now()))
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)

	vres, err := f.val.Validate(context.Background(), "c1", res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, validator.OutcomeValid, vres.Outcome)
	assert.True(t, plans.EqualModules(vres.License.ActiveModules, domain.PlanPremium))
}

func TestCreateRejectsDuplicateAndInvalidPlan(t *testing.T) {
	f := newSvcFixture(t)

	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = f.svc.Create(context.Background(), CreateInput{ClientID: "c2", Plan: "platinum", TTLDays: 30})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestCreateGeneratesClientID(t *testing.T) {
	f := newSvcFixture(t)
	res, err := f.svc.Create(context.Background(), CreateInput{Plan: domain.PlanDemo, TTLDays: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, res.License.ClientID)
}

func TestToggleIdempotence(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)
	originalToken := created.License.CurrentTokenID

	// First toggle: inactive, modules cleared, current token revoked.
	lic, err := f.svc.Toggle(context.Background(), "c1", "ops", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, lic.Status)
	assert.Empty(t, lic.ActiveModules)

	revoked, _, err := f.store.IsRevoked(context.Background(), originalToken)
	require.NoError(t, err)
	assert.True(t, revoked, "deactivation revokes the current token")

	// Second toggle: back to active with the plan's modules and a fresh token.
	lic, err = f.svc.Toggle(context.Background(), "c1", "ops", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, lic.Status)
	assert.True(t, plans.EqualModules(lic.ActiveModules, domain.PlanBasic))
	assert.NotEqual(t, originalToken, lic.CurrentTokenID)
}

func TestToggleNotFound(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Toggle(context.Background(), "ghost", "ops", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtendMonotonicity(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)
	before := created.License.ExpiresAt

	lic, err := f.svc.Extend(context.Background(), "c1", 15, "ops", "")
	require.NoError(t, err)
	assert.True(t, lic.ExpiresAt.After(before))
	assert.Equal(t, before.Add(15*24*time.Hour), lic.ExpiresAt)

	_, err = f.svc.Extend(context.Background(), "c1", 0, "ops", "")
	assert.ErrorIs(t, err, ErrNonPositiveDays)
	_, err = f.svc.Extend(context.Background(), "c1", -3, "ops", "")
	assert.ErrorIs(t, err, ErrNonPositiveDays)
}

func TestExtendRevivesExpiredAndClearsWarnFlags(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanPremium, TTLDays: 2})
	require.NoError(t, err)

	// Warned at the 3-day level, then expired by the sweep.
	require.NoError(t, f.store.Set(context.Background(), "c1", domain.WarnLevel3, f.clk.Now()))
	f.clk.Advance(3 * 24 * time.Hour)
	_, err = f.svc.Expire(context.Background(), "c1")
	require.NoError(t, err)

	lic, err := f.svc.Extend(context.Background(), "c1", 30, "ops", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, lic.Status)
	assert.True(t, plans.EqualModules(lic.ActiveModules, domain.PlanPremium))

	set, err := f.store.IsSet(context.Background(), "c1", domain.WarnLevel3)
	require.NoError(t, err)
	assert.False(t, set, "extend clears warn flags")
}

func TestUpdatePlanResetsModulesAndReissues(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)
	originalToken := created.License.CurrentTokenID

	lic, err := f.svc.UpdatePlan(context.Background(), "c1", domain.PlanEnterprise, "stripe-webhook", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanEnterprise, lic.Plan)
	assert.Equal(t, domain.MaxUsersUnlimited, lic.MaxUsers)
	assert.True(t, plans.EqualModules(lic.ActiveModules, domain.PlanEnterprise))
	assert.NotEqual(t, originalToken, lic.CurrentTokenID)

	_, err = f.svc.UpdatePlan(context.Background(), "c1", "gold", "ops", "")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestSetModule(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	lic, err := f.svc.SetModule(context.Background(), "c1", domain.ModuleAnalytics, true, "ops", "")
	require.NoError(t, err)
	assert.True(t, lic.HasModule(domain.ModuleAnalytics))

	// Enabling twice does not duplicate.
	lic, err = f.svc.SetModule(context.Background(), "c1", domain.ModuleAnalytics, true, "ops", "")
	require.NoError(t, err)
	count := 0
	for _, m := range lic.ActiveModules {
		if m == domain.ModuleAnalytics {
			count++
		}
	}
	assert.Equal(t, 1, count)

	lic, err = f.svc.SetModule(context.Background(), "c1", domain.ModuleAnalytics, false, "ops", "")
	require.NoError(t, err)
	assert.False(t, lic.HasModule(domain.ModuleAnalytics))

	_, err = f.svc.SetModule(context.Background(), "c1", "time_travel", true, "ops", "")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestRevokeIsTerminal(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanPremium, TTLDays: 30})
	require.NoError(t, err)
	tokenID := created.License.CurrentTokenID

	revokedAt, err := f.svc.Revoke(context.Background(), "c1", "policy", "terms violation", "ops", "")
	require.NoError(t, err)
	assert.False(t, revokedAt.IsZero())

	lic, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, lic.Status)
	assert.Empty(t, lic.ActiveModules)

	revoked, entry, err := f.store.IsRevoked(context.Background(), tokenID)
	require.NoError(t, err)
	require.True(t, revoked)
	assert.Equal(t, "policy", entry.Reason)

	// Revoked is terminal: toggling back is illegal.
	_, err = f.svc.Toggle(context.Background(), "c1", "ops", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Validation agrees.
	vres, err := f.val.Validate(context.Background(), "c1", created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, validator.OutcomeRevoked, vres.Outcome)
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanEnterprise, TTLDays: 1})
	require.NoError(t, err)
	f.clk.Advance(48 * time.Hour)

	sub := f.bus.Subscribe(eventbus.LicenseTopic("c1"), "test-sub")
	defer sub.Close()

	lic, err := f.svc.Expire(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, lic.Status)
	assert.Equal(t, []domain.Module{domain.ModuleBasicFeatures}, lic.ActiveModules)

	// Second firing is a no-op: no state change, no second event.
	_, err = f.svc.Expire(context.Background(), "c1")
	require.NoError(t, err)

	events := drainEvents(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "license_update", events[0].Type)
	assert.Equal(t, "expired", events[0].Payload["action"])
}

func TestDelete(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanDemo, TTLDays: 7})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), "c1", "scheduler", ""))

	_, err = f.store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.svc.Delete(context.Background(), "c1", "scheduler", ""), ErrNotFound)
}

func TestEveryMutationPublishesExactlyOneEvent(t *testing.T) {
	f := newSvcFixture(t)

	sub := f.bus.Subscribe(eventbus.LicenseTopic("c1"), "test-sub")
	defer sub.Close()

	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	ops := []struct {
		name   string
		action string
		run    func() error
	}{
		{"toggle off", "toggled", func() error { _, err := f.svc.Toggle(context.Background(), "c1", "ops", ""); return err }},
		{"toggle on", "toggled", func() error { _, err := f.svc.Toggle(context.Background(), "c1", "ops", ""); return err }},
		{"extend", "extended", func() error { _, err := f.svc.Extend(context.Background(), "c1", 5, "ops", ""); return err }},
		{"plan change", "plan_changed", func() error { _, err := f.svc.UpdatePlan(context.Background(), "c1", domain.PlanPremium, "ops", ""); return err }},
		{"module update", "modules_updated", func() error { _, err := f.svc.SetModule(context.Background(), "c1", domain.ModuleSSO, true, "ops", ""); return err }},
		{"revoke", "revoked", func() error { _, err := f.svc.Revoke(context.Background(), "c1", "policy", "", "ops", ""); return err }},
	}

	// Consume the create event first.
	created := drainEvents(sub)
	require.Len(t, created, 1)
	assert.Equal(t, "created", created[0].Payload["action"])

	for _, op := range ops {
		require.NoError(t, op.run(), op.name)
		events := drainEvents(sub)
		require.Len(t, events, 1, op.name)
		assert.Equal(t, "license_update", events[0].Type, op.name)
		assert.Equal(t, op.action, events[0].Payload["action"], op.name)
	}
}

func TestRefreshAccessPersistsCurrentToken(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanPremium, TTLDays: 30})
	require.NoError(t, err)

	lic, access, err := f.svc.RefreshAccess(context.Background(), created.RefreshToken)
	require.NoError(t, err)

	claims, err := f.codec.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, claims.TokenID, lic.CurrentTokenID, "refresh records the new access token as current")

	// The refreshed token validates; the one it superseded no longer does.
	vres, err := f.val.Validate(context.Background(), "c1", access)
	require.NoError(t, err)
	assert.Equal(t, validator.OutcomeValid, vres.Outcome)

	vres, err = f.val.Validate(context.Background(), "c1", created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, validator.OutcomeInvalidToken, vres.Outcome)
}

func TestRefreshAccessRejectsNonRefreshAndInactive(t *testing.T) {
	f := newSvcFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	_, _, err = f.svc.RefreshAccess(context.Background(), created.AccessToken)
	assert.ErrorIs(t, err, tokens.ErrInvalidRefresh, "access tokens cannot be exchanged")

	_, _, err = f.svc.RefreshAccess(context.Background(), "garbage")
	assert.ErrorIs(t, err, tokens.ErrInvalidRefresh)

	_, err = f.svc.Toggle(context.Background(), "c1", "ops", "")
	require.NoError(t, err)
	_, _, err = f.svc.RefreshAccess(context.Background(), created.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrInvalidRefresh, "inactive license cannot refresh")
}

func TestRecordCheckBumpsTimestampsWithoutPublishing(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	sub := f.bus.Subscribe(eventbus.LicenseTopic("c1"), "test-sub")
	defer sub.Close()

	f.clk.Advance(time.Hour)
	f.svc.RecordCheck(context.Background(), "c1", "VALID", "10.0.0.1")

	lic, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now(), lic.LastCheck)
	assert.Equal(t, f.clk.Now(), lic.LastActivity)

	assert.Empty(t, drainEvents(sub), "a check is an observation, not a lifecycle event")

	// Unknown clients still audit but never create a record.
	f.svc.RecordCheck(context.Background(), "ghost", "LICENSE_NOT_FOUND", "")
	_, err = f.store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssueTokenPairRequiresActive(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{ClientID: "c1", Plan: domain.PlanBasic, TTLDays: 30})
	require.NoError(t, err)

	lic, access, refresh, err := f.svc.IssueTokenPair(context.Background(), "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.Equal(t, "c1", lic.ClientID)

	// The new pair supersedes the old token on validation.
	vres, err := f.val.Validate(context.Background(), "c1", access)
	require.NoError(t, err)
	assert.Equal(t, validator.OutcomeValid, vres.Outcome)

	_, err = f.svc.Toggle(context.Background(), "c1", "ops", "")
	require.NoError(t, err)
	_, _, _, err = f.svc.IssueTokenPair(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrInactive)

	_, _, _, err = f.svc.IssueTokenPair(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
