package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/store/memory"
)

const testSecret = "test-signing-secret"

func newTestCodec(t *testing.T) (*Codec, *clock.Fake, *memory.RefreshStore) {
	t.Helper()
	clk := clock.NewFake(time.Now().UTC())
	refresh := memory.NewRefreshStore()
	return New(testSecret, clk, clock.UUIDGen{}, refresh), clk, refresh
}

func TestSignVerifyRoundTrip(t *testing.T) {
	codec, clk, _ := newTestCodec(t)

	in := domain.Claims{
		TokenID:  "tok-1",
		ClientID: "client-1",
		Plan:     domain.PlanPremium,
		Modules:  []domain.Module{domain.ModuleBasicFeatures, domain.ModuleAnalytics},
		Kind:     domain.TokenAccess,
		ExpireAt: clk.Now().Add(24 * time.Hour),
	}

	signed, err := codec.Sign(in)
	require.NoError(t, err)

	out, err := codec.Verify(signed)
	require.NoError(t, err)

	assert.Equal(t, in.TokenID, out.TokenID)
	assert.Equal(t, in.ClientID, out.ClientID)
	assert.Equal(t, in.Plan, out.Plan)
	assert.Equal(t, in.Modules, out.Modules)
	assert.Equal(t, domain.TokenAccess, out.Kind)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	codec, clk, _ := newTestCodec(t)
	other := New("a-different-secret", clk, clock.UUIDGen{}, memory.NewRefreshStore())

	signed, err := other.Sign(domain.Claims{
		TokenID: "tok-1", ClientID: "client-1", Kind: domain.TokenAccess,
		ExpireAt: clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec, _, _ := newTestCodec(t)
	_, err := codec.Verify("not-a-jwt-at-all")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyExpired(t *testing.T) {
	codec, clk, _ := newTestCodec(t)

	// Expired well beyond the 30s skew tolerance.
	signed, err := codec.Sign(domain.Claims{
		TokenID: "tok-1", ClientID: "client-1", Kind: domain.TokenAccess,
		ExpireAt: clk.Now().Add(-5 * time.Minute),
	})
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifySkewTolerance(t *testing.T) {
	codec, clk, _ := newTestCodec(t)

	// Expired ten seconds ago: still inside the 30s tolerance.
	signed, err := codec.Sign(domain.Claims{
		TokenID: "tok-1", ClientID: "client-1", Kind: domain.TokenAccess,
		ExpireAt: clk.Now().Add(-10 * time.Second),
	})
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.NoError(t, err)
}

func TestIssuePair(t *testing.T) {
	codec, _, _ := newTestCodec(t)

	access, refresh, accessID, refreshID, err := codec.IssuePair(
		"client-1", domain.PlanBasic,
		[]domain.Module{domain.ModuleBasicFeatures, domain.ModuleAdvancedSearch},
		time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, accessID, refreshID)

	ac, err := codec.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenAccess, ac.Kind)
	assert.Equal(t, accessID, ac.TokenID)
	assert.Len(t, ac.Modules, 2)

	rc, err := codec.Verify(refresh)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenRefresh, rc.Kind)
	assert.Equal(t, refreshID, rc.TokenID)
	assert.Empty(t, rc.Modules, "refresh tokens carry no modules")
}

func TestRefreshCycleAndRevoke(t *testing.T) {
	codec, _, _ := newTestCodec(t)

	_, refresh, _, _, err := codec.IssuePair("client-1", domain.PlanPremium, nil, time.Hour, 24*time.Hour)
	require.NoError(t, err)

	// Exchange succeeds while the refresh token is live, and the new access
	// token carries the caller-supplied current state.
	access, accessID, err := codec.RefreshToAccess(refresh, domain.PlanEnterprise,
		[]domain.Module{domain.ModuleSSO}, time.Hour)
	require.NoError(t, err)

	ac, err := codec.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, accessID, ac.TokenID)
	assert.Equal(t, domain.PlanEnterprise, ac.Plan)
	assert.Equal(t, []domain.Module{domain.ModuleSSO}, ac.Modules)

	require.NoError(t, codec.RevokeRefresh(refresh))

	_, _, err = codec.RefreshToAccess(refresh, domain.PlanEnterprise, nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshToAccessRejectsAccessToken(t *testing.T) {
	codec, _, _ := newTestCodec(t)

	access, _, _, _, err := codec.IssuePair("client-1", domain.PlanBasic, nil, time.Hour, 24*time.Hour)
	require.NoError(t, err)

	_, _, err = codec.RefreshToAccess(access, domain.PlanBasic, nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestUntrackedRefreshBehavesAsRevoked(t *testing.T) {
	codec, clk, _ := newTestCodec(t)

	// Signed correctly but never issued through IssuePair, so the refresh
	// store has no record of it.
	forged, err := codec.Sign(domain.Claims{
		TokenID: "never-issued", ClientID: "client-1", Kind: domain.TokenRefresh,
		ExpireAt: clk.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, _, err = codec.RefreshToAccess(forged, domain.PlanBasic, nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}
