// Package tokens implements the signed-token codec: symmetric HS256 JWTs
// carrying license claims, issued as short-lived access / long-lived
// refresh pairs, with refresh ids tracked server-side so each can be
// revoked individually.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/store"
)

// Errors returned by Verify, mapped to external codes only at the handler
// boundary.
var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedClaims  = errors.New("malformed token claims")
	ErrExpired          = errors.New("token expired")
	ErrInvalidRefresh   = errors.New("invalid refresh token")
)

// skewTolerance is the clock-skew tolerance applied on verification only,
// never on issuance.
const skewTolerance = 30 * time.Second

// claims is the JWT wire representation of domain.Claims.
type claims struct {
	TokenID  string           `json:"token_id"`
	ClientID string           `json:"client_id"`
	Plan     domain.Plan      `json:"plan,omitempty"`
	Modules  []domain.Module  `json:"modules,omitempty"`
	Kind     domain.TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// Codec signs and verifies license tokens and tracks issued refresh ids.
type Codec struct {
	secret  []byte
	clock   clock.Clock
	idgen   clock.IDGen
	refresh store.RefreshTokenStore
}

// New constructs a Codec. secret is the server signing key.
func New(secret string, c clock.Clock, idgen clock.IDGen, refresh store.RefreshTokenStore) *Codec {
	return &Codec{secret: []byte(secret), clock: c, idgen: idgen, refresh: refresh}
}

// Sign produces a JWT for the given claims and kind. iat is always now();
// exp must already be set on c.
func (co *Codec) Sign(c domain.Claims) (string, error) {
	now := co.clock.Now()
	wire := claims{
		TokenID:  c.TokenID,
		ClientID: c.ClientID,
		Plan:     c.Plan,
		Modules:  c.Modules,
		Kind:     c.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpireAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, wire)
	return tok.SignedString(co.secret)
}

// Verify parses and validates a token, applying the 30s skew tolerance.
func (co *Codec) Verify(tokenString string) (*domain.Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return co.secret, nil
	}, jwt.WithLeeway(skewTolerance))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}

	w, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformedClaims
	}
	if w.TokenID == "" || w.ClientID == "" || w.ExpiresAt == nil {
		return nil, ErrMalformedClaims
	}
	if co.clock.Now().After(w.ExpiresAt.Time.Add(skewTolerance)) {
		return nil, ErrExpired
	}

	return &domain.Claims{
		TokenID:  w.TokenID,
		ClientID: w.ClientID,
		Plan:     w.Plan,
		Modules:  w.Modules,
		Kind:     w.Kind,
		IssuedAt: w.IssuedAt.Time,
		ExpireAt: w.ExpiresAt.Time,
	}, nil
}

// IssuePair signs an access/refresh pair for a client and records the
// refresh id in the RefreshTokenStore so it can be individually revoked.
func (co *Codec) IssuePair(clientID string, plan domain.Plan, modules []domain.Module, ttlAccess, ttlRefresh time.Duration) (access, refresh, accessID, refreshID string, err error) {
	now := co.clock.Now()

	accessID = co.idgen.NewID()
	access, err = co.Sign(domain.Claims{
		TokenID:  accessID,
		ClientID: clientID,
		Plan:     plan,
		Modules:  modules,
		Kind:     domain.TokenAccess,
		IssuedAt: now,
		ExpireAt: now.Add(ttlAccess),
	})
	if err != nil {
		return "", "", "", "", fmt.Errorf("sign access token: %w", err)
	}

	refreshID = co.idgen.NewID()
	refreshExpiry := now.Add(ttlRefresh)
	refresh, err = co.Sign(domain.Claims{
		TokenID:  refreshID,
		ClientID: clientID,
		Plan:     plan,
		Kind:     domain.TokenRefresh,
		IssuedAt: now,
		ExpireAt: refreshExpiry,
	})
	if err != nil {
		return "", "", "", "", fmt.Errorf("sign refresh token: %w", err)
	}

	if err := co.refresh.Put(context.Background(), refreshID, clientID, refreshExpiry); err != nil {
		return "", "", "", "", fmt.Errorf("track refresh token: %w", err)
	}

	return access, refresh, accessID, refreshID, nil
}

// RefreshToAccess mints a fresh access token from a still-valid refresh
// token, returning the new token and its id. The caller passes the live
// License's plan and modules so the new access token reflects the server
// record rather than whatever the refresh token was issued against, and
// must persist the returned id as the License's current token.
func (co *Codec) RefreshToAccess(refreshToken string, currentPlan domain.Plan, currentModules []domain.Module, ttlAccess time.Duration) (access, accessID string, err error) {
	c, err := co.Verify(refreshToken)
	if err != nil {
		return "", "", ErrInvalidRefresh
	}
	if c.Kind != domain.TokenRefresh {
		return "", "", ErrInvalidRefresh
	}
	revoked, err := co.refresh.IsRevoked(context.Background(), c.TokenID)
	if err != nil {
		return "", "", fmt.Errorf("check refresh revocation: %w", err)
	}
	if revoked {
		return "", "", ErrInvalidRefresh
	}

	now := co.clock.Now()
	accessID = co.idgen.NewID()
	access, err = co.Sign(domain.Claims{
		TokenID:  accessID,
		ClientID: c.ClientID,
		Plan:     currentPlan,
		Modules:  currentModules,
		Kind:     domain.TokenAccess,
		IssuedAt: now,
		ExpireAt: now.Add(ttlAccess),
	})
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}
	return access, accessID, nil
}

// RevokeRefresh invalidates a refresh token by id, extracted from the raw
// token (used by the revoke-refresh endpoint).
func (co *Codec) RevokeRefresh(refreshToken string) error {
	c, err := co.Verify(refreshToken)
	if err != nil {
		return ErrInvalidRefresh
	}
	return co.refresh.Revoke(context.Background(), c.TokenID)
}

