// Package licenseclient is the SDK a licensed application embeds to enforce
// its own license locally: verify a cached access token offline, track a
// grace period while the license server is unreachable, and gate module
// access. It deliberately imports nothing under internal/ so applications
// can vendor it without pulling in the server.
package licenseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Plan and Module mirror the server's vocabulary without importing
// internal/domain; kept as plain strings so this package has zero
// dependency on the server module.
type Plan string

const (
	PlanDemo       Plan = "demo"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

type Module string

// Errors returned by Client operations.
var (
	ErrNoToken             = errors.New("no access token loaded")
	ErrInvalidToken        = errors.New("invalid or malformed access token")
	ErrTokenExpired        = errors.New("access token has expired")
	ErrModuleNotLicensed   = errors.New("module not included in license")
	ErrOnlineCheckRequired = errors.New("online validation required")
	ErrGracePeriodExpired  = errors.New("grace period has expired; reconnect to the license server")
)

// claims is the wire shape of a server-issued access token (must match
// internal/tokens.claims's JSON field names).
type claims struct {
	TokenID  string   `json:"token_id"`
	ClientID string   `json:"client_id"`
	Plan     Plan     `json:"plan,omitempty"`
	Modules  []Module `json:"modules,omitempty"`
	Kind     string   `json:"kind"`
	jwt.RegisteredClaims
}

// Status is a snapshot of the client's current validation state.
type Status struct {
	Valid           bool      `json:"valid"`
	Plan            Plan      `json:"plan"`
	Modules         []Module  `json:"modules"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastValidated   time.Time `json:"last_validated"`
	OnlineValidated bool      `json:"online_validated"`
	GracePeriod     bool      `json:"grace_period"`
	Message         string    `json:"message,omitempty"`
}

// Config configures a Client.
type Config struct {
	// VerificationKey is the same shared secret the server signs with.
	// Distributing a symmetric secret to embedded clients trusts the
	// deployment boundary.
	VerificationKey string
	ServerURL       string        // base URL of the Request API's /check endpoint
	OfflineGrace    time.Duration // default 24h
	CheckInterval   time.Duration // default 24h
	HTTPClient      *http.Client
}

func (c Config) withDefaults() Config {
	if c.OfflineGrace == 0 {
		c.OfflineGrace = 24 * time.Hour
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 24 * time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

// Client holds a loaded access token and tracks online/offline validation
// state across repeated Verify/ValidateOnline calls.
type Client struct {
	mu sync.RWMutex

	cfg    Config
	raw    string
	claims *claims
	status Status

	offlineSince time.Time
}

// New constructs a Client. Does not load a token; call LoadToken first.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// LoadToken verifies and caches an access token offline (signature + exp,
// with a 30s clock-skew leeway, matching internal/tokens.Codec.Verify's
// own tolerance).
func (c *Client) LoadToken(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(c.cfg.VerificationKey), nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}

	w, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || w.ClientID == "" {
		return ErrInvalidToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = token
	c.claims = w
	c.status = Status{
		Valid:         true,
		Plan:          w.Plan,
		Modules:       w.Modules,
		ExpiresAt:     w.ExpiresAt.Time,
		LastValidated: time.Now(),
	}
	return nil
}

// checkResponse is the check endpoint's JSON body. On success the server
// sends valid=true plus a license view; on a definitive rejection it sends
// a machine-readable error code.
type checkResponse struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error"`
	License struct {
		Plan          Plan     `json:"plan"`
		Modules       []Module `json:"modules"`
		DaysRemaining int      `json:"days_remaining"`
	} `json:"license"`
}

// ValidateOnline posts the cached token to the server's check endpoint. A
// network or server failure enters (or continues) a grace period bounded
// by cfg.OfflineGrace; once that grace period elapses, ValidateOnline
// returns ErrGracePeriodExpired and the client should stop serving
// licensed functionality. A definitive rejection (revoked, expired, not
// found) marks the license invalid immediately, with no grace.
func (c *Client) ValidateOnline(ctx context.Context) error {
	c.mu.Lock()
	tok := c.claims
	raw := c.raw
	c.mu.Unlock()
	if tok == nil {
		return ErrNoToken
	}

	payload, err := json.Marshal(map[string]string{"client_id": tok.ClientID, "token": raw})
	if err != nil {
		return fmt.Errorf("encode check request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.ServerURL+"/v1/licenses/check", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return c.enterGrace(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return c.enterGrace(fmt.Sprintf("server returned %d", resp.StatusCode))
	}

	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return c.enterGrace("malformed check response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.offlineSince = time.Time{}
	c.status.LastValidated = time.Now()
	c.status.OnlineValidated = true
	c.status.GracePeriod = false

	if !body.Valid {
		c.status.Valid = false
		c.status.Message = body.Error
		return fmt.Errorf("license rejected: %s", body.Error)
	}

	c.status.Valid = true
	c.status.Message = ""
	if body.License.Plan != "" {
		c.status.Plan = body.License.Plan
		c.status.Modules = body.License.Modules
	}
	return nil
}

func (c *Client) enterGrace(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offlineSince.IsZero() {
		c.offlineSince = time.Now()
	}
	elapsed := time.Since(c.offlineSince)
	if elapsed > c.cfg.OfflineGrace {
		c.status.Valid = false
		c.status.GracePeriod = false
		c.status.Message = "grace period expired: " + reason
		return ErrGracePeriodExpired
	}

	c.status.GracePeriod = true
	remaining := c.cfg.OfflineGrace - elapsed
	c.status.Message = fmt.Sprintf("offline (%s): %d days grace remaining", reason, int(remaining.Hours()/24))
	return nil
}

// HasModule reports whether the cached token includes module.
func (c *Client) HasModule(module Module) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.claims == nil {
		return false
	}
	for _, m := range c.claims.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// RequireModule returns ErrModuleNotLicensed if module isn't active.
func (c *Client) RequireModule(module Module) error {
	if !c.HasModule(module) {
		return fmt.Errorf("%w: %s", ErrModuleNotLicensed, module)
	}
	return nil
}

// GetStatus returns the last-known validation snapshot.
func (c *Client) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsValid reports the last-known validity, without making a network call.
func (c *Client) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Valid
}

// StartBackgroundValidation periodically calls ValidateOnline until ctx is
// canceled. Errors are swallowed here; callers that need to react to
// ErrGracePeriodExpired should call ValidateOnline directly instead.
func (c *Client) StartBackgroundValidation(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.ValidateOnline(ctx)
			}
		}
	}()
}
