// This file implements the license lifecycle endpoints — check, create,
// toggle, extend, revoke, update-modules, token-pair, refresh,
// revoke-refresh, list, stats — plus the Gateway upgrade endpoint, layered
// on top of licensesvc.Service, validator.Validator and tokens.Codec.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/gateway"
	"github.com/lumenguard/licensed/internal/licensesvc"
	"github.com/lumenguard/licensed/internal/store"
	"github.com/lumenguard/licensed/internal/tokens"
	"github.com/lumenguard/licensed/internal/validator"
)

// LicensingHandler serves the client-facing subset of the Request API:
// check, token-pair, refresh, revoke-refresh, and the Gateway upgrade.
type LicensingHandler struct {
	svc   *licensesvc.Service
	val   *validator.Validator
	codec *tokens.Codec
	gw    *gateway.Gateway
}

// NewLicensingHandler constructs a LicensingHandler.
func NewLicensingHandler(svc *licensesvc.Service, val *validator.Validator, codec *tokens.Codec, gw *gateway.Gateway) *LicensingHandler {
	return &LicensingHandler{svc: svc, val: val, codec: codec, gw: gw}
}

// licenseView is the external representation of a domain.License: plan,
// status, expiry, modules, days remaining, seat cap. Internal fields like
// current_token_id are never exposed.
type licenseView struct {
	ClientID      string          `json:"client_id"`
	Plan          domain.Plan     `json:"plan"`
	Status        domain.Status   `json:"status"`
	ExpiresAt     string          `json:"expires_at"`
	Modules       []domain.Module `json:"modules"`
	DaysRemaining int             `json:"days_remaining"`
	MaxUsers      int             `json:"max_users"`
	LastCheck     string          `json:"last_check,omitempty"`
}

func toLicenseView(lic *domain.License) licenseView {
	if lic == nil {
		return licenseView{}
	}
	v := licenseView{
		ClientID:      lic.ClientID,
		Plan:          lic.Plan,
		Status:        lic.Status,
		ExpiresAt:     lic.ExpiresAt.UTC().Format(timeLayout),
		Modules:       lic.ActiveModules,
		DaysRemaining: lic.DaysRemaining(time.Now().UTC()),
		MaxUsers:      lic.MaxUsers,
	}
	if !lic.LastCheck.IsZero() {
		v.LastCheck = lic.LastCheck.UTC().Format(timeLayout)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Check validates a presented token against the live License record.
func (h *LicensingHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.Token == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}

	result, err := h.val.Validate(r.Context(), req.ClientID, req.Token)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")
		return
	}
	h.svc.RecordCheck(r.Context(), req.ClientID, result.Outcome.String(), r.RemoteAddr)

	switch result.Outcome {
	case validator.OutcomeLicenseNotFound:
		respondError(w, http.StatusNotFound, result.Outcome.String())
	case validator.OutcomeInvalidToken:
		respondError(w, http.StatusUnauthorized, result.Outcome.String())
	case validator.OutcomeRevoked:
		respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error": result.Outcome.String(), "revoked_at": result.RevokedAt, "reason": result.RevokeReason,
		})
	case validator.OutcomeExpired:
		respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error": result.Outcome.String(), "expires_at": result.License.ExpiresAt,
		})
	case validator.OutcomeInactive:
		respondError(w, http.StatusForbidden, result.Outcome.String())
	case validator.OutcomeValid:
		respondSuccess(w, map[string]interface{}{"valid": true, "license": toLicenseView(result.License)})
	}
}

// TokenPair issues a fresh access/refresh pair for an already-active
// license (e.g. first SDK bootstrap).
func (h *LicensingHandler) TokenPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}

	_, access, refresh, err := h.svc.IssueTokenPair(r.Context(), req.ClientID)
	if err != nil {
		switch err {
		case licensesvc.ErrNotFound:
			respondError(w, http.StatusNotFound, "LICENSE_NOT_FOUND")
		case licensesvc.ErrInactive:
			respondError(w, http.StatusForbidden, "LICENSE_INACTIVE")
		default:
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
		}
		return
	}

	respondSuccess(w, map[string]interface{}{
		"access": access, "refresh": refresh, "expires_in": int(licensesvc.DefaultAccessTTL.Seconds()),
	})
}

// Refresh exchanges a refresh token for a new access token. The service
// records the new token as the License's current one, so the token handed
// back here passes the next check.
func (h *LicensingHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}

	_, access, err := h.svc.RefreshAccess(r.Context(), req.Refresh)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidRefresh) {
			respondError(w, http.StatusUnauthorized, "INVALID_REFRESH")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")
		return
	}

	respondSuccess(w, map[string]interface{}{"access": access, "expires_in": int(licensesvc.DefaultAccessTTL.Seconds())})
}

// RevokeRefresh invalidates a single refresh token.
func (h *LicensingHandler) RevokeRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	if err := h.codec.RevokeRefresh(req.Refresh); err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_REFRESH")
		return
	}
	respondSuccess(w, map[string]interface{}{})
}

// Connect upgrades the HTTP request to the real-time Gateway's websocket.
func (h *LicensingHandler) Connect(w http.ResponseWriter, r *http.Request) {
	h.gw.HandleWebSocket(w, r)
}

// AdminHandler serves the operator-only subset of the Request API: create,
// toggle, extend, revoke, update-modules, list, stats.
type AdminHandler struct {
	svc      *licensesvc.Service
	licenses store.LicenseStore
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(svc *licensesvc.Service, licenses store.LicenseStore) *AdminHandler {
	return &AdminHandler{svc: svc, licenses: licenses}
}

func actorFromRequest(r *http.Request) (actor, ip string) {
	actor = r.Header.Get("X-Admin-Actor")
	if actor == "" {
		actor = "admin"
	}
	ip = r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = fwd
	}
	return actor, ip
}

// Create provisions a new license.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan        domain.Plan `json:"plan"`
		ClientID    string      `json:"client_id,omitempty"`
		Company     string      `json:"company,omitempty"`
		Email       string      `json:"email,omitempty"`
		TTLDays     int         `json:"ttl_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	if req.Plan == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PLAN")
		return
	}
	actor, ip := actorFromRequest(r)

	result, err := h.svc.Create(r.Context(), licensesvc.CreateInput{
		ClientID: req.ClientID, Plan: req.Plan, CompanyName: req.Company,
		ContactEmail: req.Email, TTLDays: req.TTLDays, Actor: actor, IP: ip,
	})
	if err != nil {
		switch err {
		case licensesvc.ErrInvalidPlan:
			respondError(w, http.StatusBadRequest, "INVALID_PLAN")
		case licensesvc.ErrAlreadyExists:
			respondError(w, http.StatusConflict, "LICENSE_EXISTS")
		default:
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
		}
		return
	}

	respondCreated(w, map[string]interface{}{
		"license": toLicenseView(result.License), "token": result.AccessToken, "refresh": result.RefreshToken,
	})
}

// Toggle flips a license between active and inactive.
func (h *AdminHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_CLIENT_ID")
		return
	}
	actor, ip := actorFromRequest(r)

	lic, err := h.svc.Toggle(r.Context(), clientID, actor, ip)
	if err != nil {
		respondNotFoundOrInternal(w, err)
		return
	}
	respondSuccess(w, map[string]interface{}{"license": toLicenseView(lic)})
}

// Extend pushes a license's expiry forward.
func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	if req.Days <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_DAYS")
		return
	}
	actor, ip := actorFromRequest(r)

	lic, err := h.svc.Extend(r.Context(), clientID, req.Days, actor, ip)
	if err != nil {
		respondNotFoundOrInternal(w, err)
		return
	}
	respondSuccess(w, map[string]interface{}{"license": toLicenseView(lic)})
}

// UpdateModules enables or disables a single module.
func (h *AdminHandler) UpdateModules(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	var req struct {
		Module  domain.Module `json:"module"`
		Enabled bool          `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || clientID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	actor, ip := actorFromRequest(r)

	lic, err := h.svc.SetModule(r.Context(), clientID, req.Module, req.Enabled, actor, ip)
	if err != nil {
		if err == licensesvc.ErrUnknownModule {
			respondError(w, http.StatusBadRequest, "UNKNOWN_MODULE")
			return
		}
		respondNotFoundOrInternal(w, err)
		return
	}
	respondSuccess(w, map[string]interface{}{"active_modules": lic.ActiveModules})
}

// Revoke permanently invalidates a license and its current token.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	var req struct {
		Reason      string `json:"reason"`
		Description string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || clientID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMETERS")
		return
	}
	actor, ip := actorFromRequest(r)

	revokedAt, err := h.svc.Revoke(r.Context(), clientID, req.Reason, req.Description, actor, ip)
	if err != nil {
		respondNotFoundOrInternal(w, err)
		return
	}
	respondSuccess(w, map[string]interface{}{"revoked_at": revokedAt})
}

// List pages through licenses with optional status and plan filters.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	statusFilter := r.URL.Query().Get("status")
	planFilter := r.URL.Query().Get("plan")

	items, total, err := h.licenses.List(r.Context(), page, limit, statusFilter, planFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
		return
	}

	views := make([]licenseView, 0, len(items))
	for _, lic := range items {
		views = append(views, toLicenseView(lic))
	}

	totalPages := (total + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}

	respondSuccess(w, map[string]interface{}{
		"items": views,
		"pagination": map[string]interface{}{
			"page": page, "limit": limit, "total": total, "total_pages": totalPages,
		},
	})
}

// Stats returns license counts grouped by plan and status.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.licenses.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
		return
	}
	respondSuccess(w, map[string]interface{}{"counts": counts})
}

func respondNotFoundOrInternal(w http.ResponseWriter, err error) {
	if err == licensesvc.ErrNotFound {
		respondError(w, http.StatusNotFound, "LICENSE_NOT_FOUND")
		return
	}
	if err == licensesvc.ErrIllegalTransition {
		respondError(w, http.StatusConflict, "ILLEGAL_TRANSITION")
		return
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
}
