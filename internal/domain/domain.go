// Package domain holds the data model shared by the license store, token
// codec, validator, service and gateway. Every record shape is enumerated
// exhaustively; plans, statuses and modules are closed enums.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Plan is one of the four sellable tiers. A closed enum so the
// plan-to-modules table can be total.
type Plan string

const (
	PlanDemo       Plan = "demo"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is one of the four known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanDemo, PlanBasic, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// Status is the License lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Module is a named feature unit gated by tokens.
type Module string

const (
	ModuleBasicFeatures   Module = "basic_features"
	ModuleAdvancedSearch  Module = "advanced_search"
	ModuleAnalytics       Module = "analytics"
	ModuleAPIAccess       Module = "api_access"
	ModulePrioritySupport Module = "priority_support"
	ModuleSSO             Module = "sso"
	ModuleAuditExport     Module = "audit_export"
)

// MaxUsersUnlimited marks a plan with no seat cap (enterprise).
const MaxUsersUnlimited = 0

// ActivityEntry is one ring-buffer entry in a License's activity_log.
type ActivityEntry struct {
	Timestamp time.Time              `json:"ts"`
	Kind      string                 `json:"kind"`
	IP        string                 `json:"ip,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// ActivityLogLimit is the activity ring buffer's bound.
const ActivityLogLimit = 200

// License is the authoritative per-client record.
type License struct {
	ClientID       string
	Plan           Plan
	Status         Status
	ActiveModules  []Module
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastCheck      time.Time
	LastActivity   time.Time
	MaxUsers       int
	CompanyName    string
	ContactEmail   string
	CurrentTokenID string
	ActivityLog    []ActivityEntry
}

// AppendActivity pushes an entry, evicting the oldest once the ring is full.
func (l *License) AppendActivity(e ActivityEntry) {
	l.ActivityLog = append(l.ActivityLog, e)
	if over := len(l.ActivityLog) - ActivityLogLimit; over > 0 {
		l.ActivityLog = l.ActivityLog[over:]
	}
}

// HasModule reports whether m is currently active.
func (l *License) HasModule(m Module) bool {
	for _, x := range l.ActiveModules {
		if x == m {
			return true
		}
	}
	return false
}

// DaysRemaining returns whole days until expiry, relative to now,
// truncated toward zero: 0 within a day either side of expiry, negative
// once a full day has passed since expiry.
func (l *License) DaysRemaining(now time.Time) int {
	d := l.ExpiresAt.Sub(now)
	return int(d.Hours() / 24)
}

// TokenKind distinguishes access from refresh artifacts.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Claims is the payload carried by a signed token. The payload is the
// truth at issuance time; the Validator re-checks it against the live
// License record rather than trusting it forever.
type Claims struct {
	TokenID  string    `json:"token_id"`
	ClientID string    `json:"client_id"`
	Plan     Plan      `json:"plan"`
	Modules  []Module  `json:"modules,omitempty"`
	Kind     TokenKind `json:"kind"`
	IssuedAt time.Time `json:"iat"`
	ExpireAt time.Time `json:"exp"`
}

// RevocationEntry records one revoked token-id.
type RevocationEntry struct {
	TokenID     string
	ClientID    string
	RevokedAt   time.Time
	Reason      string
	Description string
}

// AuditSeverity classifies an AuditEvent for operator triage.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditKind enumerates the event_type column of the audit log.
type AuditKind string

const (
	AuditValidation        AuditKind = "validation"
	AuditCreation          AuditKind = "creation"
	AuditToggle            AuditKind = "toggle"
	AuditExtension         AuditKind = "extension"
	AuditRevocation        AuditKind = "revocation"
	AuditPlanChange        AuditKind = "plan_change"
	AuditModulesUpdate     AuditKind = "modules_update"
	AuditScheduler         AuditKind = "scheduler"
	AuditAdminLogin        AuditKind = "admin_login"
	AuditSecurityViolation AuditKind = "security_violation"
	AuditSystemError       AuditKind = "system_error"
)

// AuditStatus records whether the audited operation succeeded.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
)

// AuditEvent is one append-only row in the audit log.
type AuditEvent struct {
	ID        uuid.UUID
	Timestamp time.Time
	EventType AuditKind
	ClientID  string
	Actor     string
	IP        string
	Status    AuditStatus
	Severity  AuditSeverity
	Payload   map[string]interface{}
}

// WarnLevel is one of the three pre-expiry warning windows, in days.
type WarnLevel int

const (
	WarnLevel7 WarnLevel = 7
	WarnLevel3 WarnLevel = 3
	WarnLevel1 WarnLevel = 1
)

// WarnLevels lists the configured windows in sweep order, widest first.
var WarnLevels = []WarnLevel{WarnLevel7, WarnLevel3, WarnLevel1}
