package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditAction is the closed set of security events. Anything not listed is
// recorded as AuditUnknown.
type AuditAction string

const (
	AuditLoginSuccess           AuditAction = "LOGIN_SUCCESS"
	AuditLoginFailed            AuditAction = "LOGIN_FAILED"
	AuditLoginBlocked           AuditAction = "LOGIN_BLOCKED"
	AuditLogout                 AuditAction = "LOGOUT"
	AuditRegister               AuditAction = "REGISTER"
	AuditEmailVerified          AuditAction = "EMAIL_VERIFIED"
	AuditAccountLocked          AuditAction = "ACCOUNT_LOCKED"
	AuditAccountUnlocked        AuditAction = "ACCOUNT_UNLOCKED"
	AuditPasswordResetRequested AuditAction = "PASSWORD_RESET_REQUESTED"
	AuditPasswordResetThrottled AuditAction = "PASSWORD_RESET_THROTTLED"
	AuditPasswordResetCompleted AuditAction = "PASSWORD_RESET_COMPLETED"
	AuditRoleChanged            AuditAction = "ROLE_CHANGED"
	AuditUserDeactivated        AuditAction = "USER_DEACTIVATED"
	AuditUserActivated          AuditAction = "USER_ACTIVATED"
	AuditPermissionDenied       AuditAction = "PERMISSION_DENIED"
	AuditTokenRejected          AuditAction = "TOKEN_REJECTED"
	AuditRateLimited            AuditAction = "RATE_LIMITED"
	AuditKeyRedeemed            AuditAction = "KEY_REDEEMED"
	AuditHWIDBound              AuditAction = "HWID_BOUND"
	AuditHWIDRejected           AuditAction = "HWID_REJECTED"
	AuditHWIDMismatch           AuditAction = "HWID_MISMATCH"
	AuditHWIDUnlocked           AuditAction = "HWID_UNLOCKED"
	AuditHWIDReleased           AuditAction = "HWID_RELEASED"
	AuditStoreUnavailable       AuditAction = "STORE_UNAVAILABLE"
	AuditUnknown                AuditAction = "UNKNOWN"
)

// AuditLevel is the severity attached to an audit entry.
type AuditLevel string

const (
	AuditLevelInfo     AuditLevel = "info"
	AuditLevelWarn     AuditLevel = "warn"
	AuditLevelError    AuditLevel = "error"
	AuditLevelCritical AuditLevel = "critical"
)

// ActorSystem identifies entries not attributable to a user.
const ActorSystem = "system"

type auditClass struct {
	level     AuditLevel
	retention int // days
}

var auditCatalog = map[AuditAction]auditClass{
	AuditLoginSuccess:           {AuditLevelInfo, 90},
	AuditLoginFailed:            {AuditLevelWarn, 30},
	AuditLoginBlocked:           {AuditLevelWarn, 90},
	AuditLogout:                 {AuditLevelInfo, 30},
	AuditRegister:               {AuditLevelInfo, 365},
	AuditEmailVerified:          {AuditLevelInfo, 365},
	AuditAccountLocked:          {AuditLevelWarn, 180},
	AuditAccountUnlocked:        {AuditLevelInfo, 180},
	AuditPasswordResetRequested: {AuditLevelInfo, 90},
	AuditPasswordResetThrottled: {AuditLevelWarn, 90},
	AuditPasswordResetCompleted: {AuditLevelInfo, 365},
	AuditRoleChanged:            {AuditLevelCritical, 730},
	AuditUserDeactivated:        {AuditLevelWarn, 730},
	AuditUserActivated:          {AuditLevelInfo, 730},
	AuditPermissionDenied:       {AuditLevelWarn, 90},
	AuditTokenRejected:          {AuditLevelWarn, 30},
	AuditRateLimited:            {AuditLevelWarn, 30},
	AuditKeyRedeemed:            {AuditLevelInfo, 365},
	AuditHWIDBound:              {AuditLevelInfo, 365},
	AuditHWIDRejected:           {AuditLevelInfo, 180},
	AuditHWIDMismatch:           {AuditLevelWarn, 180},
	AuditHWIDUnlocked:           {AuditLevelWarn, 365},
	AuditHWIDReleased:           {AuditLevelWarn, 365},
	AuditStoreUnavailable:       {AuditLevelError, 90},
	AuditUnknown:                {AuditLevelWarn, 90},
}

// ParseAuditAction maps free-form input onto the catalog, falling back to
// AuditUnknown.
func ParseAuditAction(s string) AuditAction {
	a := AuditAction(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := auditCatalog[a]; ok {
		return a
	}
	return AuditUnknown
}

// Known reports whether a is part of the catalog proper.
func (a AuditAction) Known() bool {
	_, ok := auditCatalog[a]
	return ok && a != AuditUnknown
}

// DefaultLevel is the catalog severity for a.
func (a AuditAction) DefaultLevel() AuditLevel {
	if c, ok := auditCatalog[a]; ok {
		return c.level
	}
	return auditCatalog[AuditUnknown].level
}

// RetentionDays derives retention from the action and the level actually
// recorded. Escalated levels never shorten retention.
func RetentionDays(a AuditAction, level AuditLevel) int {
	c, ok := auditCatalog[a]
	if !ok {
		c = auditCatalog[AuditUnknown]
	}
	days := c.retention
	switch level {
	case AuditLevelError:
		days = max(days, 180)
	case AuditLevelCritical:
		days = max(days, 730)
	}
	return days
}

// AuditLog is one append-only security event.
type AuditLog struct {
	ID            uuid.UUID     `json:"id"`
	Actor         string        `json:"actor"`
	Action        AuditAction   `json:"action"`
	Level         AuditLevel    `json:"level"`
	Detail        string        `json:"detail"`
	TargetID      *string       `json:"target_id,omitempty"`
	IPAddress     *string       `json:"ip_address,omitempty"`
	UserAgent     *string       `json:"user_agent,omitempty"`
	Metadata      AuditMetadata `json:"metadata,omitempty"`
	RetentionDays int           `json:"retention_days"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	Action AuditAction
	Actor  string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}
