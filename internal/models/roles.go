package models

import "strings"

// Role is the closed set of account roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

// Permission names a single gated capability.
type Permission string

const (
	PermViewProducts        Permission = "view_products"
	PermRedeemKeys          Permission = "redeem_keys"
	PermViewOwnSubscription Permission = "view_own_subscriptions"
	PermViewUsers           Permission = "view_users"
	PermGenerateKeys        Permission = "generate_keys"
	PermManageSubscriptions Permission = "manage_subscriptions"
	PermViewAudit           Permission = "view_audit"
	PermManageProducts      Permission = "manage_products"
	PermManageRoles         Permission = "manage_roles"
	PermDeleteUsers         Permission = "delete_users"
	PermUnlockAccounts      Permission = "unlock_accounts"
)

// AllRoles lists every valid role from least to most privileged.
var AllRoles = []Role{RoleUser, RoleStaff, RoleAdmin}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", false
	}
	return r, true
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// Level returns the hierarchy level, 0 for unknown roles.
func (r Role) Level() int {
	switch r {
	case RoleUser:
		return 1
	case RoleStaff:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// Permissions returns the explicit permission set of a role. Unknown roles
// have none.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleUser:
		return []Permission{
			PermViewProducts,
			PermRedeemKeys,
			PermViewOwnSubscription,
		}
	case RoleStaff:
		return []Permission{
			PermViewProducts,
			PermRedeemKeys,
			PermViewOwnSubscription,
			PermViewUsers,
			PermGenerateKeys,
			PermManageSubscriptions,
			PermViewAudit,
		}
	case RoleAdmin:
		return []Permission{
			PermViewProducts,
			PermRedeemKeys,
			PermViewOwnSubscription,
			PermViewUsers,
			PermGenerateKeys,
			PermManageSubscriptions,
			PermViewAudit,
			PermManageProducts,
			PermManageRoles,
			PermDeleteUsers,
			PermUnlockAccounts,
		}
	}
	return nil
}

// Has reports exact membership of p in the role's permission set.
func (r Role) Has(p Permission) bool {
	for _, granted := range r.Permissions() {
		if granted == p {
			return true
		}
	}
	return false
}
