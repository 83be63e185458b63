package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keyforge/internal/models"
)

func newTestAdminService(t *testing.T) (*AdminService, *authFixture, *models.User) {
	t.Helper()
	f := newAuthFixture(t, 100)
	admin := f.addUser(t, "admin@example.com", func(u *models.User) { u.Role = models.RoleAdmin })
	return NewAdminService(f.users, f.lockout, time.Second, f.audit, discardLogger()), f, admin
}

func TestAdminService_ChangeRole(t *testing.T) {
	svc, f, admin := newTestAdminService(t)
	target := f.addUser(t, "member@example.com", nil)
	ctx := context.Background()

	updated, err := svc.ChangeRole(ctx, admin, target.ID, models.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff, updated.Role)

	stored, _ := f.users.GetByID(ctx, target.ID)
	assert.Equal(t, models.RoleStaff, stored.Role)

	require.NotEmpty(t, f.audit.Entries)
	last := f.audit.Entries[len(f.audit.Entries)-1]
	assert.Equal(t, models.AuditRoleChanged, last.Action)
	assert.Equal(t, "user", last.Metadata["from"])
	assert.Equal(t, "staff", last.Metadata["to"])
}

func TestAdminService_ChangeRole_Rejections(t *testing.T) {
	svc, f, admin := newTestAdminService(t)
	target := f.addUser(t, "member@example.com", nil)
	ctx := context.Background()

	_, err := svc.ChangeRole(ctx, admin, target.ID, models.Role("superuser"))
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = svc.ChangeRole(ctx, admin, admin.ID, models.RoleUser)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.ChangeRole(ctx, admin, "missing", models.RoleUser)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAdminService_SetActive(t *testing.T) {
	svc, f, admin := newTestAdminService(t)
	target := f.addUser(t, "member@example.com", nil)
	ctx := context.Background()

	updated, err := svc.SetActive(ctx, admin, target.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Contains(t, f.audit.Actions(), models.AuditUserDeactivated)

	_, err = f.svc.Login(ctx, "member@example.com", testPassword, "10.0.0.1", "")
	assert.ErrorIs(t, err, models.ErrAccountInactive)

	_, err = svc.SetActive(ctx, admin, admin.ID, false)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestAdminService_UnlockAccount(t *testing.T) {
	svc, f, admin := newTestAdminService(t)
	target := f.addUser(t, "member@example.com", nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, "member@example.com", "Wr0ngPassword", "10.0.0.1", "")
	}
	_, err := f.svc.Login(ctx, "member@example.com", testPassword, "10.0.0.2", "")
	require.ErrorIs(t, err, models.ErrAccountLocked)

	require.NoError(t, svc.UnlockAccount(ctx, admin, target.ID))
	assert.Contains(t, f.audit.Actions(), models.AuditAccountUnlocked)

	_, err = f.svc.Login(ctx, "member@example.com", testPassword, "10.0.0.2", "")
	assert.NoError(t, err)
}

func TestAdminService_ListUsers(t *testing.T) {
	svc, f, _ := newTestAdminService(t)
	f.addUser(t, "a@example.com", nil)
	f.addUser(t, "b@example.com", nil)

	users, err := svc.ListUsers(context.Background(), 0, -1)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}
