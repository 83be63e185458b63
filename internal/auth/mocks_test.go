package auth

import (
	"context"
	"sync"

	"github.com/BradenHooton/keyforge/internal/models"
)

type mockUserRepo struct {
	GetByIDFunc func(ctx context.Context, id string) (*models.User, error)
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return m.GetByIDFunc(ctx, id)
}

type mockRevocations struct {
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)
}

func (m *mockRevocations) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return m.IsTokenRevokedFunc(ctx, jti)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, entry models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) actions() []models.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditAction, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}
