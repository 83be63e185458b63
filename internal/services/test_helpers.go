package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/keyforge/internal/models"
)

// MockUserRepository implements UserRepository for testing. Unset function
// fields fall back to a small in-memory store so flow tests need no setup.
type MockUserRepository struct {
	GetByIDFunc        func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc     func(ctx context.Context, email string) (*models.User, error)
	CreateFunc         func(ctx context.Context, user *models.User) (*models.User, error)
	UpdatePasswordFunc func(ctx context.Context, id, passwordHash string, changedAt time.Time) error

	mu    sync.Mutex
	users map[string]*models.User
}

func NewMockUserRepository(users ...*models.User) *MockUserRepository {
	m := &MockUserRepository{users: make(map[string]*models.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *MockUserRepository) find(id string) (*models.User, error) {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return u, nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.find(id)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return nil, models.ErrConflict
		}
	}
	cp := *user
	cp.ID = uuid.New().String()
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	m.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockUserRepository) update(id string, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.find(id)
	if err != nil {
		return err
	}
	fn(u)
	return nil
}

func (m *MockUserRepository) UpdateRole(ctx context.Context, id string, role models.Role) error {
	return m.update(id, func(u *models.User) { u.Role = role })
}

func (m *MockUserRepository) SetActive(ctx context.Context, id string, active bool) error {
	return m.update(id, func(u *models.User) { u.Active = active })
}

func (m *MockUserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	return m.update(id, func(u *models.User) { u.EmailVerified = true })
}

func (m *MockUserRepository) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	return m.update(id, func(u *models.User) { u.LockedUntil = until })
}

func (m *MockUserRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return m.update(id, func(u *models.User) {
		u.LastLoginAt = &at
		u.LockedUntil = nil
	})
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash, changedAt)
	}
	return m.update(id, func(u *models.User) {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &changedAt
	})
}

// MockTokenRevocationRepository implements TokenRevocationRepository for testing
type MockTokenRevocationRepository struct {
	RevokeTokenFunc    func(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)

	mu      sync.Mutex
	revoked map[string]bool
}

func (m *MockTokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, userID, expiresAt, reason)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked == nil {
		m.revoked = make(map[string]bool)
	}
	m.revoked[jti] = true
	return nil
}

func (m *MockTokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if m.IsTokenRevokedFunc != nil {
		return m.IsTokenRevokedFunc(ctx, jti)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

// MockAuditLogRepository implements AuditLogRepository for testing
type MockAuditLogRepository struct {
	CreateFunc func(ctx context.Context, log *models.AuditLog) error
	QueryFunc  func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)

	mu      sync.Mutex
	Entries []models.AuditLog
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.AuditLog) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, *log)
	return nil
}

func (m *MockAuditLogRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, filter)
	}
	return []*models.AuditLog{}, nil
}

func (m *MockAuditLogRepository) Snapshot() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.Entries...)
}

// RecordingAuditor captures audit entries synchronously.
type RecordingAuditor struct {
	mu      sync.Mutex
	Entries []models.AuditLog
}

func (a *RecordingAuditor) Record(ctx context.Context, entry models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Entries = append(a.Entries, entry)
}

func (a *RecordingAuditor) Actions() []models.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditAction, len(a.Entries))
	for i, e := range a.Entries {
		out[i] = e.Action
	}
	return out
}

// MockPasswordResetRepository implements PasswordResetRepository for testing
type MockPasswordResetRepository struct {
	mu     sync.Mutex
	tokens map[string]*models.PasswordResetToken
}

func (m *MockPasswordResetRepository) CreateWithinLimit(ctx context.Context, token *models.PasswordResetToken, since time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]*models.PasswordResetToken)
	}
	n := 0
	for _, t := range m.tokens {
		if t.UserID == token.UserID && t.CreatedAt.After(since) {
			n++
		}
	}
	if n >= limit {
		return false, nil
	}
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	cp := *token
	m.tokens[cp.ID] = &cp
	return true, nil
}

func (m *MockPasswordResetRepository) GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockPasswordResetRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.UsedAt != nil {
		return models.ErrNotFound
	}
	t.UsedAt = &at
	return nil
}

// MockMailer captures outgoing mail.
type MockMailer struct {
	mu           sync.Mutex
	Verification []string
	Resets       []string
}

func (m *MockMailer) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Verification = append(m.Verification, token)
	return nil
}

func (m *MockMailer) SendPasswordResetEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets = append(m.Resets, token)
	return nil
}

func (m *MockMailer) LastReset() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Resets) == 0 {
		return ""
	}
	return m.Resets[len(m.Resets)-1]
}
