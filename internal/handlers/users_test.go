package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/keyforge/internal/models"
)

func TestMe(t *testing.T) {
	h := NewUserHandler(&MockUserService{
		GetProfileFunc: func(ctx context.Context, id string) (*models.User, error) {
			if id != "user-1" {
				return nil, models.ErrNotFound
			}
			// the persisted role wins over whatever the token says
			return &models.User{ID: id, Email: "me@example.com", PasswordHash: "hash", Role: models.RoleStaff, Active: true}, nil
		},
	})

	t.Run("returns persisted profile", func(t *testing.T) {
		req := WithAuthContext(httptest.NewRequest(http.MethodGet, "/me", nil), "user-1", models.RoleUser)
		w := httptest.NewRecorder()
		h.Me(w, req)

		var resp models.UserResponse
		AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, "me@example.com", resp.Email)
		assert.Equal(t, models.RoleStaff, resp.Role)
		assert.NotContains(t, w.Body.String(), "hash")
	})

	t.Run("deleted user", func(t *testing.T) {
		req := WithAuthContext(httptest.NewRequest(http.MethodGet, "/me", nil), "gone", models.RoleUser)
		w := httptest.NewRecorder()
		h.Me(w, req)
		AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
	})

	t.Run("no claims", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Me(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	})
}
