package handlers

import (
	"context"
	"net/http"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// UserServiceInterface serves the caller's own account.
type UserServiceInterface interface {
	GetProfile(ctx context.Context, id string) (*models.User, error)
}

// UserHandler handles requests about the authenticated user.
type UserHandler struct {
	service UserServiceInterface
}

func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// Me handles GET /me. Claims are a snapshot; the response reflects the
// persisted account.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	user, err := h.service.GetProfile(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
}
