package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// AdminServiceInterface defines the user management contract.
type AdminServiceInterface interface {
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error)
	ChangeRole(ctx context.Context, actor *models.User, targetID string, role models.Role) (*models.User, error)
	SetActive(ctx context.Context, actor *models.User, targetID string, active bool) (*models.User, error)
	UnlockAccount(ctx context.Context, actor *models.User, targetID string) error
}

// AdminHandler handles admin user-management HTTP requests. Permission
// checks happen in the route middleware against the persisted role.
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// ChangeRoleRequest is the body of PUT /admin/users/{id}/role
type ChangeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user staff admin"`
}

type UserListResponse struct {
	Users  []*models.UserResponse `json:"users"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// ListUsers handles GET /admin/users?limit=&offset=
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	users, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]*models.UserResponse, len(users))
	for i, u := range users {
		out[i] = u.ToResponse()
	}
	pkghttp.WriteJSON(w, http.StatusOK, UserListResponse{Users: out, Limit: limit, Offset: offset})
}

// ChangeRole handles PUT /admin/users/{id}/role
func (h *AdminHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	var req ChangeRoleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.ChangeRole(r.Context(), actor, targetID, models.Role(req.Role))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
}

// Deactivate handles POST /admin/users/{id}/deactivate
func (h *AdminHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Activate handles POST /admin/users/{id}/activate
func (h *AdminHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	actor, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	user, err := h.service.SetActive(r.Context(), actor, targetID, active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
}

// Unlock handles POST /admin/users/{id}/unlock
func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.service.UnlockAccount(r.Context(), actor, targetID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) target(w http.ResponseWriter, r *http.Request) (*models.User, string, bool) {
	actor := auth.GetCurrentUser(r)
	if actor == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return nil, "", false
	}
	targetID := chi.URLParam(r, "id")
	if !validPathParam(w, "user id", targetID, "required,uuid") {
		return nil, "", false
	}
	return actor, targetID, true
}
