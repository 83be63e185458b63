package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
	"github.com/BradenHooton/keyforge/pkg/hwid"
)

// HWIDServiceInterface binds subscriptions to hardware fingerprints.
type HWIDServiceInterface interface {
	DeriveFingerprint(signals hwid.Signals) string
	Bind(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error)
	Verify(ctx context.Context, subscriptionID, fingerprint string) (bool, error)
	Unlock(ctx context.Context, subscriptionID, actorID string) error
	Release(ctx context.Context, subscriptionID, actorID string) error
}

// HWIDHandler serves key redemption and device verification.
type HWIDHandler struct {
	service HWIDServiceInterface
}

func NewHWIDHandler(service HWIDServiceInterface) *HWIDHandler {
	return &HWIDHandler{service: service}
}

// HWIDRequest carries either a precomputed fingerprint or the raw signals
// to derive one from.
type HWIDRequest struct {
	Fingerprint string        `json:"fingerprint,omitempty" validate:"omitempty,hwid,max=1024"`
	Signals     *hwid.Signals `json:"signals,omitempty" validate:"required_without=Fingerprint"`
}

func (h *HWIDHandler) fingerprint(req HWIDRequest) string {
	if req.Fingerprint != "" {
		return req.Fingerprint
	}
	return h.service.DeriveFingerprint(*req.Signals)
}

type VerifyHWIDResponse struct {
	Matched bool `json:"matched"`
}

// Bind handles POST /subscriptions/{id}/hwid
func (h *HWIDHandler) Bind(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "id")
	if !validPathParam(w, "subscription id", subscriptionID, "required,subscription_id") {
		return
	}
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req HWIDRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Bind(r.Context(), subscriptionID, h.fingerprint(req), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	pkghttp.WriteJSON(w, status, result)
}

// Verify handles POST /subscriptions/{id}/hwid/verify. A mismatch is a
// normal answer, not an error.
func (h *HWIDHandler) Verify(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "id")
	if !validPathParam(w, "subscription id", subscriptionID, "required,subscription_id") {
		return
	}

	var req HWIDRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	matched, err := h.service.Verify(r.Context(), subscriptionID, h.fingerprint(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyHWIDResponse{Matched: matched})
}

// Unlock handles POST /admin/subscriptions/{id}/hwid/unlock
func (h *HWIDHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.service.Unlock)
}

// Release handles DELETE /admin/subscriptions/{id}/hwid
func (h *HWIDHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.service.Release)
}

func (h *HWIDHandler) adminAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, subscriptionID, actorID string) error) {
	subscriptionID := chi.URLParam(r, "id")
	if !validPathParam(w, "subscription id", subscriptionID, "required,subscription_id") {
		return
	}
	actor := auth.GetCurrentUser(r)
	if actor == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := action(r.Context(), subscriptionID, actor.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
