package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/pkg/hwid"
)

const testFingerprint = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

func bindRequest(t *testing.T, subID string, body HWIDRequest) *http.Request {
	req := NewTestRequest(t, http.MethodPost, "/subscriptions/"+subID+"/hwid", body)
	req = WithURLParam(req, "id", subID)
	return WithAuthContext(req, "user-1", models.RoleUser)
}

func TestHWIDBind(t *testing.T) {
	now := time.Now().UTC()
	binding := &models.HWIDBinding{SubscriptionID: "sub_1", Fingerprint: testFingerprint, Locked: true, BoundAt: now, UpdatedAt: now}

	tests := []struct {
		name       string
		result     *models.HWIDBindResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{"first bind", &models.HWIDBindResult{Binding: binding, Created: true, Changed: true}, nil, http.StatusCreated, ""},
		{"same device again", &models.HWIDBindResult{Binding: binding}, nil, http.StatusOK, ""},
		{"locked to another device", nil, models.ErrHWIDAlreadyLocked, http.StatusConflict, "hwid_locked"},
		{"bad format", nil, models.ErrHWIDInvalidFormat, http.StatusBadRequest, "invalid_hwid"},
		{"store down", nil, models.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor string
			h := NewHWIDHandler(&MockHWIDService{
				BindFunc: func(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error) {
					gotActor = actorID
					assert.Equal(t, "sub_1", subscriptionID)
					assert.Equal(t, testFingerprint, fingerprint)
					return tt.result, tt.err
				},
			})

			w := httptest.NewRecorder()
			h.Bind(w, bindRequest(t, "sub_1", HWIDRequest{Fingerprint: testFingerprint}))

			if tt.wantCode != "" {
				AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
				return
			}
			var resp models.HWIDBindResult
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			require.NotNil(t, resp.Binding)
			assert.Equal(t, testFingerprint, resp.Binding.Fingerprint)
			assert.Equal(t, "user-1", gotActor)
		})
	}
}

func TestHWIDBind_DerivesFromSignals(t *testing.T) {
	signals := hwid.Signals{ScreenWidth: 2560, ScreenHeight: 1440, Timezone: "Europe/Berlin", Platform: "Linux x86_64"}
	want := hwid.DefaultFormat().Derive(signals)

	var got string
	h := NewHWIDHandler(&MockHWIDService{
		BindFunc: func(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error) {
			got = fingerprint
			return &models.HWIDBindResult{Binding: &models.HWIDBinding{Fingerprint: fingerprint}, Created: true}, nil
		},
	})

	w := httptest.NewRecorder()
	h.Bind(w, bindRequest(t, "sub_1", HWIDRequest{Signals: &signals}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, want, got)
}

func TestHWIDBind_RequestValidation(t *testing.T) {
	h := NewHWIDHandler(&MockHWIDService{
		BindFunc: func(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	})

	t.Run("neither fingerprint nor signals", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Bind(w, bindRequest(t, "sub_1", HWIDRequest{}))
		AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed")
	})

	t.Run("bad subscription id", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Bind(w, bindRequest(t, "sub.1;drop", HWIDRequest{Fingerprint: testFingerprint}))
		AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
	})

	t.Run("no claims", func(t *testing.T) {
		req := NewTestRequest(t, http.MethodPost, "/subscriptions/sub_1/hwid", HWIDRequest{Fingerprint: testFingerprint})
		w := httptest.NewRecorder()
		h.Bind(w, WithURLParam(req, "id", "sub_1"))
		AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	})
}

func TestHWIDVerify(t *testing.T) {
	h := NewHWIDHandler(&MockHWIDService{
		VerifyFunc: func(ctx context.Context, subscriptionID, fingerprint string) (bool, error) {
			if subscriptionID == "missing" {
				return false, models.ErrNotFound
			}
			return fingerprint == testFingerprint, nil
		},
	})

	verify := func(subID, fp string) *httptest.ResponseRecorder {
		req := NewTestRequest(t, http.MethodPost, "/subscriptions/"+subID+"/hwid/verify", HWIDRequest{Fingerprint: fp})
		w := httptest.NewRecorder()
		h.Verify(w, WithURLParam(req, "id", subID))
		return w
	}

	var resp VerifyHWIDResponse
	AssertJSONResponse(t, verify("sub_1", testFingerprint), http.StatusOK, &resp)
	assert.True(t, resp.Matched)

	resp = VerifyHWIDResponse{}
	AssertJSONResponse(t, verify("sub_1", "ffff"+testFingerprint[4:]), http.StatusOK, &resp)
	assert.False(t, resp.Matched)

	AssertErrorResponse(t, verify("missing", testFingerprint), http.StatusNotFound, "not_found")
}

func TestHWIDAdminActions(t *testing.T) {
	admin := &models.User{ID: "admin-1", Role: models.RoleAdmin, Active: true}
	var unlocked string
	h := NewHWIDHandler(&MockHWIDService{
		UnlockFunc: func(ctx context.Context, subscriptionID, actorID string) error {
			unlocked = subscriptionID + "/" + actorID
			return nil
		},
		ReleaseFunc: func(ctx context.Context, subscriptionID, actorID string) error {
			return models.ErrNotFound
		},
	})

	req := WithCurrentUser(WithURLParam(httptest.NewRequest(http.MethodPost, "/admin/subscriptions/sub_1/hwid/unlock", nil), "id", "sub_1"), admin)
	w := httptest.NewRecorder()
	h.Unlock(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "sub_1/admin-1", unlocked)

	req = WithCurrentUser(WithURLParam(httptest.NewRequest(http.MethodDelete, "/admin/subscriptions/sub_2/hwid", nil), "id", "sub_2"), admin)
	w = httptest.NewRecorder()
	h.Release(w, req)
	AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}
