package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditQueryService is the read-only audit view.
type AuditQueryService interface {
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	auditService AuditQueryService
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(auditService AuditQueryService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

// AuditQueryResponse is one page of audit entries.
type AuditQueryResponse struct {
	Logs   []*models.AuditLog `json:"logs"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Query handles GET /admin/audit?action=&actor=&from=&to=&limit=&offset=
// with from/to in RFC 3339.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.AuditFilter{
		Actor:  q.Get("actor"),
		Limit:  defaultAuditPageSize,
		Offset: 0,
	}
	if a := q.Get("action"); a != "" {
		filter.Action = models.ParseAuditAction(a)
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			pkghttp.WriteBadRequest(w, "Invalid "+p.name+": expected RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = min(n, maxAuditPageSize)
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	logs, err := h.auditService.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AuditQueryResponse{
		Logs:   logs,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}
