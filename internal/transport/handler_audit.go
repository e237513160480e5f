package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/audit"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

type auditPage struct {
	Logs       []model.AuditEntry `json:"logs"`
	Total      int                `json:"total"`
	Pagination model.Pagination   `json:"pagination"`
}

// requireAdmin guards admin-only routes.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil || !rctx.IsAdmin() {
			WriteForbidden(w, "admin role required")
			return
		}
		next(w, r)
	}
}

// auditFilters reads audit query parameters. Dates accept RFC 3339 or a
// plain YYYY-MM-DD; a plain end date covers that whole day.
func auditFilters(r *http.Request) (model.AuditFilters, error) {
	q := r.URL.Query()
	f := model.AuditFilters{
		Action:       q.Get("action"),
		ActorID:      q.Get("userId"),
		ActorRole:    model.Role(q.Get("userRole")),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
	}

	var details []model.FieldError
	if raw := q.Get("startDate"); raw != "" {
		t, _, err := parseDate(raw)
		if err != nil {
			details = append(details, model.FieldError{Field: "startDate", Code: model.FieldOutOfRange, Message: "Expected RFC 3339 or YYYY-MM-DD"})
		} else {
			f.From = &t
		}
	}
	if raw := q.Get("endDate"); raw != "" {
		t, dayOnly, err := parseDate(raw)
		if err != nil {
			details = append(details, model.FieldError{Field: "endDate", Code: model.FieldOutOfRange, Message: "Expected RFC 3339 or YYYY-MM-DD"})
		} else {
			if dayOnly {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			f.To = &t
		}
	}
	if len(details) > 0 {
		return f, model.NewInvalidInputError("invalid date filter", details...)
	}
	return f, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	return t, true, err
}

func handleAuditLogs(store audit.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := auditFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if f.Page, err = queryPage(r); err != nil {
			WriteError(w, err)
			return
		}
		if f.Limit, err = queryInt(r, "limit", audit.DefaultPageSize); err != nil {
			WriteError(w, err)
			return
		}
		f.Limit = min(f.Limit, audit.MaxPageSize)

		logs, total, err := store.List(r.Context(), f)
		if err != nil {
			writeStoreFailure(w, r, logger, "list audit logs failed", err)
			return
		}
		if logs == nil {
			logs = []model.AuditEntry{}
		}
		WriteJSON(w, http.StatusOK, auditPage{
			Logs:       logs,
			Total:      total,
			Pagination: model.NewPagination(f.Page, f.Limit, len(logs), total),
		})
	}
}

func handleAuditExport(store audit.Store, limit int, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := auditFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		name := "audit_logs_" + time.Now().UTC().Format("20060102") + ".csv"
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+name)

		// Headers are already sent once rows stream, so a late failure can
		// only be logged.
		n, err := audit.ExportCSV(r.Context(), store, f, limit, w)
		log := observability.RequestLogger(r.Context(), logger)
		if err != nil {
			log.Error("audit export failed", zap.Int("rows", n), zap.Error(err))
			return
		}
		log.Info("audit export written", zap.Int("rows", n))
	}
}

// handleClaimTrail returns a claim's audit history to its owner or an
// admin. Admins can read the trail of a deleted claim.
func handleClaimTrail(engine *workflow.Engine, store audit.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		claimID := chi.URLParam(r, "claimId")

		if !rctx.IsAdmin() {
			if _, err := engine.GetClaim(r.Context(), rctx, claimID); err != nil {
				writeFailure(w, r, logger, "claim audit trail failed", err)
				return
			}
		}
		logs, err := store.ClaimTrail(r.Context(), claimID)
		if err != nil {
			writeStoreFailure(w, r, logger, "claim audit trail failed", err)
			return
		}
		if logs == nil {
			logs = []model.AuditEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}
