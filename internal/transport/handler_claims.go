package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// IdempotencyKeyHeader carries the client's deduplication key for actions.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// claimDetail is the single-claim view: the claim plus what the caller can
// do with it next.
type claimDetail struct {
	model.Claim
	DisplayStatus    string                `json:"display_status"`
	Completeness     workflow.Completeness `json:"completeness"`
	AvailableActions []model.Action        `json:"available_actions"`
}

func newClaimDetail(engine *workflow.Engine, rctx *model.RequestContext, c model.Claim) claimDetail {
	return claimDetail{
		Claim:            c,
		DisplayStatus:    c.DisplayStatus(),
		Completeness:     engine.Evaluator().Evaluate(c),
		AvailableActions: engine.AvailableActions(rctx, c),
	}
}

type claimList struct {
	Claims     []model.ClaimSummary `json:"claims"`
	Total      int                  `json:"total"`
	Pagination model.Pagination     `json:"pagination"`
}

func handleClaimCreate(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var in model.CreateClaimInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}

		claim, err := engine.CreateClaim(r.Context(), rctx, in)
		if err != nil {
			writeFailure(w, r, logger, "create claim failed", err)
			return
		}
		w.Header().Set("Location", "/api/claims/"+claim.ID)
		WriteJSON(w, http.StatusCreated, newClaimDetail(engine, rctx, claim))
	}
}

func handleClaimList(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		page, err := queryPage(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			WriteError(w, err)
			return
		}
		filters := model.ClaimFilters{Page: page, PageSize: limit}
		if raw := r.URL.Query().Get("status"); raw != "" {
			status, err := model.ParseClaimStatus(raw)
			if err != nil {
				WriteError(w, model.NewInvalidInputError(err.Error(),
					model.FieldError{Field: "status", Code: model.FieldUnknown, Message: "Unknown claim status"}))
				return
			}
			filters.Status = status
		}
		if owner := r.URL.Query().Get("owner_id"); owner != "" && rctx.IsAdmin() {
			filters.OwnerID = owner
		}

		claims, total, err := engine.ListClaims(r.Context(), rctx, filters)
		if err != nil {
			writeFailure(w, r, logger, "list claims failed", err)
			return
		}

		summaries := make([]model.ClaimSummary, 0, len(claims))
		for _, c := range claims {
			summaries = append(summaries, c.Summary())
		}
		size := min(limit, workflow.MaxPageSize)
		if size == 0 {
			size = workflow.DefaultPageSize
		}
		WriteJSON(w, http.StatusOK, claimList{
			Claims:     summaries,
			Total:      total,
			Pagination: model.NewPagination(page, size, len(summaries), total),
		})
	}
}

func handleClaimGet(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		claim, err := engine.GetClaim(r.Context(), rctx, chi.URLParam(r, "claimId"))
		if err != nil {
			writeFailure(w, r, logger, "get claim failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, newClaimDetail(engine, rctx, claim))
	}
}

func handleClaimDelete(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		if err := engine.DeleteClaim(r.Context(), rctx, chi.URLParam(r, "claimId")); err != nil {
			writeFailure(w, r, logger, "delete claim failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleClaimAction applies a status-changing action. When an idempotency
// store is configured and the request carries X-Idempotency-Key, a retry
// with the same payload replays the stored result instead of failing on the
// now-changed status.
func handleClaimAction(
	engine *workflow.Engine,
	store idempotency.Store,
	ttl time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		claimID := chi.URLParam(r, "claimId")
		raw := chi.URLParam(r, "action")

		action, err := model.ParseAction(raw)
		if err != nil {
			// Unknown actions are reported against the claim's current
			// status, the same way an action illegal in that status is.
			claim, getErr := engine.GetClaim(r.Context(), rctx, claimID)
			if getErr != nil {
				writeFailure(w, r, logger, "claim action failed", getErr)
				return
			}
			writeFailure(w, r, logger, "claim action failed",
				model.NewIllegalTransitionError(claim.Status, model.Action(raw)))
			return
		}

		var payload model.ActionPayload
		if err := decodeJSON(r, &payload); err != nil {
			WriteError(w, err)
			return
		}

		var key, hash string
		if store != nil {
			if client := r.Header.Get(IdempotencyKeyHeader); client != "" {
				key = idempotency.FormatKey(rctx.SubjectID, claimID, action, client)
				hash = idempotency.HashPayload(payload)

				cached, found, err := store.Check(r.Context(), key, hash)
				if err != nil {
					writeFailure(w, r, logger, "idempotency check failed", err)
					return
				}
				if found {
					metrics.RecordIdempotentReplay()
					observability.RequestLogger(r.Context(), logger).Debug("idempotent replay",
						zap.String("claim_id", claimID),
						zap.String("action", string(action)),
					)
					w.Header().Set("X-Idempotent-Replay", "true")
					WriteJSON(w, http.StatusOK, cached)
					return
				}
			}
		}

		res, err := engine.Apply(r.Context(), rctx, claimID, action, payload)
		if err != nil {
			writeFailure(w, r, logger, "claim action failed", err)
			return
		}

		if key != "" {
			if err := store.Save(r.Context(), key, hash, res, ttl); err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("idempotency save failed",
					zap.String("claim_id", claimID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
