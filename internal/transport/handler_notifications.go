package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/notification"
	"github.com/pitabwire/claimflow/model"
)

type inboxPage struct {
	Notifications []model.Notification `json:"notifications"`
	Total         int                  `json:"total"`
	UnreadCount   int                  `json:"unread_count"`
	Pagination    model.Pagination     `json:"pagination"`
}

// Notification routes only ever touch the caller's own inbox.

func handleNotificationList(svc *notification.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		page, err := queryPage(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		limit, err := queryInt(r, "limit", notification.DefaultPageSize)
		if err != nil {
			WriteError(w, err)
			return
		}
		limit = min(limit, notification.MaxPageSize)

		inbox, err := svc.Inbox(r.Context(), rctx.SubjectID, page, limit)
		if err != nil {
			writeStoreFailure(w, r, logger, "list notifications failed", err)
			return
		}
		items := inbox.Notifications
		if items == nil {
			items = []model.Notification{}
		}
		WriteJSON(w, http.StatusOK, inboxPage{
			Notifications: items,
			Total:         inbox.Total,
			UnreadCount:   inbox.UnreadCount,
			Pagination:    model.NewPagination(page, limit, len(items), inbox.Total),
		})
	}
}

func handleNotificationRead(svc *notification.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		if err := svc.MarkRead(r.Context(), rctx.SubjectID, chi.URLParam(r, "id")); err != nil {
			writeStoreFailure(w, r, logger, "mark notification read failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleNotificationReadAll(svc *notification.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		n, err := svc.MarkAllRead(r.Context(), rctx.SubjectID)
		if err != nil {
			writeStoreFailure(w, r, logger, "mark all notifications read failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"updated": n})
	}
}

func handleNotificationDelete(svc *notification.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		if err := svc.Delete(r.Context(), rctx.SubjectID, chi.URLParam(r, "id")); err != nil {
			writeStoreFailure(w, r, logger, "delete notification failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
