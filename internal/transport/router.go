package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/audit"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/notification"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config        *config.Config
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Engine        *workflow.Engine
	Blobs         filestore.BlobStore
	Audit         audit.Store
	Notifications *notification.Service
	// Idempotency is nil when idempotent replay is disabled.
	Idempotency  idempotency.Store
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
	// MetricsHandler serves the metrics path. Defaults to the global
	// Prometheus registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, h)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	engine := deps.Engine
	uploads := &uploadHandler{
		engine:   engine,
		blobs:    deps.Blobs,
		maxBytes: cfg.Blobs.MaxUploadBytes,
		logger:   logger,
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/claims", func(r chi.Router) {
			r.Post("/", handleClaimCreate(engine, logger))
			r.Get("/", handleClaimList(engine, logger))

			r.Route("/{claimId}", func(r chi.Router) {
				r.Get("/", handleClaimGet(engine, logger))
				r.Delete("/", requireAdmin(handleClaimDelete(engine, logger)))
				r.Post("/actions/{action}", handleClaimAction(
					engine, deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, deps.Metrics, logger))

				r.Post("/documents", uploads.handleUpload())
				r.Post("/documents/resubmitted", handleDocumentsResubmitted(engine, logger))
				r.Get("/documents/{documentId}/content", handleDocumentContent(engine, deps.Blobs, logger))
				r.Post("/documents/{documentId}/flag", requireAdmin(handleDocumentFlag(engine, logger)))
				r.Post("/documents/{documentId}/unflag", requireAdmin(handleDocumentUnflag(engine, logger)))
				r.Post("/documents/{documentId}/replace", uploads.handleReplace())
			})
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/logs", requireAdmin(handleAuditLogs(deps.Audit, logger)))
			r.Get("/export", requireAdmin(handleAuditExport(deps.Audit, cfg.Audit.ExportLimit, logger)))
			r.Get("/claims/{claimId}", handleClaimTrail(engine, deps.Audit, logger))
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", handleNotificationList(deps.Notifications, logger))
			r.Put("/read-all", handleNotificationReadAll(deps.Notifications, logger))
			r.Put("/{id}/read", handleNotificationRead(deps.Notifications, logger))
			r.Delete("/{id}", handleNotificationDelete(deps.Notifications, logger))
		})
	})

	return r
}
