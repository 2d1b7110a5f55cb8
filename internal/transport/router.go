package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/internal/metadata"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/session"
	"github.com/pitabwire/droponboard/internal/upload"
	"github.com/pitabwire/droponboard/internal/wizard"
	"github.com/pitabwire/droponboard/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *definition.Registry
	Controller  *wizard.Controller
	Descriptors *metadata.SessionProvider
	Sessions    *session.Manager
	Uploads     *upload.Store
	Metrics     *observability.Metrics
	Readiness   *observability.Readiness
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// session middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.NotFound(notFound)

	r.Get("/healthz", observability.HandleHealth())
	readiness := deps.Readiness
	if readiness == nil {
		readiness = observability.NewReadiness()
	}
	r.Get("/readyz", readiness.Handler())
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	h := &wizardHandlers{
		registry:    deps.Registry,
		controller:  deps.Controller,
		descriptors: deps.Descriptors,
		sessions:    deps.Sessions,
		uploads:     deps.Uploads,
		logger:      logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestContext(deps.Sessions))
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Group(func(r chi.Router) {
			r.Use(MaxBody(deps.Config.Server.MaxBodyBytes))
			r.Get("/wizards", h.list)
			r.Post("/wizards/{wizardId}/sessions", h.start)
		})

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Use(RequireSession(sessionIDParam))

			r.Get("/", h.get)
			r.Get("/events", h.events)
			r.With(MaxBody(deps.Config.Server.MaxBodyBytes)).Put("/fields", h.setFields)
			r.With(MaxBody(uploadBodyLimit(deps.Config))).Post("/files/{field}", h.uploadFile)
			r.Post("/next", h.next)
			r.Post("/back", h.back)
			r.Post("/submit", h.submit)
			r.Post("/reset", h.reset)
		})
	})

	return r
}

// uploadBodyLimit leaves room for multipart framing around the file.
func uploadBodyLimit(cfg *config.Config) int64 {
	if cfg.Uploads.MaxBytes <= 0 {
		return 0
	}
	return cfg.Uploads.MaxBytes + 64<<10
}

func notFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, model.NewNotFoundError("route not found"))
}
