package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/batch"
	"github.com/wakala/settlement/internal/ingestion"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/profile"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/store"
)

// Deps are the services the HTTP layer talks to.
type Deps struct {
	Orchestrator *batch.Orchestrator
	Dispatcher   *batch.Dispatcher
	Ingestion    *ingestion.Service
	Jobs         *store.JobStore
	JobRepo      *repository.JobRepo
	ProfileRepo  *repository.ProfileRepo
	Profiles     *profile.Cache
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	h := &Handlers{
		orch:        d.Orchestrator,
		dispatcher:  d.Dispatcher,
		ingestion:   d.Ingestion,
		jobs:        d.Jobs,
		jobRepo:     d.JobRepo,
		profileRepo: d.ProfileRepo,
		profiles:    d.Profiles,
		validate:    validator.New(),
		logger:      d.Logger.Named("api"),
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		// Single row.
		r.Post("/calculate", h.Calculate)

		// Batches.
		r.Post("/batches", h.SubmitBatch)
		r.Post("/batches/upload", h.UploadBatch)
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/summary", h.GetBatchSummary)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/batches/{id}/progress", h.GetProgress)
		r.Get("/batches/{id}/result", h.GetResult)

		// Profiles.
		r.Get("/profiles", h.ListProfiles)
		r.Get("/profiles/{code}", h.GetProfile)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
