package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP router for the control plane.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Use(a.withCredential)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", a.handleRunCreate)

		// Status is polled aggressively by clients; rate-limit per IP.
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(a.config.StatusRatePerMinute, time.Minute))
			r.Get("/status/{runID}", a.handleRunStatus)
		})

		// Machine callbacks.
		r.Post("/update-run", a.handleRunUpdate)
		r.Post("/file-upload", a.handleFileUpload)

		r.Post("/cleanup-run-data", a.handleCleanupRun)

		r.Get("/view", a.handleView)
		r.Post("/uploads/presign", a.handleUploadPresign)

		r.Post("/machines", a.handleMachineCreate)
		r.Get("/machines", a.handleMachineList)
		r.Get("/machines/{machineID}", a.handleMachineGet)
		r.Patch("/machines/{machineID}", a.handleMachineDisable)

		r.Post("/workflows", a.handleWorkflowCreate)
		r.Get("/workflows", a.handleWorkflowList)
		r.Get("/workflows/{workflowID}", a.handleWorkflowGet)
		r.Post("/workflows/{workflowID}/versions", a.handleWorkflowVersionCreate)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		var one int
		if err := a.store.ORM.WithContext(r.Context()).Raw("SELECT 1").Scan(&one).Error; err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.Handler())

	return r
}
