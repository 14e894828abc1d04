package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/api/handler"
	mw "github.com/edvin/lazyacme/internal/api/middleware"
	"github.com/edvin/lazyacme/internal/api/response"
	"github.com/edvin/lazyacme/internal/config"
)

// Pinger is implemented by backing stores that can be probed for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router    chi.Router
	logger    zerolog.Logger
	certs     handler.CertificateService
	scheduler handler.SchedulerReporter
	db        Pinger
	cfg       *config.Config
}

// NewServer builds the router. db may be nil when records live on disk.
func NewServer(logger zerolog.Logger, certs handler.CertificateService, scheduler handler.SchedulerReporter, db Pinger, cfg *config.Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With().Str("component", "api").Logger(),
		certs:     certs,
		scheduler: scheduler,
		db:        db,
		cfg:       cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKey(s.cfg.APIKeyHash))

		certificate := handler.NewCertificate(s.certs)
		r.Post("/certificate", certificate.Issue)
		r.Get("/certificate/{domain}", certificate.Get)
		r.Get("/certificate/{domain}/key", certificate.GetKey)
		r.Get("/certificates", certificate.List)

		task := handler.NewTask(s.scheduler)
		r.Get("/task", task.Get)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.scheduler.State().Running {
		checks["scheduler"] = "ok"
	} else {
		checks["scheduler"] = "not running"
		healthy = false
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
