package broker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/contract-ledger/broker/pkg/cache"
	"github.com/contract-ledger/broker/pkg/events"
	"github.com/contract-ledger/broker/pkg/metrics"
)

// readyTimeout bounds the database ping of the readiness probe.
const readyTimeout = 2 * time.Second

// Server serves the broker API.
type Server struct {
	svc         *Service
	metrics     *metrics.Metrics
	logger      *slog.Logger
	corsOrigins []string
	responses   *cache.ResponseCache
	startedAt   time.Time
}

// NewServer creates a Server. m may be nil, in which case /metrics is not
// mounted.
func NewServer(svc *Service, cfg *Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:         svc,
		metrics:     m,
		logger:      logger,
		corsOrigins: cfg.CORSOrigins,
		responses:   cache.NewResponseCache(cfg.ResponseCache),
		startedAt:   time.Now(),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders: []string{"Link", "Location"},
		MaxAge:         300,
	}))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/pacticipants/{pacticipant}/versions/{version}", func(r chi.Router) {
		r.Put("/", s.createVersionHandler)
		r.Put("/tags/{tag}", s.attachTagHandler)
		r.Delete("/tags/{tag}", s.removeTagHandler)
	})

	r.Route("/pacts/provider/{provider}/consumer/{consumer}", func(r chi.Router) {
		r.Put("/version/{version}", s.publishPactHandler)
		r.Get("/pact-version/{sha}", s.getPactHandler)
		r.Post("/pact-version/{sha}/verification-results", s.recordVerificationHandler)
		// A verification never changes once recorded.
		r.With(s.responses.Middleware).Get("/pact-version/{sha}/verification-results/{number}", s.getVerificationHandler)
	})

	r.Route("/verification-results/consumer/{consumer}", func(r chi.Router) {
		r.Get("/latest", s.latestVerificationHandler)
		r.Get("/provider/{provider}/latest-for-tags", s.latestForTagsHandler)
	})

	r.Get("/matrix", s.matrixHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/latest-verifications:rebuild", s.rebuildIndexHandler)
		r.Mount("/events", events.Router(s.svc.Events()))
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.svc.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not_ready",
			"database": map[string]string{"status": "down", "error": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"database": map[string]string{"status": "up"},
	})
}
