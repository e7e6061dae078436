// Package api serves the threat graph over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/feeds"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// IOCs is the indicator service.
type IOCs interface {
	Search(ctx context.Context, req models.IOCSearchRequest) (*models.IOCSearchResponse, error)
	Get(ctx context.Context, id string) (*models.IOC, error)
	Create(ctx context.Context, ioc *models.IOC) (*models.IOC, error)
	Correlate(ctx context.Context, iocID, assetID string) error
	Relationships(ctx context.Context, iocID string, depth int) (*models.RelationshipsResult, error)
	GraphExport(ctx context.Context, nodeKinds, relKinds []string) (*models.GraphExport, error)
	ThreatContext(ctx context.Context, assetID string) (*models.AssetThreatContext, error)
	EnhanceRiskScore(ctx context.Context, assetID string, baseScore float64) (*models.RiskScore, error)
}

// Actors is the threat actor service.
type Actors interface {
	Search(ctx context.Context, req models.ActorSearchRequest) (*models.ActorSearchResponse, error)
	Get(ctx context.Context, id string) (*models.ThreatActor, error)
	Create(ctx context.Context, a *models.ThreatActor) (*models.ThreatActor, error)
	Attribute(ctx context.Context, campaignID string) (*models.ThreatAttribution, error)
}

// Campaigns is the campaign service.
type Campaigns interface {
	Search(ctx context.Context, req models.CampaignSearchRequest) (*models.CampaignSearchResponse, error)
	Get(ctx context.Context, id string) (*models.Campaign, error)
	Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error)
	Timeline(ctx context.Context, id string) (*models.CampaignTimeline, error)
}

// Feeds runs feed ingestion on demand.
type Feeds interface {
	IngestAndStream(ctx context.Context) feeds.Report
	IngestSample(ctx context.Context) int
}

// CorrelationPublisher queues ioc/asset pairs for the stream consumer.
type CorrelationPublisher interface {
	PublishCorrelation(ctx context.Context, data map[string]any) error
}

// HealthChecker reports whether the graph store answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Config holds HTTP server settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ShutdownTimeout bounds the graceful drain; zero means 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Deps are the collaborators the handlers call.
type Deps struct {
	IOCs      IOCs
	Actors    Actors
	Campaigns Campaigns
	// Feeds is optional; without it the feed routes answer 503.
	Feeds Feeds
	// Correlations backs POST .../correlate/{assetID}?async=true.
	Correlations   CorrelationPublisher
	Health         HealthChecker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	// RateLimit wraps the /api/v1 routes when set.
	RateLimit func(http.Handler) http.Handler
	Version   string
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router chi.Router
	now    func() time.Time
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "api")),
		now:    time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.RateLimit != nil {
			r.Use(s.deps.RateLimit)
		}

		r.Route("/iocs", func(r chi.Router) {
			r.Get("/search", s.handleSearchIOCs)
			r.Post("/", s.handleCreateIOC)
			r.Get("/{id}", s.handleGetIOC)
			r.Post("/{id}/correlate/{assetID}", s.handleCorrelate)
			r.Get("/{id}/relationships", s.handleRelationships)
		})

		r.Route("/assets/{id}", func(r chi.Router) {
			r.Get("/threat-context", s.handleThreatContext)
			r.Get("/risk-score", s.handleRiskScore)
		})

		r.Get("/graph/export", s.handleGraphExport)

		r.Route("/threat-actors", func(r chi.Router) {
			r.Get("/search", s.handleSearchActors)
			r.Post("/", s.handleCreateActor)
			r.Get("/{id}", s.handleGetActor)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/search", s.handleSearchCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Get("/{id}/timeline", s.handleTimeline)
			r.Get("/{id}/attribution", s.handleAttribution)
		})

		r.Post("/admin/ingest-sample-data", s.handleIngestSample)
		r.Post("/feeds/sync", s.handleFeedSync)
	})

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Server stopped")
	return nil
}

// requestLogger records a metric per request under the matched route
// pattern and logs failures.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(status), time.Since(start))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("Request completed", fields...)
		} else {
			s.logger.Debug("Request completed", fields...)
		}
	})
}

func (s *Server) graphHealthy(ctx context.Context) bool {
	return s.deps.Health != nil && s.deps.Health.HealthCheck(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.graphHealthy(r.Context())
	status, neo := "healthy", "healthy"
	if !healthy {
		status, neo = "unhealthy", "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"service":   "threatgraph",
		"version":   s.deps.Version,
		"timestamp": s.now().UTC(),
		"services":  map[string]string{"neo4j": neo},
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.graphHealthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
