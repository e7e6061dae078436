package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/api"
	"github.com/lvonguyen/threatgraph/internal/api/gateway"
	"github.com/lvonguyen/threatgraph/internal/cache"
	"github.com/lvonguyen/threatgraph/internal/config"
	"github.com/lvonguyen/threatgraph/internal/feeds"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/mitre"
	"github.com/lvonguyen/threatgraph/internal/observability"
	"github.com/lvonguyen/threatgraph/internal/service"
	"github.com/lvonguyen/threatgraph/internal/streaming"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	metrics   *observability.Metrics

	graph   *graph.Client
	redis   redis.UniversalClient
	catalog *mitre.Catalog

	iocs      *service.IOCService
	actors    *service.ActorService
	campaigns *service.CampaignService

	// producer and feeds are nil while Kafka is disabled.
	producer *streaming.Producer
	feeds    *feeds.Service
}

func newApp(cfg *config.Config) (*app, error) {
	tel, err := observability.New(cfg.ObservabilityConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a := &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger(),
		metrics:   tel.Metrics(),
	}
	a.logger.Info("Starting threatgraph",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
	)

	a.graph = graph.NewClient(cfg.GraphConfig(), a.logger, a.metrics, tel.Tracer())
	a.catalog = mitre.NewCatalog(a.logger)

	if cfg.Redis.Enabled {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.logger.Warn("Redis unreachable; cache and rate limiter fail open", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	deps := service.Deps{Graph: a.graph, Logger: a.logger, Metrics: a.metrics, Tracer: tel.Tracer()}
	if cfg.Cache.Enabled && a.redis != nil {
		deps.Cache = cache.NewSearchCache(a.redis, cfg.Cache.TTL, a.logger, a.metrics)
	}
	a.iocs = service.NewIOCService(deps)
	a.actors = service.NewActorService(deps)
	a.campaigns = service.NewCampaignService(deps, a.catalog)

	if cfg.Kafka.Enabled {
		a.producer, err = streaming.NewProducer(cfg.StreamingConfig(), a.logger, a.metrics)
		if err != nil {
			a.close()
			return nil, err
		}
		sources, err := a.feedSources()
		if err != nil {
			a.close()
			return nil, err
		}
		a.feeds = feeds.NewService(sources, a.producer, a.catalog, cfg.Feeds.Lookback, a.logger, a.metrics)
	}
	return a, nil
}

// feedSources builds the enabled external feeds. A feed without its API
// key is skipped with a warning.
func (a *app) feedSources() ([]feeds.Source, error) {
	var sources []feeds.Source
	if a.cfg.Feeds.OTX.Enabled {
		src, err := feeds.NewOTXSource(a.cfg.Feeds.OTX.OTXConfig, a.logger)
		switch {
		case errors.Is(err, feeds.ErrNoAPIKey):
			a.logger.Warn("Skipping OTX feed", zap.Error(err))
		case err != nil:
			return nil, err
		default:
			sources = append(sources, src)
		}
	}
	if a.cfg.Feeds.MISP.Enabled {
		src, err := feeds.NewMISPSource(a.cfg.Feeds.MISP.MISPConfig, a.logger)
		switch {
		case errors.Is(err, feeds.ErrNoAPIKey):
			a.logger.Warn("Skipping MISP feed", zap.Error(err))
		case err != nil:
			return nil, err
		default:
			sources = append(sources, src)
		}
	}
	return sources, nil
}

func (a *app) seeder() *service.Seeder {
	return &service.Seeder{
		IOCs:      a.iocs,
		Actors:    a.actors,
		Campaigns: a.campaigns,
		Graph:     a.graph,
		Catalog:   a.catalog,
		Logger:    a.logger,
	}
}

func (a *app) processor() *streaming.Processor {
	return &streaming.Processor{
		IOCs:      a.iocs,
		Actors:    a.actors,
		Campaigns: a.campaigns,
		Topics:    a.cfg.StreamingConfig().Topics,
		Logger:    a.logger.With(zap.String("component", "processor")),
	}
}

func (a *app) newConsumer() (*streaming.Consumer, error) {
	return streaming.NewConsumer(a.cfg.StreamingConfig(), a.processor(), a.logger, a.metrics)
}

func (a *app) newScheduler() (*feeds.Scheduler, error) {
	return feeds.NewScheduler(a.feeds, a.cfg.Feeds.Schedule.Interval, a.logger)
}

func (a *app) apiServer() *api.Server {
	deps := api.Deps{
		IOCs:      a.iocs,
		Actors:    a.actors,
		Campaigns: a.campaigns,
		Health:    a.graph,
		Metrics:   a.metrics,
		Version:   Version,
	}
	if a.metrics != nil {
		deps.MetricsHandler = a.telemetry.MetricsHandler()
	}
	// Assigned only when set so the interfaces stay nil otherwise.
	if a.feeds != nil {
		deps.Feeds = a.feeds
	}
	if a.producer != nil {
		deps.Correlations = a.producer
	}
	if a.cfg.RateLimit.Enabled && a.redis != nil {
		deps.RateLimit = gateway.NewRateLimiter(a.redis, a.cfg.RateLimit.RateLimitConfig, a.logger, a.metrics).Middleware
	}
	return api.NewServer(a.cfg.APIConfig(), deps, a.logger)
}

// close releases every client. Safe on a partially built app.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.producer != nil {
		a.producer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Closing redis", zap.Error(err))
		}
	}
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			a.logger.Warn("Closing graph client", zap.Error(err))
		}
	}
	_ = a.telemetry.Shutdown(ctx)
}
