package feeds

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/threatgraph/internal/mitre"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// Publisher sends one item to the threat intelligence topic.
type Publisher interface {
	Publish(ctx context.Context, data map[string]any) error
}

// StreamResult counts the outcome of streaming one batch.
type StreamResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Report summarises one ingest-and-stream pass.
type Report struct {
	Ingestion map[string]int          `json:"ingestion"`
	Streaming map[string]StreamResult `json:"streaming"`
	Errors    []string                `json:"errors"`
	Summary   Summary                 `json:"summary"`
}

type Summary struct {
	TotalIngested        int     `json:"total_ingested"`
	TotalStreamed        int     `json:"total_streamed"`
	StreamingSuccessRate float64 `json:"streaming_success_rate"`
}

// Service fetches from every configured source and streams the items.
type Service struct {
	sources   []Source
	publisher Publisher
	catalog   *mitre.Catalog
	lookback  time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService returns a feed service. lookback bounds how far back each pass
// asks the sources for changes; zero means one day.
func NewService(sources []Source, publisher Publisher, catalog *mitre.Catalog, lookback time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Service{
		sources:   sources,
		publisher: publisher,
		catalog:   catalog,
		lookback:  lookback,
		logger:    logger.With(zap.String("component", "feeds")),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Sources returns the names of the configured sources.
func (s *Service) Sources() []string {
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, src.Name())
	}
	return names
}

// IngestAll fetches every source concurrently. A failing source does not
// stop the others; its error is returned alongside the items that did
// arrive.
func (s *Service) IngestAll(ctx context.Context) (map[string][]Item, []error) {
	since := s.now().Add(-s.lookback)

	var (
		mu    sync.Mutex
		items = make(map[string][]Item, len(s.sources))
		errs  []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		g.Go(func() error {
			start := time.Now()
			fetched, err := src.Fetch(gctx, since)
			s.metrics.ObserveFeedRun(src.Name(), time.Since(start))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("Feed fetch failed", zap.String("feed", src.Name()), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
				return nil
			}
			items[src.Name()] = fetched
			return nil
		})
	}
	_ = g.Wait()

	return items, errs
}

// Stream publishes items one at a time and counts the outcomes.
func (s *Service) Stream(ctx context.Context, items []Item, source string) StreamResult {
	var res StreamResult
	for _, item := range items {
		msg, ok := s.prepare(item, source)
		if !ok {
			s.logger.Debug("Skipping unclassifiable feed item",
				zap.String("feed", source),
				zap.Any("id", item["id"]),
			)
			res.Skipped++
			continue
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Warn("Failed to stream feed item",
				zap.String("feed", source),
				zap.Any("id", msg["id"]),
				zap.Error(err),
			)
			s.metrics.FeedItem(source, false)
			res.Failed++
			continue
		}
		s.metrics.FeedItem(source, true)
		res.Success++
	}
	return res
}

// IngestAndStream runs one full pass over every source.
func (s *Service) IngestAndStream(ctx context.Context) Report {
	ingested, errs := s.IngestAll(ctx)

	report := Report{
		Ingestion: make(map[string]int, len(ingested)),
		Streaming: make(map[string]StreamResult, len(ingested)),
		Errors:    make([]string, 0, len(errs)),
	}
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}

	for name, items := range ingested {
		res := s.Stream(ctx, items, name)
		report.Ingestion[name] = len(items)
		report.Streaming[name] = res
		report.Summary.TotalIngested += len(items)
		report.Summary.TotalStreamed += res.Success
	}
	if report.Summary.TotalIngested > 0 {
		report.Summary.StreamingSuccessRate = float64(report.Summary.TotalStreamed) / float64(report.Summary.TotalIngested)
	}

	s.logger.Info("Feed pass complete",
		zap.Int("ingested", report.Summary.TotalIngested),
		zap.Int("streamed", report.Summary.TotalStreamed),
		zap.Int("errors", len(report.Errors)),
	)
	return report
}

// IngestSample streams the built-in sample items and returns how many were
// published.
func (s *Service) IngestSample(ctx context.Context) int {
	return s.Stream(ctx, SampleItems(), "sample").Success
}

// prepare builds the stream message for an item: it stamps the ingestion
// metadata, sets the message kind in "type" and moves an indicator type to
// "ioc_type".
func (s *Service) prepare(item Item, source string) (map[string]any, bool) {
	kind := DetermineItemType(item)
	if kind == KindUnknown {
		return nil, false
	}

	msg := maps.Clone(map[string]any(item))
	msg["ingestion_source"] = source
	msg["ingestion_timestamp"] = s.now().UTC().Format(time.RFC3339)
	if id, _ := msg["id"].(string); id == "" {
		msg["id"] = uuid.NewString()
	}

	if kind == KindIOC {
		raw, _ := msg["type"].(string)
		if raw != KindIOC {
			iocType, err := models.ParseIOCType(raw)
			if err != nil {
				return nil, false
			}
			msg["ioc_type"] = string(iocType)
		}
		if _, ok := msg["ioc_type"]; !ok {
			return nil, false
		}
		s.suggestTechniques(msg)
	}
	msg["type"] = kind
	return msg, true
}

func (s *Service) suggestTechniques(msg map[string]any) {
	if s.catalog == nil {
		return
	}
	iocType, _ := msg["ioc_type"].(string)
	value, _ := msg["value"].(string)
	mappings := s.catalog.MapIOC(models.IOCType(iocType), value)
	if len(mappings) == 0 {
		return
	}

	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.TechniqueID)
	}

	ctx := map[string]any{}
	if existing, ok := msg["context"].(map[string]any); ok {
		ctx = maps.Clone(existing)
	}
	ctx["mitre_techniques"] = ids
	msg["context"] = ctx
}
