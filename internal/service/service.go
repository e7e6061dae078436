// Package service implements the IOC, threat actor and campaign operations
// on top of the query builder, the graph executor and the entity mappers.
package service

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/observability"
	"github.com/lvonguyen/threatgraph/internal/query"
)

// SearchCache stores search pages by statement signature. Implementations
// treat every failure as a miss.
type SearchCache interface {
	Get(ctx context.Context, entity, signature string, dst any) bool
	Set(ctx context.Context, entity, signature string, page any)
	Invalidate(ctx context.Context, entity string)
}

// Deps are the collaborators shared by every service.
type Deps struct {
	Graph   graph.Executor
	Cache   SearchCache
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type base struct {
	graph   graph.Executor
	cache   SearchCache
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func newBase(d Deps, component string) base {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := d.Cache
	if cache == nil {
		cache = noCache{}
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer("threatgraph/service")
	}
	return base{
		graph:   d.Graph,
		cache:   cache,
		logger:  logger.With(zap.String("component", component)),
		metrics: d.Metrics,
		tracer:  tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (b *base) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}

// searchPage is what a search caches: the mapped page plus its total.
type searchPage[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// runSearch executes a built search. Store failures degrade to an empty
// page; they are logged with the statement signature and counted.
func runSearch[T any](ctx context.Context, b *base, entity query.Entity, s *query.Search, mapRow func(map[string]any) (T, error)) searchPage[T] {
	name := string(entity)
	sig := s.Page.Signature()
	b.metrics.SearchRequested(name)

	var page searchPage[T]
	if b.cache.Get(ctx, name, sig, &page) {
		return page
	}

	empty := searchPage[T]{Items: []T{}}

	countRows, err := b.graph.Execute(ctx, s.Count.Text, s.Count.Params)
	if err != nil {
		b.searchFailed(name, sig, err)
		return empty
	}
	if len(countRows) > 0 {
		page.Total = countRows[0].Int("total")
	}

	rows, err := b.graph.Execute(ctx, s.Page.Text, s.Page.Params)
	if err != nil {
		b.searchFailed(name, sig, err)
		return empty
	}

	page.Items = make([]T, 0, len(rows))
	for _, row := range rows {
		n, ok := row.Node("n")
		if !ok {
			continue
		}
		item, err := mapRow(n.Props)
		if err != nil {
			b.logger.Warn("Skipping unmappable search row",
				zap.String("signature", sig),
				zap.String("node_id", n.ID()),
				zap.Error(err),
			)
			b.metrics.SearchFailed(name, string(apperr.KindMapping))
			continue
		}
		page.Items = append(page.Items, item)
	}

	b.cache.Set(ctx, name, sig, page)
	return page
}

func (b *base) searchFailed(entity, sig string, err error) {
	kind := apperr.KindOf(err)
	b.logger.Warn("Search failed, returning empty result",
		zap.String("entity", entity),
		zap.String("signature", sig),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	b.metrics.SearchFailed(entity, string(kind))
}

type noCache struct{}

func (noCache) Get(context.Context, string, string, any) bool { return false }
func (noCache) Set(context.Context, string, string, any)      {}
func (noCache) Invalidate(context.Context, string)            {}

type originKey struct{}

// WithOrigin tags writes made with ctx, e.g. "stream" for the consumer.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originFrom(ctx context.Context) string {
	if o, ok := ctx.Value(originKey{}).(string); ok && o != "" {
		return o
	}
	return "api"
}

// DeriveThreatLevel classifies an asset from its indicator count and the
// highest indicator confidence.
func DeriveThreatLevel(indicatorCount int, maxConfidence float64) models.ThreatLevel {
	switch {
	case indicatorCount <= 0:
		return models.ThreatLevelUnknown
	case indicatorCount >= 10 && maxConfidence >= 0.8:
		return models.ThreatLevelCritical
	case indicatorCount >= 5 && maxConfidence >= 0.6:
		return models.ThreatLevelHigh
	case indicatorCount >= 2 && maxConfidence >= 0.4:
		return models.ThreatLevelMedium
	default:
		return models.ThreatLevelLow
	}
}

var threatMultipliers = map[models.ThreatLevel]float64{
	models.ThreatLevelUnknown:  1.0,
	models.ThreatLevelLow:      1.1,
	models.ThreatLevelMedium:   1.3,
	models.ThreatLevelHigh:     1.6,
	models.ThreatLevelCritical: 2.0,
}

// ThreatMultiplier returns the risk multiplier of a threat level.
func ThreatMultiplier(level models.ThreatLevel) float64 {
	if m, ok := threatMultipliers[level]; ok {
		return m
	}
	return 1.0
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func formatTimestamp(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	return ""
}

func floatOr(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return def
}
