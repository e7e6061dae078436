package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/graph/graphtest"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

func ptr[T any](v T) *T { return &v }

func newDeps(exec graph.Executor) (Deps, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return Deps{Graph: exec, Logger: zap.NewNop(), Metrics: metrics}, metrics
}

func iocNode(id, typ, value string, confidence float64) graph.Node {
	return graph.Node{
		Labels: []string{"IOC"},
		Props: map[string]any{
			"id":         id,
			"type":       typ,
			"value":      value,
			"category":   "attack_infrastructure",
			"confidence": confidence,
			"source":     "test",
		},
	}
}

// iocStore answers the builder's count and page statements from memory,
// honouring the ioc_type and confidence_min parameters.
type iocStore struct {
	nodes []graph.Node
}

func (s *iocStore) match(params map[string]any) []graph.Node {
	var out []graph.Node
	for _, n := range s.nodes {
		if t, ok := params["ioc_type"]; ok && n.Props["type"] != t {
			continue
		}
		if floor, ok := params["confidence_min"].(float64); ok && n.Props["confidence"].(float64) < floor {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].Props["confidence"].(float64), out[j].Props["confidence"].(float64)
		if ci != cj {
			return ci > cj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (s *iocStore) executor() *graphtest.Executor {
	return graphtest.New().
		OnFunc("RETURN count(n) AS total", func(p map[string]any) ([]graph.Row, error) {
			return []graph.Row{{"total": int64(len(s.match(p)))}}, nil
		}).
		OnFunc("SKIP $skip LIMIT $limit", func(p map[string]any) ([]graph.Row, error) {
			matched := s.match(p)
			skip, limit := int(p["skip"].(int64)), int(p["limit"].(int64))
			var rows []graph.Row
			for i := skip; i < len(matched) && i < skip+limit; i++ {
				rows = append(rows, graph.Row{"n": matched[i]})
			}
			return rows, nil
		})
}

// ============================================================================
// Search
// ============================================================================

func TestSearchDomainsAboveConfidence(t *testing.T) {
	store := &iocStore{nodes: []graph.Node{
		iocNode("d1", "domain", "a.example", 0.9),
		iocNode("d2", "domain", "b.example", 0.8),
		iocNode("d3", "domain", "c.example", 0.5),
		iocNode("i1", "ip_address", "10.0.0.1", 0.95),
	}}
	deps, _ := newDeps(store.executor())
	svc := NewIOCService(deps)

	resp, err := svc.Search(context.Background(), models.IOCSearchRequest{
		Type:          models.IOCTypeDomain,
		ConfidenceMin: ptr(0.7),
		Limit:         10,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), resp.TotalCount)
	require.Len(t, resp.IOCs, 2)
	assert.Equal(t, 0.9, resp.IOCs[0].Confidence)
	assert.Equal(t, 0.8, resp.IOCs[1].Confidence)
	assert.Equal(t, models.IOCTypeDomain, resp.SearchParams.Type)
}

func TestSearchPageMatchesCount(t *testing.T) {
	store := &iocStore{}
	for i := 0; i < 7; i++ {
		store.nodes = append(store.nodes, iocNode(fmt.Sprintf("ioc-%d", i), "url", "http://x", float64(i)/10))
	}
	deps, _ := newDeps(store.executor())
	svc := NewIOCService(deps)

	for _, limit := range []int{1, 3, 7, 10} {
		for _, offset := range []int{0, 2, 6, 7, 20} {
			resp, err := svc.Search(context.Background(), models.IOCSearchRequest{Limit: limit, Offset: offset})
			require.NoError(t, err)

			assert.Equal(t, int64(7), resp.TotalCount)
			want := 0
			if offset < 7 {
				want = min(limit, 7-offset)
			}
			assert.Len(t, resp.IOCs, want, "limit=%d offset=%d", limit, offset)
		}
	}
}

func TestSearchStoreFailureDegrades(t *testing.T) {
	exec := graphtest.New().Fail("count(n)", apperr.Connection("neo4j unreachable", nil))
	deps, metrics := newDeps(exec)
	svc := NewIOCService(deps)

	resp, err := svc.Search(context.Background(), models.IOCSearchRequest{Limit: 10})
	require.NoError(t, err)

	assert.Empty(t, resp.IOCs)
	assert.NotNil(t, resp.IOCs)
	assert.Equal(t, int64(0), resp.TotalCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SearchFailures.WithLabelValues("ioc", "connection_error")))
}

func TestSearchInvalidFilterMakesNoStoreCall(t *testing.T) {
	exec := graphtest.New()
	deps, _ := newDeps(exec)
	svc := NewIOCService(deps)

	_, err := svc.Search(context.Background(), models.IOCSearchRequest{Type: "phone", Limit: 10})
	assert.ErrorIs(t, err, apperr.ErrInvalidFilter)

	_, err = svc.Search(context.Background(), models.IOCSearchRequest{Limit: 0})
	assert.ErrorIs(t, err, apperr.ErrInvalidFilter)

	assert.Empty(t, exec.Calls())
}

func TestSearchRejectsConfidenceOutsideUnitRange(t *testing.T) {
	exec := graphtest.New()
	deps, _ := newDeps(exec)
	svc := NewIOCService(deps)

	for _, bad := range []float64{5, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := svc.Search(context.Background(), models.IOCSearchRequest{ConfidenceMin: ptr(bad), Limit: 10})
		assert.ErrorIs(t, err, apperr.ErrInvalidFilter, "min %v", bad)

		_, err = svc.Search(context.Background(), models.IOCSearchRequest{ConfidenceMax: ptr(bad), Limit: 10})
		assert.ErrorIs(t, err, apperr.ErrInvalidFilter, "max %v", bad)
	}
	assert.Empty(t, exec.Calls())

	_, err := svc.Search(context.Background(), models.IOCSearchRequest{ConfidenceMin: ptr(0.0), ConfidenceMax: ptr(1.0), Limit: 10})
	assert.NoError(t, err)
}

func TestSearchSpansUseSuppliedTracer(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	exec := graphtest.New()
	deps, _ := newDeps(exec)
	deps.Tracer = tp.Tracer("service-test")
	svc := NewIOCService(deps)

	_, err := svc.Search(context.Background(), models.IOCSearchRequest{Limit: 10})
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		assert.Equal(t, "service-test", s.InstrumentationScope().Name)
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "ioc.search")
}

func TestSearchSkipsUnmappableRows(t *testing.T) {
	bad := iocNode("bad", "domain", "x", 0.5)
	bad.Props["confidence"] = 7.0
	exec := graphtest.New().
		On("count(n)", graph.Row{"total": int64(2)}).
		On("SKIP", graph.Row{"n": iocNode("good", "domain", "y", 0.5)}, graph.Row{"n": bad})
	deps, metrics := newDeps(exec)

	resp, err := NewIOCService(deps).Search(context.Background(), models.IOCSearchRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.IOCs, 1)
	assert.Equal(t, "good", resp.IOCs[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SearchFailures.WithLabelValues("ioc", "mapping_error")))
}

type mapCache struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func (c *mapCache) Get(_ context.Context, entity, sig string, dst any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.pages[entity+sig]
	if !ok {
		return false
	}
	return json.Unmarshal(b, dst) == nil
}

func (c *mapCache) Set(_ context.Context, entity, sig string, page any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := json.Marshal(page)
	c.pages[entity+sig] = b
}

func (c *mapCache) Invalidate(_ context.Context, entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = map[string][]byte{}
}

func TestSearchUsesCache(t *testing.T) {
	store := &iocStore{nodes: []graph.Node{iocNode("d1", "domain", "a.example", 0.9)}}
	exec := store.executor()
	deps, _ := newDeps(exec)
	deps.Cache = &mapCache{pages: map[string][]byte{}}
	svc := NewIOCService(deps)

	req := models.IOCSearchRequest{Type: models.IOCTypeDomain, Limit: 10}
	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Search(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.IOCs, second.IOCs)
	assert.Len(t, exec.Calls(), 2, "second search served from cache")
}

func TestCorrelateInvalidatesCachedSearches(t *testing.T) {
	var mu sync.Mutex
	exposed := false
	matching := func(p map[string]any) []graph.Node {
		mu.Lock()
		defer mu.Unlock()
		if exposed && p["asset_id"] == "asset-1" {
			return []graph.Node{iocNode("ioc-1", "domain", "a.example", 0.9)}
		}
		return nil
	}
	exec := graphtest.New().
		OnFunc("MERGE (a)-[r:EXPOSED_TO]->(ioc)", func(map[string]any) ([]graph.Row, error) {
			mu.Lock()
			defer mu.Unlock()
			exposed = true
			return []graph.Row{{"ioc_id": "ioc-1", "asset_id": "asset-1"}}, nil
		}).
		OnFunc("RETURN count(n) AS total", func(p map[string]any) ([]graph.Row, error) {
			return []graph.Row{{"total": int64(len(matching(p)))}}, nil
		}).
		OnFunc("SKIP $skip LIMIT $limit", func(p map[string]any) ([]graph.Row, error) {
			var rows []graph.Row
			for _, n := range matching(p) {
				rows = append(rows, graph.Row{"n": n})
			}
			return rows, nil
		})
	deps, _ := newDeps(exec)
	deps.Cache = &mapCache{pages: map[string][]byte{}}
	svc := NewIOCService(deps)
	ctx := context.Background()

	req := models.IOCSearchRequest{AssetID: "asset-1", Limit: 10}
	before, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.TotalCount)

	require.NoError(t, svc.Correlate(ctx, "ioc-1", "asset-1"))

	after, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.TotalCount)
	require.Len(t, after.IOCs, 1)
	assert.Equal(t, "ioc-1", after.IOCs[0].ID)
}

// ============================================================================
// Get, create, correlate
// ============================================================================

func TestGetIOCWithRelationships(t *testing.T) {
	actor := graph.Node{Labels: []string{"ThreatActor"}, Props: map[string]any{"id": "ta_apt29", "name": "APT29"}}
	exec := graphtest.New().On("MATCH (ioc:IOC {id: $id})", graph.Row{
		"ioc":           iocNode("ioc-1", "domain", "malicious-site.com", 0.9),
		"threat_actors": []any{actor, actor},
		"campaigns":     []any{graph.Node{Props: map[string]any{"name": "Operation Cozy Bear"}}},
		"malwares":      []any{},
		"ttps":          []any{graph.Node{Props: map[string]any{"mitre_id": "T1071"}}},
		"assets":        []any{graph.Node{Props: map[string]any{"id": "asset-1"}}},
	})
	deps, _ := newDeps(exec)

	ioc, err := NewIOCService(deps).Get(context.Background(), "ioc-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"APT29"}, ioc.ThreatActors)
	assert.Equal(t, []string{"Operation Cozy Bear"}, ioc.Campaigns)
	assert.Equal(t, []string{}, ioc.Malwares)
	assert.Equal(t, []string{"T1071"}, ioc.TTPs)
	assert.Equal(t, []string{"asset-1"}, ioc.RelatedAssets)
}

func TestGetIOCNotFound(t *testing.T) {
	deps, _ := newDeps(graphtest.New())
	_, err := NewIOCService(deps).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// nodeStore emulates MERGE-on-id with full property replacement.
type nodeStore struct {
	mu    sync.Mutex
	nodes map[string]map[string]any
}

func (s *nodeStore) upsert(key, label string) graphtest.Handler {
	return func(p map[string]any) ([]graph.Row, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		props := p["props"].(map[string]any)
		s.nodes[p["id"].(string)] = props
		return []graph.Row{{key: graph.Node{Labels: []string{label}, Props: props}}}, nil
	}
}

func TestCreateIOCIsIdempotentUpsert(t *testing.T) {
	store := &nodeStore{nodes: map[string]map[string]any{}}
	exec := graphtest.New().OnFunc("MERGE (ioc:IOC {id: $id})", store.upsert("ioc", "IOC"))
	deps, metrics := newDeps(exec)
	svc := NewIOCService(deps)

	ioc := &models.IOC{
		ID:         "ioc-1",
		Type:       "ip",
		Value:      "192.168.1.100",
		Category:   models.CategoryC2,
		Confidence: 0.6,
		Source:     "otx",
	}
	_, err := svc.Create(context.Background(), ioc)
	require.NoError(t, err)

	again := *ioc
	again.Confidence = 0.85
	got, err := svc.Create(WithOrigin(context.Background(), "stream"), &again)
	require.NoError(t, err)

	assert.Len(t, store.nodes, 1)
	assert.Equal(t, 0.85, store.nodes["ioc-1"]["confidence"])
	assert.Equal(t, models.IOCTypeIP, got.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntitiesUpserted.WithLabelValues("ioc", "stream")))
}

func TestCreateIOCValidation(t *testing.T) {
	exec := graphtest.New()
	deps, _ := newDeps(exec)

	_, err := NewIOCService(deps).Create(context.Background(), &models.IOC{ID: "x", Type: "domain", Value: "v", Category: "malware", Confidence: 1.2, Source: "s"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, exec.Calls())
}

func TestCreateIOCPropagatesStoreErrors(t *testing.T) {
	exec := graphtest.New().Fail("MERGE", apperr.Connection("down", nil))
	deps, _ := newDeps(exec)

	_, err := NewIOCService(deps).Create(context.Background(), &models.IOC{ID: "x", Type: "domain", Value: "v", Category: "malware", Confidence: 0.2, Source: "s"})
	assert.ErrorIs(t, err, apperr.ErrConnection)
}

func TestCorrelateTwiceLeavesOneRelationship(t *testing.T) {
	var mu sync.Mutex
	edges := map[[2]string]int{}
	exec := graphtest.New().OnFunc("MERGE (a)-[r:EXPOSED_TO]->(ioc)", func(p map[string]any) ([]graph.Row, error) {
		mu.Lock()
		defer mu.Unlock()
		if p["ioc_id"] != "ioc-1" || p["asset_id"] != "asset-1" {
			return nil, nil
		}
		edges[[2]string{"asset-1", "ioc-1"}] = 1
		return []graph.Row{{"ioc_id": "ioc-1", "asset_id": "asset-1"}}, nil
	})
	deps, _ := newDeps(exec)
	svc := NewIOCService(deps)

	require.NoError(t, svc.Correlate(context.Background(), "ioc-1", "asset-1"))
	require.NoError(t, svc.Correlate(context.Background(), "ioc-1", "asset-1"))
	assert.Len(t, edges, 1)

	err := svc.Correlate(context.Background(), "ioc-1", "asset-404")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// ============================================================================
// Traversal and export
// ============================================================================

func TestRelationshipsShortestFirst(t *testing.T) {
	ioc := iocNode("ioc-1", "domain", "x", 0.9)
	actor := graph.Node{Labels: []string{"ThreatActor"}, Props: map[string]any{"id": "actor-A"}}
	campaign := graph.Node{Labels: []string{"Campaign"}, Props: map[string]any{"id": "campaign-B"}}
	exec := graphtest.New().On("[*1..2]",
		graph.Row{"source": ioc, "target": actor, "relationship_types": []any{"USED_BY"}, "path_length": int64(1)},
		graph.Row{"source": ioc, "target": campaign, "relationship_types": []any{"USED_BY", "BELONGS_TO"}, "path_length": int64(2)},
	)
	deps, _ := newDeps(exec)

	res, err := NewIOCService(deps).Relationships(context.Background(), "ioc-1", 2)
	require.NoError(t, err)

	require.Equal(t, 2, res.Count)
	assert.Equal(t, models.PathRecord{
		Source: "ioc-1", SourceType: "IOC", Target: "actor-A", TargetType: "ThreatActor",
		RelationshipTypes: []string{"USED_BY"}, PathLength: 1,
	}, res.Relationships[0])
	assert.Equal(t, "campaign-B", res.Relationships[1].Target)
	assert.Equal(t, []string{"USED_BY", "BELONGS_TO"}, res.Relationships[1].RelationshipTypes)
	assert.Equal(t, map[string]any{"ioc_id": "ioc-1"}, exec.Calls()[0].Params)
}

func TestRelationshipsRejectsDepthBeforeStoreCall(t *testing.T) {
	exec := graphtest.New()
	deps, _ := newDeps(exec)

	_, err := NewIOCService(deps).Relationships(context.Background(), "ioc-1", 6)
	assert.ErrorIs(t, err, apperr.ErrInvalidFilter)
	assert.Empty(t, exec.Calls())
}

func TestGraphExport(t *testing.T) {
	exec := graphtest.New().
		On("RETURN n", graph.Row{"n": iocNode("ioc-1", "domain", "x", 0.9)}, graph.Row{"n": graph.Node{Labels: []string{"Asset"}, Props: map[string]any{"id": "asset-1"}}}).
		On("RETURN a.id AS source", graph.Row{"source": "asset-1", "target": "ioc-1", "r": graph.Relationship{Type: "EXPOSED_TO", Props: map[string]any{}}})
	deps, _ := newDeps(exec)

	out, err := NewIOCService(deps).GraphExport(context.Background(), []string{"IOC", "Asset"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, out.NodeCount)
	assert.Equal(t, 1, out.RelationshipCount)
	assert.Equal(t, "EXPOSED_TO", out.Relationships[0].Type)
	assert.Equal(t, []string{"Asset"}, out.Nodes[1].Labels)

	_, err = NewIOCService(deps).GraphExport(context.Background(), []string{"Person"}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidFilter)
}

// ============================================================================
// Threat context and risk
// ============================================================================

func TestThreatContextAndRiskScore(t *testing.T) {
	apt := graph.Node{Props: map[string]any{"name": "APT29"}}
	exec := graphtest.New().On("MATCH (a:Asset {id: $asset_id})",
		graph.Row{"ioc": iocNode("ioc-1", "domain", "x", 0.5), "threat_actors": []any{apt}, "campaigns": []any{}, "ttps": []any{graph.Node{Props: map[string]any{"mitre_id": "T1071"}}}},
		graph.Row{"ioc": iocNode("ioc-2", "hash", "y", 0.45), "threat_actors": []any{apt}, "campaigns": []any{nil}, "ttps": []any{}},
	)
	deps, _ := newDeps(exec)
	svc := NewIOCService(deps)

	tc, err := svc.ThreatContext(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.ThreatLevelMedium, tc.ThreatLevel)
	assert.Equal(t, 0.5, tc.Confidence)
	assert.Equal(t, []string{"APT29"}, tc.ThreatActors)
	assert.Equal(t, []string{"T1071"}, tc.TTPs)
	assert.Len(t, tc.IOCs, 2)

	risk, err := svc.EnhanceRiskScore(context.Background(), "asset-1", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.3, risk.ThreatMultiplier)
	assert.Equal(t, 0.65, risk.EnhancedRiskScore)

	_, err = svc.EnhanceRiskScore(context.Background(), "asset-1", 1.5)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestThreatContextUnknownAsset(t *testing.T) {
	deps, _ := newDeps(graphtest.New())
	tc, err := NewIOCService(deps).ThreatContext(context.Background(), "asset-x")
	require.NoError(t, err)
	assert.Equal(t, models.ThreatLevelUnknown, tc.ThreatLevel)
	assert.Empty(t, tc.IOCs)
}
