package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/feeds"
	"github.com/lvonguyen/threatgraph/internal/graph/graphtest"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/observability"
	"github.com/lvonguyen/threatgraph/internal/service"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeIOCs struct {
	IOCs
	searchReq  models.IOCSearchRequest
	depth      int
	nodeKinds  []string
	correlated [2]string
	err        error
}

func (f *fakeIOCs) Search(_ context.Context, req models.IOCSearchRequest) (*models.IOCSearchResponse, error) {
	f.searchReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.IOCSearchResponse{IOCs: []models.IOC{{ID: "ioc_1"}}, TotalCount: 1, SearchParams: req}, nil
}

func (f *fakeIOCs) Get(_ context.Context, id string) (*models.IOC, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.IOC{ID: id, Type: models.IOCTypeDomain, Value: "evil.example"}, nil
}

func (f *fakeIOCs) Create(_ context.Context, ioc *models.IOC) (*models.IOC, error) {
	if f.err != nil {
		return nil, f.err
	}
	return ioc, nil
}

func (f *fakeIOCs) Correlate(_ context.Context, iocID, assetID string) error {
	f.correlated = [2]string{iocID, assetID}
	return f.err
}

func (f *fakeIOCs) Relationships(_ context.Context, iocID string, depth int) (*models.RelationshipsResult, error) {
	f.depth = depth
	return &models.RelationshipsResult{IOCID: iocID, Depth: depth}, f.err
}

func (f *fakeIOCs) GraphExport(_ context.Context, nodeKinds, _ []string) (*models.GraphExport, error) {
	f.nodeKinds = nodeKinds
	return &models.GraphExport{}, f.err
}

type fakeCampaigns struct {
	Campaigns
	req models.CampaignSearchRequest
}

func (f *fakeCampaigns) Search(_ context.Context, req models.CampaignSearchRequest) (*models.CampaignSearchResponse, error) {
	f.req = req
	return &models.CampaignSearchResponse{Campaigns: []models.Campaign{}}, nil
}

type fakeFeeds struct{}

func (fakeFeeds) IngestAndStream(context.Context) feeds.Report {
	return feeds.Report{Summary: feeds.Summary{TotalIngested: 3, TotalStreamed: 3, StreamingSuccessRate: 1}}
}

func (fakeFeeds) IngestSample(context.Context) int { return 3 }

type fakeCorrelations struct {
	events []map[string]any
	err    error
}

func (f *fakeCorrelations) PublishCorrelation(_ context.Context, data map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, data)
	return nil
}

type healthFunc func() bool

func (h healthFunc) HealthCheck(context.Context) bool { return h() }

func newTestServer(t *testing.T, deps Deps) (*Server, *observability.Metrics) {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Health == nil {
		deps.Health = healthFunc(func() bool { return true })
	}
	return NewServer(Config{}, deps, zap.NewNop()), deps.Metrics
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Error mapping
// =============================================================================

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		kind    string
		message string
	}{
		{apperr.Connection("dial tcp 10.0.0.5:7687", errors.New("refused")), 503, "connection_error", "graph store unavailable"},
		{apperr.Query("statement rejected", nil), 500, "query_error", "internal error"},
		{apperr.Mapping("bad row"), 500, "mapping_error", "internal error"},
		{apperr.InvalidFilter("unknown ioc type %q", "x"), 400, "invalid_filter", `unknown ioc type "x"`},
		{apperr.Validation("value is required"), 400, "validation_error", "value is required"},
		{apperr.NotFound("ioc %q not found", "i1"), 404, "not_found", `ioc "i1" not found`},
		{errors.New("boom"), 500, "internal_error", "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{err: tt.err}})
			rec := do(t, s, http.MethodGet, "/api/v1/iocs/i1", "")

			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.kind, body.Kind)
			assert.Equal(t, tt.message, body.Message)
		})
	}
}

// =============================================================================
// IOC routes
// =============================================================================

func TestSearchIOCsParsesQuery(t *testing.T) {
	f := &fakeIOCs{}
	s, metrics := newTestServer(t, Deps{IOCs: f})

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/search?type=domain&confidence_min=0.8&actor=APT28&limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, models.IOCType("domain"), f.searchReq.Type)
	assert.Equal(t, "APT28", f.searchReq.ThreatActor)
	require.NotNil(t, f.searchReq.ConfidenceMin)
	assert.Equal(t, 0.8, *f.searchReq.ConfidenceMin)
	assert.Nil(t, f.searchReq.ConfidenceMax)
	assert.Equal(t, 10, f.searchReq.Limit)
	assert.Equal(t, 20, f.searchReq.Offset)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET", "/api/v1/iocs/search", "200")))
}

func TestSearchIOCsDefaultsPaging(t *testing.T) {
	f := &fakeIOCs{}
	s, _ := newTestServer(t, Deps{IOCs: f})

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/search", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, f.searchReq.Limit)
	assert.Equal(t, 0, f.searchReq.Offset)
}

func TestSearchIOCsRejectsBadParams(t *testing.T) {
	for _, target := range []string{
		"/api/v1/iocs/search?limit=0",
		"/api/v1/iocs/search?limit=5000",
		"/api/v1/iocs/search?offset=-1",
		"/api/v1/iocs/search?confidence_min=high",
		"/api/v1/iocs/search?confidence_min=5",
		"/api/v1/iocs/search?confidence_max=-1",
		"/api/v1/iocs/search?confidence_min=NaN",
		"/api/v1/iocs/search?confidence_max=Inf",
		"/api/v1/iocs/search?confidence_min=-Inf",
	} {
		s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}})
		rec := do(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "invalid_filter", decodeError(t, rec).Kind, target)
	}
}

func TestSearchIOCsPagingDefaults(t *testing.T) {
	iocs := &fakeIOCs{}
	s, _ := newTestServer(t, Deps{IOCs: iocs})

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/search?confidence_min=0&confidence_max=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DefaultLimit, iocs.searchReq.Limit)
	assert.Equal(t, 0, iocs.searchReq.Offset)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/iocs/search?limit=%d", models.MaxLimit), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MaxLimit, iocs.searchReq.Limit)
}

func TestSearchIOCsUnknownTypeThroughService(t *testing.T) {
	exec := graphtest.New()
	iocs := service.NewIOCService(service.Deps{Graph: exec, Logger: zap.NewNop()})
	s, _ := newTestServer(t, Deps{IOCs: iocs})

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/search?type=ftp", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", decodeError(t, rec).Kind)
	assert.Empty(t, exec.Calls())
}

func TestCreateIOCRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs", `{"id": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Kind)
}

func TestCreateIOC(t *testing.T) {
	s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs", `{"id":"ioc_1","type":"domain","value":"evil.example","category":"malware","confidence":0.9,"source":"test"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var ioc models.IOC
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ioc))
	assert.Equal(t, "ioc_1", ioc.ID)
	assert.Equal(t, models.IOCTypeDomain, ioc.Type)
}

func TestCorrelateRoute(t *testing.T) {
	f := &fakeIOCs{}
	s, _ := newTestServer(t, Deps{IOCs: f})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs/ioc_1/correlate/asset_9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{"ioc_1", "asset_9"}, f.correlated)
}

func TestCorrelateAsyncQueuesEvent(t *testing.T) {
	f := &fakeIOCs{}
	pub := &fakeCorrelations{}
	s, _ := newTestServer(t, Deps{IOCs: f, Correlations: pub})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs/ioc_1/correlate/asset_9?async=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, [2]string{}, f.correlated, "async path must not write the graph directly")

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "ioc_1", ev["ioc_id"])
	assert.Equal(t, "asset_9", ev["asset_id"])
	assert.NotEmpty(t, ev["id"])

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ev["id"], body["event_id"])
}

func TestCorrelateAsyncWithoutPublisher(t *testing.T) {
	s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs/ioc_1/correlate/asset_9?async=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCorrelateAsyncPublishFailure(t *testing.T) {
	pub := &fakeCorrelations{err: apperr.Connection("publishing to ioc_correlation", errors.New("broker down"))}
	s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}, Correlations: pub})

	rec := do(t, s, http.MethodPost, "/api/v1/iocs/ioc_1/correlate/asset_9?async=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "broker down")
}

func TestRelationshipsDepth(t *testing.T) {
	f := &fakeIOCs{}
	s, _ := newTestServer(t, Deps{IOCs: f})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/iocs/ioc_1/relationships", "").Code)
	assert.Equal(t, 2, f.depth)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/iocs/ioc_1/relationships?depth=4", "").Code)
	assert.Equal(t, 4, f.depth)

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/ioc_1/relationships?depth=deep", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskScoreRequiresBase(t *testing.T) {
	s, _ := newTestServer(t, Deps{IOCs: &fakeIOCs{}})

	rec := do(t, s, http.MethodGet, "/api/v1/assets/a1/risk-score", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Kind)
}

func TestGraphExportSplitsKinds(t *testing.T) {
	f := &fakeIOCs{}
	s, _ := newTestServer(t, Deps{IOCs: f})

	rec := do(t, s, http.MethodGet, "/api/v1/graph/export?node_kinds=IOC,%20Asset,", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"IOC", "Asset"}, f.nodeKinds)
}

// =============================================================================
// Campaign routes
// =============================================================================

func TestSearchCampaignsParsesDates(t *testing.T) {
	f := &fakeCampaigns{}
	s, _ := newTestServer(t, Deps{Campaigns: f})

	rec := do(t, s, http.MethodGet, "/api/v1/campaigns/search?start_date_from=2023-01-01&start_date_to=2023-06-30T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, f.req.StartDateFrom)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), *f.req.StartDateFrom)
	require.NotNil(t, f.req.StartDateTo)
	assert.Equal(t, time.Date(2023, 6, 30, 12, 0, 0, 0, time.UTC), *f.req.StartDateTo)

	rec = do(t, s, http.MethodGet, "/api/v1/campaigns/search?start_date_from=last-week", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Health & feeds
// =============================================================================

func TestReadyReflectsGraphHealth(t *testing.T) {
	healthy := true
	s, _ := newTestServer(t, Deps{Health: healthFunc(func() bool { return healthy })})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready", "").Code)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready", "").Code)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestFeedRoutes(t *testing.T) {
	s, _ := newTestServer(t, Deps{Feeds: fakeFeeds{}})

	rec := do(t, s, http.MethodPost, "/api/v1/admin/ingest-sample-data", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items_ingested":3`)

	rec = do(t, s, http.MethodPost, "/api/v1/feeds/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_streamed":3`)
}

func TestFeedRoutesWithoutFeeds(t *testing.T) {
	s, _ := newTestServer(t, Deps{})

	rec := do(t, s, http.MethodPost, "/api/v1/feeds/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	s, _ := newTestServer(t, Deps{IOCs: panicIOCs{}})

	rec := do(t, s, http.MethodGet, "/api/v1/iocs/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "goroutine")
}

type panicIOCs struct{ IOCs }

func (panicIOCs) Get(context.Context, string) (*models.IOC, error) { panic("nil map") }
