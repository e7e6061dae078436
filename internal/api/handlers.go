package api

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/models"
)

const defaultDepth = 2

// =============================================================================
// IOCs
// =============================================================================

func (s *Server) handleSearchIOCs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	confMin, err := optionalConfidence(q, "confidence_min")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	confMax, err := optionalConfidence(q, "confidence_max")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	iocType := q.Get("type")
	if iocType == "" {
		iocType = q.Get("ioc_type")
	}
	actor := q.Get("actor")
	if actor == "" {
		actor = q.Get("threat_actor")
	}

	resp, err := s.deps.IOCs.Search(r.Context(), models.IOCSearchRequest{
		AssetID:       q.Get("asset_id"),
		Type:          models.IOCType(iocType),
		ThreatActor:   actor,
		Campaign:      q.Get("campaign"),
		ConfidenceMin: confMin,
		ConfidenceMax: confMax,
		Source:        q.Get("source"),
		Value:         q.Get("value"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateIOC(w http.ResponseWriter, r *http.Request) {
	var ioc models.IOC
	if err := decodeBody(r, &ioc); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.IOCs.Create(r.Context(), &ioc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := s.deps.IOCs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	iocID, assetID := chi.URLParam(r, "id"), chi.URLParam(r, "assetID")
	if r.URL.Query().Get("async") == "true" {
		s.queueCorrelation(w, r, iocID, assetID)
		return
	}
	if err := s.deps.IOCs.Correlate(r.Context(), iocID, assetID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "IOC successfully correlated with asset",
		"ioc_id":   iocID,
		"asset_id": assetID,
	})
}

// queueCorrelation hands the pair to the correlation topic; the consumer
// applies it later.
func (s *Server) queueCorrelation(w http.ResponseWriter, r *http.Request, iocID, assetID string) {
	if s.deps.Correlations == nil {
		s.writeError(w, r, apperr.Connection("correlation streaming not configured", nil))
		return
	}
	if iocID == "" || assetID == "" {
		s.writeError(w, r, apperr.Validation("ioc id and asset id are required"))
		return
	}
	eventID := uuid.NewString()
	err := s.deps.Correlations.PublishCorrelation(r.Context(), map[string]any{
		"id":            eventID,
		"type":          "correlation",
		"ioc_id":        iocID,
		"asset_id":      assetID,
		"correlated_at": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "IOC correlation queued",
		"event_id": eventID,
		"ioc_id":   iocID,
		"asset_id": assetID,
	})
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	depth := defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, apperr.InvalidFilter("depth must be an integer"))
			return
		}
		depth = d
	}
	res, err := s.deps.IOCs.Relationships(r.Context(), chi.URLParam(r, "id"), depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleThreatContext(w http.ResponseWriter, r *http.Request) {
	tc, err := s.deps.IOCs.ThreatContext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("base_risk_score")
	if raw == "" {
		s.writeError(w, r, apperr.Validation("base_risk_score is required"))
		return
	}
	base, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.writeError(w, r, apperr.Validation("base_risk_score must be a number"))
		return
	}
	score, err := s.deps.IOCs.EnhanceRiskScore(r.Context(), chi.URLParam(r, "id"), base)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleGraphExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeKinds := splitList(firstNonEmpty(q.Get("node_kinds"), q.Get("node_types")))
	relKinds := splitList(firstNonEmpty(q.Get("relationship_kinds"), q.Get("relationship_types")))

	export, err := s.deps.IOCs.GraphExport(r.Context(), nodeKinds, relKinds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// =============================================================================
// Threat actors
// =============================================================================

func (s *Server) handleSearchActors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Actors.Search(r.Context(), models.ActorSearchRequest{
		Name:       q.Get("name"),
		Country:    q.Get("country"),
		Motivation: models.Motivation(q.Get("motivation")),
		Status:     models.ActorStatus(q.Get("status")),
		Campaign:   q.Get("campaign"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var actor models.ThreatActor
	if err := decodeBody(r, &actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Actors.Create(r.Context(), &actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	actor, err := s.deps.Actors.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

// =============================================================================
// Campaigns
// =============================================================================

func (s *Server) handleSearchCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := optionalDate(q, "start_date_from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := optionalDate(q, "start_date_to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.deps.Campaigns.Search(r.Context(), models.CampaignSearchRequest{
		Name:           q.Get("name"),
		Status:         models.CampaignStatus(q.Get("status")),
		ThreatActor:    q.Get("threat_actor"),
		TargetIndustry: q.Get("target_industry"),
		StartDateFrom:  from,
		StartDateTo:    to,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Campaigns.Create(r.Context(), &c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.deps.Campaigns.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	attr, err := s.deps.Actors.Attribute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attr)
}

// =============================================================================
// Feeds
// =============================================================================

func (s *Server) handleIngestSample(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		s.writeError(w, r, apperr.Connection("feed streaming not configured", nil))
		return
	}
	n := s.deps.Feeds.IngestSample(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Sample data ingestion completed",
		"items_ingested": n,
		"timestamp":      s.now().UTC(),
	})
}

func (s *Server) handleFeedSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		s.writeError(w, r, apperr.Connection("feed streaming not configured", nil))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Feeds.IngestAndStream(r.Context()))
}

// =============================================================================
// Query parsing
// =============================================================================

func paging(q url.Values) (limit, offset int, err error) {
	limit, offset = models.DefaultLimit, 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > models.MaxLimit {
			return 0, 0, apperr.InvalidFilter("limit must be between 1 and %d", models.MaxLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, apperr.InvalidFilter("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// optionalConfidence parses a confidence bound, which must lie in [0, 1].
func optionalConfidence(q url.Values, key string) (*float64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apperr.InvalidFilter("%s must be a number", key)
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return nil, apperr.InvalidFilter("%s must be between 0 and 1", key)
	}
	return &f, nil
}

// optionalDate accepts RFC 3339 timestamps or bare dates.
func optionalDate(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, apperr.InvalidFilter("%s must be an ISO 8601 date", key)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
