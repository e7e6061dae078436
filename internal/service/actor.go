package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/mapper"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/query"
)

// AttributionMethod names how attribution scores are computed.
const AttributionMethod = "graph_analysis"

const (
	getActorStatement = `MATCH (ta:ThreatActor {id: $id})
OPTIONAL MATCH (ta)-[:BELONGS_TO]->(c:Campaign)
OPTIONAL MATCH (ta)-[:CONTROLS]->(ioc:IOC)
OPTIONAL MATCH (ta)-[:DEVELOPS]->(m:Malware)
RETURN ta,
       collect(DISTINCT c) AS campaigns,
       collect(DISTINCT ioc) AS iocs,
       collect(DISTINCT m) AS malwares`

	upsertActorStatement = `MERGE (ta:ThreatActor {id: $id})
SET ta = $props
RETURN ta`

	attributionStatement = `MATCH (c:Campaign {id: $campaign_id})<-[:BELONGS_TO]-(ta:ThreatActor)
OPTIONAL MATCH (ta)-[:CONTROLS]->(ioc:IOC)-[:INVOLVES]->(c)
RETURN ta, count(ioc) AS ioc_count
ORDER BY ioc_count DESC, ta.id ASC`
)

// ActorService serves threat actor search, upsert and attribution.
type ActorService struct {
	base
}

func NewActorService(d Deps) *ActorService {
	return &ActorService{base: newBase(d, "threat_actor_service")}
}

func (s *ActorService) Search(ctx context.Context, req models.ActorSearchRequest) (*models.ActorSearchResponse, error) {
	ctx, span := s.span(ctx, "threat_actor.search")
	defer span.End()

	var filters []query.Filter
	if req.Country != "" {
		filters = append(filters, query.Filter{Field: "country", Op: query.OpEq, Value: req.Country})
	}
	if req.Motivation != "" {
		if _, err := models.ParseMotivation(string(req.Motivation)); err != nil {
			return nil, apperr.InvalidFilter("unknown motivation %q", req.Motivation)
		}
		filters = append(filters, query.Filter{Field: "motivation", Op: query.OpEq, Value: string(req.Motivation)})
	}
	if req.Status != "" {
		if _, err := models.ParseActorStatus(string(req.Status)); err != nil {
			return nil, apperr.InvalidFilter("unknown status %q", req.Status)
		}
		filters = append(filters, query.Filter{Field: "status", Op: query.OpEq, Value: string(req.Status)})
	}
	if req.Campaign != "" {
		filters = append(filters, query.Filter{Field: "campaign", Op: query.OpEq, Value: req.Campaign})
	}
	if req.Name != "" {
		filters = append(filters, query.Filter{Field: "name", Op: query.OpContains, Value: req.Name})
	}

	built, err := query.Build(query.Request{Entity: query.EntityThreatActor, Filters: filters, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}

	page := runSearch(ctx, &s.base, query.EntityThreatActor, built, func(p map[string]any) (models.ThreatActor, error) {
		a, err := mapper.ActorFromRow(p)
		if err != nil {
			return models.ThreatActor{}, err
		}
		return *a, nil
	})

	return &models.ActorSearchResponse{
		ThreatActors:    page.Items,
		TotalCount:      page.Total,
		SearchParams:    req,
		SearchTimestamp: s.now(),
	}, nil
}

func (s *ActorService) Get(ctx context.Context, id string) (_ *models.ThreatActor, err error) {
	ctx, span := s.span(ctx, "threat_actor.get", attribute.String("threat_actor.id", id))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, getActorStatement, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("threat actor %q not found", id)
	}
	row := rows[0]
	n, ok := row.Node("ta")
	if !ok {
		return nil, apperr.NotFound("threat actor %q not found", id)
	}
	a, err := mapper.ActorFromRow(n.Props)
	if err != nil {
		return nil, err
	}
	a.Campaigns = mapper.RelatedValues(row.List("campaigns"), "name")
	a.IOCs = mapper.RelatedValues(row.List("iocs"), "value")
	a.Malwares = mapper.RelatedValues(row.List("malwares"), "name")
	return a, nil
}

func (s *ActorService) Create(ctx context.Context, a *models.ThreatActor) (_ *models.ThreatActor, err error) {
	ctx, span := s.span(ctx, "threat_actor.create", attribute.String("threat_actor.id", a.ID))
	defer func() { endSpan(span, err) }()

	a.ApplyDefaults()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	props, err := mapper.ActorParams(a)
	if err != nil {
		return nil, err
	}

	rows, err := s.graph.ExecuteWrite(ctx, upsertActorStatement, map[string]any{"id": a.ID, "props": props})
	if err != nil {
		s.logger.Error("Failed to upsert threat actor", zap.String("actor_id", a.ID), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(ctx, string(query.EntityThreatActor))
	s.metrics.Upserted("threat_actor", originFrom(ctx))

	if len(rows) == 0 {
		return nil, apperr.Query("upsert returned no node", nil)
	}
	n, _ := rows[0].Node("ta")
	return mapper.ActorFromRow(n.Props)
}

// Attribute scores the actors belonging to a campaign. Each actor starts at
// 0.3 plus 0.1 per controlled campaign IOC (capped at 1), gains 0.2 for high
// sophistication and 0.1 for active status, and is capped at 1 again. The
// overall confidence is the mean score; per-actor confidences are shares of
// the score total.
func (s *ActorService) Attribute(ctx context.Context, campaignID string) (_ *models.ThreatAttribution, err error) {
	ctx, span := s.span(ctx, "threat_actor.attribute", attribute.String("campaign.id", campaignID))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, attributionStatement, map[string]any{"campaign_id": campaignID})
	if err != nil {
		return nil, err
	}

	out := &models.ThreatAttribution{
		CampaignID:           campaignID,
		AttributedActors:     make([]models.AttributedActor, 0, len(rows)),
		AttributionMethod:    AttributionMethod,
		AttributionTimestamp: s.now(),
	}

	scores := make([]float64, 0, len(rows))
	total := 0.0
	for _, row := range rows {
		n, ok := row.Node("ta")
		if !ok {
			continue
		}
		count := row.Int("ioc_count")

		score := min(0.3+0.1*float64(count), 1.0)
		if soph, _ := n.Props["sophistication"].(string); soph == "high" {
			score += 0.2
		}
		if status, _ := n.Props["status"].(string); status == string(models.ActorActive) {
			score += 0.1
		}
		score = min(score, 1.0)

		name, _ := n.Props["name"].(string)
		out.AttributedActors = append(out.AttributedActors, models.AttributedActor{
			ActorID:   n.ID(),
			ActorName: name,
			IOCCount:  count,
		})
		scores = append(scores, score)
		total += score
	}

	if len(scores) == 0 {
		return out, nil
	}
	for i := range out.AttributedActors {
		out.AttributedActors[i].Confidence = round3(scores[i] / total)
	}
	out.AttributionConfidence = round3(total / float64(len(scores)))
	return out, nil
}
