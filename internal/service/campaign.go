package service

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/mapper"
	"github.com/lvonguyen/threatgraph/internal/mitre"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/query"
)

const (
	getCampaignStatement = `MATCH (c:Campaign {id: $id})
OPTIONAL MATCH (c)<-[:BELONGS_TO]-(ta:ThreatActor)
OPTIONAL MATCH (c)-[:INVOLVES]-(ioc:IOC)
OPTIONAL MATCH (c)-[:USES]->(ttp:TTP)
OPTIONAL MATCH (ioc)-[:ASSOCIATED_WITH]->(m:Malware)
RETURN c,
       collect(DISTINCT ta) AS threat_actors,
       collect(DISTINCT ioc) AS iocs,
       collect(DISTINCT ttp) AS ttps,
       collect(DISTINCT m) AS malwares`

	upsertCampaignStatement = `MERGE (c:Campaign {id: $id})
SET c = $props
RETURN c`

	timelineStatement = `MATCH (c:Campaign {id: $id})
OPTIONAL MATCH (c)-[:INVOLVES]-(ioc:IOC)
OPTIONAL MATCH (c)-[:USES]->(ttp:TTP)
RETURN c,
       collect(DISTINCT ioc) AS iocs,
       collect(DISTINCT ttp) AS ttps`
)

// CampaignService serves campaign search, upsert and timeline analysis.
type CampaignService struct {
	base
	catalog *mitre.Catalog
}

func NewCampaignService(d Deps, catalog *mitre.Catalog) *CampaignService {
	return &CampaignService{base: newBase(d, "campaign_service"), catalog: catalog}
}

func (s *CampaignService) Search(ctx context.Context, req models.CampaignSearchRequest) (*models.CampaignSearchResponse, error) {
	ctx, span := s.span(ctx, "campaign.search")
	defer span.End()

	var filters []query.Filter
	if req.Status != "" {
		if _, err := models.ParseCampaignStatus(string(req.Status)); err != nil {
			return nil, apperr.InvalidFilter("unknown status %q", req.Status)
		}
		filters = append(filters, query.Filter{Field: "status", Op: query.OpEq, Value: string(req.Status)})
	}
	if req.TargetIndustry != "" {
		filters = append(filters, query.Filter{Field: "target_industry", Op: query.OpEq, Value: req.TargetIndustry})
	}
	if req.ThreatActor != "" {
		filters = append(filters, query.Filter{Field: "threat_actor", Op: query.OpEq, Value: req.ThreatActor})
	}
	if req.StartDateFrom != nil {
		filters = append(filters, query.Filter{Field: "start_date_from", Op: query.OpGte, Value: *req.StartDateFrom})
	}
	if req.StartDateTo != nil {
		filters = append(filters, query.Filter{Field: "start_date_to", Op: query.OpLte, Value: *req.StartDateTo})
	}
	if req.Name != "" {
		filters = append(filters, query.Filter{Field: "name", Op: query.OpContains, Value: req.Name})
	}

	built, err := query.Build(query.Request{Entity: query.EntityCampaign, Filters: filters, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}

	page := runSearch(ctx, &s.base, query.EntityCampaign, built, func(p map[string]any) (models.Campaign, error) {
		c, err := mapper.CampaignFromRow(p)
		if err != nil {
			return models.Campaign{}, err
		}
		return *c, nil
	})

	return &models.CampaignSearchResponse{
		Campaigns:       page.Items,
		TotalCount:      page.Total,
		SearchParams:    req,
		SearchTimestamp: s.now(),
	}, nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (_ *models.Campaign, err error) {
	ctx, span := s.span(ctx, "campaign.get", attribute.String("campaign.id", id))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, getCampaignStatement, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("campaign %q not found", id)
	}
	row := rows[0]
	n, ok := row.Node("c")
	if !ok {
		return nil, apperr.NotFound("campaign %q not found", id)
	}
	c, err := mapper.CampaignFromRow(n.Props)
	if err != nil {
		return nil, err
	}
	c.ThreatActors = mapper.RelatedValues(row.List("threat_actors"), "name")
	c.IOCs = mapper.RelatedValues(row.List("iocs"), "value")
	c.TTPs = mapper.RelatedValues(row.List("ttps"), "mitre_id")
	c.Malwares = mapper.RelatedValues(row.List("malwares"), "name")
	return c, nil
}

func (s *CampaignService) Create(ctx context.Context, c *models.Campaign) (_ *models.Campaign, err error) {
	ctx, span := s.span(ctx, "campaign.create", attribute.String("campaign.id", c.ID))
	defer func() { endSpan(span, err) }()

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	props, err := mapper.CampaignParams(c)
	if err != nil {
		return nil, err
	}

	rows, err := s.graph.ExecuteWrite(ctx, upsertCampaignStatement, map[string]any{"id": c.ID, "props": props})
	if err != nil {
		s.logger.Error("Failed to upsert campaign", zap.String("campaign_id", c.ID), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(ctx, string(query.EntityCampaign))
	s.metrics.Upserted("campaign", originFrom(ctx))

	if len(rows) == 0 {
		return nil, apperr.Query("upsert returned no node", nil)
	}
	n, _ := rows[0].Node("c")
	return mapper.CampaignFromRow(n.Props)
}

// Timeline orders a campaign's dated activity: its start and end, and the
// first sighting of each involved IOC.
func (s *CampaignService) Timeline(ctx context.Context, id string) (_ *models.CampaignTimeline, err error) {
	ctx, span := s.span(ctx, "campaign.timeline", attribute.String("campaign.id", id))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, timelineStatement, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("campaign %q not found", id)
	}
	row := rows[0]
	c, ok := row.Node("c")
	if !ok {
		return nil, apperr.NotFound("campaign %q not found", id)
	}
	name, _ := c.Props["name"].(string)

	out := &models.CampaignTimeline{
		CampaignID:        id,
		TimelineEvents:    []models.TimelineEvent{},
		KeyMilestones:     []models.Milestone{},
		IOCTimeline:       []models.IOCTimelineEntry{},
		TTPEvolution:      []models.TTPEntry{},
		AnalysisTimestamp: s.now(),
	}

	if d := formatTimestamp(c.Props["start_date"]); d != "" {
		out.TimelineEvents = append(out.TimelineEvents, models.TimelineEvent{
			Date:        d,
			EventType:   "campaign_start",
			Description: fmt.Sprintf("Campaign '%s' started", name),
			Confidence:  1.0,
		})
	}
	if d := formatTimestamp(c.Props["end_date"]); d != "" {
		out.TimelineEvents = append(out.TimelineEvents, models.TimelineEvent{
			Date:        d,
			EventType:   "campaign_end",
			Description: fmt.Sprintf("Campaign '%s' ended", name),
			Confidence:  1.0,
		})
	}

	for _, item := range row.List("iocs") {
		n, ok := item.(graph.Node)
		if !ok {
			continue
		}
		typ, _ := n.Props["type"].(string)
		value, _ := n.Props["value"].(string)
		conf := floatOr(n.Props["confidence"], 0.5)
		first := formatTimestamp(n.Props["first_seen"])

		if first != "" {
			out.TimelineEvents = append(out.TimelineEvents, models.TimelineEvent{
				Date:        first,
				EventType:   "ioc_first_seen",
				Description: fmt.Sprintf("IOC %s: %s first observed", typ, value),
				Confidence:  conf,
				IOCID:       n.ID(),
			})
		}
		out.IOCTimeline = append(out.IOCTimeline, models.IOCTimelineEntry{
			IOCID:      n.ID(),
			Type:       typ,
			Value:      value,
			FirstSeen:  first,
			LastSeen:   formatTimestamp(n.Props["last_seen"]),
			Confidence: conf,
		})
	}

	sort.SliceStable(out.TimelineEvents, func(i, j int) bool {
		return out.TimelineEvents[i].Date < out.TimelineEvents[j].Date
	})
	sort.SliceStable(out.IOCTimeline, func(i, j int) bool {
		if out.IOCTimeline[i].FirstSeen != out.IOCTimeline[j].FirstSeen {
			return out.IOCTimeline[i].FirstSeen < out.IOCTimeline[j].FirstSeen
		}
		return out.IOCTimeline[i].IOCID < out.IOCTimeline[j].IOCID
	})

	if len(out.TimelineEvents) > 0 {
		out.KeyMilestones = append(out.KeyMilestones, models.Milestone{
			Milestone:   "Campaign Initiation",
			Date:        out.TimelineEvents[0].Date,
			Description: "First campaign activity detected",
		})
	}

	for _, item := range row.List("ttps") {
		n, ok := item.(graph.Node)
		if !ok {
			continue
		}
		e := models.TTPEntry{TTPID: n.ID()}
		e.MitreID, _ = n.Props["mitre_id"].(string)
		e.Technique, _ = n.Props["technique"].(string)
		e.Tactic, _ = n.Props["tactic"].(string)
		e.Description, _ = n.Props["description"].(string)
		if s.catalog != nil {
			s.catalog.Annotate(&e)
		}
		out.TTPEvolution = append(out.TTPEvolution, e)
	}
	sort.Slice(out.TTPEvolution, func(i, j int) bool { return out.TTPEvolution[i].TTPID < out.TTPEvolution[j].TTPID })

	return out, nil
}
