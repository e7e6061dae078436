package service

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/mapper"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/query"
)

const (
	getIOCStatement = `MATCH (ioc:IOC {id: $id})
OPTIONAL MATCH (ioc)-[:USED_BY]->(ta:ThreatActor)
OPTIONAL MATCH (ioc)-[:INVOLVES]-(c:Campaign)
OPTIONAL MATCH (ioc)-[:ASSOCIATED_WITH]->(m:Malware)
OPTIONAL MATCH (ioc)-[:USED_BY]->(:ThreatActor)-[:USES]->(ttp:TTP)
OPTIONAL MATCH (ioc)<-[:EXPOSED_TO|OBSERVED_ON]-(a:Asset)
RETURN ioc,
       collect(DISTINCT ta) AS threat_actors,
       collect(DISTINCT c) AS campaigns,
       collect(DISTINCT m) AS malwares,
       collect(DISTINCT ttp) AS ttps,
       collect(DISTINCT a) AS assets`

	upsertIOCStatement = `MERGE (ioc:IOC {id: $id})
SET ioc = $props
RETURN ioc`

	correlateStatement = `MATCH (ioc:IOC {id: $ioc_id})
MATCH (a:Asset {id: $asset_id})
MERGE (a)-[r:EXPOSED_TO]->(ioc)
ON CREATE SET r.created_at = $now
RETURN ioc.id AS ioc_id, a.id AS asset_id`

	threatContextStatement = `MATCH (a:Asset {id: $asset_id})-[:EXPOSED_TO|OBSERVED_ON]-(ioc:IOC)
OPTIONAL MATCH (ioc)-[:USED_BY]->(ta:ThreatActor)
OPTIONAL MATCH (ioc)-[:INVOLVES]-(c:Campaign)
OPTIONAL MATCH (ta)-[:USES]->(ttp:TTP)
RETURN ioc,
       collect(DISTINCT ta) AS threat_actors,
       collect(DISTINCT c) AS campaigns,
       collect(DISTINCT ttp) AS ttps
ORDER BY ioc.confidence DESC, ioc.id ASC`
)

// IOCService serves indicator search, upsert, correlation and traversal.
type IOCService struct {
	base
}

func NewIOCService(d Deps) *IOCService {
	return &IOCService{base: newBase(d, "ioc_service")}
}

// Search runs a paged IOC search. Store failures yield an empty page.
func (s *IOCService) Search(ctx context.Context, req models.IOCSearchRequest) (*models.IOCSearchResponse, error) {
	ctx, span := s.span(ctx, "ioc.search")
	defer span.End()

	for name, bound := range map[string]*float64{"confidence_min": req.ConfidenceMin, "confidence_max": req.ConfidenceMax} {
		if bound != nil && !validConfidence(*bound) {
			return nil, apperr.InvalidFilter("%s must be between 0 and 1", name)
		}
	}

	var filters []query.Filter
	if req.AssetID != "" {
		filters = append(filters, query.Filter{Field: "asset_id", Op: query.OpEq, Value: req.AssetID})
	}
	if req.Type != "" {
		t, err := models.ParseIOCType(string(req.Type))
		if err != nil {
			return nil, apperr.InvalidFilter("unknown ioc type %q", req.Type)
		}
		req.Type = t
		filters = append(filters, query.Filter{Field: "ioc_type", Op: query.OpEq, Value: string(t)})
	}
	if req.ThreatActor != "" {
		filters = append(filters, query.Filter{Field: "threat_actor", Op: query.OpEq, Value: req.ThreatActor})
	}
	if req.Campaign != "" {
		filters = append(filters, query.Filter{Field: "campaign", Op: query.OpEq, Value: req.Campaign})
	}
	if req.ConfidenceMin != nil {
		filters = append(filters, query.Filter{Field: "confidence_min", Op: query.OpGte, Value: *req.ConfidenceMin})
	}
	if req.ConfidenceMax != nil {
		filters = append(filters, query.Filter{Field: "confidence_max", Op: query.OpLte, Value: *req.ConfidenceMax})
	}
	if req.Source != "" {
		filters = append(filters, query.Filter{Field: "source", Op: query.OpEq, Value: req.Source})
	}
	if req.Value != "" {
		filters = append(filters, query.Filter{Field: "value", Op: query.OpContains, Value: req.Value})
	}

	built, err := query.Build(query.Request{Entity: query.EntityIOC, Filters: filters, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}

	page := runSearch(ctx, &s.base, query.EntityIOC, built, func(p map[string]any) (models.IOC, error) {
		ioc, err := mapper.IOCFromRow(p)
		if err != nil {
			return models.IOC{}, err
		}
		return *ioc, nil
	})

	return &models.IOCSearchResponse{
		IOCs:            page.Items,
		TotalCount:      page.Total,
		SearchParams:    req,
		SearchTimestamp: s.now(),
	}, nil
}

// Get returns an IOC with its derived relationships.
func (s *IOCService) Get(ctx context.Context, id string) (_ *models.IOC, err error) {
	ctx, span := s.span(ctx, "ioc.get", attribute.String("ioc.id", id))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, getIOCStatement, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("ioc %q not found", id)
	}
	row := rows[0]
	n, ok := row.Node("ioc")
	if !ok {
		return nil, apperr.NotFound("ioc %q not found", id)
	}
	ioc, err := mapper.IOCFromRow(n.Props)
	if err != nil {
		return nil, err
	}
	ioc.ThreatActors = mapper.RelatedValues(row.List("threat_actors"), "name")
	ioc.Campaigns = mapper.RelatedValues(row.List("campaigns"), "name")
	ioc.Malwares = mapper.RelatedValues(row.List("malwares"), "name")
	ioc.TTPs = mapper.RelatedValues(row.List("ttps"), "mitre_id")
	ioc.RelatedAssets = mapper.RelatedValues(row.List("assets"), "id")
	return ioc, nil
}

// Create validates and upserts an IOC, overwriting every stored field.
func (s *IOCService) Create(ctx context.Context, ioc *models.IOC) (_ *models.IOC, err error) {
	ctx, span := s.span(ctx, "ioc.create", attribute.String("ioc.id", ioc.ID))
	defer func() { endSpan(span, err) }()

	if ioc.Type != "" {
		if t, perr := models.ParseIOCType(string(ioc.Type)); perr == nil {
			ioc.Type = t
		}
	}
	if err := ioc.Validate(); err != nil {
		return nil, err
	}
	props, err := mapper.IOCParams(ioc)
	if err != nil {
		return nil, err
	}

	rows, err := s.graph.ExecuteWrite(ctx, upsertIOCStatement, map[string]any{"id": ioc.ID, "props": props})
	if err != nil {
		s.logger.Error("Failed to upsert IOC", zap.String("ioc_id", ioc.ID), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(ctx, string(query.EntityIOC))
	s.metrics.Upserted("ioc", originFrom(ctx))

	if len(rows) == 0 {
		return nil, apperr.Query("upsert returned no node", nil)
	}
	n, _ := rows[0].Node("ioc")
	return mapper.IOCFromRow(n.Props)
}

// Correlate records that an asset is exposed to an IOC. Repeating the call
// leaves a single relationship.
func (s *IOCService) Correlate(ctx context.Context, iocID, assetID string) (err error) {
	ctx, span := s.span(ctx, "ioc.correlate",
		attribute.String("ioc.id", iocID),
		attribute.String("asset.id", assetID),
	)
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.ExecuteWrite(ctx, correlateStatement, map[string]any{
		"ioc_id":   iocID,
		"asset_id": assetID,
		"now":      s.now().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("Failed to correlate IOC with asset",
			zap.String("ioc_id", iocID),
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
		return err
	}
	if len(rows) == 0 {
		return apperr.NotFound("ioc %q or asset %q not found", iocID, assetID)
	}
	// asset_id searches match on the new edge.
	s.cache.Invalidate(ctx, string(query.EntityIOC))
	s.logger.Info("Correlated IOC with asset", zap.String("ioc_id", iocID), zap.String("asset_id", assetID))
	return nil
}

// Relationships returns every path of up to depth hops from the IOC,
// shortest first.
func (s *IOCService) Relationships(ctx context.Context, iocID string, depth int) (_ *models.RelationshipsResult, err error) {
	ctx, span := s.span(ctx, "ioc.relationships", attribute.String("ioc.id", iocID), attribute.Int("depth", depth))
	defer func() { endSpan(span, err) }()

	stmt, err := query.Relationships(iocID, depth)
	if err != nil {
		return nil, err
	}
	rows, err := s.graph.Execute(ctx, stmt.Text, stmt.Params)
	if err != nil {
		return nil, err
	}

	out := &models.RelationshipsResult{IOCID: iocID, Depth: depth, Relationships: make([]models.PathRecord, 0, len(rows))}
	for _, row := range rows {
		src, _ := row.Node("source")
		dst, _ := row.Node("target")
		types := make([]string, 0, len(row.List("relationship_types")))
		for _, t := range row.List("relationship_types") {
			if ts, ok := t.(string); ok {
				types = append(types, ts)
			}
		}
		out.Relationships = append(out.Relationships, models.PathRecord{
			Source:            src.ID(),
			SourceType:        src.Label(),
			Target:            dst.ID(),
			TargetType:        dst.Label(),
			RelationshipTypes: types,
			PathLength:        int(row.Int("path_length")),
		})
	}
	out.Count = len(out.Relationships)
	return out, nil
}

// GraphExport snapshots nodes and relationships, optionally restricted to
// the given labels and relationship types.
func (s *IOCService) GraphExport(ctx context.Context, nodeKinds, relKinds []string) (_ *models.GraphExport, err error) {
	ctx, span := s.span(ctx, "graph.export")
	defer func() { endSpan(span, err) }()

	stmts, err := query.Export(nodeKinds, relKinds)
	if err != nil {
		return nil, err
	}

	nodeRows, err := s.graph.Execute(ctx, stmts.Nodes.Text, stmts.Nodes.Params)
	if err != nil {
		return nil, err
	}
	relRows, err := s.graph.Execute(ctx, stmts.Relationships.Text, stmts.Relationships.Params)
	if err != nil {
		return nil, err
	}

	out := &models.GraphExport{
		Nodes:           make([]models.ExportNode, 0, len(nodeRows)),
		Relationships:   make([]models.ExportRelationship, 0, len(relRows)),
		ExportTimestamp: s.now(),
	}
	for _, row := range nodeRows {
		n, ok := row.Node("n")
		if !ok {
			continue
		}
		out.Nodes = append(out.Nodes, models.ExportNode{ID: n.ID(), Labels: n.Labels, Properties: n.Props})
	}
	for _, row := range relRows {
		r, ok := row["r"].(graph.Relationship)
		if !ok {
			continue
		}
		out.Relationships = append(out.Relationships, models.ExportRelationship{
			Source:     row.Str("source"),
			Target:     row.Str("target"),
			Type:       r.Type,
			Properties: r.Props,
		})
	}
	out.NodeCount = len(out.Nodes)
	out.RelationshipCount = len(out.Relationships)

	s.logger.Info("Exported graph",
		zap.Int("node_count", out.NodeCount),
		zap.Int("relationship_count", out.RelationshipCount),
	)
	return out, nil
}

// ThreatContext aggregates the indicators an asset is exposed to, with the
// actors, campaigns and techniques behind them.
func (s *IOCService) ThreatContext(ctx context.Context, assetID string) (_ *models.AssetThreatContext, err error) {
	ctx, span := s.span(ctx, "asset.threat_context", attribute.String("asset.id", assetID))
	defer func() { endSpan(span, err) }()

	rows, err := s.graph.Execute(ctx, threatContextStatement, map[string]any{"asset_id": assetID})
	if err != nil {
		return nil, err
	}

	out := &models.AssetThreatContext{
		AssetID:      assetID,
		ThreatActors: []string{},
		IOCs:         make([]models.IOC, 0, len(rows)),
		Campaigns:    []string{},
		TTPs:         []string{},
		LastUpdated:  s.now(),
	}
	var actors, campaigns, ttps []any
	maxConfidence := 0.0
	for _, row := range rows {
		n, ok := row.Node("ioc")
		if !ok {
			continue
		}
		ioc, err := mapper.IOCFromRow(n.Props)
		if err != nil {
			s.logger.Warn("Skipping unmappable IOC in threat context", zap.String("ioc_id", n.ID()), zap.Error(err))
			continue
		}
		ioc.ThreatActors = mapper.RelatedValues(row.List("threat_actors"), "name")
		ioc.Campaigns = mapper.RelatedValues(row.List("campaigns"), "name")
		ioc.RelatedAssets = []string{assetID}
		out.IOCs = append(out.IOCs, *ioc)

		maxConfidence = math.Max(maxConfidence, ioc.Confidence)
		actors = append(actors, row.List("threat_actors")...)
		campaigns = append(campaigns, row.List("campaigns")...)
		ttps = append(ttps, row.List("ttps")...)
	}

	out.ThreatActors = mapper.RelatedValues(actors, "name")
	out.Campaigns = mapper.RelatedValues(campaigns, "name")
	out.TTPs = mapper.RelatedValues(ttps, "mitre_id")
	out.ThreatLevel = DeriveThreatLevel(len(out.IOCs), maxConfidence)
	out.Confidence = maxConfidence
	return out, nil
}

// EnhanceRiskScore scales an externally computed risk score by the asset's
// threat level, capped at 1.
func (s *IOCService) EnhanceRiskScore(ctx context.Context, assetID string, baseScore float64) (*models.RiskScore, error) {
	if baseScore < 0 || baseScore > 1 || math.IsNaN(baseScore) {
		return nil, apperr.Validation("base_risk_score %v outside [0,1]", baseScore)
	}
	tc, err := s.ThreatContext(ctx, assetID)
	if err != nil {
		return nil, err
	}
	m := ThreatMultiplier(tc.ThreatLevel)
	return &models.RiskScore{
		AssetID:           assetID,
		BaseRiskScore:     baseScore,
		ThreatLevel:       tc.ThreatLevel,
		ThreatMultiplier:  m,
		EnhancedRiskScore: round3(math.Min(baseScore*m, 1.0)),
		ThreatContext:     *tc,
		Timestamp:         s.now(),
	}, nil
}

// validConfidence rejects NaN, infinities and anything outside [0, 1].
func validConfidence(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
