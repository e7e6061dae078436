package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/mitre"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/query"
)

// Seeder loads the MITRE TTP nodes and a small sample graph.
type Seeder struct {
	IOCs      *IOCService
	Actors    *ActorService
	Campaigns *CampaignService
	Graph     graph.Executor
	Catalog   *mitre.Catalog
	Logger    *zap.Logger
}

type link struct {
	from, to string
}

// SeedTTPs upserts one TTP node per catalog technique.
func (s *Seeder) SeedTTPs(ctx context.Context) (int, error) {
	techniques := s.Catalog.Techniques()
	rows := make([]any, 0, len(techniques))
	for _, t := range techniques {
		rows = append(rows, map[string]any{
			"id":        mitre.TTPNodeID(t.ID),
			"mitre_id":  t.ID,
			"technique": t.Name,
			"tactic":    s.Catalog.PrimaryTactic(t),
			"url":       t.URL,
		})
	}
	_, err := s.Graph.ExecuteWrite(ctx,
		"UNWIND $ttps AS t\nMERGE (n:TTP {id: t.id})\nSET n += t",
		map[string]any{"ttps": rows},
	)
	if err != nil {
		return 0, fmt.Errorf("seeding TTP nodes: %w", err)
	}
	return len(rows), nil
}

// SeedSample loads two actors, two campaigns, three IOCs, two assets and
// the relationships between them. Every write is an upsert.
func (s *Seeder) SeedSample(ctx context.Context) error {
	ctx = WithOrigin(ctx, "seed")

	for _, a := range sampleActors() {
		if _, err := s.Actors.Create(ctx, a); err != nil {
			return fmt.Errorf("seeding threat actor %s: %w", a.ID, err)
		}
	}
	for _, c := range sampleCampaigns() {
		if _, err := s.Campaigns.Create(ctx, c); err != nil {
			return fmt.Errorf("seeding campaign %s: %w", c.ID, err)
		}
	}
	for _, ioc := range sampleIOCs() {
		if _, err := s.IOCs.Create(ctx, ioc); err != nil {
			return fmt.Errorf("seeding ioc %s: %w", ioc.ID, err)
		}
	}

	_, err := s.Graph.ExecuteWrite(ctx,
		"UNWIND $assets AS a\nMERGE (n:Asset {id: a.id})\nSET n += a",
		map[string]any{"assets": []any{
			map[string]any{"id": "asset_web_server_01", "name": "Web Server 01", "type": "server", "environment": "production", "ip_address": "10.0.1.10"},
			map[string]any{"id": "asset_database_01", "name": "Database Server 01", "type": "database", "environment": "production", "ip_address": "10.0.1.20"},
		}},
	)
	if err != nil {
		return fmt.Errorf("seeding assets: %w", err)
	}

	for _, rel := range sampleRelationships() {
		if err := s.link(ctx, rel.fromLabel, rel.relType, rel.toLabel, rel.links); err != nil {
			return err
		}
	}

	// Relationship filters of every entity see the new edges.
	s.IOCs.cache.Invalidate(ctx, string(query.EntityIOC))
	s.Actors.cache.Invalidate(ctx, string(query.EntityThreatActor))
	s.Campaigns.cache.Invalidate(ctx, string(query.EntityCampaign))

	s.Logger.Info("Sample data loaded")
	return nil
}

// link merges relationships of one type. Labels and type come from the
// graph constants, never from input.
func (s *Seeder) link(ctx context.Context, fromLabel, relType, toLabel string, links []link) error {
	pairs := make([]any, len(links))
	for i, l := range links {
		pairs[i] = map[string]any{"from": l.from, "to": l.to}
	}
	stmt := fmt.Sprintf("UNWIND $links AS l\nMATCH (a:%s {id: l.from})\nMATCH (b:%s {id: l.to})\nMERGE (a)-[:%s]->(b)",
		fromLabel, toLabel, relType)
	if _, err := s.Graph.ExecuteWrite(ctx, stmt, map[string]any{"links": pairs}); err != nil {
		return fmt.Errorf("seeding %s relationships: %w", relType, err)
	}
	return nil
}

type sampleRel struct {
	fromLabel, relType, toLabel string
	links                       []link
}

func sampleRelationships() []sampleRel {
	return []sampleRel{
		{graph.LabelThreatActor, graph.RelBelongsTo, graph.LabelCampaign, []link{
			{"ta_apt29", "camp_operation_cozy_bear"},
			{"ta_lazarus", "camp_cryptocurrency_theft"},
		}},
		{graph.LabelIOC, graph.RelUsedBy, graph.LabelThreatActor, []link{
			{"ioc_malicious_domain_1", "ta_apt29"},
			{"ioc_suspicious_ip_1", "ta_lazarus"},
			{"ioc_malware_hash_1", "ta_apt29"},
		}},
		{graph.LabelThreatActor, graph.RelControls, graph.LabelIOC, []link{
			{"ta_apt29", "ioc_malicious_domain_1"},
			{"ta_apt29", "ioc_malware_hash_1"},
			{"ta_lazarus", "ioc_suspicious_ip_1"},
		}},
		{graph.LabelIOC, graph.RelInvolves, graph.LabelCampaign, []link{
			{"ioc_malicious_domain_1", "camp_operation_cozy_bear"},
			{"ioc_malware_hash_1", "camp_operation_cozy_bear"},
			{"ioc_suspicious_ip_1", "camp_cryptocurrency_theft"},
		}},
		{graph.LabelCampaign, graph.RelInvolves, graph.LabelIOC, []link{
			{"camp_operation_cozy_bear", "ioc_malicious_domain_1"},
			{"camp_cryptocurrency_theft", "ioc_suspicious_ip_1"},
		}},
		{graph.LabelCampaign, graph.RelUses, graph.LabelTTP, []link{
			{"camp_operation_cozy_bear", mitre.TTPNodeID("T1566.001")},
			{"camp_operation_cozy_bear", mitre.TTPNodeID("T1071")},
			{"camp_cryptocurrency_theft", mitre.TTPNodeID("T1204")},
		}},
		{graph.LabelThreatActor, graph.RelUses, graph.LabelTTP, []link{
			{"ta_apt29", mitre.TTPNodeID("T1566.001")},
			{"ta_lazarus", mitre.TTPNodeID("T1204")},
		}},
		{graph.LabelAsset, graph.RelExposedTo, graph.LabelIOC, []link{
			{"asset_web_server_01", "ioc_malicious_domain_1"},
			{"asset_database_01", "ioc_suspicious_ip_1"},
		}},
	}
}

func sampleActors() []*models.ThreatActor {
	return []*models.ThreatActor{
		{
			ID:             "ta_apt29",
			Name:           "APT29",
			Aliases:        []string{"Cozy Bear", "The Dukes"},
			Country:        "Russia",
			Motivation:     models.MotivationEspionage,
			Status:         models.ActorActive,
			Sophistication: "high",
			Source:         "sample",
		},
		{
			ID:             "ta_lazarus",
			Name:           "Lazarus Group",
			Aliases:        []string{"HIDDEN COBRA"},
			Country:        "North Korea",
			Motivation:     models.MotivationFinancial,
			Status:         models.ActorActive,
			Sophistication: "high",
			Source:         "sample",
		},
	}
}

func sampleCampaigns() []*models.Campaign {
	cozy := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	crypto := time.Date(2023, 9, 15, 0, 0, 0, 0, time.UTC)
	return []*models.Campaign{
		{
			ID:               "camp_operation_cozy_bear",
			Name:             "Operation Cozy Bear",
			Description:      "Long-term espionage campaign targeting government and corporate networks",
			StartDate:        &cozy,
			Status:           models.CampaignActive,
			TargetIndustries: []string{"government", "technology"},
			Source:           "sample",
			Confidence:       0.8,
		},
		{
			ID:               "camp_cryptocurrency_theft",
			Name:             "Cryptocurrency Exchange Theft Campaign",
			Description:      "Campaign targeting cryptocurrency exchanges and wallets",
			StartDate:        &crypto,
			Status:           models.CampaignActive,
			TargetIndustries: []string{"finance", "cryptocurrency"},
			Source:           "sample",
			Confidence:       0.75,
		},
	}
}

func sampleIOCs() []*models.IOC {
	seen := time.Date(2023, 10, 2, 8, 30, 0, 0, time.UTC)
	return []*models.IOC{
		{
			ID:         "ioc_malicious_domain_1",
			Type:       models.IOCTypeDomain,
			Value:      "malicious-site.com",
			Category:   models.CategoryAttackInfrastructure,
			Confidence: 0.9,
			FirstSeen:  &seen,
			Source:     "sample",
		},
		{
			ID:         "ioc_suspicious_ip_1",
			Type:       models.IOCTypeIP,
			Value:      "192.168.1.100",
			Category:   models.CategoryC2,
			Confidence: 0.8,
			Source:     "sample",
		},
		{
			ID:         "ioc_malware_hash_1",
			Type:       models.IOCTypeHash,
			Value:      "a1b2c3d4e5f6789012345678901234567890abcd",
			Category:   models.CategoryMalware,
			Confidence: 0.95,
			Source:     "sample",
		},
	}
}
