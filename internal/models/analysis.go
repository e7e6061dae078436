package models

import "time"

// AssetThreatContext aggregates the threat intelligence reachable from an asset.
type AssetThreatContext struct {
	AssetID      string      `json:"asset_id"`
	ThreatLevel  ThreatLevel `json:"threat_level"`
	ThreatActors []string    `json:"threat_actors"`
	IOCs         []IOC       `json:"iocs"`
	Campaigns    []string    `json:"campaigns"`
	TTPs         []string    `json:"ttps"`
	Confidence   float64     `json:"confidence"`
	LastUpdated  time.Time   `json:"last_updated"`
}

// RiskScore is an externally supplied risk score adjusted by threat level.
type RiskScore struct {
	AssetID           string             `json:"asset_id"`
	BaseRiskScore     float64            `json:"base_risk_score"`
	ThreatLevel       ThreatLevel        `json:"threat_level"`
	ThreatMultiplier  float64            `json:"threat_multiplier"`
	EnhancedRiskScore float64            `json:"enhanced_risk_score"`
	ThreatContext     AssetThreatContext `json:"threat_context"`
	Timestamp         time.Time          `json:"timestamp"`
}

// PathRecord describes one traversal path starting at an indicator.
type PathRecord struct {
	Source            string   `json:"source"`
	SourceType        string   `json:"source_type"`
	Target            string   `json:"target"`
	TargetType        string   `json:"target_type"`
	RelationshipTypes []string `json:"relationships"`
	PathLength        int      `json:"path_length"`
}

// RelationshipsResult is the response of a traversal request.
type RelationshipsResult struct {
	IOCID         string       `json:"ioc_id"`
	Depth         int          `json:"depth"`
	Relationships []PathRecord `json:"relationships"`
	Count         int          `json:"count"`
}

// ExportNode is a node in a graph snapshot.
type ExportNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// ExportRelationship is a directed edge in a graph snapshot.
type ExportRelationship struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// GraphExport is a full, unpaginated snapshot of (part of) the graph.
type GraphExport struct {
	Nodes             []ExportNode         `json:"nodes"`
	Relationships     []ExportRelationship `json:"relationships"`
	NodeCount         int                  `json:"node_count"`
	RelationshipCount int                  `json:"relationship_count"`
	ExportTimestamp   time.Time            `json:"export_timestamp"`
}

// AttributedActor is one candidate in a campaign attribution.
type AttributedActor struct {
	ActorID    string  `json:"actor_id"`
	ActorName  string  `json:"actor_name"`
	Confidence float64 `json:"confidence"`
	IOCCount   int64   `json:"ioc_count"`
}

type ThreatAttribution struct {
	CampaignID            string            `json:"campaign_id"`
	AttributedActors      []AttributedActor `json:"attributed_actors"`
	AttributionConfidence float64           `json:"attribution_confidence"`
	AttributionMethod     string            `json:"attribution_method"`
	AttributionTimestamp  time.Time         `json:"attribution_timestamp"`
}

// TimelineEvent is a dated occurrence in a campaign's history.
type TimelineEvent struct {
	Date        string  `json:"date"`
	EventType   string  `json:"event_type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	IOCID       string  `json:"ioc_id,omitempty"`
}

type Milestone struct {
	Milestone   string `json:"milestone"`
	Date        string `json:"date"`
	Description string `json:"description"`
}

type IOCTimelineEntry struct {
	IOCID      string  `json:"ioc_id"`
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	FirstSeen  string  `json:"first_seen,omitempty"`
	LastSeen   string  `json:"last_seen,omitempty"`
	Confidence float64 `json:"confidence"`
}

type TTPEntry struct {
	TTPID       string `json:"ttp_id"`
	MitreID     string `json:"mitre_id,omitempty"`
	Technique   string `json:"technique,omitempty"`
	Tactic      string `json:"tactic,omitempty"`
	Description string `json:"description,omitempty"`
}

type CampaignTimeline struct {
	CampaignID        string             `json:"campaign_id"`
	TimelineEvents    []TimelineEvent    `json:"timeline_events"`
	KeyMilestones     []Milestone        `json:"key_milestones"`
	IOCTimeline       []IOCTimelineEntry `json:"ioc_timeline"`
	TTPEvolution      []TTPEntry         `json:"ttp_evolution"`
	AnalysisTimestamp time.Time          `json:"analysis_timestamp"`
}
