package models

import "time"

// IOCSearchRequest carries the optional IOC search filters.
type IOCSearchRequest struct {
	AssetID       string   `json:"asset_id,omitempty"`
	Type          IOCType  `json:"ioc_type,omitempty"`
	ThreatActor   string   `json:"threat_actor,omitempty"`
	Campaign      string   `json:"campaign,omitempty"`
	ConfidenceMin *float64 `json:"confidence_min,omitempty"`
	ConfidenceMax *float64 `json:"confidence_max,omitempty"`
	Source        string   `json:"source,omitempty"`
	Value         string   `json:"value,omitempty"`
	Limit         int      `json:"limit"`
	Offset        int      `json:"offset"`
}

type IOCSearchResponse struct {
	IOCs            []IOC            `json:"iocs"`
	TotalCount      int64            `json:"total_count"`
	SearchParams    IOCSearchRequest `json:"search_params"`
	SearchTimestamp time.Time        `json:"search_timestamp"`
}

// ActorSearchRequest carries the optional threat actor search filters.
type ActorSearchRequest struct {
	Name       string      `json:"name,omitempty"`
	Country    string      `json:"country,omitempty"`
	Motivation Motivation  `json:"motivation,omitempty"`
	Status     ActorStatus `json:"status,omitempty"`
	Campaign   string      `json:"campaign,omitempty"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

type ActorSearchResponse struct {
	ThreatActors    []ThreatActor      `json:"threat_actors"`
	TotalCount      int64              `json:"total_count"`
	SearchParams    ActorSearchRequest `json:"search_params"`
	SearchTimestamp time.Time          `json:"search_timestamp"`
}

// CampaignSearchRequest carries the optional campaign search filters.
type CampaignSearchRequest struct {
	Name           string         `json:"name,omitempty"`
	Status         CampaignStatus `json:"status,omitempty"`
	ThreatActor    string         `json:"threat_actor,omitempty"`
	TargetIndustry string         `json:"target_industry,omitempty"`
	StartDateFrom  *time.Time     `json:"start_date_from,omitempty"`
	StartDateTo    *time.Time     `json:"start_date_to,omitempty"`
	Limit          int            `json:"limit"`
	Offset         int            `json:"offset"`
}

type CampaignSearchResponse struct {
	Campaigns       []Campaign            `json:"campaigns"`
	TotalCount      int64                 `json:"total_count"`
	SearchParams    CampaignSearchRequest `json:"search_params"`
	SearchTimestamp time.Time             `json:"search_timestamp"`
}
