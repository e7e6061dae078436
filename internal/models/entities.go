package models

import (
	"strings"
	"time"

	"github.com/lvonguyen/threatgraph/internal/apperr"
)

// Pagination bounds shared by every search request.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// IOC is an indicator of compromise.
type IOC struct {
	ID          string         `json:"id"`
	Type        IOCType        `json:"type"`
	Value       string         `json:"value"`
	Category    IOCCategory    `json:"category"`
	Confidence  float64        `json:"confidence"`
	FirstSeen   *time.Time     `json:"first_seen,omitempty"`
	LastSeen    *time.Time     `json:"last_seen,omitempty"`
	Source      string         `json:"source"`
	Tags        []string       `json:"tags"`
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"`

	// Derived from graph relationships on read; never written back.
	ThreatActors  []string `json:"threat_actors"`
	Campaigns     []string `json:"campaigns"`
	Malwares      []string `json:"malwares"`
	TTPs          []string `json:"ttps"`
	RelatedAssets []string `json:"related_assets"`
}

// Validate enforces the IOC invariants before a write.
func (i *IOC) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return apperr.Validation("ioc id is required")
	}
	if strings.TrimSpace(i.Value) == "" {
		return apperr.Validation("ioc %q: value is required", i.ID)
	}
	if _, err := ParseIOCType(string(i.Type)); err != nil {
		return err
	}
	if _, err := ParseIOCCategory(string(i.Category)); err != nil {
		return err
	}
	if err := checkConfidence(i.Confidence); err != nil {
		return err
	}
	if strings.TrimSpace(i.Source) == "" {
		return apperr.Validation("ioc %q: source is required", i.ID)
	}
	return nil
}

// ThreatActor is an attributed individual or group.
type ThreatActor struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Aliases        []string       `json:"aliases"`
	Country        string         `json:"country,omitempty"`
	Motivation     Motivation     `json:"motivation"`
	Status         ActorStatus    `json:"status"`
	Sophistication string         `json:"sophistication"`
	FirstSeen      *time.Time     `json:"first_seen,omitempty"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	Source         string         `json:"source"`
	Description    string         `json:"description,omitempty"`
	Context        map[string]any `json:"context,omitempty"`

	Campaigns []string `json:"campaigns"`
	IOCs      []string `json:"iocs"`
	Malwares  []string `json:"malwares"`
}

// ApplyDefaults fills the optional enum fields.
func (a *ThreatActor) ApplyDefaults() {
	if a.Motivation == "" {
		a.Motivation = MotivationUnknown
	}
	if a.Status == "" {
		a.Status = ActorActive
	}
	if a.Sophistication == "" {
		a.Sophistication = "unknown"
	}
}

func (a *ThreatActor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return apperr.Validation("threat actor id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return apperr.Validation("threat actor %q: name is required", a.ID)
	}
	if _, err := ParseMotivation(string(a.Motivation)); err != nil {
		return err
	}
	if _, err := ParseActorStatus(string(a.Status)); err != nil {
		return err
	}
	if strings.TrimSpace(a.Source) == "" {
		return apperr.Validation("threat actor %q: source is required", a.ID)
	}
	return nil
}

// Campaign is a bounded set of coordinated malicious activity.
type Campaign struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	StartDate           *time.Time     `json:"start_date,omitempty"`
	EndDate             *time.Time     `json:"end_date,omitempty"`
	Status              CampaignStatus `json:"status"`
	Objectives          []string       `json:"objectives"`
	TargetIndustries    []string       `json:"target_industries"`
	TargetCountries     []string       `json:"target_countries"`
	TargetOrganizations []string       `json:"target_organizations"`
	Source              string         `json:"source"`
	Tags                []string       `json:"tags"`
	Confidence          float64        `json:"confidence"`
	Context             map[string]any `json:"context,omitempty"`

	ThreatActors []string `json:"threat_actors"`
	IOCs         []string `json:"iocs"`
	TTPs         []string `json:"ttps"`
	Malwares     []string `json:"malwares"`
}

func (c *Campaign) ApplyDefaults() {
	if c.Status == "" {
		c.Status = CampaignUnknown
	}
}

func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return apperr.Validation("campaign id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Validation("campaign %q: name is required", c.ID)
	}
	if _, err := ParseCampaignStatus(string(c.Status)); err != nil {
		return err
	}
	if err := checkConfidence(c.Confidence); err != nil {
		return err
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return apperr.Validation("campaign %q: end_date precedes start_date", c.ID)
	}
	if strings.TrimSpace(c.Source) == "" {
		return apperr.Validation("campaign %q: source is required", c.ID)
	}
	return nil
}

func checkConfidence(v float64) error {
	if v < 0 || v > 1 {
		return apperr.Validation("confidence %v outside [0,1]", v)
	}
	return nil
}
