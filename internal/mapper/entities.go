package mapper

import (
	"github.com/lvonguyen/threatgraph/internal/models"
)

// IOCFromRow maps IOC node properties. Derived relationship lists start empty.
func IOCFromRow(m map[string]any) (*models.IOC, error) {
	p := &props{entity: "ioc", m: m}

	ioc := &models.IOC{
		ID:          p.requiredString("id"),
		Value:       p.requiredString("value"),
		Confidence:  p.confidence("confidence", true),
		FirstSeen:   p.timestamp("first_seen"),
		LastSeen:    p.timestamp("last_seen"),
		Source:      p.requiredString("source"),
		Tags:        p.strings("tags"),
		Description: p.optionalString("description"),
		Context:     p.context("context"),

		ThreatActors:  []string{},
		Campaigns:     []string{},
		Malwares:      []string{},
		TTPs:          []string{},
		RelatedAssets: []string{},
	}
	if t := p.requiredString("type"); p.err == nil {
		v, err := models.ParseIOCType(t)
		if err != nil {
			p.fail("unknown type %q", t)
		}
		ioc.Type = v
	}
	if c := p.requiredString("category"); p.err == nil {
		v, err := models.ParseIOCCategory(c)
		if err != nil {
			p.fail("unknown category %q", c)
		}
		ioc.Category = v
	}
	if p.err != nil {
		return nil, p.err
	}
	return ioc, nil
}

// IOCParams builds the write parameters of a validated IOC.
func IOCParams(ioc *models.IOC) (map[string]any, error) {
	ctx, err := encodeContext(ioc.Context)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          ioc.ID,
		"type":        string(ioc.Type),
		"value":       ioc.Value,
		"category":    string(ioc.Category),
		"confidence":  ioc.Confidence,
		"first_seen":  formatTime(ioc.FirstSeen),
		"last_seen":   formatTime(ioc.LastSeen),
		"source":      ioc.Source,
		"tags":        stringsOrEmpty(ioc.Tags),
		"description": ioc.Description,
		"context":     ctx,
	}, nil
}

// ActorFromRow maps ThreatActor node properties. Absent enums take their
// defaults; present but unknown enums are a mapping error.
func ActorFromRow(m map[string]any) (*models.ThreatActor, error) {
	p := &props{entity: "threat_actor", m: m}

	a := &models.ThreatActor{
		ID:             p.requiredString("id"),
		Name:           p.requiredString("name"),
		Aliases:        p.strings("aliases"),
		Country:        p.optionalString("country"),
		Sophistication: p.optionalString("sophistication"),
		FirstSeen:      p.timestamp("first_seen"),
		LastSeen:       p.timestamp("last_seen"),
		Source:         p.requiredString("source"),
		Description:    p.optionalString("description"),
		Context:        p.context("context"),

		Campaigns: []string{},
		IOCs:      []string{},
		Malwares:  []string{},
	}
	if s := p.optionalString("motivation"); s != "" {
		v, err := models.ParseMotivation(s)
		if err != nil {
			p.fail("unknown motivation %q", s)
		}
		a.Motivation = v
	}
	if s := p.optionalString("status"); s != "" {
		v, err := models.ParseActorStatus(s)
		if err != nil {
			p.fail("unknown status %q", s)
		}
		a.Status = v
	}
	if p.err != nil {
		return nil, p.err
	}
	a.ApplyDefaults()
	return a, nil
}

func ActorParams(a *models.ThreatActor) (map[string]any, error) {
	ctx, err := encodeContext(a.Context)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":             a.ID,
		"name":           a.Name,
		"aliases":        stringsOrEmpty(a.Aliases),
		"country":        nilIfEmpty(a.Country),
		"motivation":     string(a.Motivation),
		"status":         string(a.Status),
		"sophistication": a.Sophistication,
		"first_seen":     formatTime(a.FirstSeen),
		"last_seen":      formatTime(a.LastSeen),
		"source":         a.Source,
		"description":    a.Description,
		"context":        ctx,
	}, nil
}

// CampaignFromRow maps Campaign node properties.
func CampaignFromRow(m map[string]any) (*models.Campaign, error) {
	p := &props{entity: "campaign", m: m}

	c := &models.Campaign{
		ID:                  p.requiredString("id"),
		Name:                p.requiredString("name"),
		Description:         p.optionalString("description"),
		StartDate:           p.timestamp("start_date"),
		EndDate:             p.timestamp("end_date"),
		Objectives:          p.strings("objectives"),
		TargetIndustries:    p.strings("target_industries"),
		TargetCountries:     p.strings("target_countries"),
		TargetOrganizations: p.strings("target_organizations"),
		Source:              p.requiredString("source"),
		Tags:                p.strings("tags"),
		Confidence:          p.confidence("confidence", true),
		Context:             p.context("context"),

		ThreatActors: []string{},
		IOCs:         []string{},
		TTPs:         []string{},
		Malwares:     []string{},
	}
	if s := p.optionalString("status"); s != "" {
		v, err := models.ParseCampaignStatus(s)
		if err != nil {
			p.fail("unknown status %q", s)
		}
		c.Status = v
	}
	if p.err != nil {
		return nil, p.err
	}
	c.ApplyDefaults()
	return c, nil
}

func CampaignParams(c *models.Campaign) (map[string]any, error) {
	ctx, err := encodeContext(c.Context)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                   c.ID,
		"name":                 c.Name,
		"description":          c.Description,
		"start_date":           formatTime(c.StartDate),
		"end_date":             formatTime(c.EndDate),
		"status":               string(c.Status),
		"objectives":           stringsOrEmpty(c.Objectives),
		"target_industries":    stringsOrEmpty(c.TargetIndustries),
		"target_countries":     stringsOrEmpty(c.TargetCountries),
		"target_organizations": stringsOrEmpty(c.TargetOrganizations),
		"source":               c.Source,
		"tags":                 stringsOrEmpty(c.Tags),
		"confidence":           c.Confidence,
		"context":              ctx,
	}, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
