package feeds

import (
	"context"
	"time"
)

// SampleSource serves a fixed set of items for smoke testing a deployment
// end to end without feed credentials.
type SampleSource struct{}

func (SampleSource) Name() string { return "sample" }

func (SampleSource) Fetch(context.Context, time.Time) ([]Item, error) {
	return SampleItems(), nil
}

// SampleItems returns one IOC, one threat actor and one campaign.
func SampleItems() []Item {
	return []Item{
		{
			"id":         "sample_ioc_001",
			"type":       "domain",
			"value":      "malicious-example.com",
			"category":   "command_and_control",
			"confidence": 0.9,
			"source":     "sample",
			"tags":       []string{"c2", "sample"},
		},
		{
			"id":             "sample_actor_001",
			"type":           KindThreatActor,
			"name":           "Sample APT Group",
			"aliases":        []string{"APT-SAMPLE"},
			"country":        "Unknown",
			"motivation":     "espionage",
			"status":         "active",
			"sophistication": "high",
			"source":         "sample",
		},
		{
			"id":                "sample_campaign_001",
			"type":              KindCampaign,
			"name":              "Sample Campaign",
			"status":            "active",
			"objectives":        []string{"data_theft"},
			"target_industries": []string{"finance"},
			"confidence":        0.8,
			"source":            "sample",
		},
	}
}
