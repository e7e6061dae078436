package mapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/models"
)

func iocRow() map[string]any {
	return map[string]any{
		"id":          "ioc_malicious_domain_1",
		"type":        "domain",
		"value":       "malicious-site.com",
		"category":    "attack_infrastructure",
		"confidence":  0.9,
		"first_seen":  "2024-01-15T10:00:00Z",
		"source":      "threat_feed_1",
		"tags":        []any{"apt29", "phishing"},
		"description": "Known APT29 infrastructure",
		"context":     `{"registrar":"example"}`,
	}
}

// ============================================================================
// IOC
// ============================================================================

func TestIOCFromRow(t *testing.T) {
	ioc, err := IOCFromRow(iocRow())
	require.NoError(t, err)

	assert.Equal(t, models.IOCTypeDomain, ioc.Type)
	assert.Equal(t, models.CategoryAttackInfrastructure, ioc.Category)
	assert.Equal(t, 0.9, ioc.Confidence)
	require.NotNil(t, ioc.FirstSeen)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), ioc.FirstSeen.UTC())
	assert.Nil(t, ioc.LastSeen)
	assert.Equal(t, []string{"apt29", "phishing"}, ioc.Tags)
	assert.Equal(t, map[string]any{"registrar": "example"}, ioc.Context)
	assert.Empty(t, ioc.ThreatActors)
}

func TestIOCFromRowRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing id", func(m map[string]any) { delete(m, "id") }},
		{"missing value", func(m map[string]any) { delete(m, "value") }},
		{"missing confidence", func(m map[string]any) { delete(m, "confidence") }},
		{"confidence above one", func(m map[string]any) { m["confidence"] = 1.5 }},
		{"confidence negative", func(m map[string]any) { m["confidence"] = -0.1 }},
		{"unknown type", func(m map[string]any) { m["type"] = "phone_number" }},
		{"unknown category", func(m map[string]any) { m["category"] = "benign" }},
		{"bad timestamp", func(m map[string]any) { m["first_seen"] = "yesterday" }},
		{"bad context", func(m map[string]any) { m["context"] = "not json" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := iocRow()
			tt.mutate(row)
			_, err := IOCFromRow(row)
			assert.ErrorIs(t, err, apperr.ErrMapping)
		})
	}
}

func TestIOCRoundTrip(t *testing.T) {
	row := iocRow()
	ioc, err := IOCFromRow(row)
	require.NoError(t, err)

	params, err := IOCParams(ioc)
	require.NoError(t, err)

	for _, key := range []string{"id", "type", "value", "category", "confidence", "source", "first_seen", "description", "context"} {
		assert.Equal(t, row[key], params[key], key)
	}
	assert.Equal(t, []string{"apt29", "phishing"}, params["tags"])
	assert.Nil(t, params["last_seen"])
}

func TestIOCParamsIntegerConfidence(t *testing.T) {
	row := iocRow()
	row["confidence"] = int64(1)

	ioc, err := IOCFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ioc.Confidence)
}

// ============================================================================
// Threat actor and campaign
// ============================================================================

func TestActorFromRowDefaults(t *testing.T) {
	a, err := ActorFromRow(map[string]any{
		"id":      "ta_apt29",
		"name":    "APT29",
		"aliases": []any{"Cozy Bear", "The Dukes"},
		"source":  "threat_intel",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MotivationUnknown, a.Motivation)
	assert.Equal(t, models.ActorActive, a.Status)
	assert.Equal(t, "unknown", a.Sophistication)
	assert.Equal(t, []string{"Cozy Bear", "The Dukes"}, a.Aliases)

	params, err := ActorParams(a)
	require.NoError(t, err)
	assert.Equal(t, "ta_apt29", params["id"])
	assert.Nil(t, params["country"])
	assert.Nil(t, params["context"])
}

func TestActorFromRowUnknownMotivation(t *testing.T) {
	_, err := ActorFromRow(map[string]any{"id": "x", "name": "X", "source": "s", "motivation": "boredom"})
	assert.ErrorIs(t, err, apperr.ErrMapping)
}

func TestCampaignRoundTrip(t *testing.T) {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	row := map[string]any{
		"id":                "camp_operation_cozy_bear",
		"name":              "Operation Cozy Bear",
		"status":            "active",
		"start_date":        start,
		"target_industries": []any{"government", "defense"},
		"source":            "threat_intel",
		"confidence":        0.85,
	}

	c, err := CampaignFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignActive, c.Status)
	assert.Equal(t, []string{"government", "defense"}, c.TargetIndustries)
	assert.Equal(t, []string{}, c.Objectives)

	params, err := CampaignParams(c)
	require.NoError(t, err)
	assert.Equal(t, "2023-06-01T00:00:00Z", params["start_date"])
	assert.Equal(t, 0.85, params["confidence"])
	assert.Equal(t, []string{}, params["tags"])
}

func TestCampaignMissingConfidence(t *testing.T) {
	_, err := CampaignFromRow(map[string]any{"id": "c", "name": "C", "source": "s"})
	assert.ErrorIs(t, err, apperr.ErrMapping)
}

// ============================================================================
// Related values
// ============================================================================

func TestRelatedValues(t *testing.T) {
	list := []any{
		nil,
		graph.Node{Labels: []string{"ThreatActor"}, Props: map[string]any{"name": "APT29"}},
		map[string]any{"name": "Lazarus Group"},
		graph.Node{Props: map[string]any{"name": "APT29"}},
		graph.Node{Props: map[string]any{}},
	}

	assert.Equal(t, []string{"APT29", "Lazarus Group"}, RelatedValues(list, "name"))
	assert.Equal(t, []string{}, RelatedValues(nil, "name"))
}
