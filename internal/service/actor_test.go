package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/graph/graphtest"
	"github.com/lvonguyen/threatgraph/internal/models"
)

func actorNode(id, name, sophistication string, status models.ActorStatus) graph.Node {
	return graph.Node{
		Labels: []string{"ThreatActor"},
		Props: map[string]any{
			"id":             id,
			"name":           name,
			"aliases":        []any{},
			"motivation":     "espionage",
			"status":         string(status),
			"sophistication": sophistication,
			"source":         "test",
		},
	}
}

func TestAttributeScoresActors(t *testing.T) {
	exec := graphtest.New().On("count(ioc) AS ioc_count",
		graph.Row{"ta": actorNode("ta_apt29", "APT29", "high", models.ActorActive), "ioc_count": int64(2)},
		graph.Row{"ta": actorNode("ta_lazarus", "Lazarus Group", "medium", models.ActorInactive), "ioc_count": int64(0)},
	)
	deps, _ := newDeps(exec)

	res, err := NewActorService(deps).Attribute(context.Background(), "camp_operation_cozy_bear")
	require.NoError(t, err)

	require.Len(t, res.AttributedActors, 2)
	assert.Equal(t, models.AttributedActor{ActorID: "ta_apt29", ActorName: "APT29", Confidence: 0.727, IOCCount: 2}, res.AttributedActors[0])
	assert.Equal(t, 0.273, res.AttributedActors[1].Confidence)
	assert.Equal(t, 0.55, res.AttributionConfidence)
	assert.Equal(t, AttributionMethod, res.AttributionMethod)
}

func TestAttributeScoreIsCapped(t *testing.T) {
	exec := graphtest.New().On("count(ioc) AS ioc_count",
		graph.Row{"ta": actorNode("ta_1", "One", "high", models.ActorActive), "ioc_count": int64(9)},
	)
	deps, _ := newDeps(exec)

	res, err := NewActorService(deps).Attribute(context.Background(), "camp")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.AttributionConfidence)
	assert.Equal(t, 1.0, res.AttributedActors[0].Confidence)
}

func TestAttributeUnknownCampaignIsEmpty(t *testing.T) {
	deps, _ := newDeps(graphtest.New())

	res, err := NewActorService(deps).Attribute(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, res.AttributedActors)
	assert.Equal(t, 0.0, res.AttributionConfidence)
}

func TestActorSearchRejectsUnknownMotivation(t *testing.T) {
	exec := graphtest.New()
	deps, _ := newDeps(exec)

	_, err := NewActorService(deps).Search(context.Background(), models.ActorSearchRequest{Motivation: "boredom", Limit: 10})
	assert.ErrorIs(t, err, apperr.ErrInvalidFilter)
	assert.Empty(t, exec.Calls())
}

func TestActorSearchByName(t *testing.T) {
	exec := graphtest.New().
		On("count(n)", graph.Row{"total": int64(1)}).
		On("SKIP", graph.Row{"n": actorNode("ta_apt29", "APT29", "high", models.ActorActive)})
	deps, _ := newDeps(exec)

	resp, err := NewActorService(deps).Search(context.Background(), models.ActorSearchRequest{Name: "Cozy Bear", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.ThreatActors, 1)
	assert.Equal(t, "APT29", resp.ThreatActors[0].Name)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Cozy Bear", calls[0].Params["name"])
	assert.Contains(t, calls[1].Statement, "$name IN n.aliases")
}

func TestGetActor(t *testing.T) {
	exec := graphtest.New().On("MATCH (ta:ThreatActor {id: $id})", graph.Row{
		"ta":        actorNode("ta_apt29", "APT29", "high", models.ActorActive),
		"campaigns": []any{graph.Node{Props: map[string]any{"name": "Operation Cozy Bear"}}},
		"iocs":      []any{graph.Node{Props: map[string]any{"value": "malicious-site.com"}}},
		"malwares":  []any{},
	})
	deps, _ := newDeps(exec)

	a, err := NewActorService(deps).Get(context.Background(), "ta_apt29")
	require.NoError(t, err)
	assert.Equal(t, []string{"Operation Cozy Bear"}, a.Campaigns)
	assert.Equal(t, []string{"malicious-site.com"}, a.IOCs)
	assert.Equal(t, []string{}, a.Malwares)

	_, err = NewActorService(deps).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateActorAppliesDefaults(t *testing.T) {
	store := &nodeStore{nodes: map[string]map[string]any{}}
	exec := graphtest.New().OnFunc("MERGE (ta:ThreatActor", store.upsert("ta", "ThreatActor"))
	deps, _ := newDeps(exec)

	a, err := NewActorService(deps).Create(context.Background(), &models.ThreatActor{ID: "ta_x", Name: "X", Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, models.MotivationUnknown, a.Motivation)
	assert.Equal(t, models.ActorActive, a.Status)
	assert.Equal(t, "unknown", a.Sophistication)
	assert.Len(t, store.nodes, 1)
}
