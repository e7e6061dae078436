package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/graph/graphtest"
)

// ============================================================================
// Schema
// ============================================================================

func TestEnsureSchemaCreatesConstraintPerLabel(t *testing.T) {
	exec := graphtest.New()

	require.NoError(t, graph.EnsureSchema(context.Background(), exec, zap.NewNop()))

	calls := exec.Calls()
	require.Len(t, calls, len(graph.Labels))
	assert.Equal(t,
		"CREATE CONSTRAINT threat_actor_id_unique IF NOT EXISTS FOR (n:ThreatActor) REQUIRE n.id IS UNIQUE",
		calls[1].Statement)
	for _, c := range calls {
		assert.True(t, c.Write)
	}
}

func TestEnsureSchemaStopsOnError(t *testing.T) {
	exec := graphtest.New().Fail("Campaign", apperr.Query("denied", nil))

	err := graph.EnsureSchema(context.Background(), exec, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrQuery)
	assert.Len(t, exec.Calls(), 3)
}
