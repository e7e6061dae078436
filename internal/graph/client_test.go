package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// ============================================================================
// Error classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"deadline", context.DeadlineExceeded, apperr.KindConnection},
		{"canceled", context.Canceled, apperr.KindConnection},
		{"auth", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized", Msg: "bad credentials"}, apperr.KindConnection},
		{"transient", &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable", Msg: "down"}, apperr.KindConnection},
		{"syntax", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad"}, apperr.KindQuery},
		{"constraint", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Msg: "dup"}, apperr.KindQuery},
		{"other", errors.New("boom"), apperr.KindQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(context.Background(), tt.err)
			assert.Equal(t, tt.want, apperr.KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := classify(ctx, errors.New("read tcp: use of closed connection"))
	assert.Equal(t, apperr.KindConnection, apperr.KindOf(got))
}

// ============================================================================
// Lifecycle
// ============================================================================

func newTestClient(t *testing.T) (*Client, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewClient(Config{URI: "bolt://127.0.0.1:1", Database: "neo4j"}, zap.NewNop(), metrics, nil)
	return c, metrics
}

func TestNewClientDefaults(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, 30*time.Second, c.cfg.QueryTimeout)
	assert.Equal(t, 10*time.Second, c.cfg.AcquireTimeout)
	assert.Equal(t, 50, c.cfg.MaxPoolSize)
}

func TestDriverConstructionFailureIsConnectionError(t *testing.T) {
	c, metrics := newTestClient(t)
	calls := 0
	c.newDriver = func(Config) (neo4j.DriverWithContext, error) {
		calls++
		return nil, errors.New("invalid uri")
	}

	_, err := c.Execute(context.Background(), "RETURN 1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConnection)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GraphQueryErrors.WithLabelValues("read", "connection_error")))

	// Nothing cached; the next call tries again.
	_, err = c.ExecuteWrite(context.Background(), "CREATE (n)", nil)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunSpansUseSuppliedTracer(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewClient(Config{URI: "bolt://127.0.0.1:1", Database: "neo4j"}, zap.NewNop(), metrics, tp.Tracer("graph-test"))
	c.newDriver = func(Config) (neo4j.DriverWithContext, error) {
		return nil, errors.New("invalid uri")
	}

	_, err := c.ExecuteWrite(context.Background(), "CREATE (n)", nil)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "graph.write", spans[0].Name())
	assert.Equal(t, "graph-test", spans[0].InstrumentationScope().Name)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestHealthCheckFailureReportsUnhealthy(t *testing.T) {
	c, metrics := newTestClient(t)
	c.newDriver = func(Config) (neo4j.DriverWithContext, error) {
		return nil, errors.New("unreachable")
	}

	assert.False(t, c.HealthCheck(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.HealthStatus.WithLabelValues("neo4j")))
	assert.Nil(t, c.driver)
}

func TestCloseWithoutDriver(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.Close(context.Background()))
}

func TestToSnake(t *testing.T) {
	assert.Equal(t, "ioc", toSnake("IOC"))
	assert.Equal(t, "threat_actor", toSnake("ThreatActor"))
	assert.Equal(t, "ttp", toSnake("TTP"))
}
