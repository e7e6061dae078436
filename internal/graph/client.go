// Package graph executes parameterised Cypher against Neo4j and returns
// driver-independent rows.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// Executor runs parameterised statements. Services depend on this
// interface rather than on *Client.
type Executor interface {
	Execute(ctx context.Context, statement string, params map[string]any) ([]Row, error)
	ExecuteWrite(ctx context.Context, statement string, params map[string]any) ([]Row, error)
}

// Config holds Neo4j connection settings.
type Config struct {
	URI            string
	Username       string
	Password       string
	Database       string
	MaxPoolSize    int
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// Client is a lazily connected, concurrency-safe Neo4j executor.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	driver neo4j.DriverWithContext

	newDriver func(Config) (neo4j.DriverWithContext, error)
}

// NewClient returns a client; no connection is made until the first call.
// A nil tracer falls back to the global provider.
func NewClient(cfg Config, logger *zap.Logger, metrics *observability.Metrics, tracer trace.Tracer) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}
	if tracer == nil {
		tracer = otel.Tracer("threatgraph/graph")
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "graph")),
		metrics:   metrics,
		tracer:    tracer,
		newDriver: openDriver,
	}
}

func openDriver(cfg Config) (neo4j.DriverWithContext, error) {
	return neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
			c.ConnectionAcquisitionTimeout = cfg.AcquireTimeout
			c.SocketConnectTimeout = cfg.AcquireTimeout
			// Retries are the caller's decision.
			c.MaxTransactionRetryTime = 0
		},
	)
}

// Execute runs a read statement.
func (c *Client) Execute(ctx context.Context, statement string, params map[string]any) ([]Row, error) {
	return c.run(ctx, neo4j.AccessModeRead, statement, params)
}

// ExecuteWrite runs a write statement.
func (c *Client) ExecuteWrite(ctx context.Context, statement string, params map[string]any) ([]Row, error) {
	return c.run(ctx, neo4j.AccessModeWrite, statement, params)
}

func (c *Client) run(ctx context.Context, mode neo4j.AccessMode, statement string, params map[string]any) ([]Row, error) {
	modeName := "read"
	if mode == neo4j.AccessModeWrite {
		modeName = "write"
	}

	ctx, span := c.tracer.Start(ctx, "graph."+modeName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "neo4j"),
			attribute.String("db.name", c.cfg.Database),
		),
	)
	defer span.End()

	start := time.Now()
	rows, err := c.runOnce(ctx, mode, statement, params)
	kind := ""
	if err != nil {
		kind = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	c.metrics.ObserveGraphQuery(modeName, time.Since(start), kind)
	return rows, err
}

func (c *Client) runOnce(ctx context.Context, mode neo4j.AccessMode, statement string, params map[string]any) ([]Row, error) {
	driver, err := c.getDriver()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	session := driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.cfg.Database,
	})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, statement, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, recordToRow(rec.Keys, rec.Values))
		}
		return rows, nil
	}

	var out any
	if mode == neo4j.AccessModeWrite {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		classified := classify(ctx, err)
		c.logger.Debug("Graph statement failed",
			zap.String("kind", string(apperr.KindOf(classified))),
			zap.Error(err),
		)
		return nil, classified
	}
	return out.([]Row), nil
}

// HealthCheck runs a trivial statement. On failure the cached driver is
// closed and discarded so the next call reconnects.
func (c *Client) HealthCheck(ctx context.Context) bool {
	rows, err := c.Execute(ctx, "RETURN 1 AS health", nil)
	healthy := err == nil && len(rows) == 1 && rows[0].Int("health") == 1
	if !healthy {
		c.logger.Warn("Neo4j health check failed", zap.Error(err))
		c.invalidate()
	}
	c.metrics.ObserveHealth("neo4j", healthy)
	return healthy
}

// Close releases the cached driver, if any.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	driver := c.driver
	c.driver = nil
	c.mu.Unlock()

	if driver == nil {
		return nil
	}
	return driver.Close(ctx)
}

func (c *Client) getDriver() (neo4j.DriverWithContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver != nil {
		return c.driver, nil
	}

	driver, err := c.newDriver(c.cfg)
	if err != nil {
		return nil, apperr.Connection("creating neo4j driver", err)
	}
	c.driver = driver
	c.logger.Info("Neo4j driver initialized",
		zap.String("uri", c.cfg.URI),
		zap.String("database", c.cfg.Database),
	)
	return driver, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	driver := c.driver
	c.driver = nil
	c.mu.Unlock()

	if driver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = driver.Close(ctx)
	}
}

// classify maps driver failures onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return apperr.Connection("graph call timed out", err)
	case neo4j.IsConnectivityError(err):
		return apperr.Connection("neo4j unreachable", err)
	}

	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		switch {
		case strings.HasPrefix(ne.Code, "Neo.ClientError.Security"),
			strings.HasPrefix(ne.Code, "Neo.TransientError"),
			strings.HasSuffix(ne.Code, "DatabaseUnavailable"):
			return apperr.Connection(fmt.Sprintf("neo4j unavailable (%s)", ne.Code), err)
		default:
			return apperr.Query(fmt.Sprintf("statement rejected (%s)", ne.Code), err)
		}
	}
	return apperr.Query("statement failed", err)
}
