// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Telemetry provides unified observability for threatgraph
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	registry     prometheus.Gatherer
	config       Config
	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// Config configures telemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Logging
	LogLevel      string
	LogFormat     string // json, console
	LogFile       string // optional, rotated
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
	SamplingRate   float64

	// Metrics
	MetricsEnabled bool

	// Registerer overrides the default Prometheus registry when set.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config:   cfg,
		registry: prometheus.DefaultGatherer,
	}

	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.TracingEnabled {
		if err := t.initTracer(); err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if cfg.Gatherer != nil {
			t.registry = cfg.Gatherer
		}
		t.metrics = NewMetrics(reg)
	}

	return t, nil
}

// NewNop returns telemetry that logs nowhere and records no metrics.
func NewNop() *Telemetry {
	return &Telemetry{
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("nop"),
		registry: prometheus.NewRegistry(),
	}
}

// initLogger initializes structured logging
func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch t.config.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service":     t.config.ServiceName,
		"version":     t.config.ServiceVersion,
		"environment": t.config.Environment,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	if t.config.LogFile == "" {
		return logger, nil
	}

	// Tee a JSON copy into a rotated file.
	rotator := &lumberjack.Logger{
		Filename:   t.config.LogFile,
		MaxSize:    t.config.LogMaxSizeMB,
		MaxBackups: t.config.LogMaxBackups,
		MaxAge:     t.config.LogMaxAgeDays,
		Compress:   true,
	}
	t.shutdownFns = append(t.shutdownFns, func(context.Context) error { return rotator.Close() })

	fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), config.Level)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

// initTracer initializes OpenTelemetry tracing
func (t *Telemetry) initTracer() error {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			attribute.String("environment", t.config.Environment),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	return nil
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics; nil when metrics are disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus metrics handler
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// StartSystemMetricsCollector samples runtime stats until ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil {
				err = e
			}
		}
		// Sync on stdout/stderr returns EINVAL on some platforms.
		if e := t.logger.Sync(); e != nil && !isStdSyncError(e) {
			err = e
		}
	})
	return err
}

func isStdSyncError(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Path == "/dev/stdout" || pe.Path == "/dev/stderr"
	}
	return false
}
