package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// Config configures the Kafka clients.
type Config struct {
	Brokers        []string
	ClientID       string
	GroupID        string
	Topics         Topics
	ProduceTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// syncProducer is the part of *kgo.Client the producer needs.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// BatchResult counts the outcome of a batch publish.
type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Producer publishes enveloped items. It is safe for concurrent use.
type Producer struct {
	client  syncProducer
	closer  func()
	topics  Topics
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewProducer creates a producer that waits for all in-sync replicas.
func NewProducer(cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*Producer, error) {
	client, err := kgo.NewClient(append(clientOpts(cfg),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(3),
		kgo.RetryBackoffFn(func(int) time.Duration { return 100 * time.Millisecond }),
		kgo.ProduceRequestTimeout(30*time.Second),
	)...)
	if err != nil {
		return nil, apperr.Connection("creating kafka producer", err)
	}
	p := newProducer(client, cfg, logger, metrics)
	p.closer = client.Close
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Brokers))
	return p, nil
}

func newProducer(client syncProducer, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Producer {
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	topics := cfg.Topics
	if topics == (Topics{}) {
		topics = DefaultTopics()
	}
	return &Producer{
		client:  client,
		topics:  topics,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "kafka_producer")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Publish sends one item to the threat intelligence topic.
func (p *Producer) Publish(ctx context.Context, data map[string]any) error {
	return p.PublishTo(ctx, p.topics.ThreatIntel, data)
}

// PublishCorrelation sends an ioc_id/asset_id pair to the correlation topic.
func (p *Producer) PublishCorrelation(ctx context.Context, data map[string]any) error {
	return p.PublishTo(ctx, p.topics.Correlation, data)
}

// PublishTo sends one item to topic and waits for the acknowledgement.
func (p *Producer) PublishTo(ctx context.Context, topic string, data map[string]any) error {
	rec, err := p.record(topic, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := p.client.ProduceSync(ctx, rec)
	if err := res.FirstErr(); err != nil {
		p.metrics.Published(topic, false)
		p.logger.Error("Failed to publish message", zap.String("topic", topic), zap.String("key", string(rec.Key)), zap.Error(err))
		return apperr.Connection("publishing to "+topic, err)
	}
	p.metrics.Published(topic, true)

	r := res[0].Record
	p.logger.Debug("Message published",
		zap.String("topic", topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset),
	)
	return nil
}

// PublishBatch sends items to the threat intelligence topic in one produce
// call and counts the per-item outcome. Items that cannot be encoded count
// as failed.
func (p *Producer) PublishBatch(ctx context.Context, items []map[string]any) BatchResult {
	var result BatchResult
	topic := p.topics.ThreatIntel

	records := make([]*kgo.Record, 0, len(items))
	for _, item := range items {
		rec, err := p.record(topic, item)
		if err != nil {
			result.Failed++
			p.metrics.Published(topic, false)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, r := range p.client.ProduceSync(ctx, records...) {
		if r.Err != nil {
			result.Failed++
			p.metrics.Published(topic, false)
			p.logger.Warn("Batch item not published", zap.String("key", string(r.Record.Key)), zap.Error(r.Err))
			continue
		}
		result.Success++
		p.metrics.Published(topic, true)
	}

	p.logger.Info("Batch published", zap.Int("success", result.Success), zap.Int("failed", result.Failed))
	return result
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p.closer != nil {
		p.closer()
	}
}

func (p *Producer) record(topic string, data map[string]any) (*kgo.Record, error) {
	value, err := json.Marshal(newEnvelope(data, p.now()))
	if err != nil {
		return nil, apperr.Validation("encoding message: %v", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(MessageKey(data)),
		Value: value,
	}, nil
}

func clientOpts(cfg Config) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	return opts
}
