package streaming

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/observability"
)

// fetcher is the part of a group-consuming *kgo.Client the consumer needs.
type fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Consumer reads the threat intelligence and correlation topics and
// applies each message through a Processor. Offsets are committed only
// once every record of a fetch was applied, skipped or written to the DLQ.
type Consumer struct {
	client      fetcher
	dlq         syncProducer
	closers     []func()
	processor   *Processor
	topics      Topics
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewConsumer joins cfg.GroupID on both inbound topics.
func NewConsumer(cfg Config, processor *Processor, logger *zap.Logger, metrics *observability.Metrics) (*Consumer, error) {
	topics := cfg.Topics
	if topics == (Topics{}) {
		topics = DefaultTopics()
	}

	client, err := kgo.NewClient(append(clientOpts(cfg),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics.ThreatIntel, topics.Correlation),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(10*time.Second),
	)...)
	if err != nil {
		return nil, apperr.Connection("creating kafka consumer", err)
	}

	dlq, err := kgo.NewClient(append(clientOpts(cfg),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)...)
	if err != nil {
		client.Close()
		return nil, apperr.Connection("creating kafka dlq producer", err)
	}

	cfg.Topics = topics
	c := newConsumer(client, dlq, processor, cfg, logger, metrics)
	c.closers = []func(){client.Close, dlq.Close}
	return c, nil
}

func newConsumer(client fetcher, dlq syncProducer, processor *Processor, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Consumer {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	topics := cfg.Topics
	if topics == (Topics{}) {
		topics = DefaultTopics()
	}
	processor.Topics = topics
	if processor.Logger == nil {
		processor.Logger = zap.NewNop()
	}
	return &Consumer{
		client:      client,
		dlq:         dlq,
		processor:   processor,
		topics:      topics,
		maxAttempts: attempts,
		backoff:     backoff,
		logger:      logger.With(zap.String("component", "kafka_consumer")),
		metrics:     metrics,
	}
}

// Run polls until ctx is cancelled. It returns an error only when a fetch
// cannot be settled, leaving its offsets uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting Kafka consumer",
		zap.String("threat_intel_topic", c.topics.ThreatIntel),
		zap.String("correlation_topic", c.topics.Correlation),
	)
	defer c.logger.Info("Kafka consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("Fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
		if len(records) == 0 {
			continue
		}

		if err := c.settle(ctx, records); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.client.CommitRecords(ctx, records...); err != nil {
			c.logger.Error("Failed to commit offsets", zap.Int("records", len(records)), zap.Error(err))
		}
	}
}

// Close releases the Kafka clients.
func (c *Consumer) Close() {
	for _, fn := range c.closers {
		fn()
	}
}

// settle applies every record, retrying transient failures and routing
// the rest to the DLQ.
func (c *Consumer) settle(ctx context.Context, records []*kgo.Record) error {
	var dead []*kgo.Record
	for _, r := range records {
		c.logger.Debug("Processing message",
			zap.String("topic", r.Topic),
			zap.String("key", string(r.Key)),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
		)

		outcome, err := c.apply(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Routing message to DLQ",
				zap.String("topic", r.Topic),
				zap.String("key", string(r.Key)),
				zap.Error(err),
			)
			dead = append(dead, c.dlqRecord(r, err))
			outcome = OutcomeDLQ
		}
		c.metrics.Consumed(r.Topic, string(outcome))
	}

	if len(dead) == 0 {
		return nil
	}
	if err := c.dlq.ProduceSync(ctx, dead...).FirstErr(); err != nil {
		return apperr.Connection("writing to dead-letter topic", err)
	}
	for range dead {
		c.metrics.Published(c.topics.DLQ, true)
	}
	return nil
}

func (c *Consumer) apply(ctx context.Context, r *kgo.Record) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		outcome, err = c.processor.Handle(ctx, r.Topic, r.Value)
		if err == nil || errors.Is(err, errPoison) {
			return outcome, err
		}
		c.logger.Warn("Transient failure applying message",
			zap.String("key", string(r.Key)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return OutcomeFailed, ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return outcome, err
}

func (c *Consumer) dlqRecord(r *kgo.Record, err error) *kgo.Record {
	return &kgo.Record{
		Topic: c.topics.DLQ,
		Key:   r.Key,
		Value: r.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(err.Error())},
			{Key: "error_kind", Value: []byte(apperr.KindOf(err))},
			{Key: "source_topic", Value: []byte(r.Topic)},
			{Key: "source_partition", Value: []byte(strconv.Itoa(int(r.Partition)))},
			{Key: "source_offset", Value: []byte(strconv.FormatInt(r.Offset, 10))},
		},
	}
}
