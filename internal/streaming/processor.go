package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/models"
	"github.com/lvonguyen/threatgraph/internal/service"
)

// IOCWriter merges indicators and asset exposures.
type IOCWriter interface {
	Create(ctx context.Context, ioc *models.IOC) (*models.IOC, error)
	Correlate(ctx context.Context, iocID, assetID string) error
}

// ActorWriter merges threat actors.
type ActorWriter interface {
	Create(ctx context.Context, a *models.ThreatActor) (*models.ThreatActor, error)
}

// CampaignWriter merges campaigns.
type CampaignWriter interface {
	Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error)
}

// Outcome is what happened to a consumed message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDLQ       Outcome = "dlq"
	OutcomeFailed    Outcome = "failed"
)

// errPoison marks a message that can never be applied.
var errPoison = errors.New("unprocessable message")

// Processor applies decoded messages to the graph. Every write is an
// upsert, so redelivery is harmless.
type Processor struct {
	IOCs      IOCWriter
	Actors    ActorWriter
	Campaigns CampaignWriter
	Topics    Topics
	Logger    *zap.Logger
}

// Handle applies one message. Errors wrapping errPoison are not worth
// retrying; any other error is transient.
func (p *Processor) Handle(ctx context.Context, topic string, value []byte) (Outcome, error) {
	env, err := decodeEnvelope(value)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %w", errPoison, err)
	}
	ctx = service.WithOrigin(ctx, "stream")

	if topic == p.Topics.Correlation {
		return p.correlate(ctx, env.Data)
	}

	kind, _ := env.Data["type"].(string)
	var werr error
	switch kind {
	case KindIOC:
		werr = p.upsertIOC(ctx, env.Data)
	case KindThreatActor:
		var a models.ThreatActor
		if werr = decodeEntity(env.Data, &a); werr == nil {
			fillSource(&a.Source, env.Data)
			_, werr = p.Actors.Create(ctx, &a)
		}
	case KindCampaign:
		var c models.Campaign
		if werr = decodeEntity(env.Data, &c); werr == nil {
			fillSource(&c.Source, env.Data)
			_, werr = p.Campaigns.Create(ctx, &c)
		}
	default:
		p.Logger.Warn("Unknown message type", zap.String("type", kind), zap.String("id", MessageKey(env.Data)))
		return OutcomeSkipped, nil
	}
	if werr != nil {
		return OutcomeFailed, classifyWrite(werr)
	}

	p.Logger.Debug("Message applied", zap.String("type", kind), zap.String("id", MessageKey(env.Data)))
	return OutcomeProcessed, nil
}

func (p *Processor) correlate(ctx context.Context, data map[string]any) (Outcome, error) {
	iocID, _ := data["ioc_id"].(string)
	assetID, _ := data["asset_id"].(string)
	if iocID == "" || assetID == "" {
		p.Logger.Warn("Correlation message without ioc_id and asset_id", zap.String("id", MessageKey(data)))
		return OutcomeSkipped, nil
	}
	if err := p.IOCs.Correlate(ctx, iocID, assetID); err != nil {
		return OutcomeFailed, classifyWrite(err)
	}
	return OutcomeProcessed, nil
}

// upsertIOC reads the indicator type from ioc_type, since data.type holds
// the message kind.
func (p *Processor) upsertIOC(ctx context.Context, data map[string]any) error {
	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}
	iocType, ok := data["ioc_type"]
	if !ok {
		return apperr.Validation("ioc message %s has no ioc_type", MessageKey(data))
	}
	payload["type"] = iocType
	delete(payload, "ioc_type")

	var ioc models.IOC
	if err := decodeEntity(payload, &ioc); err != nil {
		return err
	}
	fillSource(&ioc.Source, data)
	_, err := p.IOCs.Create(ctx, &ioc)
	return err
}

func decodeEntity(data map[string]any, dst any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return apperr.Validation("re-encoding message data: %v", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return apperr.Validation("decoding message data: %v", err)
	}
	return nil
}

func fillSource(dst *string, data map[string]any) {
	if *dst != "" {
		return
	}
	if s, ok := data["ingestion_source"].(string); ok {
		*dst = s
	}
}

// classifyWrite separates store outages, which may succeed later, from
// messages the graph will always reject.
func classifyWrite(err error) error {
	if apperr.KindOf(err) == apperr.KindConnection {
		return err
	}
	return fmt.Errorf("%w: %w", errPoison, err)
}
