// Package streaming moves threat intelligence through Kafka: a producer
// that wraps items in an envelope and a consumer that merges them into the
// graph.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeSource is stamped on every published message.
const EnvelopeSource = "threat_intelligence_api"

// Message kinds carried in data.type on the threat intelligence topic.
const (
	KindIOC         = "ioc"
	KindThreatActor = "threat_actor"
	KindCampaign    = "campaign"
)

// Topics names the topics the bridge reads and writes.
type Topics struct {
	ThreatIntel string
	Correlation string
	DLQ         string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		ThreatIntel: "threat_intelligence",
		Correlation: "ioc_correlation",
		DLQ:         "threat_intelligence_dlq",
	}
}

// Envelope wraps a published item.
type Envelope struct {
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
}

func newEnvelope(data map[string]any, now time.Time) Envelope {
	return Envelope{
		Timestamp: now.UTC().Format(time.RFC3339),
		Source:    EnvelopeSource,
		Data:      data,
	}
}

// MessageKey is the partition key of an item: its id, or "unknown".
func MessageKey(data map[string]any) string {
	switch id := data["id"].(type) {
	case string:
		if id != "" {
			return id
		}
	case nil:
	default:
		return fmt.Sprint(id)
	}
	return "unknown"
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Data == nil {
		return Envelope{}, fmt.Errorf("decoding envelope: missing data")
	}
	return env, nil
}
