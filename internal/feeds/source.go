// Package feeds pulls threat intelligence from external feeds and streams
// the items to Kafka.
package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/lvonguyen/threatgraph/internal/models"
)

// ErrNoAPIKey is returned when a feed's API key env var is empty.
var ErrNoAPIKey = errors.New("feed api key not configured")

// Item is one feed record as it will be streamed: a flat JSON object.
type Item map[string]any

// Source is an external feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]Item, error)
}

// Item kinds, matching the stream message types.
const (
	KindIOC         = "ioc"
	KindThreatActor = "threat_actor"
	KindCampaign    = "campaign"
	KindUnknown     = "unknown"
)

// ItemID derives a stable id for an indicator so that re-ingesting the same
// observable from the same feed updates one node.
func ItemID(source string, iocType models.IOCType, value string) string {
	data := strings.Join([]string{string(iocType), strings.ToLower(value), source}, "|")
	hash := sha256.Sum256([]byte(data))
	return source + "_" + hex.EncodeToString(hash[:16])
}

// DetermineItemType classifies a feed item by its shape.
func DetermineItemType(item Item) string {
	t, _ := item["type"].(string)
	switch t {
	case KindIOC, KindThreatActor, KindCampaign:
		return t
	}
	if models.IsIOCType(t) {
		return KindIOC
	}
	if nonEmpty(item["threat_actors"]) {
		return KindThreatActor
	}
	if nonEmpty(item["campaigns"]) {
		return KindCampaign
	}
	if nonEmpty(item["iocs"]) {
		// A named group of indicators is a report, which maps to a campaign.
		if name, _ := item["name"].(string); name != "" {
			return KindCampaign
		}
		return KindIOC
	}
	return KindUnknown
}

func nonEmpty(v any) bool {
	switch l := v.(type) {
	case []any:
		return len(l) > 0
	case []string:
		return len(l) > 0
	case []map[string]any:
		return len(l) > 0
	}
	return false
}

// categoryFromTags maps free-form feed tags onto an indicator category.
func categoryFromTags(tags []string) models.IOCCategory {
	joined := strings.ToLower(strings.Join(tags, " "))
	switch {
	case strings.Contains(joined, "c2") || strings.Contains(joined, "command and control"):
		return models.CategoryC2
	case strings.Contains(joined, "phishing"):
		return models.CategoryPhishing
	case strings.Contains(joined, "exfil"):
		return models.CategoryDataExfiltration
	case strings.Contains(joined, "lateral"):
		return models.CategoryLateralMovement
	case strings.Contains(joined, "malware") || strings.Contains(joined, "ransomware"):
		return models.CategoryMalware
	case strings.Contains(joined, "botnet") || strings.Contains(joined, "apt"):
		return models.CategoryAttackInfrastructure
	default:
		return models.CategorySuspicious
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
