package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Node labels owned by the threat graph.
const (
	LabelIOC         = "IOC"
	LabelThreatActor = "ThreatActor"
	LabelCampaign    = "Campaign"
	LabelMalware     = "Malware"
	LabelTTP         = "TTP"
	LabelAsset       = "Asset"
)

// Relationship types between threat graph nodes.
const (
	RelExposedTo      = "EXPOSED_TO"
	RelObservedOn     = "OBSERVED_ON"
	RelUsedBy         = "USED_BY"
	RelInvolves       = "INVOLVES"
	RelAssociatedWith = "ASSOCIATED_WITH"
	RelBelongsTo      = "BELONGS_TO"
	RelControls       = "CONTROLS"
	RelDevelops       = "DEVELOPS"
	RelUses           = "USES"
	RelTargets        = "TARGETS"
)

// Labels lists every node label, in schema order.
var Labels = []string{LabelIOC, LabelThreatActor, LabelCampaign, LabelMalware, LabelTTP, LabelAsset}

// RelationshipTypes lists every relationship type, in schema order.
var RelationshipTypes = []string{
	RelExposedTo, RelObservedOn, RelUsedBy, RelInvolves, RelAssociatedWith,
	RelBelongsTo, RelControls, RelDevelops, RelUses, RelTargets,
}

// EnsureSchema creates an id uniqueness constraint per label. Constraint
// statements cannot take parameters; labels come from the fixed list above.
func EnsureSchema(ctx context.Context, exec Executor, logger *zap.Logger) error {
	for _, label := range Labels {
		stmt := fmt.Sprintf(
			"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			toSnake(label), label,
		)
		if _, err := exec.ExecuteWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensuring constraint on %s: %w", label, err)
		}
		logger.Debug("Constraint ensured", zap.String("label", label))
	}
	return nil
}

func toSnake(s string) string {
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 'A' && ch <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				out = append(out, '_')
			}
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}
