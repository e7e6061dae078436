// Package mapper converts between graph node properties and domain entities.
package mapper

import (
	"encoding/json"
	"time"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
)

// props wraps a node property map and records the first failure, so the
// entity mappers can read fields without checking after every access.
type props struct {
	entity string
	m      map[string]any
	err    error
}

func (p *props) fail(format string, args ...any) {
	if p.err == nil {
		p.err = apperr.Mapping(p.entity+": "+format, args...)
	}
}

func (p *props) requiredString(key string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		p.fail("missing required field %q", key)
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		p.fail("field %q must be a non-empty string", key)
	}
	return s
}

func (p *props) optionalString(key string) string {
	s, _ := p.m[key].(string)
	return s
}

func (p *props) confidence(key string, required bool) float64 {
	v, ok := p.m[key]
	if !ok || v == nil {
		if required {
			p.fail("missing required field %q", key)
		}
		return 0
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	default:
		p.fail("field %q must be numeric", key)
		return 0
	}
	if f < 0 || f > 1 {
		p.fail("%s %v outside [0,1]", key, f)
	}
	return f
}

func (p *props) strings(key string) []string {
	switch v := p.m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// timestamp accepts RFC3339 strings as written by the params builders, and
// native temporal values written by other tools.
func (p *props) timestamp(key string) *time.Time {
	switch v := p.m[key].(type) {
	case nil:
		return nil
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			p.fail("field %q is not an RFC3339 timestamp: %q", key, v)
			return nil
		}
		return &t
	default:
		p.fail("field %q has unsupported type %T", key, v)
		return nil
	}
}

// context decodes the JSON-encoded context property.
func (p *props) context(key string) map[string]any {
	switch v := p.m[key].(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case string:
		if v == "" {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			p.fail("field %q is not a JSON object", key)
			return nil
		}
		return out
	default:
		p.fail("field %q has unsupported type %T", key, v)
		return nil
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func encodeContext(ctx map[string]any) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, apperr.Validation("context is not JSON encodable: %v", err)
	}
	return string(b), nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// RelatedValues flattens a collected list of nullable related nodes (or
// maps) into the distinct values of key, keeping first-seen order.
func RelatedValues(list []any, key string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(list))
	for _, item := range list {
		var s string
		switch v := item.(type) {
		case nil:
			continue
		case map[string]any:
			s, _ = v[key].(string)
		case graph.Node:
			s, _ = v.Props[key].(string)
		case string:
			s = v
		}
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
