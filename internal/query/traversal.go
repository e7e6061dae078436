package query

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/graph"
)

// Traversal depth bounds.
const (
	MinDepth     = 1
	MaxDepth     = 5
	DefaultDepth = 2
)

// Relationships returns every path of 1..depth hops leaving the IOC, shortest
// first. Variable-length bounds cannot be parameters, so the validated depth
// is written into the pattern.
func Relationships(iocID string, depth int) (Statement, error) {
	if depth < MinDepth || depth > MaxDepth {
		return Statement{}, apperr.InvalidFilter("depth must be between %d and %d, got %d", MinDepth, MaxDepth, depth)
	}
	if strings.TrimSpace(iocID) == "" {
		return Statement{}, apperr.InvalidFilter("ioc id is required")
	}
	text := fmt.Sprintf(`MATCH path = (ioc:IOC {id: $ioc_id})-[*1..%d]-(connected)
WHERE connected <> ioc
RETURN ioc AS source, connected AS target,
       [r IN relationships(path) | type(r)] AS relationship_types,
       length(path) AS path_length
ORDER BY path_length ASC, target.id ASC`, depth)

	return Statement{Text: text, Params: map[string]any{"ioc_id": iocID}}, nil
}

// ExportStatements holds the node and relationship statements of a snapshot.
type ExportStatements struct {
	Nodes         Statement
	Relationships Statement
}

// Export builds snapshot statements restricted to the given node labels and
// relationship types; empty lists mean everything. Both lists are checked
// against the graph schema and bound as parameters.
func Export(labels, relTypes []string) (ExportStatements, error) {
	if err := checkAllowed("node kind", labels, graph.Labels); err != nil {
		return ExportStatements{}, err
	}
	if err := checkAllowed("relationship kind", relTypes, graph.RelationshipTypes); err != nil {
		return ExportStatements{}, err
	}

	out := ExportStatements{
		Nodes:         Statement{Text: "MATCH (n)\nRETURN n\nORDER BY n.id", Params: map[string]any{}},
		Relationships: Statement{Text: "MATCH (a)-[r]->(b)\nRETURN a.id AS source, b.id AS target, r\nORDER BY source, target", Params: map[string]any{}},
	}
	if len(labels) > 0 {
		out.Nodes = Statement{
			Text:   "MATCH (n)\nWHERE any(l IN labels(n) WHERE l IN $labels)\nRETURN n\nORDER BY n.id",
			Params: map[string]any{"labels": toAny(labels)},
		}
	}
	if len(relTypes) > 0 {
		out.Relationships = Statement{
			Text:   "MATCH (a)-[r]->(b)\nWHERE type(r) IN $rel_types\nRETURN a.id AS source, b.id AS target, r\nORDER BY source, target",
			Params: map[string]any{"rel_types": toAny(relTypes)},
		}
	}
	return out, nil
}

func checkAllowed(what string, values, allowed []string) error {
	for _, v := range values {
		ok := false
		for _, a := range allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return apperr.InvalidFilter("unknown %s %q", what, v)
		}
	}
	return nil
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
