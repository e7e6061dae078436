package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Row maps a returned field name to its normalised value. Values are
// scalars, []any, map[string]any, Node, Relationship or Path.
type Row map[string]any

// Node is a graph node detached from the driver.
type Node struct {
	ElementID string
	Labels    []string
	Props     map[string]any
}

// Relationship is a graph relationship detached from the driver.
type Relationship struct {
	ElementID      string
	Type           string
	StartElementID string
	EndElementID   string
	Props          map[string]any
}

// Path is an alternating node/relationship sequence.
type Path struct {
	Nodes         []Node
	Relationships []Relationship
}

// Label returns the node's first label, or "Unknown".
func (n Node) Label() string {
	if len(n.Labels) == 0 {
		return "Unknown"
	}
	return n.Labels[0]
}

// ID returns the node's "id" property.
func (n Node) ID() string {
	s, _ := n.Props["id"].(string)
	return s
}

func recordToRow(keys []string, values []any) Row {
	row := make(Row, len(keys))
	for i, k := range keys {
		row[k] = normalize(values[i])
	}
	return row
}

func normalize(v any) any {
	switch val := v.(type) {
	case neo4j.Node:
		return Node{ElementID: val.ElementId, Labels: val.Labels, Props: normalizeMap(val.Props)}
	case neo4j.Relationship:
		return convertRelationship(val)
	case neo4j.Path:
		p := Path{
			Nodes:         make([]Node, 0, len(val.Nodes)),
			Relationships: make([]Relationship, 0, len(val.Relationships)),
		}
		for _, n := range val.Nodes {
			p.Nodes = append(p.Nodes, Node{ElementID: n.ElementId, Labels: n.Labels, Props: normalizeMap(n.Props)})
		}
		for _, r := range val.Relationships {
			p.Relationships = append(p.Relationships, convertRelationship(r))
		}
		return p
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		return normalizeMap(val)
	case neo4j.Date:
		return time.Time(val)
	case neo4j.LocalDateTime:
		return time.Time(val)
	default:
		return v
	}
}

func convertRelationship(r neo4j.Relationship) Relationship {
	return Relationship{
		ElementID:      r.ElementId,
		Type:           r.Type,
		StartElementID: r.StartElementId,
		EndElementID:   r.EndElementId,
		Props:          normalizeMap(r.Props),
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// Str returns the string field, or "".
func (r Row) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns the integer field, or 0. Neo4j integers arrive as int64.
func (r Row) Int(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Node returns the node field and whether it was present and non-null.
func (r Row) Node(key string) (Node, bool) {
	n, ok := r[key].(Node)
	return n, ok
}

// List returns the list field, or nil.
func (r Row) List(key string) []any {
	l, _ := r[key].([]any)
	return l
}
