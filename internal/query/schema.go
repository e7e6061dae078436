package query

import "github.com/lvonguyen/threatgraph/internal/graph"

// Entity selects the node kind a search runs over.
type Entity string

const (
	EntityIOC         Entity = "ioc"
	EntityThreatActor Entity = "threat_actor"
	EntityCampaign    Entity = "campaign"
)

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpContains Op = "contains"
	OpIn       Op = "in"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
)

// Class orders predicates inside the WHERE group.
type Class int

const (
	ClassIdentity Class = iota
	ClassRelationship
	ClassRange
	ClassFreeText
)

func (c Class) String() string {
	switch c {
	case ClassIdentity:
		return "identity"
	case ClassRelationship:
		return "relationship"
	case ClassRange:
		return "range"
	default:
		return "free_text"
	}
}

// field is one searchable attribute. Each predicate template receives the
// parameter reference (e.g. "$ioc_type") as its only verb.
type field struct {
	name  string
	class Class
	ops   map[Op]string
}

type entitySchema struct {
	label   string
	orderBy string
	fields  []field
}

func (s *entitySchema) lookup(name string) (int, *field) {
	for i := range s.fields {
		if s.fields[i].name == name {
			return i, &s.fields[i]
		}
	}
	return -1, nil
}

var schemas = map[Entity]*entitySchema{
	EntityIOC: {
		label:   graph.LabelIOC,
		orderBy: "n.confidence DESC",
		fields: []field{
			{name: "ioc_type", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.type = %s",
				OpIn: "n.type IN %s",
			}},
			{name: "source", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.source = %s",
			}},
			{name: "asset_id", class: ClassRelationship, ops: map[Op]string{
				OpEq: "EXISTS { MATCH (n)-[:EXPOSED_TO|OBSERVED_ON]-(:Asset {id: %s}) }",
			}},
			{name: "threat_actor", class: ClassRelationship, ops: map[Op]string{
				OpEq: "EXISTS { MATCH (n)-[:USED_BY]->(:ThreatActor {name: %s}) }",
			}},
			{name: "campaign", class: ClassRelationship, ops: map[Op]string{
				OpEq: "EXISTS { MATCH (n)-[:INVOLVES]-(:Campaign {name: %s}) }",
			}},
			{name: "confidence_min", class: ClassRange, ops: map[Op]string{
				OpGte: "n.confidence >= %s",
			}},
			{name: "confidence_max", class: ClassRange, ops: map[Op]string{
				OpLte: "n.confidence <= %s",
			}},
			{name: "value", class: ClassFreeText, ops: map[Op]string{
				OpContains: "n.value CONTAINS %s",
			}},
		},
	},
	EntityThreatActor: {
		label:   graph.LabelThreatActor,
		orderBy: "n.name ASC",
		fields: []field{
			{name: "country", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.country = %s",
			}},
			{name: "motivation", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.motivation = %s",
				OpIn: "n.motivation IN %s",
			}},
			{name: "status", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.status = %s",
				OpIn: "n.status IN %s",
			}},
			{name: "campaign", class: ClassRelationship, ops: map[Op]string{
				OpEq: "EXISTS { MATCH (n)-[:BELONGS_TO]->(:Campaign {name: %s}) }",
			}},
			{name: "name", class: ClassFreeText, ops: map[Op]string{
				OpContains: "(n.name CONTAINS %[1]s OR %[1]s IN n.aliases)",
			}},
		},
	},
	EntityCampaign: {
		label:   graph.LabelCampaign,
		orderBy: "n.start_date DESC",
		fields: []field{
			{name: "status", class: ClassIdentity, ops: map[Op]string{
				OpEq: "n.status = %s",
				OpIn: "n.status IN %s",
			}},
			{name: "target_industry", class: ClassIdentity, ops: map[Op]string{
				OpEq: "%s IN n.target_industries",
			}},
			{name: "threat_actor", class: ClassRelationship, ops: map[Op]string{
				OpEq: "EXISTS { MATCH (n)<-[:BELONGS_TO]-(:ThreatActor {name: %s}) }",
			}},
			{name: "start_date_from", class: ClassRange, ops: map[Op]string{
				OpGte: "n.start_date >= %s",
			}},
			{name: "start_date_to", class: ClassRange, ops: map[Op]string{
				OpLte: "n.start_date <= %s",
			}},
			{name: "name", class: ClassFreeText, ops: map[Op]string{
				OpContains: "n.name CONTAINS %s",
			}},
		},
	},
}

// Fields lists the searchable field names of an entity in declaration order.
func Fields(e Entity) []string {
	s, ok := schemas[e]
	if !ok {
		return nil
	}
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.name
	}
	return out
}
