// Package query compiles typed search requests into parameterised Cypher.
// Caller values only ever reach the database as named parameters.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/threatgraph/internal/apperr"
	"github.com/lvonguyen/threatgraph/internal/models"
)

// Filter is one predicate of a search.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Request is a search over one entity kind.
type Request struct {
	Entity  Entity
	Filters []Filter
	Limit   int
	Offset  int
}

// Statement is Cypher text plus its bound parameters.
type Statement struct {
	Text   string
	Params map[string]any
}

// Signature identifies a statement by its text and parameter values.
func (s Statement) Signature() string {
	h := sha256.New()
	h.Write([]byte(s.Text))
	h.Write([]byte{0})
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(s.Params)
	if err != nil {
		// NaN, infinities and other unencodable values.
		b = []byte(formatParams(s.Params))
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%#v;", k, params[k])
	}
	return sb.String()
}

// Search holds the paged statement and the count statement of one request.
// Both share the same MATCH and WHERE text.
type Search struct {
	Page  Statement
	Count Statement
}

type clause struct {
	class Class
	index int
	text  string
}

// Build compiles req. It fails with an invalid_filter error for unknown
// fields, unsupported operators, repeated fields and out-of-range paging.
func Build(req Request) (*Search, error) {
	schema, ok := schemas[req.Entity]
	if !ok {
		return nil, apperr.InvalidFilter("unknown entity %q", req.Entity)
	}
	if req.Limit < 1 || req.Limit > models.MaxLimit {
		return nil, apperr.InvalidFilter("limit must be between 1 and %d, got %d", models.MaxLimit, req.Limit)
	}
	if req.Offset < 0 {
		return nil, apperr.InvalidFilter("offset must be non-negative, got %d", req.Offset)
	}

	params := make(map[string]any, len(req.Filters)+2)
	clauses := make([]clause, 0, len(req.Filters))

	for _, f := range req.Filters {
		idx, fd := schema.lookup(f.Field)
		if fd == nil {
			return nil, apperr.InvalidFilter("unknown %s filter field %q", req.Entity, f.Field)
		}
		tmpl, ok := fd.ops[f.Op]
		if !ok {
			return nil, apperr.InvalidFilter("operator %q not supported on %s.%s", f.Op, req.Entity, f.Field)
		}
		if _, dup := params[fd.name]; dup {
			return nil, apperr.InvalidFilter("filter field %q given more than once", fd.name)
		}
		v, err := bindValue(fd.name, f.Op, f.Value)
		if err != nil {
			return nil, err
		}
		params[fd.name] = v
		clauses = append(clauses, clause{class: fd.class, index: idx, text: fmt.Sprintf(tmpl, "$"+fd.name)})
	}

	sort.Slice(clauses, func(i, j int) bool {
		if clauses[i].class != clauses[j].class {
			return clauses[i].class < clauses[j].class
		}
		return clauses[i].index < clauses[j].index
	})

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (n:%s)", schema.label)
	if len(clauses) > 0 {
		parts := make([]string, len(clauses))
		for i, c := range clauses {
			parts[i] = c.text
		}
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(parts, "\n  AND "))
	}
	match := b.String()

	countParams := make(map[string]any, len(params))
	for k, v := range params {
		countParams[k] = v
	}

	params["skip"] = int64(req.Offset)
	params["limit"] = int64(req.Limit)

	return &Search{
		Page: Statement{
			Text:   match + "\nRETURN n\nORDER BY " + schema.orderBy + ", n.id ASC\nSKIP $skip LIMIT $limit",
			Params: params,
		},
		Count: Statement{
			Text:   match + "\nRETURN count(n) AS total",
			Params: countParams,
		},
	}, nil
}

func bindValue(name string, op Op, v any) (any, error) {
	if v == nil {
		return nil, apperr.InvalidFilter("filter %q has no value", name)
	}
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case *time.Time:
		if val == nil {
			return nil, apperr.InvalidFilter("filter %q has no value", name)
		}
		return val.UTC().Format(time.RFC3339), nil
	case *float64:
		if val == nil {
			return nil, apperr.InvalidFilter("filter %q has no value", name)
		}
		return *val, nil
	}

	switch op {
	case OpIn:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice || rv.Len() == 0 {
			return nil, apperr.InvalidFilter("filter %q needs a non-empty list", name)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case OpContains:
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, apperr.InvalidFilter("filter %q needs a non-empty string", name)
		}
		return s, nil
	case OpGte, OpLte:
		switch v.(type) {
		case int, int64, float64, string:
			return v, nil
		}
		return nil, apperr.InvalidFilter("filter %q needs a number, string or time", name)
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		// Named string types such as models.IOCType.
		return rv.String(), nil
	}
	return v, nil
}
