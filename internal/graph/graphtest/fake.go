// Package graphtest provides a scripted graph.Executor for service tests.
package graphtest

import (
	"context"
	"strings"
	"sync"

	"github.com/lvonguyen/threatgraph/internal/graph"
)

// Call is one recorded statement execution.
type Call struct {
	Statement string
	Params    map[string]any
	Write     bool
}

// Handler answers a matched statement.
type Handler func(params map[string]any) ([]graph.Row, error)

type rule struct {
	match   string
	handler Handler
}

// Executor matches statements by substring against registered rules, in
// registration order. Unmatched statements return no rows.
type Executor struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

func New() *Executor {
	return &Executor{}
}

// On answers statements containing match with rows.
func (e *Executor) On(match string, rows ...graph.Row) *Executor {
	return e.OnFunc(match, func(map[string]any) ([]graph.Row, error) { return rows, nil })
}

// Fail answers statements containing match with err.
func (e *Executor) Fail(match string, err error) *Executor {
	return e.OnFunc(match, func(map[string]any) ([]graph.Row, error) { return nil, err })
}

func (e *Executor) OnFunc(match string, h Handler) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{match: match, handler: h})
	return e
}

func (e *Executor) Execute(ctx context.Context, statement string, params map[string]any) ([]graph.Row, error) {
	return e.dispatch(ctx, statement, params, false)
}

func (e *Executor) ExecuteWrite(ctx context.Context, statement string, params map[string]any) ([]graph.Row, error) {
	return e.dispatch(ctx, statement, params, true)
}

func (e *Executor) dispatch(ctx context.Context, statement string, params map[string]any, write bool) ([]graph.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.calls = append(e.calls, Call{Statement: statement, Params: params, Write: write})
	var h Handler
	for _, r := range e.rules {
		if strings.Contains(statement, r.match) {
			h = r.handler
			break
		}
	}
	e.mu.Unlock()

	if h == nil {
		return nil, nil
	}
	return h(params)
}

// Calls returns a copy of every recorded call.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallsMatching returns the recorded calls whose statement contains match.
func (e *Executor) CallsMatching(match string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if strings.Contains(c.Statement, match) {
			out = append(out, c)
		}
	}
	return out
}
