// Package sqlengine implements the minimal query engine scheduler.Engine
// needs to run a scheduled query end-to-end: parsing a restricted
// "SELECT cols FROM table [WHERE predicate [AND predicate]...]" grammar,
// invoking the named table plugin's "generate" action through the
// registry, and applying the WHERE predicates and column projection
// client-side with internal/schema's constraint evaluator.
//
// This is deliberately not a general-purpose SQL engine — no joins, no
// subqueries, no aggregation — the same carve-out osquery makes for
// anything beyond what its SQLite virtual-table layer needs from a table
// plugin's own generate() call. Constraint pushdown (telling the table
// plugin which WHERE clauses it could answer more cheaply itself) is also
// out of scope here: every generate() call fetches the plugin's entire
// row set and filtering happens afterward.
package sqlengine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/row"
	"github.com/hostlens/hostlens/internal/schema"
	"github.com/hostlens/hostlens/internal/status"
)

var selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:WHERE\s+(.+?))?\s*;?\s*$`)

var predicateRe = regexp.MustCompile(`(?i)^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(=|!=|<>|>=|<=|>|<|LIKE|GLOB)\s*(.+?)\s*$`)

var orRe = regexp.MustCompile(`(?i)\bOR\b`)

// parsedQuery is the cached shape of one accepted query string.
type parsedQuery struct {
	table      string
	columns    []string // nil/empty means "*"
	predicates map[string]*schema.ConstraintList
}

// Engine is a registry-backed scheduler.Engine implementation.
type Engine struct {
	reg *registry.Registry

	mu    sync.Mutex
	cache map[string]*parsedQuery
}

// New builds an Engine dispatching table generate() calls through reg.
func New(reg *registry.Registry) *Engine {
	return &Engine{reg: reg, cache: make(map[string]*parsedQuery)}
}

// Reset drops the parsed-query cache, per scheduler.Engine's --schedule_reload contract.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*parsedQuery)
}

// Execute parses query, fetches the named table's full row set, applies
// the WHERE predicates and column projection, and reports whether table
// is backed by an event subscriber (eligible for the scheduler's
// events_optimize no-diff shortcut).
func (e *Engine) Execute(ctx context.Context, query string) (row.QueryData, []string, bool, status.Status) {
	pq, err := e.parse(query)
	if err != nil {
		return nil, nil, false, status.New(status.Malformed, "sqlengine: %v", err)
	}

	resp, st := e.reg.Call(registry.KindTable, pq.table, registry.Request{"op": "generate"})
	if !st.Ok() {
		return nil, nil, false, st
	}

	data := make(row.QueryData, 0, len(resp))
	for _, r := range resp {
		if !matchesPredicates(r, pq.predicates) {
			continue
		}
		data = append(data, project(r, pq.columns))
	}

	columns := pq.columns
	if len(columns) == 0 {
		columns = unionColumns(resp)
	}

	eventBased := isEventSubscriberTable(e.reg, pq.table)

	return data, columns, eventBased, status.OKStatus
}

func isEventSubscriberTable(reg *registry.Registry, table string) bool {
	for _, name := range reg.Names(registry.KindEventSubscriber) {
		if name == table {
			return true
		}
	}
	return false
}

func (e *Engine) parse(query string) (*parsedQuery, error) {
	e.mu.Lock()
	if pq, ok := e.cache[query]; ok {
		e.mu.Unlock()
		return pq, nil
	}
	e.mu.Unlock()

	pq, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[query] = pq
	e.mu.Unlock()
	return pq, nil
}

func parseQuery(query string) (*parsedQuery, error) {
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("unsupported query shape: %q", query)
	}

	colsPart, table, wherePart := strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])

	var columns []string
	if colsPart != "*" {
		for _, c := range strings.Split(colsPart, ",") {
			columns = append(columns, strings.TrimSpace(c))
		}
	}

	predicates := make(map[string]*schema.ConstraintList)
	if wherePart != "" {
		if orRe.MatchString(wherePart) {
			return nil, fmt.Errorf("OR is not supported: %q", wherePart)
		}
		for _, clause := range splitAnd(wherePart) {
			col, op, expr, err := parsePredicate(clause)
			if err != nil {
				return nil, err
			}
			list, ok := predicates[col]
			if !ok {
				list = &schema.ConstraintList{Affinity: schema.TypeText}
				predicates[col] = list
			}
			list.Constraints = append(list.Constraints, schema.Constraint{Op: op, Expr: expr})
		}
	}

	return &parsedQuery{table: table, columns: columns, predicates: predicates}, nil
}

// splitAnd splits a WHERE clause on top-level " AND " boundaries. There is
// no OR support and no parenthesized grouping, per the grammar's carve-out.
func splitAnd(where string) []string {
	parts := regexp.MustCompile(`(?i)\s+AND\s+`).Split(where, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePredicate(clause string) (col string, op schema.Op, expr string, err error) {
	m := predicateRe.FindStringSubmatch(clause)
	if m == nil {
		return "", 0, "", fmt.Errorf("unsupported predicate: %q", clause)
	}
	col = m[1]
	op, err = parseOp(m[2])
	if err != nil {
		return "", 0, "", err
	}
	expr = unquote(m[3])
	return col, op, expr, nil
}

func parseOp(tok string) (schema.Op, error) {
	switch strings.ToUpper(tok) {
	case "=":
		return schema.OpEquals, nil
	case ">":
		return schema.OpGreaterThan, nil
	case "<":
		return schema.OpLessThan, nil
	case ">=":
		return schema.OpGreaterThanOrEquals, nil
	case "<=":
		return schema.OpLessThanOrEquals, nil
	case "LIKE":
		return schema.OpLike, nil
	case "GLOB":
		return schema.OpGlob, nil
	case "!=", "<>":
		return 0, fmt.Errorf("unsupported operator %q", tok)
	default:
		return 0, fmt.Errorf("unsupported operator %q", tok)
	}
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func matchesPredicates(r map[string]string, predicates map[string]*schema.ConstraintList) bool {
	for col, list := range predicates {
		if !list.Matches(r[col]) {
			return false
		}
	}
	return true
}

func project(r map[string]string, columns []string) row.Row {
	if len(columns) == 0 {
		return row.Row(r).Clone()
	}
	out := make(row.Row, len(columns))
	for _, c := range columns {
		out[c] = r[c]
	}
	return out
}

func unionColumns(resp registry.Response) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range resp {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}
