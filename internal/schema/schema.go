// Package schema implements the table-schema and constraint model that a
// table plugin publishes and a query invocation is evaluated against:
// ColumnType/Options, ConstraintList, and QueryContext.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ColumnType is a table column's declared affinity.
type ColumnType int

const (
	TypeUnknown ColumnType = iota
	TypeText
	TypeInteger
	TypeBigInt
	TypeUnsignedBigInt
	TypeDouble
	TypeBlob
)

func (c ColumnType) String() string {
	switch c {
	case TypeText:
		return "TEXT"
	case TypeInteger:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeUnsignedBigInt:
		return "UNSIGNED_BIGINT"
	case TypeDouble:
		return "DOUBLE"
	case TypeBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// Options is a bit-flag set of column publication options.
type Options uint8

const (
	OptDefault Options = 1 << iota
	OptIndex
	OptAdditional
	OptHidden
	OptRequired
)

// ColumnDef is one published column: name, affinity, options, and any
// aliases a table wants to expose for backward compatibility.
type ColumnDef struct {
	Name    string
	Type    ColumnType
	Options Options
	Aliases []string
}

// Op is a constraint operator.
type Op int

const (
	OpEquals Op = iota
	OpGreaterThan
	OpLessThan
	OpGreaterThanOrEquals
	OpLessThanOrEquals
	OpLike
	OpGlob
	OpRegexMatch
	OpUnique
)

// Constraint is a single (op, expr) pair applied to one column.
type Constraint struct {
	Op   Op
	Expr string
}

// ConstraintList holds every constraint applied to one column in a query,
// along with the column's affinity for lexical-cast comparisons.
type ConstraintList struct {
	Affinity    ColumnType
	Constraints []Constraint
}

// Exists reports whether any constraint in the list uses one of ops.
func (c ConstraintList) Exists(ops ...Op) bool {
	set := make(map[Op]bool, len(ops))
	for _, o := range ops {
		set[o] = true
	}
	for _, cons := range c.Constraints {
		if set[cons.Op] {
			return true
		}
	}
	return false
}

// Matches reports whether expr satisfies the conjunction of every
// constraint in the list, under the column's declared affinity. An
// unparseable value (e.g. non-numeric text against a numeric affinity)
// implies non-match rather than an error, per spec.
func (c ConstraintList) Matches(expr string) bool {
	for _, cons := range c.Constraints {
		if !matchOne(c.Affinity, cons, expr) {
			return false
		}
	}
	return true
}

func matchOne(affinity ColumnType, cons Constraint, expr string) bool {
	switch cons.Op {
	case OpEquals:
		return compareCast(affinity, expr, cons.Expr) == 0
	case OpGreaterThan:
		return compareCast(affinity, expr, cons.Expr) > 0
	case OpLessThan:
		return compareCast(affinity, expr, cons.Expr) == -1
	case OpGreaterThanOrEquals:
		return compareCast(affinity, expr, cons.Expr) >= 0
	case OpLessThanOrEquals:
		c := compareCast(affinity, expr, cons.Expr)
		return c == -1 || c == 0
	case OpLike:
		return likeMatch(cons.Expr, expr)
	case OpGlob:
		return globMatch(cons.Expr, expr)
	case OpRegexMatch:
		re, err := regexp.Compile(cons.Expr)
		if err != nil {
			return false
		}
		return re.MatchString(expr)
	case OpUnique:
		return true
	default:
		return false
	}
}

// compareCast compares two strings under the column's affinity. Numeric
// affinities attempt a numeric parse of both sides; failure to parse
// yields a sentinel that never compares equal or ordered, i.e. non-match,
// matching the spec's "unparseable values imply non-match" rule. Returns
// a three-way comparator result (-1, 0, 1), with -2 used as a failure
// sentinel that matchOne treats as "never satisfies an ordering op".
func compareCast(affinity ColumnType, a, b string) int {
	switch affinity {
	case TypeInteger, TypeBigInt, TypeUnsignedBigInt:
		ai, aerr := strconv.ParseInt(a, 10, 64)
		bi, berr := strconv.ParseInt(b, 10, 64)
		if aerr != nil || berr != nil {
			return -2 // never satisfies ==, >, <, >=, <=
		}
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	case TypeDouble:
		ad, aerr := strconv.ParseFloat(a, 64)
		bd, berr := strconv.ParseFloat(b, 64)
		if aerr != nil || berr != nil {
			return -2
		}
		switch {
		case ad < bd:
			return -1
		case ad > bd:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(a, b)
	}
}

// likeMatch implements SQL LIKE semantics: % is any run of characters, _
// is any single character.
func likeMatch(pattern, s string) bool {
	re := "^" + regexp.QuoteMeta(pattern) + "$"
	re = strings.ReplaceAll(re, `%`, `.*`)
	re = strings.ReplaceAll(re, `_`, `.`)
	compiled, err := regexp.Compile(re)
	if err != nil {
		return false
	}
	return compiled.MatchString(s)
}

// globMatch implements shell-glob semantics: * is any run of characters,
// ? is any single character.
func globMatch(pattern, s string) bool {
	re := "^" + regexp.QuoteMeta(pattern) + "$"
	re = strings.ReplaceAll(re, `\*`, `.*`)
	re = strings.ReplaceAll(re, `\?`, `.`)
	compiled, err := regexp.Compile(re)
	if err != nil {
		return false
	}
	return compiled.MatchString(s)
}

// QueryContext carries, per table invocation: the constraint map, the set
// of columns the caller actually uses, and a transient key-value cache
// scoped to the lifetime of one table call.
type QueryContext struct {
	Constraints  map[string]ConstraintList
	UsedColumns  map[string]bool
	cacheMu      sync.Mutex
	cache        map[string]interface{}
}

// NewQueryContext builds an empty context ready for a table invocation.
func NewQueryContext() *QueryContext {
	return &QueryContext{
		Constraints: make(map[string]ConstraintList),
		UsedColumns: make(map[string]bool),
		cache:       make(map[string]interface{}),
	}
}

// IsColumnUsed reports whether the caller requested a given column; tables
// use this to skip populating expensive columns nobody asked for.
func (q *QueryContext) IsColumnUsed(name string) bool {
	return q.UsedColumns[name]
}

// CacheGet/CacheSet provide the transient, per-invocation key-value cache.
func (q *QueryContext) CacheGet(key string) (interface{}, bool) {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	v, ok := q.cache[key]
	return v, ok
}

func (q *QueryContext) CacheSet(key string, value interface{}) {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	q.cache[key] = value
}

// ExpandConstraints applies predicate to every literal-equality or LIKE/
// GLOB expression on a column and returns the expanded set of concrete
// values it matched from candidates, used by tables that need to turn a
// pattern constraint (e.g. a glob over paths) into a concrete working set.
func (q *QueryContext) ExpandConstraints(column string, ops []Op, candidates []string) ([]string, error) {
	cl, ok := q.Constraints[column]
	if !ok {
		return nil, fmt.Errorf("schema: no constraints on column %q", column)
	}
	if !cl.Exists(ops...) {
		return nil, fmt.Errorf("schema: column %q has no constraint of the requested ops", column)
	}
	var out []string
	for _, cand := range candidates {
		if cl.Matches(cand) {
			out = append(out, cand)
		}
	}
	return out, nil
}
