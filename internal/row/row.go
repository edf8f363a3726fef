// Package row implements hostlens's dynamic result-row model: the text and
// typed row variants, ordered QueryData, the deduplicating QueryDataSet
// used for diffing, and DiffResults. Row and TypedRow are plain maps, so
// column insertion order is not kept (Row.Columns gives a sorted order);
// equality and set membership never depend on order.
package row

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Value is a typed-row cell: exactly one of the fields is meaningful,
// selected by Kind.
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindDouble
	KindString
)

type Value struct {
	Kind Kind
	I    int64
	D    float64
	S    string
}

func NullValue() Value             { return Value{Kind: KindNull} }
func IntValue(v int64) Value       { return Value{Kind: KindInt64, I: v} }
func DoubleValue(v float64) Value  { return Value{Kind: KindDouble, D: v} }
func StringValue(v string) Value   { return Value{Kind: KindString, S: v} }

// Text renders the value the way a text Row would hold it: every value,
// including numerics, as its decimal string form, and null as "".
func (v Value) Text() string {
	switch v.Kind {
	case KindInt64:
		return strconv.FormatInt(v.I, 10)
	case KindDouble:
		return strconv.FormatFloat(v.D, 'g', -1, 64)
	case KindString:
		return v.S
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt64:
		return json.Marshal(v.I)
	case KindDouble:
		return json.Marshal(v.D)
	case KindString:
		return json.Marshal(v.S)
	default:
		return json.Marshal(nil)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = NullValue()
	case string:
		*v = StringValue(t)
	case float64:
		if t == float64(int64(t)) {
			*v = IntValue(int64(t))
		} else {
			*v = DoubleValue(t)
		}
	default:
		return fmt.Errorf("row: unsupported JSON value %T", raw)
	}
	return nil
}

// Row is a text row: column name -> string value. This is the form used
// for on-disk persistence, diffing, and the wire format toward loggers,
// matching osquery's Row (std::map<std::string, std::string>).
type Row map[string]string

// Clone returns a shallow copy safe to mutate independently.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the row's column names, sorted, for deterministic
// iteration (serialization, full-row equality hashing).
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// TypedRow is the typed-variant form: column name -> typed Value. Table
// plugins that know their column affinities natively produce this form;
// it is converted to Row for persistence and diffing via Flatten.
type TypedRow map[string]Value

// Flatten converts a TypedRow to its text Row representation.
func (t TypedRow) Flatten() Row {
	out := make(Row, len(t))
	for k, v := range t {
		out[k] = v.Text()
	}
	return out
}

// QueryData is an ordered sequence of rows, exactly as returned by a
// scheduled query invocation.
type QueryData []Row

// key produces a stable, order-independent identity for a row: used for
// full-row equality over the union of columns, per spec (DiffResults).
func key(r Row) string {
	cols := r.Columns()
	b := make([]byte, 0, 64)
	for _, c := range cols {
		b = append(b, []byte(c)...)
		b = append(b, 0)
		b = append(b, []byte(r[c])...)
		b = append(b, 0)
	}
	return string(b)
}

// QueryDataSet is a deduplicating, order-insensitive projection of
// QueryData used for diffing: a set of rows under full-row equality.
type QueryDataSet struct {
	order []string
	rows  map[string]Row
}

// NewQueryDataSet builds a set from QueryData, deduplicating rows that are
// equal under the full-row-equality definition.
func NewQueryDataSet(qd QueryData) *QueryDataSet {
	s := &QueryDataSet{rows: make(map[string]Row, len(qd))}
	for _, r := range qd {
		k := key(r)
		if _, exists := s.rows[k]; !exists {
			s.order = append(s.order, k)
			s.rows[k] = r
		}
	}
	return s
}

// Len returns the number of distinct rows in the set.
func (s *QueryDataSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Contains reports whether a row (by full-row equality) is a member.
func (s *QueryDataSet) Contains(r Row) bool {
	if s == nil {
		return false
	}
	_, ok := s.rows[key(r)]
	return ok
}

// ToQueryData renders the set back to ordered QueryData, in insertion
// order (first-seen wins for duplicates).
func (s *QueryDataSet) ToQueryData() QueryData {
	if s == nil {
		return nil
	}
	qd := make(QueryData, 0, len(s.order))
	for _, k := range s.order {
		qd = append(qd, s.rows[k])
	}
	return qd
}

// DiffResults carries the added and removed rows computed between two
// result sets, per spec: added = cur \ prev, removed = prev \ cur, under
// full-row equality over the union of columns.
type DiffResults struct {
	Added   QueryData `json:"added"`
	Removed QueryData `json:"removed"`
}

// IsEmpty reports whether the diff carries no changes at all.
func (d DiffResults) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff computes DiffResults between a previous and current result set.
// Empty-vs-empty yields an empty DiffResults; a current set that removes
// every previous row yields removed=prev, added=nil, matching the spec's
// boundary behaviors.
func Diff(prev, cur *QueryDataSet) DiffResults {
	var out DiffResults
	if cur != nil {
		for _, k := range cur.order {
			r := cur.rows[k]
			if !prev.Contains(r) {
				out.Added = append(out.Added, r)
			}
		}
	}
	if prev != nil {
		for _, k := range prev.order {
			r := prev.rows[k]
			if !cur.Contains(r) {
				out.Removed = append(out.Removed, r)
			}
		}
	}
	return out
}

// SerializeRow renders a Row to its canonical JSON document form.
func SerializeRow(r Row) ([]byte, error) {
	return json.Marshal(map[string]string(r))
}

// DeserializeRow parses a Row back from its JSON document form. This is
// the inverse of SerializeRow and round-trips exactly for string-valued
// rows, per the spec's idempotence property.
func DeserializeRow(b []byte) (Row, error) {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return Row(m), nil
}

// SerializeQueryData renders QueryData (an ordered row sequence) to JSON,
// the form persisted under the queries/<name> backing-store key.
func SerializeQueryData(qd QueryData) ([]byte, error) {
	return json.Marshal(qd)
}

// DeserializeQueryData parses QueryData back from its JSON array form.
func DeserializeQueryData(b []byte) (QueryData, error) {
	var qd QueryData
	if err := json.Unmarshal(b, &qd); err != nil {
		return nil, err
	}
	return qd, nil
}
