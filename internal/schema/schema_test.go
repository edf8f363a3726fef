package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstraintListMatches(t *testing.T) {
	cl := ConstraintList{
		Affinity: TypeInteger,
		Constraints: []Constraint{
			{Op: OpGreaterThan, Expr: "10"},
			{Op: OpLessThanOrEquals, Expr: "20"},
		},
	}
	assert.True(t, cl.Matches("15"))
	assert.False(t, cl.Matches("25"))
	assert.False(t, cl.Matches("not-a-number"))
}

func TestConstraintListExists(t *testing.T) {
	cl := ConstraintList{Constraints: []Constraint{{Op: OpEquals, Expr: "x"}}}
	assert.True(t, cl.Exists(OpEquals, OpLike))
	assert.False(t, cl.Exists(OpGlob))
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("/etc/*", "/etc/passwd"))
	assert.False(t, globMatch("/etc/*", "/home/passwd"))
}

func TestLikeMatch(t *testing.T) {
	assert.True(t, likeMatch("a%c", "abc"))
	assert.True(t, likeMatch("a_c", "abc"))
	assert.False(t, likeMatch("a_c", "abbc"))
}

func TestQueryContextUsedColumns(t *testing.T) {
	qc := NewQueryContext()
	qc.UsedColumns["pid"] = true
	assert.True(t, qc.IsColumnUsed("pid"))
	assert.False(t, qc.IsColumnUsed("name"))
}

func TestQueryContextCache(t *testing.T) {
	qc := NewQueryContext()
	qc.CacheSet("k", 42)
	v, ok := qc.CacheGet("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestExpandConstraints(t *testing.T) {
	qc := NewQueryContext()
	qc.Constraints["path"] = ConstraintList{
		Affinity:    TypeText,
		Constraints: []Constraint{{Op: OpGlob, Expr: "/etc/*"}},
	}
	got, err := qc.ExpandConstraints("path", []Op{OpGlob}, []string{"/etc/passwd", "/home/x"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"/etc/passwd"}, got)
}
