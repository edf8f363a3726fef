package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOk(t *testing.T) {
	assert.True(t, OKStatus.Ok())
	assert.False(t, New(NotFound, "missing %s", "x").Ok())
}

func TestCatastrophic(t *testing.T) {
	s := New(Catastrophic, "database corrupt")
	assert.True(t, s.IsCatastrophic())
	assert.Equal(t, "catastrophic: database corrupt", s.Error())
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError(nil).Ok())
	s := FromError(assertErr{"boom"})
	assert.Equal(t, TransientIO, s.Code)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
