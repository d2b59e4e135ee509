package core

import (
	"testing"

	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/assert"
)

func TestSeqCompare(t *testing.T) {
	assert.True(t, SeqLt(1, 2))
	assert.False(t, SeqLt(2, 2))
	assert.True(t, SeqLe(2, 2))
	assert.True(t, SeqLt(65535, 0), "wraparound")
	assert.True(t, SeqLt(65000, 100), "wraparound")
	assert.True(t, SeqGt(100, 65000))
	assert.True(t, SeqGe(7, 7))
	assert.False(t, SeqGt(7, 7))
}

func TestAddCost(t *testing.T) {
	c, ok := AddCost(0)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), c)

	_, ok = AddCost(state.MaxCost)
	assert.False(t, ok)
}
