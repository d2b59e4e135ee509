package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringRoutes(t *testing.T) {
	rs := NewRouterState(1)
	rs.Routes[5] = Route{Dest: 5, NextHop: 2, Cost: 3, TTL: 20}
	rs.Routes[2] = Route{Dest: 2, NextHop: 2, Cost: 1, TTL: 19}
	assert.Equal(t, `2 via (nh: 2, cost: 1, ttl: 19)
5 via (nh: 2, cost: 3, ttl: 20)`, rs.StringRoutes())
}

func TestNodeIdIsValid(t *testing.T) {
	assert.False(t, NodeId(0).IsValid())
	assert.False(t, Broadcast.IsValid())
	assert.True(t, NodeId(1).IsValid())
	assert.True(t, NodeId(254).IsValid())
}
