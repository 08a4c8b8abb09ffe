package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("pipeline", "running")
	status, ok := m.Get("pipeline")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "pipeline", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestAggregateAllHealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")
	m.UpdateHealthy("b", "ok")

	agg := m.AggregateHealth("gateway")
	assert.True(t, agg.Healthy)
	assert.Equal(t, "healthy", agg.Status)
	assert.Len(t, agg.SubStatuses, 2)
}

func TestAggregateDegradedDominatesHealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")
	m.UpdateDegraded("b", "publisher breaker open")

	agg := m.AggregateHealth("gateway")
	assert.False(t, agg.Healthy)
	assert.Equal(t, "degraded", agg.Status)
}

func TestAggregateUnhealthyDominatesAll(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")
	m.UpdateDegraded("b", "slow")
	m.UpdateUnhealthy("c", "listener dead")

	agg := m.AggregateHealth("gateway")
	assert.False(t, agg.Healthy)
	assert.Equal(t, "unhealthy", agg.Status)
}

func TestAggregateEmptyIsHealthy(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.AggregateHealth("gateway").Healthy)
}

func TestPredicateEvaluatedAtReadTime(t *testing.T) {
	m := NewMonitor()

	healthy := true
	m.Register("publisher", func() Status {
		if healthy {
			return NewHealthy("publisher", "broker reachable")
		}
		return NewDegraded("publisher", "fatal broker error")
	})

	assert.True(t, m.AggregateHealth("gateway").Healthy)

	healthy = false
	agg := m.AggregateHealth("gateway")
	assert.False(t, agg.Healthy)
	assert.Equal(t, "degraded", agg.Status)

	status, ok := m.Get("publisher")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
}

func TestRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("flaky", "bad")
	m.Remove("flaky")

	assert.True(t, m.AggregateHealth("gateway").Healthy)
	assert.Empty(t, m.ListComponents())
}
