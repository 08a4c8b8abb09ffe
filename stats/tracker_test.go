package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotCounts(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	tr := NewTrackerWithClock(func() time.Time { return current })

	tr.SessionRegistered()
	tr.SessionRegistered()
	tr.SessionUnregistered()
	tr.SetUDPActive(true)
	for i := 0; i < 30; i++ {
		tr.MessageReceived()
	}

	current = current.Add(10 * time.Second)
	snap := tr.Snapshot()

	assert.Equal(t, int64(1), snap.ActiveTCPSessions)
	assert.True(t, snap.UDPActive)
	assert.Equal(t, int64(30), snap.MessagesReceived)
	assert.InDelta(t, 3.0, snap.MessagesPerSecond, 1e-9)
	assert.InDelta(t, 10.0, snap.UptimeSeconds, 1e-9)
}

func TestSnapshotRecomputedEachRead(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	tr := NewTrackerWithClock(func() time.Time { return current })

	tr.MessageReceived()
	current = current.Add(time.Second)
	first := tr.Snapshot()

	tr.MessageReceived()
	current = current.Add(time.Second)
	second := tr.Snapshot()

	assert.Equal(t, int64(1), first.MessagesReceived)
	assert.Equal(t, int64(2), second.MessagesReceived)
	assert.Greater(t, second.UptimeSeconds, first.UptimeSeconds)
}

func TestConcurrentUpdates(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.MessageReceived()
			}
			tr.SessionRegistered()
			tr.SessionUnregistered()
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, int64(10_000), snap.MessagesReceived)
	assert.Equal(t, int64(0), snap.ActiveTCPSessions)
}
