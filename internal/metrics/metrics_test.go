package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(CallsInitiated)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), m.Get(CallsInitiated))
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Add(SignalsSent, 2)
	snap := m.Snapshot()
	snap[SignalsSent] = 99
	assert.Equal(t, uint64(2), m.Get(SignalsSent))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(CallsFailed)
	assert.Zero(t, m.Get(CallsFailed))
	assert.Empty(t, m.Snapshot())
}
