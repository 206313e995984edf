package collector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverageDuration(t *testing.T) {
	assert.Equal(t, 0.0, AggregateRecord{}.AverageDuration())
	assert.InDelta(t, 0.25, AggregateRecord{CallCount: 4, TotalDurationSeconds: 1}.AverageDuration(), 1e-9)
}

func TestStoreRecord(t *testing.T) {
	s := NewStore(nil)
	s.Record("f", 0.5, false)
	s.Record("f", 1.5, true)
	s.Record("g", 2, false)

	assert.Equal(t, AggregateRecord{Identifier: "f", CallCount: 2, TotalDurationSeconds: 2, ErrorCount: 1}, s.Snapshot("f"))
	assert.Equal(t, AggregateRecord{Identifier: "missing"}, s.Snapshot("missing"))
	assert.Equal(t, []string{"f", "g"}, s.Identifiers())
	assert.Equal(t, 2, s.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(nil)
	s.Record("f", 1, false)
	snap := s.Snapshot("f")
	s.Record("f", 1, false)
	assert.EqualValues(t, 1, snap.CallCount)
	assert.EqualValues(t, 2, s.Snapshot("f").CallCount)
}

func TestStoreConcurrentRecord(t *testing.T) {
	s := NewStore(nil)
	const workers, n = 20, 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				s.Record("shared", 0.001, i%10 == 0)
				_ = s.Snapshot("shared")
			}
		}(w)
	}
	wg.Wait()

	rec := s.Snapshot("shared")
	assert.EqualValues(t, workers*n, rec.CallCount)
	assert.EqualValues(t, workers*n/10, rec.ErrorCount)
	assert.LessOrEqual(t, rec.ErrorCount, rec.CallCount)
	assert.InDelta(t, workers*n*0.001, rec.TotalDurationSeconds, 1e-6)
}
