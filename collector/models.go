package collector

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricSample is a single timed observation of an instrumented call.
// Samples are immutable once created and flow through the delivery queue
// to the batch writer.
type MetricSample struct {
	Identifier      string    // e.g. "example_function"
	DurationSeconds float64   // elapsed wall time of the call, monotonic
	Failed          bool      // the call returned an error or panicked
	ObservedAt      time.Time // when the call finished
}

// AggregateRecord holds the running statistics of one identifier.
type AggregateRecord struct {
	Identifier           string
	CallCount            uint64
	TotalDurationSeconds float64
	ErrorCount           uint64
}

// AverageDuration returns the mean call duration in seconds, or 0 when the
// identifier was never observed.
func (r AggregateRecord) AverageDuration() float64 {
	if r.CallCount == 0 {
		return 0
	}
	return r.TotalDurationSeconds / float64(r.CallCount)
}

// Store keeps one AggregateRecord per identifier. All access goes through a
// single mutex which is never held across I/O.
type Store struct {
	mu      sync.Mutex
	records map[string]*AggregateRecord
	log     *zap.Logger
}

// NewStore creates an empty store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		records: make(map[string]*AggregateRecord),
		log:     log,
	}
}

// Record applies one observation to the identifier's aggregate, creating it
// on first use.
func (s *Store) Record(identifier string, durationSeconds float64, failed bool) {
	s.mu.Lock()
	rec, ok := s.records[identifier]
	if !ok {
		rec = &AggregateRecord{Identifier: identifier}
		s.records[identifier] = rec
	}
	rec.CallCount++
	rec.TotalDurationSeconds += durationSeconds
	if failed {
		rec.ErrorCount++
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("created aggregate", zap.String("identifier", identifier))
	}
}

// Snapshot returns a copy of the identifier's aggregate. Unknown identifiers
// yield a zero record carrying the identifier.
func (s *Store) Snapshot(identifier string) AggregateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[identifier]; ok {
		return *rec
	}
	return AggregateRecord{Identifier: identifier}
}

// Identifiers lists every identifier observed so far, sorted.
func (s *Store) Identifiers() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of distinct identifiers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
