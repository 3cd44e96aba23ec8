package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// SeriesHistory holds a time-ordered list of measurements for one station/variable.
type SeriesHistory struct {
	Measurements []measurement.Measurement
}

// MemoryStore is a concurrency-safe in-memory implementation of the measurement store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: station:variable, value: history
	data map[string]*SeriesHistory
	keys map[measurement.Key]struct{}

	averages []measurement.DailyAverage
	nextID   int64

	// optional max age for measurements
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a new MemoryStore. If maxAge is <= 0, retention is unlimited.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]*SeriesHistory),
		keys:   make(map[measurement.Key]struct{}),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func seriesKey(station, variable string) string {
	return station + ":" + variable
}

// Save inserts measurements whose natural key is not already stored and
// returns the number of new rows.
func (s *MemoryStore) Save(_ context.Context, batch []measurement.Measurement) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	batch = uniqueBatch(batch)

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]*SeriesHistory)
	inserted := 0
	for _, m := range batch {
		k := m.Key()
		if _, exists := s.keys[k]; exists {
			continue
		}
		s.keys[k] = struct{}{}

		sk := seriesKey(m.StationID, m.Variable)
		history, ok := s.data[sk]
		if !ok {
			history = &SeriesHistory{}
			s.data[sk] = history
		}
		history.Measurements = append(history.Measurements, measurement.Measurement{
			Timestamp: k.Timestamp,
			StationID: m.StationID,
			Variable:  m.Variable,
			Value:     m.Value,
		})
		touched[sk] = history
		inserted++
	}

	for _, history := range touched {
		sortByTime(history.Measurements)
		s.enforceRetention(history)
	}
	return inserted, nil
}

// enforceRetention drops measurements older than maxAge. Dropped keys are
// forgotten, so a re-delivered expired record would be stored again.
func (s *MemoryStore) enforceRetention(history *SeriesHistory) {
	if s.maxAge <= 0 {
		return
	}
	cutoff := s.now().Add(-s.maxAge)
	i := 0
	for ; i < len(history.Measurements); i++ {
		if !history.Measurements[i].Timestamp.Before(cutoff) {
			break
		}
		delete(s.keys, history.Measurements[i].Key())
	}
	if i > 0 {
		history.Measurements = append([]measurement.Measurement(nil), history.Measurements[i:]...)
	}
}

// Range returns measurements matching f ordered by timestamp ascending.
func (s *MemoryStore) Range(_ context.Context, f Filter) ([]measurement.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []measurement.Measurement
	for _, history := range s.data {
		for _, m := range history.Measurements {
			if f.matches(m) {
				result = append(result, m)
			}
		}
	}
	sortByTime(result)
	return result, nil
}

// Count returns the number of stored measurements.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *MemoryStore) InsertDailyAverage(_ context.Context, avg measurement.DailyAverage) (measurement.DailyAverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	avg.ID = s.nextID
	if avg.CreatedAt.IsZero() {
		avg.CreatedAt = s.now().UTC()
	}
	s.averages = append(s.averages, avg)
	return avg, nil
}

// LatestDailyAverages returns the newest snapshot per station/variable.
func (s *MemoryStore) LatestDailyAverages(_ context.Context, f AverageFilter) ([]measurement.DailyAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]measurement.DailyAverage)
	for _, a := range s.averages {
		if !averageMatches(f, a) {
			continue
		}
		k := seriesKey(a.StationID, a.Variable)
		cur, ok := latest[k]
		if !ok || a.CreatedAt.After(cur.CreatedAt) || (a.CreatedAt.Equal(cur.CreatedAt) && a.ID > cur.ID) {
			latest[k] = a
		}
	}
	if len(latest) == 0 {
		return nil, ErrNotFound
	}

	out := make([]measurement.DailyAverage, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Variable < out[j].Variable
	})
	return out, nil
}

// DailyAverageHistory returns snapshots matching f ordered by creation time ascending.
func (s *MemoryStore) DailyAverageHistory(_ context.Context, f AverageFilter) ([]measurement.DailyAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []measurement.DailyAverage
	for _, a := range s.averages {
		if averageMatches(f, a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteDailyAveragesBefore removes snapshots created before cutoff.
func (s *MemoryStore) DeleteDailyAveragesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.averages[:0]
	var removed int64
	for _, a := range s.averages {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.averages = kept
	return removed, nil
}

func averageMatches(f AverageFilter, a measurement.DailyAverage) bool {
	if f.StationID != "" && a.StationID != f.StationID {
		return false
	}
	if f.Variable != "" && a.Variable != f.Variable {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Ping always succeeds; the memory store has no connection to lose.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
