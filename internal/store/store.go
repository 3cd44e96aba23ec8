package store

import (
	"errors"
	"sort"
	"time"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

var (
	// ErrNotFound is returned when no rows match a lookup.
	ErrNotFound = errors.New("no data found")
)

// Filter selects measurements. Empty Variables or Stations match everything;
// a zero From or To leaves that side unbounded. Both bounds are inclusive.
type Filter struct {
	Variables []string
	Stations  []string
	From      time.Time
	To        time.Time
}

func (f Filter) matches(m measurement.Measurement) bool {
	if len(f.Variables) > 0 && !contains(f.Variables, m.Variable) {
		return false
	}
	if len(f.Stations) > 0 && !contains(f.Stations, m.StationID) {
		return false
	}
	if !f.From.IsZero() && m.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.Timestamp.After(f.To) {
		return false
	}
	return true
}

// AverageFilter selects daily average snapshots. Empty fields match everything.
type AverageFilter struct {
	StationID string
	Variable  string
	From      time.Time
	To        time.Time
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// uniqueBatch drops records that repeat a natural key inside the same batch,
// keeping the first occurrence.
func uniqueBatch(batch []measurement.Measurement) []measurement.Measurement {
	seen := make(map[measurement.Key]struct{}, len(batch))
	out := make([]measurement.Measurement, 0, len(batch))
	for _, m := range batch {
		k := m.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

func sortByTime(ms []measurement.Measurement) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Timestamp.Before(ms[j].Timestamp) })
}
