package cache

import (
	"context"
	"sort"
	"time"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// WindSample pairs wind speed and direction recorded by one station at one time.
// Either side is nil when the station reported only the other.
type WindSample struct {
	Timestamp time.Time `json:"timestamp"`
	StationID string    `json:"station_id"`
	Speed     *float64  `json:"speed"`
	Direction *float64  `json:"direction"`
}

// Wind returns paired VV/DV samples for the window, newest first.
func (s *Series) Wind(ctx context.Context, q Query) ([]WindSample, error) {
	q.Variables = []string{measurement.WindSpeed, measurement.WindDir}
	rows, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return pairWind(rows), nil
}

func pairWind(rows []measurement.Measurement) []WindSample {
	type key struct {
		ms      int64
		station string
	}
	byKey := make(map[key]*WindSample)
	for _, m := range rows {
		k := key{m.Timestamp.UnixMilli(), m.StationID}
		w, ok := byKey[k]
		if !ok {
			w = &WindSample{Timestamp: m.Timestamp, StationID: m.StationID}
			byKey[k] = w
		}
		v := m.Value
		switch m.Variable {
		case measurement.WindSpeed:
			w.Speed = &v
		case measurement.WindDir:
			w.Direction = &v
		}
	}

	out := make([]WindSample, 0, len(byKey))
	for _, w := range byKey {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].StationID < out[j].StationID
	})
	return out
}
