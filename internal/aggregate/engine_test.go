package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

func santiago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	return loc
}

func sample(ts time.Time, v float64) measurement.Measurement {
	return measurement.Measurement{Timestamp: ts, StationID: "E1", Variable: measurement.PM10, Value: v}
}

func TestSummarizeZeroFillsEmptyHours(t *testing.T) {
	loc := santiago(t)
	now := time.Date(2025, 6, 1, 10, 30, 0, 0, loc)

	// Two hours with data: hour 8 mean 20, hour 10 mean 40.
	samples := []measurement.Measurement{
		sample(time.Date(2025, 6, 1, 8, 0, 0, 0, loc), 10),
		sample(time.Date(2025, 6, 1, 8, 30, 0, 0, loc), 30),
		sample(time.Date(2025, 6, 1, 10, 0, 0, 0, loc), 40),
	}

	s := Summarize(samples, now, loc)
	assert.InDelta(t, 60.0/24, s.AvgDay, 1e-9)
	assert.Equal(t, 3, s.SampleCount)
	require.NotNil(t, s.AvgLastHour)
	assert.Equal(t, 40.0, *s.AvgLastHour)
}

func TestSummarizeLaw(t *testing.T) {
	loc := santiago(t)
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, loc)

	// For any assignment of hourly means, avg_day == sum(means)/24.
	means := map[int]float64{0: 12.5, 3: 7, 11: 100, 17: 0.25, 23: 3}
	var samples []measurement.Measurement
	var want float64
	for h, m := range means {
		base := time.Date(2025, 6, 1, h, 0, 0, 0, loc)
		samples = append(samples, sample(base.Add(5*time.Minute), m-1), sample(base.Add(35*time.Minute), m+1))
		want += m
	}

	s := Summarize(samples, now, loc)
	assert.InDelta(t, want/24, s.AvgDay, 1e-9)
	assert.Equal(t, 2*len(means), s.SampleCount)
}

func TestSummarizeNoSamples(t *testing.T) {
	s := Summarize(nil, time.Now(), time.UTC)
	assert.Nil(t, s.AvgLastHour)
	assert.Equal(t, 0.0, s.AvgDay)
	assert.Equal(t, 0, s.SampleCount)
}

func TestSummarizeLastHourExcludesLowerBound(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	samples := []measurement.Measurement{
		sample(now.Add(-time.Hour), 100),
		sample(now.Add(-30*time.Minute), 10),
		sample(now, 20),
	}
	s := Summarize(samples, now, time.UTC)
	require.NotNil(t, s.AvgLastHour)
	assert.Equal(t, 15.0, *s.AvgLastHour)
}

func TestSummarizeIgnoresPreviousDay(t *testing.T) {
	loc := santiago(t)
	now := time.Date(2025, 6, 2, 0, 20, 0, 0, loc)
	samples := []measurement.Measurement{
		sample(time.Date(2025, 6, 1, 23, 50, 0, 0, loc), 48),
		sample(time.Date(2025, 6, 2, 0, 10, 0, 0, loc), 24),
	}

	s := Summarize(samples, now, loc)
	assert.Equal(t, 1, s.SampleCount)
	assert.InDelta(t, 1.0, s.AvgDay, 1e-9)
	require.NotNil(t, s.AvgLastHour)
	assert.Equal(t, 36.0, *s.AvgLastHour)
}

func TestEngineRunAppendsSnapshots(t *testing.T) {
	loc := santiago(t)
	ctx := context.Background()
	mem := store.NewMemoryStore(0)
	now := time.Date(2025, 6, 1, 10, 30, 0, 0, loc)

	_, err := mem.Save(ctx, []measurement.Measurement{
		sample(now.Add(-20*time.Minute), 30),
		{Timestamp: now.Add(-10 * time.Minute), StationID: "E5", Variable: measurement.PM10, Value: 99},
	})
	require.NoError(t, err)

	pairs := []measurement.StationVariable{{StationID: "E1", Variable: measurement.PM10}, {StationID: "E2", Variable: measurement.SO2}}
	e := NewEngine(mem, pairs, loc, 0)
	e.now = func() time.Time { return now }

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Written: 2}, res)

	latest, err := e.Latest(ctx, store.AverageFilter{StationID: "E1"})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 10, latest[0].HourCalculated)
	assert.InDelta(t, 30.0/24, latest[0].AvgDay, 1e-9)
	assert.Equal(t, 1, latest[0].SampleCount)
	assert.True(t, latest[0].Date.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, loc)))

	empty, err := e.Latest(ctx, store.AverageFilter{StationID: "E2"})
	require.NoError(t, err)
	require.Len(t, empty, 1)
	assert.Nil(t, empty[0].AvgLastHour)
	assert.Equal(t, 0.0, empty[0].AvgDay)

	// A second run appends; the newest row becomes current.
	e.now = func() time.Time { return now.Add(time.Hour) }
	_, err = e.Run(ctx)
	require.NoError(t, err)
	hist, err := e.History(ctx, store.AverageFilter{StationID: "E1", Variable: measurement.PM10})
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	latest, err = e.Latest(ctx, store.AverageFilter{StationID: "E1"})
	require.NoError(t, err)
	assert.Equal(t, 11, latest[0].HourCalculated)
}

type flakyStore struct {
	*store.MemoryStore
	failStation string
}

func (f *flakyStore) Range(ctx context.Context, flt store.Filter) ([]measurement.Measurement, error) {
	if len(flt.Stations) == 1 && flt.Stations[0] == f.failStation {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.Range(ctx, flt)
}

func TestEngineSkipsFailingPair(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(0), failStation: "E2"}
	pairs := []measurement.StationVariable{{StationID: "E1", Variable: measurement.PM10}, {StationID: "E2", Variable: measurement.SO2}}
	e := NewEngine(fs, pairs, time.UTC, 0)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Written: 1, Failed: 1}, res)

	fs.failStation = "E1"
	e.pairs = pairs[:1]
	_, err = e.Run(context.Background())
	assert.Error(t, err)
}

func TestArchiveRemovesOldSnapshots(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(0)
	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		_, err := mem.InsertDailyAverage(ctx, measurement.DailyAverage{
			StationID: "E1", Variable: measurement.PM10, CreatedAt: now.Add(-age),
		})
		require.NoError(t, err)
	}

	e := NewEngine(mem, nil, time.UTC, 0)
	e.now = func() time.Time { return now }
	removed, err := e.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestParsePairs(t *testing.T) {
	pairs, err := ParsePairs("")
	require.NoError(t, err)
	assert.Len(t, pairs, 21)
	assert.Equal(t, measurement.StationVariable{StationID: "E1", Variable: measurement.SO2}, pairs[0])

	pairs, err = ParsePairs(" E5:PM10, E6:SO2 ,E5:PM10")
	require.NoError(t, err)
	assert.Equal(t, []measurement.StationVariable{
		{StationID: "E5", Variable: "PM10"},
		{StationID: "E6", Variable: "SO2"},
	}, pairs)

	_, err = ParsePairs("E5")
	assert.Error(t, err)
}
