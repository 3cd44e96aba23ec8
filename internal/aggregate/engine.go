package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

// DefaultRetention is how long daily average snapshots are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Store is the persistence the engine reads samples from and writes snapshots to.
type Store interface {
	Range(ctx context.Context, f store.Filter) ([]measurement.Measurement, error)
	InsertDailyAverage(ctx context.Context, avg measurement.DailyAverage) (measurement.DailyAverage, error)
	LatestDailyAverages(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error)
	DailyAverageHistory(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error)
	DeleteDailyAveragesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunResult reports one aggregation pass.
type RunResult struct {
	Written int
	Failed  int
}

// Engine appends daily average snapshots for a fixed set of station/variable pairs.
type Engine struct {
	store     Store
	pairs     []measurement.StationVariable
	loc       *time.Location
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. A nil loc means UTC; retention <= 0 uses DefaultRetention.
func NewEngine(s Store, pairs []measurement.StationVariable, loc *time.Location, retention time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Engine{
		store:     s,
		pairs:     pairs,
		loc:       loc,
		retention: retention,
		log:       logging.With("aggregate"),
		now:       time.Now,
	}
}

// Pairs returns the configured station/variable pairs.
func (e *Engine) Pairs() []measurement.StationVariable { return e.pairs }

// Run computes and appends one snapshot per pair. A failing pair is logged
// and skipped; Run only returns an error when every pair failed.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	now := e.now().In(e.loc)
	var res RunResult
	var lastErr error

	for _, p := range e.pairs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.runPair(ctx, p, now); err != nil {
			res.Failed++
			lastErr = err
			metrics.AggregationErrors.Inc()
			e.log.Error().Err(err).Str("pair", p.String()).Msg("aggregation failed")
			continue
		}
		res.Written++
	}

	e.log.Info().Int("written", res.Written).Int("failed", res.Failed).Int("hour", now.Hour()).Msg("aggregation run finished")
	if res.Written == 0 && res.Failed > 0 {
		return res, fmt.Errorf("aggregation: all %d pairs failed: %w", res.Failed, lastErr)
	}
	return res, nil
}

func (e *Engine) runPair(ctx context.Context, p measurement.StationVariable, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
	from := dayStart
	if hourAgo := now.Add(-time.Hour); hourAgo.Before(from) {
		from = hourAgo
	}

	samples, err := e.store.Range(ctx, store.Filter{
		Variables: []string{p.Variable},
		Stations:  []string{p.StationID},
		From:      from,
		To:        now,
	})
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}

	sum := Summarize(samples, now, e.loc)
	_, err = e.store.InsertDailyAverage(ctx, measurement.DailyAverage{
		StationID:      p.StationID,
		Variable:       p.Variable,
		Date:           dayStart,
		HourCalculated: now.Hour(),
		AvgLastHour:    sum.AvgLastHour,
		AvgDay:         sum.AvgDay,
		SampleCount:    sum.SampleCount,
		CreatedAt:      now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Archive deletes snapshots older than the retention period.
func (e *Engine) Archive(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.retention)
	removed, err := e.store.DeleteDailyAveragesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive daily averages: %w", err)
	}
	e.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("daily averages archived")
	return removed, nil
}

// Latest returns the current snapshot per station/variable matching f.
func (e *Engine) Latest(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error) {
	return e.store.LatestDailyAverages(ctx, f)
}

// History returns every snapshot matching f, oldest first.
func (e *Engine) History(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error) {
	return e.store.DailyAverageHistory(ctx, f)
}
