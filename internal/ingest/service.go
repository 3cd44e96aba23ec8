package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/cursor"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
)

// ErrUnknownSource is returned when no adapter is registered under a name.
var ErrUnknownSource = errors.New("unknown source")

// Adapter abstracts a telemetry provider. Fetch returns the samples recorded in
// w; an empty batch with a nil error means there is nothing new.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error)
}

// GuardedAdapter is an Adapter that makes several upstream calls per fetch and
// guards each of them with b, so CallTimeout bounds one request rather than
// the whole fetch. It returns an error wrapping breaker.ErrRejected once the
// circuit opens.
type GuardedAdapter interface {
	Adapter
	FetchGuarded(ctx context.Context, b *breaker.Breaker, w measurement.Window) ([]measurement.Measurement, error)
}

// Saver persists a batch and reports how many rows were new.
type Saver interface {
	Save(ctx context.Context, batch []measurement.Measurement) (int, error)
}

// Result describes one adapter run.
type Result struct {
	Source   string             `json:"source"`
	Window   measurement.Window `json:"window"`
	Fetched  int                `json:"fetched"`
	Dropped  int                `json:"dropped"`
	Inserted int                `json:"inserted"`
	// Cursor is the sync cursor after the run.
	Cursor time.Time `json:"cursor"`
}

type member struct {
	adapter Adapter
	breaker *breaker.Breaker
}

// Service runs ingestion cycles: read cursor, fetch through the breaker,
// drop malformed records, save, advance cursor.
type Service struct {
	cursor cursor.Store
	store  Saver
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	groups map[string][]member
}

// NewService creates a new Service.
func NewService(cur cursor.Store, s Saver) *Service {
	return &Service{
		cursor: cur,
		store:  s,
		log:    logging.With("ingest"),
		now:    time.Now,
		groups: make(map[string][]member),
	}
}

// Register adds an adapter under group. A group with several adapters runs
// them in turn, each with its own breaker and cursor.
func (s *Service) Register(group string, a Adapter, b *breaker.Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = append(s.groups[group], member{adapter: a, breaker: b})
}

// Sources lists registered groups in name order.
func (s *Service) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for name := range s.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) members(group string) ([]member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, group)
	}
	return m, nil
}

// RunSource runs one incremental cycle for every adapter in group. Adapters
// that fail leave their cursor untouched; the joined error is returned after
// all adapters ran.
func (s *Service) RunSource(ctx context.Context, group string) ([]Result, error) {
	members, err := s.members(group)
	if err != nil {
		return nil, err
	}

	var (
		results []Result
		errs    []error
	)
	for _, m := range members {
		res, err := s.runIncremental(ctx, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *Service) runIncremental(ctx context.Context, m member) (Result, error) {
	name := m.adapter.Name()
	since, err := s.cursor.Get(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("%s: read cursor: %w", name, err)
	}

	w := measurement.Window{Start: since, End: s.now()}
	res, batch, err := s.fetchAndSave(ctx, m, w)
	if err != nil {
		return res, err
	}
	res.Cursor = since

	if maxTS, ok := measurement.MaxTimestamp(batch); ok {
		if err := s.cursor.Set(ctx, name, maxTS); err != nil {
			return res, fmt.Errorf("%s: advance cursor: %w", name, err)
		}
		if maxTS.After(since) {
			res.Cursor = maxTS
		}
	}

	s.log.Info().
		Str("source", name).
		Int("fetched", res.Fetched).
		Int("dropped", res.Dropped).
		Int("inserted", res.Inserted).
		Time("cursor", res.Cursor).
		Msg("ingestion cycle finished")
	return res, nil
}

// Backfill fetches an explicit window for every adapter in group without
// moving cursors. Saves are idempotent, so overlapping windows are harmless.
func (s *Service) Backfill(ctx context.Context, group string, w measurement.Window) ([]Result, error) {
	if !w.End.After(w.Start) {
		return nil, fmt.Errorf("backfill %s: empty window", group)
	}
	members, err := s.members(group)
	if err != nil {
		return nil, err
	}

	var (
		results []Result
		errs    []error
	)
	for _, m := range members {
		res, _, err := s.fetchAndSave(ctx, m, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info().Str("source", m.adapter.Name()).Int("inserted", res.Inserted).
			Time("from", w.Start).Time("to", w.End).Msg("backfill finished")
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *Service) fetchAndSave(ctx context.Context, m member, w measurement.Window) (Result, []measurement.Measurement, error) {
	name := m.adapter.Name()
	res := Result{Source: name, Window: w}

	var (
		batch []measurement.Measurement
		err   error
	)
	if ga, ok := m.adapter.(GuardedAdapter); ok {
		batch, err = ga.FetchGuarded(ctx, m.breaker, w)
		batch, err = breaker.Fallback(m.breaker, batch, err)
	} else {
		batch, err = breaker.Execute(ctx, m.breaker, func(ctx context.Context) ([]measurement.Measurement, error) {
			return m.adapter.Fetch(ctx, w)
		})
	}
	if err != nil {
		return res, nil, fmt.Errorf("%s: fetch: %w", name, err)
	}
	res.Fetched = len(batch)
	metrics.MeasurementsFetched.WithLabelValues(name).Add(float64(len(batch)))

	valid := Sanitize(batch, func(rec measurement.Measurement, err error) {
		s.log.Warn().Err(err).Str("source", name).Str("station", rec.StationID).
			Str("variable", rec.Variable).Msg("dropping malformed measurement")
	})
	res.Dropped = len(batch) - len(valid)
	if res.Dropped > 0 {
		metrics.RecordsDropped.WithLabelValues(name).Add(float64(res.Dropped))
	}
	if len(valid) == 0 {
		return res, nil, nil
	}

	inserted, err := s.store.Save(ctx, valid)
	if err != nil {
		return res, nil, fmt.Errorf("%s: save: %w", name, err)
	}
	res.Inserted = inserted
	metrics.MeasurementsInserted.WithLabelValues(name).Add(float64(inserted))
	return res, valid, nil
}

// Sanitize returns the measurements that carry a full natural key and a
// finite value. onDrop, when set, is called for each rejected record.
func Sanitize(batch []measurement.Measurement, onDrop func(measurement.Measurement, error)) []measurement.Measurement {
	out := make([]measurement.Measurement, 0, len(batch))
	for _, m := range batch {
		err := m.Validate()
		if err == nil && (math.IsNaN(m.Value) || math.IsInf(m.Value, 0)) {
			err = fmt.Errorf("%w: non-finite value", measurement.ErrInvalidMeasurement)
		}
		if err != nil {
			if onDrop != nil {
				onDrop(m, err)
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
