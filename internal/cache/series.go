package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

const keyPrefix = "measurements:"

// ErrNoVariables is returned when a query names no variable.
var ErrNoVariables = errors.New("at least one variable is required")

// Reader is the store read used to fill the cache.
type Reader interface {
	Range(ctx context.Context, f store.Filter) ([]measurement.Measurement, error)
}

// Options configures a Series cache. Zero values fall back to defaults.
type Options struct {
	// TTL is the expiry set on each per-variable sorted set after a refresh.
	TTL time.Duration
	// Staleness is how long a refresh stays valid before the store is re-read.
	Staleness time.Duration
	// Lookback is the window kept in the cache.
	Lookback time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Staleness <= 0 {
		o.Staleness = time.Minute
	}
	if o.Lookback <= 0 {
		o.Lookback = 72 * time.Hour
	}
	return o
}

// Query selects cached measurements. Zero From/To default to the lookback
// window ending now.
type Query struct {
	Variables []string
	Stations  []string
	From      time.Time
	To        time.Time
}

// Series is a read-through cache of recent measurements, one Redis sorted set
// per variable scored by timestamp in milliseconds.
type Series struct {
	client redis.UniversalClient
	store  Reader
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a Series. A nil client disables caching and every query reads r.
func New(client redis.UniversalClient, r Reader, opts Options) *Series {
	return &Series{
		client: client,
		store:  r,
		opts:   opts.withDefaults(),
		log:    logging.With("cache"),
		now:    time.Now,
	}
}

func seriesKey(variable string) string { return keyPrefix + variable }
func markerKey(variable string) string { return keyPrefix + variable + ":refreshed" }

// Query returns measurements for q sorted newest first. Cache failures fall
// back to reading the store directly.
func (s *Series) Query(ctx context.Context, q Query) ([]measurement.Measurement, error) {
	if len(q.Variables) == 0 {
		return nil, ErrNoVariables
	}
	now := s.now()
	cutoff := now.Add(-s.opts.Lookback)
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = cutoff
	}

	var out []measurement.Measurement
	for _, v := range q.Variables {
		rows, err := s.variable(ctx, v, q, cutoff)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Series) variable(ctx context.Context, variable string, q Query, cutoff time.Time) ([]measurement.Measurement, error) {
	direct := store.Filter{Variables: []string{variable}, Stations: q.Stations, From: q.From, To: q.To}

	// Older than the cached window: only the store has it.
	if s.client == nil || q.From.Before(cutoff) {
		metrics.CacheRequests.WithLabelValues("bypass").Inc()
		return s.store.Range(ctx, direct)
	}

	refreshed, err := s.ensureFresh(ctx, variable, cutoff)
	if err == nil {
		var rows []measurement.Measurement
		rows, err = s.read(ctx, variable, q)
		if err == nil {
			if refreshed {
				metrics.CacheRequests.WithLabelValues("refresh").Inc()
			} else {
				metrics.CacheRequests.WithLabelValues("hit").Inc()
			}
			return rows, nil
		}
	}

	s.log.Warn().Err(err).Str("variable", variable).Msg("cache unavailable, reading store")
	metrics.CacheRequests.WithLabelValues("fallback").Inc()
	return s.store.Range(ctx, direct)
}

// ensureFresh reloads the lookback window from the store when the refresh
// marker is missing or expired. It reports whether a reload happened.
func (s *Series) ensureFresh(ctx context.Context, variable string, cutoff time.Time) (bool, error) {
	n, err := s.client.Exists(ctx, markerKey(variable)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return true, s.refresh(ctx, variable, cutoff)
}

func (s *Series) refresh(ctx context.Context, variable string, cutoff time.Time) error {
	rows, err := s.store.Range(ctx, store.Filter{Variables: []string{variable}, From: cutoff})
	if err != nil {
		return fmt.Errorf("load %s: %w", variable, err)
	}

	members := make([]redis.Z, 0, len(rows))
	for _, m := range rows {
		m.Timestamp = m.Timestamp.UTC()
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		members = append(members, redis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: raw})
	}

	k := seriesKey(variable)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) > 0 {
			pipe.ZAdd(ctx, k, members...)
		}
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
		pipe.Expire(ctx, k, s.opts.TTL)
		pipe.Set(ctx, markerKey(variable), s.now().UTC().Format(time.RFC3339Nano), s.opts.Staleness)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh %s: %w", variable, err)
	}
	s.log.Debug().Str("variable", variable).Int("rows", len(rows)).Msg("cache refreshed")
	return nil
}

func (s *Series) read(ctx context.Context, variable string, q Query) ([]measurement.Measurement, error) {
	raws, err := s.client.ZRangeByScore(ctx, seriesKey(variable), &redis.ZRangeBy{
		Min: strconv.FormatInt(q.From.UnixMilli(), 10),
		Max: strconv.FormatInt(q.To.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]measurement.Measurement, 0, len(raws))
	for _, raw := range raws {
		var m measurement.Measurement
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode cached %s: %w", variable, err)
		}
		if len(q.Stations) > 0 && !contains(q.Stations, m.StationID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Invalidate drops the cached series for variable so the next read reloads it.
func (s *Series) Invalidate(ctx context.Context, variable string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Del(ctx, seriesKey(variable), markerKey(variable)).Err()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
