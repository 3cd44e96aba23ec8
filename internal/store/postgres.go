package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		timestamp     TIMESTAMPTZ      NOT NULL,
		station_id    TEXT             NOT NULL,
		variable_name TEXT             NOT NULL,
		value         DOUBLE PRECISION NOT NULL,
		CONSTRAINT measurements_natural_key UNIQUE (timestamp, station_id, variable_name)
	)`,
	`CREATE INDEX IF NOT EXISTS measurements_variable_ts_idx ON measurements (variable_name, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS daily_averages (
		id              BIGSERIAL PRIMARY KEY,
		station_id      TEXT             NOT NULL,
		variable_name   TEXT             NOT NULL,
		date            DATE             NOT NULL,
		hour_calculated SMALLINT         NOT NULL,
		avg_last_hour   DOUBLE PRECISION NULL,
		avg_day         DOUBLE PRECISION NOT NULL,
		sample_count    INTEGER          NOT NULL,
		created_at      TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS daily_averages_pair_created_idx ON daily_averages (station_id, variable_name, created_at DESC)`,
}

const existingKeysSQL = `
    SELECT m.timestamp, m.station_id, m.variable_name
    FROM measurements m
    JOIN unnest($1::timestamptz[], $2::text[], $3::text[]) AS k(ts, station, variable)
      ON m.timestamp = k.ts AND m.station_id = k.station AND m.variable_name = k.variable
`

const insertMeasurementsSQL = `
    INSERT INTO measurements (timestamp, station_id, variable_name, value)
    SELECT * FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::double precision[])
    ON CONFLICT (timestamp, station_id, variable_name) DO NOTHING
`

const rangeSQL = `
    SELECT timestamp, station_id, variable_name, value
    FROM measurements
    WHERE ($1::text[] IS NULL OR variable_name = ANY($1))
      AND ($2::text[] IS NULL OR station_id = ANY($2))
      AND ($3::timestamptz IS NULL OR timestamp >= $3)
      AND ($4::timestamptz IS NULL OR timestamp <= $4)
    ORDER BY timestamp ASC
`

const insertAverageSQL = `
    INSERT INTO daily_averages
        (station_id, variable_name, date, hour_calculated, avg_last_hour, avg_day, sample_count, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
    RETURNING id, created_at
`

const latestAveragesSQL = `
    SELECT DISTINCT ON (station_id, variable_name)
        id, station_id, variable_name, date, hour_calculated, avg_last_hour, avg_day, sample_count, created_at
    FROM daily_averages
    WHERE ($1 = '' OR station_id = $1)
      AND ($2 = '' OR variable_name = $2)
    ORDER BY station_id, variable_name, created_at DESC, id DESC
`

const averageHistorySQL = `
    SELECT id, station_id, variable_name, date, hour_calculated, avg_last_hour, avg_day, sample_count, created_at
    FROM daily_averages
    WHERE ($1 = '' OR station_id = $1)
      AND ($2 = '' OR variable_name = $2)
      AND ($3::timestamptz IS NULL OR created_at >= $3)
      AND ($4::timestamptz IS NULL OR created_at <= $4)
    ORDER BY created_at ASC, id ASC
`

const deleteAveragesSQL = `DELETE FROM daily_averages WHERE created_at < $1`

// Postgres is the PostgreSQL-backed measurement store.
type Postgres struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPostgres connects a pgx pool. maxConns <= 0 keeps the pgx default.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, retry: DefaultRetryPolicy}, nil
}

// WithRetryPolicy overrides the lock-conflict retry policy.
func (s *Postgres) WithRetryPolicy(p RetryPolicy) *Postgres {
	s.retry = p
	return s
}

// Close releases the pool resources.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type columns struct {
	ts        []time.Time
	stations  []string
	variables []string
	values    []float64
}

func toColumns(batch []measurement.Measurement) columns {
	c := columns{
		ts:        make([]time.Time, len(batch)),
		stations:  make([]string, len(batch)),
		variables: make([]string, len(batch)),
		values:    make([]float64, len(batch)),
	}
	for i, m := range batch {
		k := m.Key()
		c.ts[i] = k.Timestamp
		c.stations[i] = k.StationID
		c.variables[i] = k.Variable
		c.values[i] = m.Value
	}
	return c
}

// Save looks up the batch's natural keys in one query, drops the ones already
// stored and bulk inserts the rest in the same transaction. Lock conflicts retry
// the whole transaction.
func (s *Postgres) Save(ctx context.Context, batch []measurement.Measurement) (int, error) {
	batch = uniqueBatch(batch)
	if len(batch) == 0 {
		return 0, nil
	}

	var inserted int
	err := s.retry.Do(ctx, "save measurements", func() error {
		n, err := s.saveTx(ctx, batch)
		inserted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save measurements: %w", err)
	}
	return inserted, nil
}

func (s *Postgres) saveTx(ctx context.Context, batch []measurement.Measurement) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	all := toColumns(batch)
	rows, err := tx.Query(ctx, existingKeysSQL, all.ts, all.stations, all.variables)
	if err != nil {
		return 0, err
	}
	existing := make(map[measurement.Key]struct{})
	for rows.Next() {
		var k measurement.Key
		if err := rows.Scan(&k.Timestamp, &k.StationID, &k.Variable); err != nil {
			rows.Close()
			return 0, err
		}
		k.Timestamp = k.Timestamp.UTC()
		existing[k] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	fresh := make([]measurement.Measurement, 0, len(batch))
	for _, m := range batch {
		if _, ok := existing[m.Key()]; !ok {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return 0, tx.Commit(ctx)
	}

	c := toColumns(fresh)
	tag, err := tx.Exec(ctx, insertMeasurementsSQL, c.ts, c.stations, c.variables, c.values)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableStrings(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	return list
}

// Range returns measurements matching f ordered by timestamp ascending.
func (s *Postgres) Range(ctx context.Context, f Filter) ([]measurement.Measurement, error) {
	rows, err := s.pool.Query(ctx, rangeSQL,
		nullableStrings(f.Variables), nullableStrings(f.Stations), nullableTime(f.From), nullableTime(f.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]measurement.Measurement, 0)
	for rows.Next() {
		var m measurement.Measurement
		if err := rows.Scan(&m.Timestamp, &m.StationID, &m.Variable, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertDailyAverage(ctx context.Context, avg measurement.DailyAverage) (measurement.DailyAverage, error) {
	err := s.pool.QueryRow(ctx, insertAverageSQL,
		avg.StationID, avg.Variable, avg.Date, avg.HourCalculated, avg.AvgLastHour, avg.AvgDay, avg.SampleCount,
		nullableTime(avg.CreatedAt),
	).Scan(&avg.ID, &avg.CreatedAt)
	if err != nil {
		return measurement.DailyAverage{}, fmt.Errorf("insert daily average %s/%s: %w", avg.StationID, avg.Variable, err)
	}
	return avg, nil
}

func scanAverages(rows pgx.Rows) ([]measurement.DailyAverage, error) {
	defer rows.Close()

	out := make([]measurement.DailyAverage, 0)
	for rows.Next() {
		var a measurement.DailyAverage
		if err := rows.Scan(
			&a.ID,
			&a.StationID,
			&a.Variable,
			&a.Date,
			&a.HourCalculated,
			&a.AvgLastHour,
			&a.AvgDay,
			&a.SampleCount,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestDailyAverages returns the newest snapshot per station/variable.
func (s *Postgres) LatestDailyAverages(ctx context.Context, f AverageFilter) ([]measurement.DailyAverage, error) {
	rows, err := s.pool.Query(ctx, latestAveragesSQL, f.StationID, f.Variable)
	if err != nil {
		return nil, err
	}
	out, err := scanAverages(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *Postgres) DailyAverageHistory(ctx context.Context, f AverageFilter) ([]measurement.DailyAverage, error) {
	rows, err := s.pool.Query(ctx, averageHistorySQL, f.StationID, f.Variable, nullableTime(f.From), nullableTime(f.To))
	if err != nil {
		return nil, err
	}
	return scanAverages(rows)
}

func (s *Postgres) DeleteDailyAveragesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteAveragesSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete daily averages: %w", err)
	}
	return tag.RowsAffected(), nil
}
