package main

import (
	"context"
	"fmt"
	"time"

	"github.com/i474232898/air-quality-ingestion/internal/aggregate"
	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/config"
	"github.com/i474232898/air-quality-ingestion/internal/ingest"
	"github.com/i474232898/air-quality-ingestion/internal/ingest/providers"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/queue"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

// measurementStore is what the service needs from either store backend.
type measurementStore interface {
	ingest.Saver
	aggregate.Store
	Ping(ctx context.Context) error
	Close()
}

func openStore(ctx context.Context, cfg *config.AppConfig) (measurementStore, error) {
	if cfg.DatabaseURL == "" {
		logging.Warn().Msg("DATABASE_URL not set, keeping measurements in memory")
		return store.NewMemoryStore(cfg.StoreMaxAge), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func newBreaker(cfg *config.AppConfig, set *breaker.Set, name string, slow bool) *breaker.Breaker {
	s := breaker.Settings{
		Name:         name,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
		Window:       cfg.Breaker.Window,
		Cooldown:     cfg.Breaker.Cooldown,
		CallTimeout:  cfg.Breaker.CallTimeout,
	}
	if slow {
		s.Cooldown = cfg.Breaker.SlowCooldown
		s.CallTimeout = cfg.Breaker.SlowCallTimeout
	}
	return set.Add(breaker.New(s))
}

// registerSources adds one adapter per enabled provider. SERCOAMB runs its two
// loggers under a single group.
func registerSources(cfg *config.AppConfig, svc *ingest.Service, set *breaker.Set, httpCfg providers.HTTPClientConfig) {
	loc := cfg.Location()

	if cfg.Serpram.Enabled {
		p := providers.NewSerpramProvider(httpCfg, providers.SerpramConfig{
			AuthURL:  cfg.Serpram.AuthURL,
			BaseURL:  cfg.Serpram.BaseURL,
			User:     cfg.Serpram.User,
			Password: cfg.Serpram.Password,
			TokenTTL: cfg.Serpram.TokenTTL,
			Location: loc,
		})
		svc.Register("serpram", p, newBreaker(cfg, set, p.Name(), true))
	}

	if cfg.Ayt.Enabled {
		p := providers.NewAytProvider(httpCfg, providers.AytConfig{
			BaseURL:  cfg.Ayt.BaseURL,
			User:     cfg.Ayt.User,
			Password: cfg.Ayt.Password,
			CemsID:   cfg.Ayt.CemsID,
			Tags:     cfg.Ayt.Tags,
			TokenTTL: cfg.Ayt.TokenTTL,
			Location: loc,
		})
		svc.Register("ayt", p, newBreaker(cfg, set, p.Name(), true))
	}

	if cfg.Esinfa.Enabled {
		p := providers.NewEsinfaProvider(httpCfg, providers.EsinfaConfig{
			AuthURL:    cfg.Esinfa.AuthURL,
			BaseURL:    cfg.Esinfa.BaseURL,
			User:       cfg.Esinfa.User,
			Password:   cfg.Esinfa.Password,
			ClientName: cfg.Esinfa.ClientName,
			TokenTTL:   cfg.Esinfa.TokenTTL,
			Location:   loc,
		})
		svc.Register("esinfa", p, newBreaker(cfg, set, p.Name(), false))
	}

	if cfg.Sercoamb.Enabled {
		victoria := providers.NewSercoambVictoriaProvider(httpCfg, providers.SercoambVictoriaConfig{
			URL:       cfg.Sercoamb.VictoriaURL,
			User:      cfg.Sercoamb.VictoriaUser,
			Password:  cfg.Sercoamb.VictoriaPassword,
			StationID: cfg.Sercoamb.VictoriaStationID,
			Location:  loc,
		})
		tamentica := providers.NewSercoambTamenticaProvider(httpCfg, providers.SercoambTamenticaConfig{
			URL:        cfg.Sercoamb.TamenticaURL,
			TerminalID: cfg.Sercoamb.TamenticaTerminalID,
			User:       cfg.Sercoamb.TamenticaUser,
			Password:   cfg.Sercoamb.TamenticaPassword,
		})
		svc.Register("sercoamb", victoria, newBreaker(cfg, set, victoria.Name(), false))
		svc.Register("sercoamb", tamentica, newBreaker(cfg, set, tamentica.Name(), false))
	}
}

func queueOptions(cfg *config.AppConfig, backoff time.Duration) queue.Options {
	if backoff <= 0 {
		backoff = cfg.Jobs.Backoff
	}
	return queue.Options{
		Attempts:      cfg.Jobs.Attempts,
		Backoff:       backoff,
		KeepCompleted: cfg.Jobs.KeepCompleted,
		KeepFailed:    cfg.Jobs.KeepFailed,
		JobTimeout:    cfg.Jobs.Timeout,
	}
}

// buildQueues creates one queue per source group plus the aggregation and
// archival queues, and registers their recurring schedules.
func buildQueues(
	ctx context.Context,
	cfg *config.AppConfig,
	backend queue.Backend,
	sched *scheduler.Scheduler,
	svc *ingest.Service,
	engine *aggregate.Engine,
) ([]*queue.Queue, error) {
	type spec struct {
		cron    string
		backoff time.Duration
	}
	sources := map[string]spec{
		"serpram":  {cfg.Serpram.Cron, cfg.Serpram.Backoff},
		"ayt":      {cfg.Ayt.Cron, cfg.Ayt.Backoff},
		"esinfa":   {cfg.Esinfa.Cron, 0},
		"sercoamb": {cfg.Sercoamb.Cron, 0},
	}

	var queues []*queue.Queue
	for _, group := range svc.Sources() {
		sp := sources[group]
		q := queue.New(group, backend, ingestHandler(svc, group), queueOptions(cfg, sp.backoff))
		if err := sched.Add(ctx, scheduler.Entry{
			ID:    group + "-ingest",
			Name:  "ingest",
			Cron:  sp.cron,
			Queue: q,
		}); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}

	agg := queue.New("aggregation", backend, aggregateHandler(engine), queueOptions(cfg, 0))
	if err := sched.Add(ctx, scheduler.Entry{
		ID:         "aggregation-hourly",
		Name:       "aggregate",
		Cron:       cfg.Aggregation.Cron,
		Queue:      agg,
		RunOnStart: true,
	}); err != nil {
		return nil, err
	}

	archival := queue.New("archival", backend, archiveHandler(engine), queueOptions(cfg, 0))
	if err := sched.Add(ctx, scheduler.Entry{
		ID:    "archival-daily",
		Name:  "archive",
		Cron:  cfg.Aggregation.ArchiveCron,
		Queue: archival,
	}); err != nil {
		return nil, err
	}

	return append(queues, agg, archival), nil
}

// ingestHandler runs an incremental cycle, or a backfill when the job payload
// carries a from/to window.
func ingestHandler(svc *ingest.Service, group string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		w, ok, err := backfillWindow(job.Payload)
		if err != nil {
			return err
		}
		if ok {
			_, err := svc.Backfill(ctx, group, w)
			return err
		}
		_, err = svc.RunSource(ctx, group)
		return err
	}
}

func backfillWindow(payload map[string]string) (measurement.Window, bool, error) {
	from, to := payload["from"], payload["to"]
	if from == "" && to == "" {
		return measurement.Window{}, false, nil
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return measurement.Window{}, false, fmt.Errorf("invalid backfill from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return measurement.Window{}, false, fmt.Errorf("invalid backfill to: %w", err)
	}
	return measurement.Window{Start: start, End: end}, true, nil
}

func aggregateHandler(engine *aggregate.Engine) queue.Handler {
	return func(ctx context.Context, _ *queue.Job) error {
		_, err := engine.Run(ctx)
		return err
	}
}

func archiveHandler(engine *aggregate.Engine) queue.Handler {
	return func(ctx context.Context, _ *queue.Job) error {
		_, err := engine.Archive(ctx)
		return err
	}
}
