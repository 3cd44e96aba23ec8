package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/cache"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/queue"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

var validate = validator.New()

// Measurements serves recent time series.
type Measurements interface {
	Query(ctx context.Context, q cache.Query) ([]measurement.Measurement, error)
	Wind(ctx context.Context, q cache.Query) ([]cache.WindSample, error)
}

// Averages serves daily average snapshots.
type Averages interface {
	Latest(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error)
	History(ctx context.Context, f store.AverageFilter) ([]measurement.DailyAverage, error)
}

type Breakers interface {
	Snapshots() []breaker.Snapshot
}

type Schedules interface {
	Statuses() []scheduler.Status
}

// Deps are the services exposed over HTTP. Nil members disable their routes.
type Deps struct {
	Measurements Measurements
	Averages     Averages
	Queues       []*queue.Queue
	Schedules    Schedules
	Breakers     Breakers
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	v1 := app.Group("/api/v1")

	if d.Measurements != nil {
		registerMeasurements(v1, d.Measurements)
	}
	if d.Averages != nil {
		registerAverages(v1, d.Averages)
	}
	registerQueues(v1, d.Queues, d.Schedules)

	if d.Breakers != nil {
		v1.Get("/breakers", func(c *fiber.Ctx) error {
			return c.JSON(d.Breakers.Snapshots())
		})
	}
}

func registerMeasurements(r fiber.Router, svc Measurements) {
	r.Get("/measurements", func(c *fiber.Ctx) error {
		var req seriesQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return respondSeries(c, svc, req)
	})

	for path, variable := range map[string]string{
		"/measurements/pm10": measurement.PM10,
		"/measurements/so2":  measurement.SO2,
	} {
		variable := variable
		r.Get(path, func(c *fiber.Ctx) error {
			var req seriesQuery
			if err := req.bind(c); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			req.Variables = []string{variable}
			if err := validate.Struct(req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return respondSeries(c, svc, req)
		})
	}

	r.Get("/measurements/wind", func(c *fiber.Ctx) error {
		var req seriesQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req.Variables = []string{measurement.WindSpeed, measurement.WindDir}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		samples, err := svc.Wind(c.UserContext(), req.cacheQuery())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch wind data")
		}
		return c.JSON(fiber.Map{
			"from":    req.From,
			"to":      req.To,
			"count":   len(samples),
			"samples": samples,
		})
	})
}

func respondSeries(c *fiber.Ctx, svc Measurements, req seriesQuery) error {
	rows, err := svc.Query(c.UserContext(), req.cacheQuery())
	if err != nil {
		if errors.Is(err, cache.ErrNoVariables) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch measurements")
	}
	if rows == nil {
		rows = []measurement.Measurement{}
	}
	return c.JSON(fiber.Map{
		"variables":    req.Variables,
		"from":         req.From,
		"to":           req.To,
		"count":        len(rows),
		"measurements": rows,
	})
}

func registerAverages(r fiber.Router, svc Averages) {
	r.Get("/averages/latest", func(c *fiber.Ctx) error {
		f := store.AverageFilter{
			StationID: c.Query("station"),
			Variable:  c.Query("variable"),
		}
		avgs, err := svc.Latest(c.UserContext(), f)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no averages computed yet")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch averages")
		}
		return c.JSON(avgs)
	})

	r.Get("/averages/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		avgs, err := svc.History(c.UserContext(), store.AverageFilter{
			StationID: req.Station,
			Variable:  req.Variable,
			From:      req.From,
			To:        req.To,
		})
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch average history")
		}
		if avgs == nil {
			avgs = []measurement.DailyAverage{}
		}
		return c.JSON(fiber.Map{
			"station":  req.Station,
			"variable": req.Variable,
			"from":     req.From,
			"to":       req.To,
			"averages": avgs,
		})
	})
}

// seriesQuery holds query parameters for the measurement endpoints.
type seriesQuery struct {
	Variables []string  `validate:"required,min=1,dive,required"`
	Stations  []string  `validate:"dive,required"`
	From      time.Time
	To        time.Time `validate:"omitempty,gtefield=From"`
}

func (q *seriesQuery) bind(c *fiber.Ctx) error {
	q.Variables = splitList(c.Query("variables"))
	q.Stations = splitList(c.Query("stations"))

	var err error
	if q.From, err = optionalTime(c.Query("from")); err != nil {
		return err
	}
	if q.To, err = optionalTime(c.Query("to")); err != nil {
		return err
	}
	return nil
}

func (q seriesQuery) cacheQuery() cache.Query {
	return cache.Query{Variables: q.Variables, Stations: q.Stations, From: q.From, To: q.To}
}

// historyQuery holds query parameters for the average history endpoint.
type historyQuery struct {
	Station  string    `validate:"required"`
	Variable string    `validate:"required"`
	From     time.Time `validate:"required"`
	To       time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	h.Station = c.Query("station")
	h.Variable = c.Query("variable")

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s)
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
