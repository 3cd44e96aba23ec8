package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-ingestion/internal/queue"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
)

const defaultJobLimit = 50

type queueStatus struct {
	queue.Stats
	Schedules []scheduler.Status `json:"schedules"`
}

type jobsQuery struct {
	State queue.State `validate:"required"`
	Limit int         `validate:"min=1,max=500"`
}

type cleanQuery struct {
	State queue.State   `validate:"required,oneof=completed failed"`
	Grace time.Duration `validate:"min=0"`
}

// triggerBody is the optional body of a manual trigger. From/To request a
// backfill of that window instead of an incremental run.
type triggerBody struct {
	Payload map[string]string `json:"payload"`
	From    string            `json:"from"`
	To      string            `json:"to"`
}

func registerQueues(r fiber.Router, queues []*queue.Queue, schedules Schedules) {
	byName := make(map[string]*queue.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}

	lookup := func(c *fiber.Ctx) (*queue.Queue, error) {
		q, ok := byName[c.Params("name")]
		if !ok {
			return nil, fiber.NewError(fiber.StatusNotFound, queue.ErrUnknownQueue.Error()+": "+c.Params("name"))
		}
		return q, nil
	}

	r.Get("/queues", func(c *fiber.Ctx) error {
		var statuses []scheduler.Status
		if schedules != nil {
			statuses = schedules.Statuses()
		}

		out := make([]queueStatus, 0, len(queues))
		for _, q := range queues {
			stats, err := q.Stats(c.UserContext())
			if err != nil {
				return fiber.NewError(fiber.StatusInternalServerError, "failed to read queue stats")
			}
			qs := queueStatus{Stats: stats, Schedules: []scheduler.Status{}}
			for _, st := range statuses {
				if st.Queue == q.Name() {
					qs.Schedules = append(qs.Schedules, st)
				}
			}
			out = append(out, qs)
		}
		return c.JSON(out)
	})

	r.Get("/queues/:name/jobs", func(c *fiber.Ctx) error {
		q, err := lookup(c)
		if err != nil {
			return err
		}

		req := jobsQuery{State: queue.StateFailed, Limit: defaultJobLimit}
		if raw := c.Query("state"); raw != "" {
			st, err := queue.ParseState(raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			req.State = st
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "limit must be an integer")
			}
			req.Limit = n
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		jobs, err := q.Jobs(c.UserContext(), req.State, req.Limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list jobs")
		}
		if jobs == nil {
			jobs = []queue.Job{}
		}
		return c.JSON(fiber.Map{"queue": q.Name(), "state": req.State, "jobs": jobs})
	})

	r.Post("/queues/:name/trigger", func(c *fiber.Ctx) error {
		q, err := lookup(c)
		if err != nil {
			return err
		}

		var body triggerBody
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid trigger body")
			}
		}
		payload, err := body.payload()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		job, err := q.Trigger(c.UserContext(), payload)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to enqueue job")
		}
		return c.Status(fiber.StatusAccepted).JSON(job)
	})

	r.Post("/queues/:name/pause", func(c *fiber.Ctx) error {
		q, err := lookup(c)
		if err != nil {
			return err
		}
		if err := q.Pause(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to pause queue")
		}
		return c.JSON(fiber.Map{"queue": q.Name(), "paused": true})
	})

	r.Post("/queues/:name/resume", func(c *fiber.Ctx) error {
		q, err := lookup(c)
		if err != nil {
			return err
		}
		if err := q.Resume(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to resume queue")
		}
		return c.JSON(fiber.Map{"queue": q.Name(), "paused": false})
	})

	r.Post("/queues/:name/clean", func(c *fiber.Ctx) error {
		q, err := lookup(c)
		if err != nil {
			return err
		}

		req := cleanQuery{State: queue.State(c.Query("state", string(queue.StateCompleted)))}
		if raw := c.Query("grace"); raw != "" {
			grace, err := time.ParseDuration(raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "grace must be a duration such as 1h")
			}
			req.Grace = grace
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		removed, err := q.Clean(c.UserContext(), req.State, req.Grace)
		if err != nil {
			if errors.Is(err, queue.ErrInvalidState) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to clean queue")
		}
		return c.JSON(fiber.Map{"queue": q.Name(), "state": req.State, "removed": removed})
	})
}

func (b triggerBody) payload() (map[string]string, error) {
	payload := make(map[string]string, len(b.Payload)+2)
	for k, v := range b.Payload {
		payload[k] = v
	}
	if b.From == "" && b.To == "" {
		return payload, nil
	}
	if b.From == "" || b.To == "" {
		return nil, errors.New("from and to must be given together")
	}

	from, err := parseTime(b.From)
	if err != nil {
		return nil, err
	}
	to, err := parseTime(b.To)
	if err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, errors.New("to must be after from")
	}
	payload["from"] = from.UTC().Format(time.RFC3339)
	payload["to"] = to.UTC().Format(time.RFC3339)
	return payload, nil
}
