package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/cache"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
	"github.com/i474232898/air-quality-ingestion/internal/queue"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

type fakeMeasurements struct {
	last cache.Query
	rows []measurement.Measurement
}

func (f *fakeMeasurements) Query(_ context.Context, q cache.Query) ([]measurement.Measurement, error) {
	f.last = q
	return f.rows, nil
}

func (f *fakeMeasurements) Wind(_ context.Context, q cache.Query) ([]cache.WindSample, error) {
	f.last = q
	speed := 3.5
	return []cache.WindSample{{Timestamp: time.Unix(1700000000, 0).UTC(), StationID: "E6", Speed: &speed}}, nil
}

type fakeAverages struct {
	latest []measurement.DailyAverage
	last   store.AverageFilter
}

func (f *fakeAverages) Latest(_ context.Context, af store.AverageFilter) ([]measurement.DailyAverage, error) {
	f.last = af
	if len(f.latest) == 0 {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeAverages) History(_ context.Context, af store.AverageFilter) ([]measurement.DailyAverage, error) {
	f.last = af
	return nil, nil
}

type testEnv struct {
	app      *fiber.App
	series   *fakeMeasurements
	averages *fakeAverages
	queue    *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	app := fiber.New()

	series := &fakeMeasurements{}
	averages := &fakeAverages{}
	q := queue.New("serpram", queue.NewMemoryBackend(), func(context.Context, *queue.Job) error { return nil }, queue.Options{})

	breakers := breaker.NewSet()
	breakers.Add(breaker.New(breaker.Settings{Name: "serpram"}))

	RegisterRoutes(app, Deps{
		Measurements: series,
		Averages:     averages,
		Queues:       []*queue.Queue{q},
		Breakers:     breakers,
	})
	return &testEnv{app: app, series: series, averages: averages, queue: q}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func TestMeasurementsValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []string{
		"/api/v1/measurements",
		"/api/v1/measurements?variables=PM10&from=yesterday",
		"/api/v1/measurements?variables=PM10&from=1700003600&to=1700000000",
	}
	for _, target := range cases {
		status, _ := env.do(t, http.MethodGet, target, "")
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusBadRequest, status)
		}
	}
}

func TestMeasurementsQueryPassesFilters(t *testing.T) {
	env := newTestEnv(t)
	env.series.rows = []measurement.Measurement{
		{Timestamp: time.Unix(1700000000, 0).UTC(), StationID: "E1", Variable: "PM10", Value: 42},
	}

	status, body := env.do(t, http.MethodGet,
		"/api/v1/measurements?variables=PM10,SO2&stations=E1&from=2023-11-14T00:00:00Z&to=1700000000", "")
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, status, body)
	}

	if got := strings.Join(env.series.last.Variables, ","); got != "PM10,SO2" {
		t.Fatalf("expected variables PM10,SO2, got %s", got)
	}
	if len(env.series.last.Stations) != 1 || env.series.last.Stations[0] != "E1" {
		t.Fatalf("unexpected stations %v", env.series.last.Stations)
	}
	if !env.series.last.To.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected to %s", env.series.last.To)
	}

	var resp struct {
		Count        int                       `json:"count"`
		Measurements []measurement.Measurement `json:"measurements"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Measurements[0].Value != 42 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestVariableShortcuts(t *testing.T) {
	env := newTestEnv(t)

	for target, want := range map[string]string{
		"/api/v1/measurements/pm10": measurement.PM10,
		"/api/v1/measurements/so2":  measurement.SO2,
	} {
		status, _ := env.do(t, http.MethodGet, target+"?stations=E6", "")
		if status != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusOK, status)
		}
		if len(env.series.last.Variables) != 1 || env.series.last.Variables[0] != want {
			t.Fatalf("%s: expected variable %s, got %v", target, want, env.series.last.Variables)
		}
	}

	status, body := env.do(t, http.MethodGet, "/api/v1/measurements/wind", "")
	if status != http.StatusOK {
		t.Fatalf("wind: expected status %d, got %d", http.StatusOK, status)
	}
	if !strings.Contains(string(body), `"speed":3.5`) {
		t.Fatalf("wind: unexpected body %s", body)
	}
}

func TestAverages(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/v1/averages/latest", "")
	if status != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, status)
	}

	env.averages.latest = []measurement.DailyAverage{{StationID: "E1", Variable: "PM10", AvgDay: 12.5}}
	status, _ = env.do(t, http.MethodGet, "/api/v1/averages/latest?station=E1&variable=PM10", "")
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, status)
	}
	if env.averages.last.StationID != "E1" || env.averages.last.Variable != "PM10" {
		t.Fatalf("unexpected filter %+v", env.averages.last)
	}

	// History needs station, variable and an ordered range.
	for _, target := range []string{
		"/api/v1/averages/history?variable=PM10&from=1700000000&to=1700003600",
		"/api/v1/averages/history?station=E1&variable=PM10",
		"/api/v1/averages/history?station=E1&variable=PM10&from=1700003600&to=1700000000",
	} {
		status, _ := env.do(t, http.MethodGet, target, "")
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusBadRequest, status)
		}
	}

	status, body := env.do(t, http.MethodGet, "/api/v1/averages/history?station=E1&variable=PM10&from=1700000000&to=1700003600", "")
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, status)
	}
	if !strings.Contains(string(body), `"averages":[]`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestTriggerEnqueuesManualJob(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/queues/serpram/trigger",
		`{"from":"2025-06-01T00:00:00Z","to":"2025-06-02T00:00:00Z"}`)
	if status != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, status, body)
	}

	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Priority != queue.PriorityHigh || job.MaxAttempts != 1 {
		t.Fatalf("expected high priority single attempt job, got %+v", job)
	}
	if job.Payload["from"] != "2025-06-01T00:00:00Z" {
		t.Fatalf("unexpected payload %v", job.Payload)
	}

	status, body = env.do(t, http.MethodGet, "/api/v1/queues/serpram/jobs?state=waiting", "")
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, status)
	}
	if !strings.Contains(string(body), job.ID) {
		t.Fatalf("waiting jobs do not include %s: %s", job.ID, body)
	}

	status, _ = env.do(t, http.MethodPost, "/api/v1/queues/serpram/trigger", `{"from":"2025-06-01T00:00:00Z"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected status %d for half range, got %d", http.StatusBadRequest, status)
	}
}

func TestQueueAdministration(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/queues/unknown/pause", "")
	if status != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, status)
	}

	status, _ = env.do(t, http.MethodPost, "/api/v1/queues/serpram/pause", "")
	if status != http.StatusOK {
		t.Fatalf("pause: expected status %d, got %d", http.StatusOK, status)
	}
	status, body := env.do(t, http.MethodGet, "/api/v1/queues", "")
	if status != http.StatusOK || !strings.Contains(string(body), `"paused":true`) {
		t.Fatalf("queues: unexpected response %d %s", status, body)
	}

	status, _ = env.do(t, http.MethodPost, "/api/v1/queues/serpram/resume", "")
	if status != http.StatusOK {
		t.Fatalf("resume: expected status %d, got %d", http.StatusOK, status)
	}

	status, _ = env.do(t, http.MethodPost, "/api/v1/queues/serpram/clean?state=waiting", "")
	if status != http.StatusBadRequest {
		t.Fatalf("clean waiting: expected status %d, got %d", http.StatusBadRequest, status)
	}
	status, body = env.do(t, http.MethodPost, "/api/v1/queues/serpram/clean?state=failed&grace=1h", "")
	if status != http.StatusOK || !strings.Contains(string(body), `"removed":0`) {
		t.Fatalf("clean failed: unexpected response %d %s", status, body)
	}

	status, _ = env.do(t, http.MethodGet, "/api/v1/queues/serpram/jobs?state=bogus", "")
	if status != http.StatusBadRequest {
		t.Fatalf("jobs: expected status %d, got %d", http.StatusBadRequest, status)
	}
}

func TestBreakersReportSnapshots(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/breakers", "")
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, status)
	}
	if !strings.Contains(string(body), `"serpram"`) {
		t.Fatalf("unexpected body %s", body)
	}
}
