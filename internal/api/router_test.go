package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/api/handlers"
	"github.com/wonny/stocketl/internal/calendar"
	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/metrics"
	"github.com/wonny/stocketl/pkg/database"
	"github.com/wonny/stocketl/pkg/logger"
)

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) (*database.HealthStatus, error) {
	if f.err != nil {
		return &database.HealthStatus{Error: f.err.Error()}, f.err
	}
	return &database.HealthStatus{Healthy: true}, nil
}

type fakeJobs struct {
	jobs    map[int64]contracts.Job
	details map[int64][]contracts.JobDetail
	err     error

	lastLimit  int
	lastStatus contracts.JobStatus
}

func (f *fakeJobs) Get(ctx context.Context, id int64) (*contracts.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, contracts.ErrNotFound)
	}
	return &j, nil
}

func (f *fakeJobs) Recent(ctx context.Context, limit int, status contracts.JobStatus) ([]contracts.Job, error) {
	f.lastLimit, f.lastStatus = limit, status
	if f.err != nil {
		return nil, f.err
	}
	var out []contracts.Job
	for _, j := range f.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) Details(ctx context.Context, jobID int64) ([]contracts.JobDetail, error) {
	return f.details[jobID], nil
}

type fakeQuality struct {
	findings []contracts.QualityMetric
}

func (f *fakeQuality) ListByJob(ctx context.Context, jobID int64) ([]contracts.QualityMetric, error) {
	return f.findings, nil
}

func (f *fakeQuality) SeveritySummary(ctx context.Context, jobID int64) (map[contracts.Severity]int, error) {
	out := map[contracts.Severity]int{}
	for _, m := range f.findings {
		out[m.Severity]++
	}
	return out, nil
}

func newTestRouter(t *testing.T, db fakeDB, jobs *fakeJobs) http.Handler {
	t.Helper()
	cal, err := calendar.New(nil)
	require.NoError(t, err)

	log := logger.NewNop()
	q := &fakeQuality{findings: []contracts.QualityMetric{
		{Symbol: "WIG20", Name: contracts.MetricVolumeConsistency, Severity: contracts.SeverityWarning},
		{Symbol: "PKN", Name: contracts.MetricPriceGap, Severity: contracts.SeverityError},
	}}
	return NewRouter(Handlers{
		Health:  handlers.NewHealthHandler(db, cal, "WSE"),
		Jobs:    handlers.NewJobHandler(jobs, q, log),
		Metrics: metrics.New().Handler(),
	}, log)
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func sampleJobs() *fakeJobs {
	started := time.Date(2024, 6, 14, 16, 0, 0, 0, time.UTC)
	return &fakeJobs{
		jobs: map[int64]contracts.Job{
			1: {ID: 1, Name: "ohlcv_incremental", Status: contracts.JobCompleted, StartedAt: started},
			2: {ID: 2, Name: "ohlcv_backfill", Status: contracts.JobFailed, StartedAt: started, ErrorMessage: "all 2 instruments failed"},
		},
		details: map[int64][]contracts.JobDetail{
			1: {{JobID: 1, Symbol: "PKN", Operation: contracts.OperationIncremental, Counts: contracts.RecordCounts{Processed: 1, Inserted: 1}}},
		},
	}
}

func TestRouter_Health(t *testing.T) {
	rec := get(newTestRouter(t, fakeDB{}, sampleJobs()), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(newTestRouter(t, fakeDB{err: errors.New("connection refused")}, sampleJobs()), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_ListJobs(t *testing.T) {
	jobs := sampleJobs()
	router := newTestRouter(t, fakeDB{}, jobs)

	rec := get(router, "/api/jobs?status=failed&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []contracts.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, 10, jobs.lastLimit)
	assert.Equal(t, contracts.JobFailed, jobs.lastStatus)

	tests := []struct {
		path string
		code int
	}{
		{"/api/jobs?status=exploded", http.StatusBadRequest},
		{"/api/jobs?limit=0", http.StatusBadRequest},
		{"/api/jobs?limit=abc", http.StatusBadRequest},
		{"/api/jobs", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(router, tt.path).Code)
		})
	}
}

func TestRouter_GetJob(t *testing.T) {
	router := newTestRouter(t, fakeDB{}, sampleJobs())

	rec := get(router, "/api/jobs/1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view handlers.JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "ohlcv_incremental", view.Job.Name)
	require.Len(t, view.Details, 1)
	assert.Equal(t, "PKN", view.Details[0].Symbol)
	assert.Equal(t, 1, view.Quality[contracts.SeverityError])

	assert.Equal(t, http.StatusNotFound, get(router, "/api/jobs/99").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/jobs/abc").Code)
}

func TestRouter_GetJobQuality(t *testing.T) {
	router := newTestRouter(t, fakeDB{}, sampleJobs())

	rec := get(router, "/api/jobs/1/quality")
	require.Equal(t, http.StatusOK, rec.Code)

	var view handlers.QualityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Len(t, view.Findings, 2)
	assert.Equal(t, 1, view.Summary[contracts.SeverityWarning])
}

func TestRouter_StoreUnavailable(t *testing.T) {
	jobs := sampleJobs()
	jobs.err = fmt.Errorf("list jobs: %w", contracts.ErrStoreUnavailable)

	rec := get(newTestRouter(t, fakeDB{}, jobs), "/api/jobs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_Calendar(t *testing.T) {
	router := newTestRouter(t, fakeDB{}, sampleJobs())

	rec := get(router, "/api/calendar?date=2024-12-24")
	require.Equal(t, http.StatusOK, rec.Code)

	var st handlers.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "WSE", st.Exchange)
	assert.False(t, st.TradingDay)
	assert.NotEmpty(t, st.Holiday)

	assert.Equal(t, http.StatusBadRequest, get(router, "/api/calendar?date=24-12-2024").Code)
}

func TestRouter_Metrics(t *testing.T) {
	rec := get(newTestRouter(t, fakeDB{}, sampleJobs()), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ohlcv_etl_running_jobs")
}
