package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

// JobReader is the read side of the job tracker
type JobReader interface {
	Get(ctx context.Context, id int64) (*contracts.Job, error)
	Recent(ctx context.Context, limit int, status contracts.JobStatus) ([]contracts.Job, error)
	Details(ctx context.Context, jobID int64) ([]contracts.JobDetail, error)
}

// QualityReader is the read side of quality findings
type QualityReader interface {
	ListByJob(ctx context.Context, jobID int64) ([]contracts.QualityMetric, error)
	SeveritySummary(ctx context.Context, jobID int64) (map[contracts.Severity]int, error)
}

// JobHandler serves the job audit trail
// ⭐ SSOT: 작업 감사 API 핸들러는 이 구조체에서만
type JobHandler struct {
	jobs    JobReader
	quality QualityReader
	logger  *logger.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobReader, quality QualityReader, log *logger.Logger) *JobHandler {
	return &JobHandler{
		jobs:    jobs,
		quality: quality,
		logger:  log.WithField("module", "api"),
	}
}

// JobView is a job with its per-instrument details
type JobView struct {
	Job     *contracts.Job             `json:"job"`
	Details []contracts.JobDetail      `json:"details"`
	Quality map[contracts.Severity]int `json:"quality"`
}

// QualityView lists the findings of one job
type QualityView struct {
	JobID    int64                      `json:"job_id"`
	Summary  map[contracts.Severity]int `json:"summary"`
	Findings []contracts.QualityMetric  `json:"findings"`
}

// ListJobs returns recent jobs
// GET /api/jobs?limit=50&status=failed
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be within 1..500")
			return
		}
		limit = n
	}

	var status contracts.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := contracts.ParseJobStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}

	jobs, err := h.jobs.Recent(r.Context(), limit, status)
	if err != nil {
		h.fail(w, err, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []contracts.Job{}
	}

	respondJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job with details and a findings summary
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		h.fail(w, err, "Failed to get job")
		return
	}

	details, err := h.jobs.Details(ctx, id)
	if err != nil {
		h.fail(w, err, "Failed to get job details")
		return
	}
	if details == nil {
		details = []contracts.JobDetail{}
	}

	summary, err := h.quality.SeveritySummary(ctx, id)
	if err != nil {
		h.fail(w, err, "Failed to summarize quality findings")
		return
	}

	respondJSON(w, http.StatusOK, JobView{Job: job, Details: details, Quality: summary})
}

// GetJobQuality returns every finding recorded by a job
// GET /api/jobs/{id}/quality
func (h *JobHandler) GetJobQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := h.jobs.Get(ctx, id); err != nil {
		h.fail(w, err, "Failed to get job")
		return
	}

	findings, err := h.quality.ListByJob(ctx, id)
	if err != nil {
		h.fail(w, err, "Failed to list quality findings")
		return
	}
	if findings == nil {
		findings = []contracts.QualityMetric{}
	}

	summary := make(map[contracts.Severity]int)
	for _, f := range findings {
		summary[f.Severity]++
	}

	respondJSON(w, http.StatusOK, QualityView{JobID: id, Summary: summary, Findings: findings})
}

func (h *JobHandler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, contracts.ErrStoreUnavailable):
		h.logger.WithError(err).Error(msg)
		respondError(w, http.StatusServiceUnavailable, "Store unavailable")
	default:
		h.logger.WithError(err).Error(msg)
		respondError(w, http.StatusInternalServerError, msg)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return 0, false
	}
	return id, true
}
