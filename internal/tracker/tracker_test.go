package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/database"
	"github.com/wonny/stocketl/pkg/logger"
)

// memStore enforces the same conditional updates as Repository
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]contracts.Job
	details map[string]contracts.JobDetail
	history []contracts.JobStatus

	failInsert error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[int64]contracts.Job{}, details: map[string]contracts.JobDetail{}}
}

func (s *memStore) CreateJob(ctx context.Context, job *contracts.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j := *job
	j.ID = s.nextID
	s.jobs[j.ID] = j
	s.history = append(s.history, j.Status)
	return j.ID, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id int64, from, to contracts.JobStatus, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return contracts.ErrInvalidTransition
	}
	j.Status = to
	j.RetryCount = retryCount
	s.jobs[id] = j
	s.history = append(s.history, to)
	return nil
}

func (s *memStore) InsertDetail(ctx context.Context, d *contracts.JobDetail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return 0, s.failInsert
	}
	key := fmt.Sprintf("%d|%s|%s", d.JobID, d.Symbol, d.InstrumentType)
	if _, exists := s.details[key]; exists {
		return 0, contracts.ErrDuplicateDetail
	}
	s.details[key] = *d
	return int64(len(s.details)), nil
}

func (s *memStore) FinishJob(ctx context.Context, job *contracts.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[job.ID].Status.IsTerminal() {
		return contracts.ErrInvalidTransition
	}
	s.jobs[job.ID] = *job
	s.history = append(s.history, job.Status)
	return nil
}

func (s *memStore) job(id int64) contracts.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func newTracker(store Store) *Tracker {
	return New(store, logger.NewNop())
}

func detail(symbol string, counts contracts.RecordCounts, errMsg string) *contracts.JobDetail {
	return &contracts.JobDetail{
		Symbol:         symbol,
		InstrumentType: contracts.InstrumentStock,
		Operation:      contracts.OperationIncremental,
		Counts:         counts,
		ErrorMessage:   errMsg,
	}
}

func TestOpen_StartsRunning(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily", MaxRetries: 2, ExternalRunID: "ext-1"})
	require.NoError(t, err)

	assert.Equal(t, contracts.JobRunning, run.Status())
	assert.Equal(t, []contracts.JobStatus{contracts.JobPending, contracts.JobRunning}, store.history)

	job := store.job(run.ID())
	assert.Equal(t, "all", job.InstrumentType)
	assert.Equal(t, "ext-1", job.ExternalRunID)
	assert.NotNil(t, job.Metadata)
	assert.Equal(t, time.UTC, job.StartedAt.Location())
}

func TestRecordDetail_AggregatesCounts(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{Processed: 3, Inserted: 2, Unchanged: 1}, "")))
	require.NoError(t, run.RecordDetail(ctx, detail("XTB", contracts.RecordCounts{Processed: 2, Updated: 1, Failed: 1}, "")))
	require.NoError(t, run.RecordDetail(ctx, detail("CDR", contracts.RecordCounts{}, "extraction failed")))

	assert.Equal(t, contracts.RecordCounts{Processed: 5, Inserted: 2, Updated: 1, Unchanged: 1, Failed: 1}, run.Counts())
	ok, failed := run.Outcomes()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)

	job, err := run.Finish(ctx, contracts.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, run.Counts(), job.Counts)
	assert.Equal(t, job.Counts, store.job(job.ID).Counts)
}

func TestRecordDetail_OncePerInstrument(t *testing.T) {
	run, err := newTracker(newMemStore()).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{Processed: 1, Inserted: 1}, "")))
	err = run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{Processed: 1, Inserted: 1}, ""))
	assert.ErrorIs(t, err, contracts.ErrDuplicateDetail)
	assert.Equal(t, 1, run.Counts().Inserted)

	// same symbol as an index is a different instrument
	idx := detail("PKO", contracts.RecordCounts{}, "")
	idx.InstrumentType = contracts.InstrumentIndex
	assert.NoError(t, run.RecordDetail(ctx, idx))
}

func TestRecordDetail_StoreFailureAllowsRetry(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)
	ctx := context.Background()

	store.failInsert = fmt.Errorf("insert: %w", contracts.ErrStoreUnavailable)
	err = run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{Processed: 1}, ""))
	assert.ErrorIs(t, err, contracts.ErrStoreUnavailable)
	assert.Equal(t, 0, run.Counts().Processed)

	store.failInsert = nil
	assert.NoError(t, run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{Processed: 1}, "")))
}

func TestRecordDetail_ProcessingOrder(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, run.RecordDetail(context.Background(), detail(fmt.Sprintf("S%02d", i), contracts.RecordCounts{Processed: 1, Inserted: 1}, "")))
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, d := range store.details {
		assert.Equal(t, run.ID(), d.JobID)
		assert.False(t, seen[d.ProcessingOrder])
		seen[d.ProcessingOrder] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 20, run.Counts().Inserted)
}

func TestRetryCycle(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily", MaxRetries: 1})
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, run.CanRetry())
	require.NoError(t, run.MarkRetrying(ctx))
	assert.Equal(t, contracts.JobRetrying, run.Status())
	assert.Equal(t, 1, store.job(run.ID()).RetryCount)

	require.NoError(t, run.ResumeRunning(ctx))
	assert.False(t, run.CanRetry())
	assert.ErrorIs(t, run.MarkRetrying(ctx), contracts.ErrInvalidTransition)

	job, err := run.Finish(ctx, contracts.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, []contracts.JobStatus{
		contracts.JobPending, contracts.JobRunning, contracts.JobRetrying, contracts.JobRunning, contracts.JobCompleted,
	}, store.history)
}

func TestFinish_ExactlyOnce(t *testing.T) {
	store := newMemStore()
	run, err := newTracker(store).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)
	ctx := context.Background()

	job, err := run.Finish(ctx, contracts.JobFailed, "store unavailable")
	require.NoError(t, err)
	assert.Equal(t, contracts.JobFailed, job.Status)
	assert.Equal(t, "store unavailable", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)

	_, err = run.Finish(ctx, contracts.JobCompleted, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
	assert.Equal(t, contracts.JobFailed, store.job(job.ID).Status)

	err = run.RecordDetail(ctx, detail("PKO", contracts.RecordCounts{}, ""))
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestFinish_RejectsNonTerminal(t *testing.T) {
	run, err := newTracker(newMemStore()).Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)

	_, err = run.Finish(context.Background(), contracts.JobRetrying, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
	assert.Equal(t, contracts.JobRunning, run.Status())
}

func TestFinish_ClampsClockSkew(t *testing.T) {
	tr := newTracker(newMemStore())
	start := time.Date(2024, 6, 14, 16, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return start }

	run, err := tr.Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)

	tr.now = func() time.Time { return start.Add(-time.Minute) }
	job, err := run.Finish(context.Background(), contracts.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, start, *job.CompletedAt)
	assert.Equal(t, time.Duration(0), job.Duration)
}

func TestFinish_MixedZoneClocks(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		t.Skip("tzdata not available")
	}

	tr := newTracker(newMemStore())
	start := time.Date(2024, 6, 14, 16, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return start }

	run, err := tr.Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)

	// 18:00:30 CEST is 16:00:30 UTC
	tr.now = func() time.Time { return time.Date(2024, 6, 14, 18, 0, 30, 0, warsaw) }
	job, err := run.Finish(context.Background(), contracts.JobCompleted, "")
	require.NoError(t, err)

	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, time.UTC, job.CompletedAt.Location())
	assert.False(t, job.CompletedAt.Before(job.StartedAt))
	assert.Equal(t, 30*time.Second, job.Duration)

	// 17:59 CEST is before the start even though its wall clock reads later
	tr.now = func() time.Time { return start }
	run, err = tr.Open(context.Background(), OpenRequest{Name: "daily", Type: "daily"})
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2024, 6, 14, 17, 59, 0, 0, warsaw) }
	job, err = run.Finish(context.Background(), contracts.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, job.CompletedAt.Location())
	assert.True(t, job.CompletedAt.Equal(job.StartedAt))
	assert.Equal(t, time.Duration(0), job.Duration)
}

func TestRepository_Integration(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping job repository integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	repo := NewRepository(db.Pool)
	run, err := New(repo, logger.NewNop()).Open(ctx, OpenRequest{
		Name:       "integration",
		Type:       "test",
		MaxRetries: 1,
		Metadata:   map[string]interface{}{"source": "test"},
	})
	require.NoError(t, err)

	d := detail(fmt.Sprintf("T%d", time.Now().UnixNano()%1_000_000), contracts.RecordCounts{Processed: 1}, "no data")
	d.DateFrom = contracts.MustTradingDate("2024-06-14")
	d.DateTo = contracts.MustTradingDate("2024-06-14")
	require.NoError(t, run.RecordDetail(ctx, d))

	dup := *d
	dup.ID = 0
	_, err = repo.InsertDetail(ctx, &dup)
	assert.True(t, errors.Is(err, contracts.ErrDuplicateDetail))

	require.NoError(t, run.MarkRetrying(ctx))
	require.NoError(t, run.ResumeRunning(ctx))
	_, err = run.Finish(ctx, contracts.JobCompleted, "")
	require.NoError(t, err)

	got, err := repo.Get(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, contracts.JobCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "test", got.Metadata["source"])

	details, err := repo.Details(ctx, run.ID())
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "2024-06-14", details[0].DateFrom.String())

	// terminal rows are never rewritten
	again := *got
	again.Status = contracts.JobFailed
	assert.ErrorIs(t, repo.FinishJob(ctx, &again), contracts.ErrInvalidTransition)
}
