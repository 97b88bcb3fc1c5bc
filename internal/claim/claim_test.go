package claim

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Options{
		Driver:          config.DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "claim.db"),
		MigrationLockID: 1,
		Retry:           config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func newTask(t *testing.T, s *store.Store) *models.Task {
	t.Helper()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, models.Job{Name: "import", Type: "import", Start: time.Now(), Status: models.StatusStarted})
	require.NoError(t, err)
	step, err := s.CreateStep(ctx, models.JobStep{Name: "read", Start: time.Now(), Status: models.StatusStarted, JobID: job.ID})
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, models.Task{Name: "t", JobID: job.ID, StepID: step.ID})
	require.NoError(t, err)
	return task
}

func metricsText(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestClaim_AtMostOneWinner(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s)
	p := New(s, nil, zerolog.Nop(), nil)

	const claimants = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := p.Claim(context.Background(), task.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked())
}

func TestClaim_TokenIsEpochSeconds(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s)
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	p := New(s, clock, zerolog.Nop(), nil)

	ok, err := p.Claim(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Lock)
	assert.EqualValues(t, 1700000000, *got.Lock)
}

func TestRelease(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s)
	m := metrics.New()
	p := New(s, nil, zerolog.Nop(), m)
	ctx := context.Background()

	ok, err := p.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Release(ctx, task.ID))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked())

	// a released task can be claimed again
	ok, err = p.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, p.Release(ctx, task.ID))

	err = p.Release(ctx, task.ID)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.Contains(t, metricsText(t, m), "workflowd_contract_violations_total 1")
	assert.Contains(t, metricsText(t, m), "workflowd_task_releases_total 2")
}

func TestRelease_UnknownTaskIsViolation(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil, zerolog.Nop(), nil)
	assert.ErrorIs(t, p.Release(context.Background(), 404), ErrContractViolation)
}

func TestFinish(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newTask(t, s)
	m := metrics.New()
	p := New(s, nil, zerolog.Nop(), m)

	ended := models.StatusEnded
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	u := models.TaskUpdate{Status: &ended, End: &end}

	_, err := p.Finish(ctx, task.ID, u)
	assert.ErrorIs(t, err, ErrContractViolation, "unclaimed task")
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Status, "nothing recorded")
	assert.Nil(t, got.End)

	ok, err := p.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	finished, err := p.Finish(ctx, task.ID, u)
	require.NoError(t, err)
	assert.False(t, finished.Locked())
	assert.Equal(t, models.StatusEnded, finished.Status)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked())
	assert.Equal(t, models.StatusEnded, got.Status)
	require.NotNil(t, got.End)
	assert.True(t, end.Equal(*got.End))

	_, err = p.Finish(ctx, task.ID, u)
	assert.ErrorIs(t, err, ErrContractViolation, "finished twice")
	assert.Contains(t, metricsText(t, m), "workflowd_contract_violations_total 2")
}

func TestFinish_FailedWriteKeepsClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := newTask(t, s)
	p := New(s, nil, zerolog.Nop(), nil)

	ok, err := p.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// An outcome the task cannot take fails the write; the claim stays.
	queued := models.Status("")
	_, err = p.Finish(ctx, task.ID, models.TaskUpdate{Status: &queued})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrContractViolation)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked())

	failed := models.StatusFailed
	_, err = p.Finish(ctx, task.ID, models.TaskUpdate{Status: &failed})
	require.NoError(t, err)
}

type failingStore struct{ err error }

func (f failingStore) LockTask(context.Context, int64, int64) (int64, error) { return 0, f.err }
func (f failingStore) UnlockTask(context.Context, int64) (int64, error)      { return 0, f.err }
func (f failingStore) FinishTask(context.Context, int64, models.TaskUpdate) (*models.Task, int64, error) {
	return nil, 0, f.err
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	p := New(failingStore{err: boom}, nil, zerolog.Nop(), nil)

	ok, err := p.Claim(context.Background(), 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	err = p.Release(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrContractViolation)

	_, err = p.Finish(context.Background(), 1, models.TaskUpdate{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrContractViolation)
}
