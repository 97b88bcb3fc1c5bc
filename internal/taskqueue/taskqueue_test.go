package taskqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/resilience"
	"github.com/fentz26/workflowd/internal/store"
)

const resultQueue = "jobstep.result"

type published struct {
	queue, key string
	msg        *message.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(_ context.Context, queue, key string, body []byte) error {
	msg, err := message.Decode(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{queue: queue, key: key, msg: msg})
	return nil
}

// take returns and forgets everything published so far.
func (r *recorder) take() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type fixture struct {
	queue *Queue
	store *store.Store
	pub   *recorder
	clock clockwork.Clock
	job   *models.Job
	step  *models.JobStep
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(store.Options{
		Driver:          config.DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "tasks.db"),
		MigrationLockID: 1,
		Retry:           config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { s.Disconnect() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	job, err := s.CreateJob(ctx, models.Job{Name: "relate.gebieden", Type: "relate", Start: clock.Now(), Status: models.StatusStarted})
	require.NoError(t, err)
	step, err := s.CreateStep(ctx, models.JobStep{Name: "relate", Start: clock.Now(), Status: models.StatusStarted, JobID: job.ID})
	require.NoError(t, err)

	pub := &recorder{}
	claims := claim.New(s, clock, zerolog.Nop(), nil)
	jm := jobs.NewManager(s, jobs.WithClock(clock))
	return &fixture{
		queue: New(s, claims, jm, pub, resultQueue, clock, zerolog.Nop()),
		store: s,
		pub:   pub,
		clock: clock,
		job:   job,
		step:  step,
	}
}

func (f *fixture) startTasks(t *testing.T, tasks string) error {
	t.Helper()
	msg := message.MustDecode(`{
		"header": {},
		"contents": {
			"dst_queue": "workflowd.task",
			"key_prefix": "relate",
			"extra_msg": {"catalogue": "gebieden"},
			"tasks": ` + tasks + `
		}
	}`)
	msg.Header().Set(message.KeyJobID, f.job.ID)
	msg.Header().Set(message.KeyStepID, f.step.ID)
	return f.queue.StartTasks(context.Background(), msg)
}

func (f *fixture) result(t *testing.T, id int64, status models.Status) error {
	t.Helper()
	msg := message.New()
	msg.Set("id", id)
	msg.Set("status", status)
	msg.Set("summary", map[string]interface{}{"rows": 3})
	return f.queue.TaskResult(context.Background(), msg)
}

// byName maps the tasks of the step by name.
func (f *fixture) byName(t *testing.T) map[string]models.Task {
	t.Helper()
	tasks, err := f.store.TasksForStep(context.Background(), f.step.ID)
	require.NoError(t, err)
	out := make(map[string]models.Task, len(tasks))
	for _, task := range tasks {
		out[task.Name] = task
	}
	return out
}

func dispatchedNames(t *testing.T, msgs []published) []string {
	t.Helper()
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		require.Equal(t, "workflowd.task", m.queue)
		require.Equal(t, "relate.task.request", m.key)
		names = append(names, m.msg.String("task_name"))
	}
	return names
}

func TestTaskFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.startTasks(t, `[
		{"task_name": "a", "dependencies": []},
		{"task_name": "b", "dependencies": ["a"]},
		{"task_name": "c", "extra_msg": {"only": "c"}}
	]`))

	out := f.pub.take()
	assert.ElementsMatch(t, []string{"a", "c"}, dispatchedNames(t, out))
	for _, m := range out {
		jobID, ok := m.msg.JobID()
		require.True(t, ok)
		assert.Equal(t, f.job.ID, jobID)
		extra, ok := m.msg.Object("extra_msg")
		require.True(t, ok)
		if m.msg.String("task_name") == "c" {
			assert.Equal(t, "c", extra.String("only"))
		} else {
			assert.Equal(t, "gebieden", extra.String("catalogue"))
		}
	}

	tasks := f.byName(t)
	assert.True(t, tasks["a"].Locked())
	assert.Equal(t, models.StatusStarted, tasks["a"].Status)
	assert.False(t, tasks["b"].Locked())
	assert.Empty(t, tasks["b"].Status)

	require.NoError(t, f.result(t, tasks["a"].ID, models.StatusEnded))
	assert.Equal(t, []string{"b"}, dispatchedNames(t, f.pub.take()))

	tasks = f.byName(t)
	assert.False(t, tasks["a"].Locked(), "released on completion")
	assert.Equal(t, models.StatusEnded, tasks["a"].Status)
	assert.JSONEq(t, `{"rows": 3}`, string(tasks["a"].Summary))

	require.NoError(t, f.result(t, tasks["c"].ID, models.StatusEnded))
	assert.Empty(t, f.pub.take(), "b still running")

	require.NoError(t, f.result(t, tasks["b"].ID, models.StatusEnded))
	out = f.pub.take()
	require.Len(t, out, 1)
	assert.Equal(t, resultQueue, out[0].queue)
	stepID, ok := out[0].msg.StepID()
	require.True(t, ok)
	assert.Equal(t, f.step.ID, stepID)
	assert.Equal(t, "ended", out[0].msg.String("status"))

	step, err := f.store.GetStep(ctx, f.step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, step.Status)
}

func TestTaskFlow_FailureStopsDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.startTasks(t, `[{"task_name": "a"}, {"task_name": "b", "dependencies": ["a"]}]`))
	assert.Equal(t, []string{"a"}, dispatchedNames(t, f.pub.take()))

	require.NoError(t, f.result(t, f.byName(t)["a"].ID, models.StatusFailed))
	out := f.pub.take()
	require.Len(t, out, 1)
	assert.Equal(t, resultQueue, out[0].queue)
	assert.Equal(t, "failed", out[0].msg.String("status"))

	step, err := f.store.GetStep(ctx, f.step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, step.Status)
	assert.Empty(t, f.byName(t)["b"].Status, "never dispatched")
}

func TestTaskResult_NotClaimed(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.startTasks(t, `[{"task_name": "a"}, {"task_name": "b", "dependencies": ["a"]}]`))
	b := f.byName(t)["b"]

	err := f.result(t, b.ID, models.StatusEnded)
	assert.ErrorIs(t, err, claim.ErrContractViolation)
	assert.Empty(t, f.byName(t)["b"].Status, "nothing recorded")

	// a duplicate result finishes twice
	a := f.byName(t)["a"]
	require.NoError(t, f.result(t, a.ID, models.StatusEnded))
	assert.ErrorIs(t, f.result(t, a.ID, models.StatusEnded), claim.ErrContractViolation)
}

// flakyFinish fails the first finish write, like a store that stays
// unreachable past the retry budget.
type flakyFinish struct {
	*store.Store
	failed bool
}

func (s *flakyFinish) FinishTask(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, int64, error) {
	if !s.failed {
		s.failed = true
		return nil, 0, fmt.Errorf("finish task: %w", resilience.ErrUnavailable)
	}
	return s.Store.FinishTask(ctx, id, u)
}

func TestTaskResult_RedeliveryAfterFailedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := claim.New(&flakyFinish{Store: f.store}, f.clock, zerolog.Nop(), nil)
	f.queue = New(f.store, claims, jobs.NewManager(f.store, jobs.WithClock(f.clock)), f.pub, resultQueue, f.clock, zerolog.Nop())

	require.NoError(t, f.startTasks(t, `[{"task_name": "a"}]`))
	f.pub.take()
	a := f.byName(t)["a"]

	err := f.result(t, a.ID, models.StatusEnded)
	require.ErrorIs(t, err, resilience.ErrUnavailable)
	assert.NotErrorIs(t, err, claim.ErrContractViolation)
	a = f.byName(t)["a"]
	assert.True(t, a.Locked(), "claim kept for the redelivery")
	assert.Equal(t, models.StatusStarted, a.Status)
	assert.Nil(t, a.End)
	assert.Empty(t, f.pub.take())

	require.NoError(t, f.result(t, a.ID, models.StatusEnded))
	a = f.byName(t)["a"]
	assert.False(t, a.Locked())
	assert.Equal(t, models.StatusEnded, a.Status)

	out := f.pub.take()
	require.Len(t, out, 1)
	assert.Equal(t, resultQueue, out[0].queue)
	assert.Equal(t, "ended", out[0].msg.String("status"))
	step, err := f.store.GetStep(ctx, f.step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, step.Status)
}

func TestTaskResult_Invalid(t *testing.T) {
	f := newFixture(t)

	assert.ErrorContains(t, f.queue.TaskResult(context.Background(), message.MustDecode(`{"status": "ended"}`)), "invalid task result")
	assert.ErrorContains(t, f.queue.TaskResult(context.Background(), message.MustDecode(`{"id": 1, "status": "paused"}`)), "invalid task result")
}

func TestStartTasks_Invalid(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.startTasks(t, `[{"task_name": "a", "dependencies": ["x"]}]`), ErrUnknownDependency)
	assert.ErrorIs(t, f.startTasks(t, `[{"task_name": "a", "dependencies": ["b"]}, {"task_name": "b", "dependencies": ["a"]}]`), ErrDependencyCycle)
	assert.ErrorContains(t, f.startTasks(t, `[]`), "invalid start tasks")
	assert.ErrorIs(t, f.startTasks(t, `[{"task_name": "a"}, {"task_name": "a"}]`), ErrDuplicateTask)
	assert.Empty(t, f.byName(t), "no task created")

	err := f.queue.StartTasks(context.Background(), message.MustDecode(`{"contents": {}}`))
	assert.ErrorIs(t, err, jobs.ErrNoJobID)
}

func TestCheckDependencies(t *testing.T) {
	assert.NoError(t, checkDependencies([]TaskSpec{
		{Name: "d", Dependencies: []string{"b", "c"}},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "c", Dependencies: []string{"a"}},
		{Name: "a"},
	}))
	assert.ErrorIs(t, checkDependencies([]TaskSpec{{Name: "a", Dependencies: []string{"a"}}}), ErrDependencyCycle)
}
