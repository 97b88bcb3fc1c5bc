package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/workflowd/internal/audit"
	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
)

type queueMap map[string]string

func (q queueMap) Queue(event string) (string, bool) {
	name, ok := q[event]
	return name, ok
}

type testServer struct {
	handler http.Handler
	store   *store.Store
	broker  *broker.Memory
	claims  *claim.Protocol
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(store.Options{
		Driver:          config.DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MigrationLockID: 1,
		Retry:           config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, st.Connect(ctx))
	t.Cleanup(func() { st.Disconnect() })

	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	clock := clockwork.NewRealClock()
	claims := claim.New(st, clock, zerolog.Nop(), nil)
	service := NewService(st, claims, b, queueMap{"save_logs": "workflowd.log.all"}, audit.NewWriter(st, clock, zerolog.Nop()), zerolog.Nop())
	server := NewServer(service, metrics.New(), "127.0.0.1:0", zerolog.Nop())
	return &testServer{handler: server.Handler(), store: st, broker: b, claims: claims}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

// seed creates a job with one step and one task.
func (ts *testServer) seed(t *testing.T) (*models.Job, *models.JobStep, *models.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	job, err := ts.store.CreateJob(ctx, models.Job{Name: "relate.gebieden", Type: "relate", Start: now, Status: models.StatusStarted})
	require.NoError(t, err)
	step, err := ts.store.CreateStep(ctx, models.JobStep{Name: "relate", Start: now, Status: models.StatusStarted, JobID: job.ID})
	require.NoError(t, err)
	task, err := ts.store.CreateTask(ctx, models.Task{Name: "bouwblokken", JobID: job.ID, StepID: step.ID})
	require.NoError(t, err)
	return job, step, task
}

func TestHealthEndpoint_OK(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	decode(t, w, &health)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Disconnect())

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	decode(t, w, &health)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	job, step, _ := ts.seed(t)

	w := ts.do(t, http.MethodGet, "/jobs/"+strconv.FormatInt(job.ID, 10), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view JobView
	decode(t, w, &view)
	assert.Equal(t, job.Name, view.Name)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, step.ID, view.Steps[0].ID)

	w = ts.do(t, http.MethodGet, "/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Job
	decode(t, w, &list)
	assert.Len(t, list, 1)
}

func TestStepTasks(t *testing.T) {
	ts := newTestServer(t)
	job, step, task := ts.seed(t)

	path := "/jobs/" + strconv.FormatInt(job.ID, 10) + "/steps/" + strconv.FormatInt(step.ID, 10) + "/tasks"
	w := ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.Task
	decode(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	other, err := ts.store.CreateJob(context.Background(), models.Job{Name: "other", Type: "other", Start: time.Now(), Status: models.StatusStarted})
	require.NoError(t, err)
	path = "/jobs/" + strconv.FormatInt(other.ID, 10) + "/steps/" + strconv.FormatInt(step.ID, 10) + "/tasks"
	w = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "the step belongs to another job")
}

func TestUnlockTask(t *testing.T) {
	ts := newTestServer(t)
	_, _, task := ts.seed(t)
	path := "/tasks/" + strconv.FormatInt(task.ID, 10) + "/unlock"

	claimed, err := ts.claims.Claim(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	w := ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var unlocked models.Task
	decode(t, w, &unlocked)
	assert.Nil(t, unlocked.Lock)

	w = ts.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "releasing an unlocked task")

	w = ts.do(t, http.MethodPost, "/tasks/999/unlock", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListServices(t *testing.T) {
	ts := newTestServer(t)
	host := "worker-1"
	_, err := ts.store.SaveService(context.Background(), models.Service{
		Host: &host, Name: "import", PID: 12, IsAlive: true, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/services", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var services []ServiceView
	decode(t, w, &services)
	require.Len(t, services, 1)
	assert.Equal(t, "import", services[0].Name)
	assert.NotNil(t, services[0].Tasks)
}

func TestSendEvent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/events/save_logs", []byte(`{"msg": "hello"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	var receipt EventReceipt
	decode(t, w, &receipt)
	assert.Equal(t, "workflowd.log.all", receipt.Queue)
	assert.Equal(t, 1, ts.broker.Len("workflowd.log.all"))

	entries, err := ts.store.AuditLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, receipt.RequestUUID, entries[0].RequestUUID)
	assert.Equal(t, "api", entries[0].Source)
	assert.JSONEq(t, `{"msg": "hello"}`, entries[0].Data)
}

func TestSendEvent_Errors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/events/unknown", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/events/save_logs", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, ts.broker.Len("workflowd.log.all"))
}

func TestPull(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.broker.Publish(ctx, "worker.import", "import", []byte(`{"n": 1}`)))
	require.NoError(t, ts.broker.Publish(ctx, "worker.import", "import", []byte(`{"n": 2}`)))

	w := ts.do(t, http.MethodPost, "/queues/worker.import/pull?wait=1s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"n": 1}`, w.Body.String())

	require.Eventually(t, func() bool { return ts.broker.Len("worker.import") == 1 }, time.Second, 5*time.Millisecond,
		"the second message stays queued")

	w = ts.do(t, http.MethodPost, "/queues/worker.import/pull?wait=1s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"n": 2}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/queues/worker.import/pull?wait=10ms", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodPost, "/queues/worker.import/pull?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
