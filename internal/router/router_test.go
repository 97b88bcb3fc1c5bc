package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/workflowd/internal/audit"
	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/liveness"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
	"github.com/fentz26/workflowd/internal/taskqueue"
	"github.com/fentz26/workflowd/internal/workflow"
)

func metricsText(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

// runRouter runs r in the background and stops it when the test ends.
func runRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("router did not stop")
		}
	})
}

func TestRun_AckAndNack(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	defer b.Close()
	m := metrics.New()

	var calls atomic.Int32
	handled := make(chan string, 10)
	def := ServiceDefinition{
		"ok": {Queue: "q.ok", Handler: func(_ context.Context, msg *message.Message) error {
			handled <- msg.String("n")
			return nil
		}},
		"broken": {Queue: "q.broken", Handler: func(context.Context, *message.Message) error {
			calls.Add(1)
			handled <- "broken"
			return MarkPermanent(errors.New("bad payload"))
		}},
	}
	runRouter(t, New(b, def, zerolog.Nop(), m))

	require.NoError(t, b.Publish(ctx, "q.ok", "", []byte(`{"n": "1"}`)))
	require.NoError(t, b.Publish(ctx, "q.broken", "", []byte(`{}`)))
	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatal("event not handled")
		}
	}

	require.Eventually(t, func() bool {
		text := metricsText(t, m)
		return strings.Contains(text, `workflowd_events_total{event="ok",result="ok"} 1`) &&
			strings.Contains(text, `workflowd_events_total{event="broken",result="error"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "a permanently failed event is not redelivered")
	assert.Zero(t, b.Len("q.ok"))
	assert.Zero(t, b.Len("q.broken"))
}

func TestRun_ConnectivityErrorRequeues(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	defer b.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	def := ServiceDefinition{
		"flaky": {Queue: "q", Handler: func(context.Context, *message.Message) error {
			if calls.Add(1) == 1 {
				return store.ErrNotConnected
			}
			close(done)
			return nil
		}},
	}
	runRouter(t, New(b, def, zerolog.Nop(), nil))

	require.NoError(t, b.Publish(ctx, "q", "", []byte(`{}`)))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event not redelivered")
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestRun_TransientErrorRequeues(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	defer b.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	def := ServiceDefinition{
		EventTaskCompleted: {Queue: "q", Handler: func(context.Context, *message.Message) error {
			if calls.Add(1) == 1 {
				return fmt.Errorf("update task: %w", &pq.Error{Code: "40P01", Message: "deadlock detected"})
			}
			close(done)
			return nil
		}},
	}
	runRouter(t, New(b, def, zerolog.Nop(), nil))

	require.NoError(t, b.Publish(ctx, "q", "", []byte(`{"id": 1}`)))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event not redelivered")
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, b.Len("q"))
}

func TestPermanent(t *testing.T) {
	type payload struct {
		Name string `validate:"required"`
	}
	_, decodeErr := message.Decode([]byte(`{"a": `))
	validationErr := validator.New().Struct(payload{})
	_, timeErr := audit.ParseTimestamp("yesterday")

	for _, tc := range []struct {
		name      string
		err       error
		permanent bool
	}{
		{"marked", MarkPermanent(errors.New("no parameters")), true},
		{"decode", decodeErr, true},
		{"validation", fmt.Errorf("invalid task result: %w", validationErr), true},
		{"timestamp", fmt.Errorf("invalid log: %w", timeErr), true},
		{"contract violation", fmt.Errorf("release task 1: %w", claim.ErrContractViolation), true},
		{"invalid transition", models.ErrInvalidTransition, true},
		{"unknown workflow", workflow.ErrUnknownWorkflow, true},
		{"no step id", jobs.ErrNoStepID, true},
		{"not found", fmt.Errorf("load job step: %w", store.ErrNotFound), true},
		{"deadlock", &pq.Error{Code: "40P01"}, false},
		{"serialization", &pq.Error{Code: "40001"}, false},
		{"not connected", store.ErrNotConnected, false},
		{"cancelled", context.Canceled, false},
		{"other", errors.New("database is locked"), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.permanent, Permanent(tc.err))
		})
	}
	assert.Nil(t, MarkPermanent(nil))
}

func TestRun_OneEventInFlight(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	defer b.Close()

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		wg       sync.WaitGroup
	)
	handler := func(context.Context, *message.Message) error {
		defer wg.Done()
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	def := ServiceDefinition{
		"a": {Queue: "q.a", Handler: handler},
		"b": {Queue: "q.b", Handler: handler},
		"c": {Queue: "q.c", Handler: handler},
	}

	const perQueue = 5
	wg.Add(3 * perQueue)
	for i := 0; i < perQueue; i++ {
		for _, q := range []string{"q.a", "q.b", "q.c"} {
			require.NoError(t, b.Publish(ctx, q, "", []byte(`{}`)))
		}
	}
	runRouter(t, New(b, def, zerolog.Nop(), nil))

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatal("events not handled")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestHandle(t *testing.T) {
	r := New(broker.NewMemory(), ServiceDefinition{
		"panics": {Queue: "q", Handler: func(context.Context, *message.Message) error { panic("boom") }},
	}, zerolog.Nop(), nil)

	assert.ErrorContains(t, r.Handle(context.Background(), "panics", []byte(`{}`)), "panicked")
	assert.ErrorContains(t, r.Handle(context.Background(), "unknown", []byte(`{}`)), "no handler")
	assert.Error(t, r.Handle(context.Background(), "panics", []byte(`not json`)))
}

func TestRun_ClosedTransport(t *testing.T) {
	b := broker.NewMemory()
	r := New(b, ServiceDefinition{"a": {Queue: "q", Handler: func(context.Context, *message.Message) error { return nil }}}, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, broker.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}

func TestParseLog(t *testing.T) {
	msg := message.MustDecode(`{
		"timestamp": "2024-03-01T12:00:00.123456",
		"process_id": "p-1",
		"source": "import",
		"level": "INFO",
		"name": "IMPORT",
		"id": 42,
		"msg": "rows read",
		"jobid": "7",
		"stepid": 8,
		"data": {"rows": [1, 2]}
	}`)

	entry, err := ParseLog(msg)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC), entry.Timestamp)
	assert.Equal(t, "p-1", entry.ProcessID)
	assert.Equal(t, "42", entry.MsgID)
	require.NotNil(t, entry.JobID)
	assert.EqualValues(t, 7, *entry.JobID)
	require.NotNil(t, entry.StepID)
	assert.EqualValues(t, 8, *entry.StepID)
	assert.JSONEq(t, `{"rows": [1, 2]}`, entry.Data)
	assert.Empty(t, entry.Catalogue)

	_, err = ParseLog(message.MustDecode(`{"msg": "no timestamp"}`))
	assert.Error(t, err)
}

// system wires the full definition against a sqlite store and a memory broker.
type system struct {
	store  *store.Store
	broker *broker.Memory
	queues config.QueueConfig
}

func newSystem(t *testing.T) *system {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(store.Options{
		Driver:          config.DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "router.db"),
		MigrationLockID: 1,
		Retry:           config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { s.Disconnect() })

	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	cfg := config.DefaultConfig()
	reg, err := workflow.RegistryFromConfig([]config.WorkflowConfig{{
		Name:  "import",
		Steps: []config.StepConfig{{Name: "read", Queue: "worker.import", Key: "import"}},
	}}, b)
	require.NoError(t, err)

	clock := clockwork.NewRealClock()
	jm := jobs.NewManager(s, jobs.WithClock(clock))
	def := Definition(cfg.Queues, Components{
		Engine:   workflow.NewEngine(reg, jm, s, s, clock, zerolog.Nop()),
		Logs:     s,
		Audit:    audit.NewWriter(s, clock, zerolog.Nop()),
		Liveness: liveness.NewReconciler(s, clock, zerolog.Nop(), nil),
		Tasks:    taskqueue.New(s, claim.New(s, clock, zerolog.Nop(), nil), jm, b, cfg.Queues.StepCompleted, clock, zerolog.Nop()),
		Log:      zerolog.Nop(),
	})
	assert.Len(t, def.Events(), 8)
	runRouter(t, New(b, def, zerolog.Nop(), nil))
	return &system{store: s, broker: b, queues: cfg.Queues}
}

func TestDefinition_EndToEnd(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t)

	require.NoError(t, sys.broker.Publish(ctx, sys.queues.StartWorkflow, "", []byte(`{
		"header": {"user": "operator"},
		"workflow": {"workflow_name": "import"},
		"catalogue": "gebieden"
	}`)))
	require.NoError(t, sys.broker.Publish(ctx, sys.queues.HeartbeatMonitor, "", []byte(`{
		"host": "worker-1", "name": "import", "pid": 12, "is_alive": true,
		"timestamp": "2024-03-01T12:00:00.000000", "threads": [{"name": "t1", "is_alive": true}]
	}`)))
	require.NoError(t, sys.broker.Publish(ctx, sys.queues.SaveAuditLogs, "", []byte(`{
		"source": "objectstore", "destination": "database", "type": "file"
	}`)))

	var job models.Job
	require.Eventually(t, func() bool {
		list, err := sys.store.ListJobs(ctx, 10)
		if err != nil || len(list) != 1 {
			return false
		}
		job = list[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "import.gebieden", job.Name, "workflow parameters are stripped")
	require.NotNil(t, job.User)
	assert.Equal(t, "operator", *job.User)

	require.Eventually(t, func() bool { return sys.broker.Len("worker.import") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sys.broker.Publish(ctx, sys.queues.SaveLogs, "", []byte(`{
		"timestamp": "2024-03-01T12:00:01.000000", "level": "INFO", "msg": "hello", "jobid": `+strconv.FormatInt(job.ID, 10)+`
	}`)))
	require.Eventually(t, func() bool {
		logs, err := sys.store.LogsForJob(ctx, job.ID)
		return err == nil && len(logs) == 1 && logs[0].Msg == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		services, err := sys.store.ListServices(ctx)
		return err == nil && len(services) == 1 && services[0].PID == 12
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		entries, err := sys.store.AuditLogs(ctx, 10)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
