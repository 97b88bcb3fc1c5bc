// Package jobs manages the lifecycle of jobs and their steps: identity,
// start and end bookkeeping and detection of duplicate runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
)

// DefaultZombieAfter is the age after which an unfinished job is presumed crashed.
const DefaultZombieAfter = 12 * time.Hour

// Progress statuses reported by workers on the progress queue.
const (
	ProgressStart = "START"
	ProgressOK    = "OK"
	ProgressFail  = "FAIL"
)

var (
	// ErrNoJobID is returned when an operation needs a job id the message does not carry.
	ErrNoJobID = errors.New("message carries no job id")
	// ErrNoStepID is returned when an operation needs a step id the message does not carry.
	ErrNoStepID = errors.New("message carries no step id")
	// ErrUnknownProgress is returned for a progress status other than START, OK or FAIL.
	ErrUnknownProgress = errors.New("unknown progress status")
	// ErrAlreadyRunning is returned when a job with the same name is still running.
	ErrAlreadyRunning = errors.New("job already running")
)

// Store is the persistence the manager needs.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (*models.Job, error)
	UpdateJob(ctx context.Context, id int64, u models.JobUpdate) (*models.Job, error)
	FindRunningJob(ctx context.Context, name string, excludeID int64) (*models.Job, error)
	CreateStep(ctx context.Context, step models.JobStep) (*models.JobStep, error)
	UpdateStep(ctx context.Context, id int64, u models.StepUpdate) (*models.JobStep, error)
}

// Manager creates and finishes jobs and steps.
type Manager struct {
	store       Store
	clock       clockwork.Clock
	zombieAfter time.Duration
	log         zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithZombieAfter overrides DefaultZombieAfter.
func WithZombieAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.zombieAfter = d
		}
	}
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "jobs").Logger() }
}

// NewManager creates a Manager.
func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		clock:       clockwork.NewRealClock(),
		zombieAfter: DefaultZombieAfter,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJob creates a running job for workflowType. Its name and args are
// derived from the positional fields of msg.
func (m *Manager) StartJob(ctx context.Context, workflowType string, msg *message.Message, user *string) (*models.Job, error) {
	args := msg.Args()
	job, err := m.store.CreateJob(ctx, models.Job{
		Name:   message.JobName(workflowType, args),
		Type:   workflowType,
		Args:   args,
		Start:  m.clock.Now(),
		Status: models.StatusStarted,
		User:   user,
	})
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	m.log.Debug().Int64("jobid", job.ID).Str("name", job.Name).Msg("job started")
	return job, nil
}

// EndJob marks the job identified by msg as ended. A message without a job
// id cannot be attributed: EndJob then returns nil and changes nothing.
func (m *Manager) EndJob(ctx context.Context, msg *message.Message) (*models.Job, error) {
	id, ok := msg.JobID()
	if !ok {
		return nil, nil
	}
	return m.FinishJob(ctx, id, models.StatusEnded)
}

// FinishJob sets the end of a job and its terminal status.
func (m *Manager) FinishJob(ctx context.Context, id int64, status models.Status) (*models.Job, error) {
	end := m.clock.Now()
	job, err := m.store.UpdateJob(ctx, id, models.JobUpdate{End: &end, Status: &status})
	if err != nil {
		return nil, fmt.Errorf("end job: %w", err)
	}
	m.log.Debug().Int64("jobid", id).Str("status", string(status)).Msg("job finished")
	return job, nil
}

// StartStep creates a running step for the job identified by msg.
func (m *Manager) StartStep(ctx context.Context, name string, msg *message.Message) (*models.JobStep, error) {
	jobID, ok := msg.JobID()
	if !ok {
		return nil, fmt.Errorf("start step %s: %w", name, ErrNoJobID)
	}
	step, err := m.store.CreateStep(ctx, models.JobStep{
		Name:   name,
		Start:  m.clock.Now(),
		Status: models.StatusStarted,
		JobID:  jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("start step: %w", err)
	}
	return step, nil
}

// EndStep marks the step identified by msg as ended. Like EndJob it is a
// no-op for a message without a step id.
func (m *Manager) EndStep(ctx context.Context, msg *message.Message) (*models.JobStep, error) {
	id, ok := msg.StepID()
	if !ok {
		return nil, nil
	}
	return m.FinishStep(ctx, id, models.StatusEnded)
}

// FinishStep sets the end of a step and its terminal status.
func (m *Manager) FinishStep(ctx context.Context, id int64, status models.Status) (*models.JobStep, error) {
	end := m.clock.Now()
	step, err := m.store.UpdateStep(ctx, id, models.StepUpdate{End: &end, Status: &status})
	if err != nil {
		return nil, fmt.Errorf("end step: %w", err)
	}
	return step, nil
}

// StepProgress records a progress report for a step: START restarts its
// clock, OK ends it and FAIL fails it.
func (m *Manager) StepProgress(ctx context.Context, stepID int64, progress string) (*models.JobStep, error) {
	now := m.clock.Now()
	var u models.StepUpdate
	switch progress {
	case ProgressStart:
		started := models.StatusStarted
		u = models.StepUpdate{Start: &now, Status: &started}
	case ProgressOK:
		ended := models.StatusEnded
		u = models.StepUpdate{End: &now, Status: &ended}
	case ProgressFail:
		failed := models.StatusFailed
		u = models.StepUpdate{End: &now, Status: &failed}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgress, progress)
	}
	step, err := m.store.UpdateStep(ctx, stepID, u)
	if err != nil {
		return nil, fmt.Errorf("step progress: %w", err)
	}
	return step, nil
}

// IsDuplicateRunning reports whether another unfinished job with the same
// name is still considered running. The most recently started one decides:
// if it started at least the zombie threshold ago it is presumed crashed and
// job may proceed.
func (m *Manager) IsDuplicateRunning(ctx context.Context, job *models.Job) (bool, error) {
	other, err := m.store.FindRunningJob(ctx, job.Name, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find running job: %w", err)
	}

	age := m.clock.Since(other.Start)
	zombie := age >= m.zombieAfter
	m.log.Info().
		Int64("jobid", other.ID).
		Time("start", other.Start).
		Dur("age", age).
		Bool("zombie", zombie).
		Msg("found already running job")
	return !zombie, nil
}
