package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
)

// logName is the name under which workflow events are written to the log table.
const logName = "WORKFLOW"

// Store is the persistence the engine reads from.
type Store interface {
	GetJobStep(ctx context.Context, jobID, stepID int64) (*models.Job, *models.JobStep, error)
}

// LogWriter persists workflow log records.
type LogWriter interface {
	SaveLog(ctx context.Context, entry models.LogEntry) (*models.LogEntry, error)
}

// Engine drives workflows through their steps.
type Engine struct {
	registry *Registry
	jobs     *jobs.Manager
	store    Store
	logs     LogWriter
	log      zerolog.Logger
	clock    clockwork.Clock
}

// NewEngine creates an Engine. logs may be nil, in which case workflow events
// are only written to log. clock may be nil.
func NewEngine(r *Registry, jm *jobs.Manager, s Store, logs LogWriter, clock clockwork.Clock, log zerolog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		registry: r,
		jobs:     jm,
		store:    s,
		logs:     logs,
		log:      log.With().Str("component", "workflow").Logger(),
		clock:    clock,
	}
}

// Start creates a job for the workflow and starts stepName, or the first step
// when stepName is empty. A job whose name is still running elsewhere is
// recorded as failed and ErrAlreadyRunning is returned with it.
func (e *Engine) Start(ctx context.Context, workflowName, stepName string, msg *message.Message, user *string) (*models.Job, error) {
	def, step, err := e.registry.Lookup(workflowName, stepName)
	if err != nil {
		return nil, err
	}

	job, err := e.jobs.StartJob(ctx, def.Name, msg, user)
	if err != nil {
		return nil, err
	}

	running, err := e.jobs.IsDuplicateRunning(ctx, job)
	if err != nil {
		return job, err
	}
	if running {
		e.log.Warn().Int64("jobid", job.ID).Str("name", job.Name).Msg("job already running, not started")
		if _, err := e.jobs.FinishJob(ctx, job.ID, models.StatusFailed); err != nil {
			return job, err
		}
		return job, fmt.Errorf("%s: %w", job.Name, jobs.ErrAlreadyRunning)
	}

	e.log.Info().Int64("jobid", job.ID).Str("name", job.Name).Str("step", step.Name).Msg("workflow started")
	if err := e.startStep(ctx, job, step, msg); err != nil {
		return job, err
	}
	return job, nil
}

// startStep records the step, stamps its ids into the message header and
// runs it. A step that cannot be run fails the job.
func (e *Engine) startStep(ctx context.Context, job *models.Job, step Step, msg *message.Message) error {
	header := msg.Header()
	header.Set(message.KeyJobID, job.ID)
	header.Delete(message.KeyStepID)

	js, err := e.jobs.StartStep(ctx, step.Name, msg)
	if err != nil {
		return err
	}
	header.Set(message.KeyStepID, js.ID)

	if err := step.Run(ctx, msg); err != nil {
		e.log.Error().Err(err).Int64("jobid", job.ID).Int64("stepid", js.ID).Str("step", step.Name).Msg("step could not be started")
		if _, ferr := e.jobs.FinishStep(ctx, js.ID, models.StatusFailed); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		if _, ferr := e.jobs.FinishJob(ctx, job.ID, models.StatusFailed); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		return fmt.Errorf("run step %s: %w", step.Name, err)
	}
	return nil
}

// HandleResult processes the completion of the step named in the message
// header: the step is ended, its result handler runs and the workflow
// continues with the next step or ends.
func (e *Engine) HandleResult(ctx context.Context, msg *message.Message) error {
	jobID, ok := msg.JobID()
	if !ok {
		return jobs.ErrNoJobID
	}
	stepID, ok := msg.StepID()
	if !ok {
		return fmt.Errorf("step result for job %d: %w", jobID, jobs.ErrNoStepID)
	}

	job, js, err := e.store.GetJobStep(ctx, jobID, stepID)
	if err != nil {
		return fmt.Errorf("load job step: %w", err)
	}
	_, step, err := e.registry.Lookup(job.Type, js.Name)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		e.log.Warn().Int64("jobid", job.ID).Int64("stepid", js.ID).Str("status", string(job.Status)).Msg("result for finished job ignored")
		return nil
	}
	switch js.Status {
	case models.StatusStarted:
		if _, err := e.jobs.FinishStep(ctx, js.ID, models.StatusEnded); err != nil {
			return err
		}
	case models.StatusFailed:
		e.log.Info().Int64("jobid", job.ID).Str("step", js.Name).Msg("step failed, ending workflow")
		_, err := e.jobs.FinishJob(ctx, job.ID, models.StatusFailed)
		return err
	}

	if step.OnResult != nil {
		if err := step.OnResult(ctx, msg); err != nil {
			return fmt.Errorf("handle result of %s.%s: %w", job.Type, step.Name, err)
		}
	}

	if step.Next == "" {
		if _, err := e.jobs.FinishJob(ctx, job.ID, models.StatusEnded); err != nil {
			return err
		}
		e.log.Info().Int64("jobid", job.ID).Str("name", job.Name).Msg("workflow ended")
		return nil
	}

	_, next, err := e.registry.Lookup(job.Type, step.Next)
	if err != nil {
		return err
	}
	return e.startStep(ctx, job, next, msg)
}

// Progress records a START, OK or FAIL report for a step. Terminal reports
// log the step duration; FAIL also logs the reported error and fails the job.
func (e *Engine) Progress(ctx context.Context, msg *message.Message) (*models.JobStep, error) {
	status := msg.String("status")
	stepID, ok := msg.StepID()
	if !ok {
		return nil, fmt.Errorf("progress %s: %w", status, jobs.ErrNoStepID)
	}
	jobID, hasJob := msg.JobID()

	step, err := e.jobs.StepProgress(ctx, stepID, status)
	if err != nil {
		return nil, err
	}
	if status == jobs.ProgressStart || step.End == nil {
		return step, nil
	}

	duration := step.End.Sub(step.Start)
	e.record(ctx, zerolog.InfoLevel, jobID, stepID, "Duration "+FormatDuration(duration))
	if status == jobs.ProgressFail {
		e.record(ctx, zerolog.ErrorLevel, jobID, stepID, "Program error: "+msg.String("info_msg"))
		e.record(ctx, zerolog.InfoLevel, jobID, stepID, "End of workflow")
		if hasJob {
			if _, err := e.jobs.FinishJob(ctx, jobID, models.StatusFailed); err != nil {
				if !errors.Is(err, models.ErrInvalidTransition) {
					return step, err
				}
				e.log.Warn().Err(err).Int64("jobid", jobID).Msg("job already finished")
			}
		}
	}
	return step, nil
}

// record writes a workflow event to the process log and, when configured,
// to the log table. A failure to persist is logged and otherwise ignored.
func (e *Engine) record(ctx context.Context, level zerolog.Level, jobID, stepID int64, text string) {
	e.log.WithLevel(level).Int64("jobid", jobID).Int64("stepid", stepID).Msg(text)
	if e.logs == nil {
		return
	}
	entry := models.LogEntry{
		Timestamp: e.clock.Now(),
		Name:      logName,
		Level:     levelName(level),
		Msg:       text,
		StepID:    &stepID,
	}
	if jobID != 0 {
		entry.JobID = &jobID
	}
	if _, err := e.logs.SaveLog(ctx, entry); err != nil {
		e.log.Error().Err(err).Msg("save workflow log")
	}
}

func levelName(level zerolog.Level) string {
	switch level {
	case zerolog.ErrorLevel:
		return "ERROR"
	case zerolog.WarnLevel:
		return "WARNING"
	default:
		return "INFO"
	}
}

// FormatDuration renders d as H:MM:SS, dropping fractions of a second.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}
