// Package taskqueue splits a step into tasks that workers claim and run.
//
// A start_tasks message declares the tasks of a step and their dependencies.
// Tasks whose dependencies have all ended are claimed and handed to the
// worker queue; each task result releases the claim and dispatches whatever
// became ready. When no task is left to run the step is completed and its
// result is published for the workflow engine.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
)

// keySuffix is appended to a task's key prefix to route its request.
const keySuffix = ".task.request"

var (
	// ErrUnknownDependency is returned when a task depends on a task the step does not declare.
	ErrUnknownDependency = errors.New("unknown task dependency")
	// ErrDependencyCycle is returned when the declared dependencies can never all be met.
	ErrDependencyCycle = errors.New("task dependency cycle")
	// ErrDuplicateTask is returned when a step declares two tasks with the same name.
	ErrDuplicateTask = errors.New("duplicate task")
)

var validate = validator.New()

// Store is the persistence the queue needs.
type Store interface {
	CreateTask(ctx context.Context, task models.Task) (*models.Task, error)
	UpdateTask(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, error)
	TasksForStep(ctx context.Context, stepID int64) ([]models.Task, error)
}

// TaskSpec declares one task of a step.
type TaskSpec struct {
	Name         string          `json:"task_name" validate:"required"`
	Dependencies []string        `json:"dependencies"`
	ExtraMsg     json.RawMessage `json:"extra_msg,omitempty"`
}

// StartTasks is the contents of a start_tasks message.
type StartTasks struct {
	DstQueue  string     `json:"dst_queue" validate:"required"`
	KeyPrefix string     `json:"key_prefix" validate:"required"`
	Tasks     []TaskSpec `json:"tasks" validate:"required,min=1,dive"`
	// ExtraMsg is handed to every task that declares none of its own.
	ExtraMsg json.RawMessage `json:"extra_msg,omitempty"`
}

// TaskResult is a task_completed message.
type TaskResult struct {
	ID        int64           `json:"id" validate:"required"`
	Status    models.Status   `json:"status" validate:"omitempty,oneof=ended failed"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	ProcessID string          `json:"process_id,omitempty"`
}

// Queue creates, dispatches and completes tasks.
type Queue struct {
	store       Store
	claims      *claim.Protocol
	jobs        *jobs.Manager
	pub         broker.Publisher
	resultQueue string
	clock       clockwork.Clock
	log         zerolog.Logger
}

// New creates a Queue that publishes step results to resultQueue. clock may be nil.
func New(s Store, claims *claim.Protocol, jm *jobs.Manager, pub broker.Publisher, resultQueue string, clock clockwork.Clock, log zerolog.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		store:       s,
		claims:      claims,
		jobs:        jm,
		pub:         pub,
		resultQueue: resultQueue,
		clock:       clock,
		log:         log.With().Str("component", "taskqueue").Logger(),
	}
}

// checkDependencies rejects unknown dependencies and cycles.
func checkDependencies(specs []TaskSpec) error {
	deps := make(map[string][]string, len(specs))
	for _, t := range specs {
		if _, dup := deps[t.Name]; dup {
			return fmt.Errorf("%w %s", ErrDuplicateTask, t.Name)
		}
		deps[t.Name] = t.Dependencies
	}
	for name, ds := range deps {
		for _, d := range ds {
			if _, ok := deps[d]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, d)
			}
		}
	}

	// Peel off tasks whose dependencies are all resolved; whatever remains is cyclic.
	resolved := make(map[string]bool, len(deps))
	for progress := true; progress; {
		progress = false
		for name, ds := range deps {
			if resolved[name] {
				continue
			}
			ready := true
			for _, d := range ds {
				if !resolved[d] {
					ready = false
					break
				}
			}
			if ready {
				resolved[name] = true
				progress = true
			}
		}
	}
	if len(resolved) != len(deps) {
		return ErrDependencyCycle
	}
	return nil
}

// StartTasks creates the tasks declared in the message contents for the step
// in its header and dispatches those without dependencies.
func (q *Queue) StartTasks(ctx context.Context, msg *message.Message) error {
	jobID, ok := msg.JobID()
	if !ok {
		return jobs.ErrNoJobID
	}
	stepID, ok := msg.StepID()
	if !ok {
		return fmt.Errorf("start tasks for job %d: %w", jobID, jobs.ErrNoStepID)
	}

	contents, ok := msg.Object("contents")
	if !ok {
		contents = msg
	}
	var req StartTasks
	if err := contents.Decode(&req); err != nil {
		return fmt.Errorf("decode start tasks: %w", err)
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid start tasks: %w", err)
	}
	if err := checkDependencies(req.Tasks); err != nil {
		return fmt.Errorf("invalid start tasks: %w", err)
	}

	for _, spec := range req.Tasks {
		extra := spec.ExtraMsg
		if extra == nil {
			extra = req.ExtraMsg
		}
		deps := spec.Dependencies
		if deps == nil {
			deps = []string{}
		}
		if _, err := q.store.CreateTask(ctx, models.Task{
			Name:         spec.Name,
			Dependencies: deps,
			JobID:        jobID,
			StepID:       stepID,
			DstQueue:     req.DstQueue,
			KeyPrefix:    req.KeyPrefix,
			ExtraMsg:     extra,
		}); err != nil {
			return err
		}
	}
	q.log.Info().Int64("jobid", jobID).Int64("stepid", stepID).Int("tasks", len(req.Tasks)).Msg("tasks created")

	tasks, err := q.store.TasksForStep(ctx, stepID)
	if err != nil {
		return err
	}
	_, err = q.dispatchReady(ctx, tasks)
	return err
}

// TaskResult records the outcome of a task together with the release of its
// claim and moves the step forward.
func (q *Queue) TaskResult(ctx context.Context, msg *message.Message) error {
	var res TaskResult
	if err := msg.Decode(&res); err != nil {
		return fmt.Errorf("decode task result: %w", err)
	}
	if err := validate.Struct(res); err != nil {
		return fmt.Errorf("invalid task result: %w", err)
	}
	if res.Status == "" {
		res.Status = models.StatusEnded
	}

	// A result for a task nobody holds is a contract violation; nothing is recorded.
	end := q.clock.Now()
	u := models.TaskUpdate{Status: &res.Status, End: &end, Summary: res.Summary}
	if res.ProcessID != "" {
		u.ProcessID = &res.ProcessID
	}
	task, err := q.claims.Finish(ctx, res.ID, u)
	if err != nil {
		return err
	}
	q.log.Info().Int64("task", task.ID).Str("name", task.Name).Str("status", string(task.Status)).Msg("task finished")

	tasks, err := q.store.TasksForStep(ctx, task.StepID)
	if err != nil {
		return err
	}

	var running, failed, queued int
	for _, t := range tasks {
		switch t.Status {
		case models.StatusStarted:
			running++
		case models.StatusFailed:
			failed++
		case "":
			queued++
		}
	}
	if failed > 0 {
		if running == 0 {
			return q.completeStep(ctx, task, tasks, models.StatusFailed)
		}
		return nil
	}
	if running == 0 && queued == 0 {
		return q.completeStep(ctx, task, tasks, models.StatusEnded)
	}
	_, err = q.dispatchReady(ctx, tasks)
	return err
}

// dispatchReady claims and publishes every queued task whose dependencies
// have ended. A task claimed by someone else is skipped.
func (q *Queue) dispatchReady(ctx context.Context, tasks []models.Task) (int, error) {
	ended := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == models.StatusEnded {
			ended[t.Name] = true
		}
	}

	dispatched := 0
	for _, t := range tasks {
		if t.Status != "" || t.Locked() || !dependenciesMet(t, ended) {
			continue
		}
		ok, err := q.claims.Claim(ctx, t.ID)
		if err != nil {
			return dispatched, err
		}
		if !ok {
			continue
		}
		if err := q.dispatch(ctx, t); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func dependenciesMet(t models.Task, ended map[string]bool) bool {
	for _, d := range t.Dependencies {
		if !ended[d] {
			return false
		}
	}
	return true
}

// dispatch marks a claimed task started and hands it to its worker queue.
func (q *Queue) dispatch(ctx context.Context, t models.Task) error {
	start := q.clock.Now()
	started := models.StatusStarted
	if _, err := q.store.UpdateTask(ctx, t.ID, models.TaskUpdate{Status: &started, Start: &start}); err != nil {
		return err
	}

	out := message.New()
	header := out.Header()
	header.Set(message.KeyJobID, t.JobID)
	header.Set(message.KeyStepID, t.StepID)
	out.Set("id", t.ID)
	out.Set("task_name", t.Name)
	if len(t.ExtraMsg) > 0 {
		out.Set("extra_msg", t.ExtraMsg)
	}
	body, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode task %d: %w", t.ID, err)
	}
	key := t.KeyPrefix + keySuffix
	if err := q.pub.Publish(ctx, t.DstQueue, key, body); err != nil {
		return fmt.Errorf("publish task %d: %w", t.ID, err)
	}
	q.log.Debug().Int64("task", t.ID).Str("name", t.Name).Str("queue", t.DstQueue).Str("key", key).Msg("task dispatched")
	return nil
}

type taskSummary struct {
	Name    string          `json:"name"`
	Status  models.Status   `json:"status"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

// completeStep finishes the step of the tasks and publishes the step result.
// Only the caller that finishes the step publishes.
func (q *Queue) completeStep(ctx context.Context, last *models.Task, tasks []models.Task, status models.Status) error {
	if _, err := q.jobs.FinishStep(ctx, last.StepID, status); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			q.log.Debug().Int64("stepid", last.StepID).Msg("step already completed")
			return nil
		}
		return err
	}

	summaries := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, taskSummary{Name: t.Name, Status: t.Status, Summary: t.Summary})
	}
	out := message.New()
	header := out.Header()
	header.Set(message.KeyJobID, last.JobID)
	header.Set(message.KeyStepID, last.StepID)
	out.Set("status", status)
	out.Set("summary", map[string]interface{}{"tasks": summaries})
	body, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}
	if err := q.pub.Publish(ctx, q.resultQueue, "", body); err != nil {
		return fmt.Errorf("publish step result: %w", err)
	}
	q.log.Info().Int64("jobid", last.JobID).Int64("stepid", last.StepID).Str("status", string(status)).Msg("step tasks completed")
	return nil
}
