// Package controlplane provides the status and ingest HTTP API of the daemon
// and the service layer behind it.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/audit"
	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
)

// Store is the read side of the persistence gateway used by the API.
type Store interface {
	IsConnected(ctx context.Context) bool
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	StepsForJob(ctx context.Context, jobID int64) ([]models.JobStep, error)
	GetJobStep(ctx context.Context, jobID, stepID int64) (*models.Job, *models.JobStep, error)
	TasksForStep(ctx context.Context, stepID int64) ([]models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	ServiceTasks(ctx context.Context, serviceID int64) ([]models.ServiceTask, error)
}

// Queues resolves the queue an event is consumed from.
type Queues interface {
	Queue(event string) (string, bool)
}

// JobView is a job with its steps.
type JobView struct {
	models.Job
	Steps []models.JobStep `json:"steps"`
}

// ServiceView is a registered service with the tasks of its last heartbeat.
type ServiceView struct {
	models.Service
	Tasks []models.ServiceTask `json:"tasks"`
}

// EventReceipt acknowledges an injected event.
type EventReceipt struct {
	Event       string `json:"event"`
	Queue       string `json:"queue"`
	RequestUUID string `json:"request_uuid"`
}

// Service provides the control plane operations.
type Service struct {
	store  Store
	claims *claim.Protocol
	broker broker.Transport
	queues Queues
	audit  *audit.Writer
	log    zerolog.Logger
}

// NewService creates a new control plane service.
func NewService(s Store, claims *claim.Protocol, b broker.Transport, queues Queues, w *audit.Writer, log zerolog.Logger) *Service {
	return &Service{
		store:  s,
		claims: claims,
		broker: b,
		queues: queues,
		audit:  w,
		log:    log.With().Str("component", "controlplane").Logger(),
	}
}

// Healthy reports whether the store answers.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.store.IsConnected(ctx)
}

// --- Job Operations ---

// ListJobs returns the most recent jobs.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return s.store.ListJobs(ctx, limit)
}

// GetJob returns a job and its steps.
func (s *Service) GetJob(ctx context.Context, id int64) (*JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.StepsForJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []models.JobStep{}
	}
	return &JobView{Job: *job, Steps: steps}, nil
}

// StepTasks returns the tasks of a step, which must belong to the job.
func (s *Service) StepTasks(ctx context.Context, jobID, stepID int64) ([]models.Task, error) {
	if _, _, err := s.store.GetJobStep(ctx, jobID, stepID); err != nil {
		return nil, err
	}
	tasks, err := s.store.TasksForStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, nil
}

// --- Task Operations ---

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// UnlockTask releases the claim on a task whose holder is gone. Releasing a
// task that holds no claim is a contract violation.
func (s *Service) UnlockTask(ctx context.Context, id int64) (*models.Task, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if err := s.claims.Release(ctx, id); err != nil {
		return nil, err
	}
	s.log.Warn().Int64("task", id).Msg("task unlocked by operator")
	return s.store.GetTask(ctx, id)
}

// --- Service Operations ---

// ListServices returns every registered service with its tasks.
func (s *Service) ListServices(ctx context.Context) ([]ServiceView, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ServiceView, 0, len(services))
	for _, svc := range services {
		tasks, err := s.store.ServiceTasks(ctx, svc.ID)
		if err != nil {
			return nil, err
		}
		if tasks == nil {
			tasks = []models.ServiceTask{}
		}
		views = append(views, ServiceView{Service: svc, Tasks: tasks})
	}
	return views, nil
}

// --- Event Operations ---

// SendEvent publishes body to the queue of event and records the transfer
// in the audit log under a fresh request uuid.
func (s *Service) SendEvent(ctx context.Context, event string, body []byte) (*EventReceipt, error) {
	queue, ok := s.queues.Queue(event)
	if !ok {
		return nil, fmt.Errorf("%s: %w", event, ErrUnknownEvent)
	}
	if _, err := message.Decode(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}

	requestUUID := uuid.NewString()
	if err := s.broker.Publish(ctx, queue, event, body); err != nil {
		return nil, fmt.Errorf("publish %s: %w", event, err)
	}
	if _, err := s.audit.RecordTransfer(ctx, "event", "api", queue, json.RawMessage(body), requestUUID); err != nil {
		return nil, err
	}

	s.log.Info().Str("event", event).Str("queue", queue).Str("request_uuid", requestUUID).Msg("event injected")
	return &EventReceipt{Event: event, Queue: queue, RequestUUID: requestUUID}, nil
}

// Pull takes the next message off queue, waiting at most wait for one to
// arrive. It reports false when the queue stayed empty. Workers without a
// broker connection use it to fetch step and task requests.
func (s *Service) Pull(ctx context.Context, queue string, wait time.Duration) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	deliveries, err := s.broker.Consume(ctx, queue)
	if err != nil {
		return nil, false, err
	}
	select {
	case d, ok := <-deliveries:
		if !ok {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, false, broker.ErrClosed
		}
		if err := d.Ack(); err != nil {
			return nil, false, err
		}
		return d.Body, true, nil
	case <-ctx.Done():
		return nil, false, nil
	}
}
