package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/audit"
	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/liveness"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/taskqueue"
	"github.com/fentz26/workflowd/internal/workflow"
)

// Event names.
const (
	EventStepCompleted    = "step_completed"
	EventStartWorkflow    = "start_workflow"
	EventSaveLogs         = "save_logs"
	EventSaveAuditLogs    = "save_audit_logs"
	EventHeartbeatMonitor = "heartbeat_monitor"
	EventWorkflowProgress = "workflow_progress"
	EventStartTasks       = "start_tasks"
	EventTaskCompleted    = "task_completed"
)

// LogStore persists log records.
type LogStore interface {
	SaveLog(ctx context.Context, entry models.LogEntry) (*models.LogEntry, error)
}

// Components are the handlers behind the service definition.
type Components struct {
	Engine   *workflow.Engine
	Logs     LogStore
	Audit    *audit.Writer
	Liveness *liveness.Reconciler
	Tasks    *taskqueue.Queue
	Log      zerolog.Logger
}

// Definition wires every event to its queue and handler.
func Definition(q config.QueueConfig, c Components) ServiceDefinition {
	return ServiceDefinition{
		EventStepCompleted:    {Queue: q.StepCompleted, Handler: c.Engine.HandleResult},
		EventStartWorkflow:    {Queue: q.StartWorkflow, Handler: startWorkflow(c.Engine, c.Log)},
		EventSaveLogs:         {Queue: q.SaveLogs, Handler: saveLog(c.Logs)},
		EventSaveAuditLogs:    {Queue: q.SaveAuditLogs, Handler: c.Audit.OnAuditLog},
		EventHeartbeatMonitor: {Queue: q.HeartbeatMonitor, Handler: c.Liveness.OnHeartbeat},
		EventWorkflowProgress: {Queue: q.WorkflowProgress, Handler: workflowProgress(c.Engine)},
		EventStartTasks:       {Queue: q.StartTasks, Handler: c.Tasks.StartTasks},
		EventTaskCompleted:    {Queue: q.TaskCompleted, Handler: c.Tasks.TaskResult},
	}
}

var validate = validator.New()

// WorkflowParams selects the workflow a start_workflow message starts.
type WorkflowParams struct {
	WorkflowName string `json:"workflow_name" validate:"required"`
	StepName     string `json:"step_name"`
}

// startWorkflow strips the workflow parameters from the message and starts
// the workflow with what remains. A duplicate run is logged, not retried.
func startWorkflow(e *workflow.Engine, log zerolog.Logger) Handler {
	return func(ctx context.Context, msg *message.Message) error {
		params, ok := msg.Object(message.KeyWorkflow)
		if !ok {
			return MarkPermanent(errors.New("start workflow: no workflow parameters"))
		}
		var p WorkflowParams
		if err := params.Decode(&p); err != nil {
			return fmt.Errorf("decode workflow parameters: %w", err)
		}
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("invalid workflow parameters: %w", err)
		}
		msg.Delete(message.KeyWorkflow)

		var user *string
		if h, ok := msg.Object(message.KeyHeader); ok {
			if u := h.String("user"); u != "" {
				user = &u
			}
		}

		job, err := e.Start(ctx, p.WorkflowName, p.StepName, msg, user)
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			log.Warn().Int64("jobid", job.ID).Str("name", job.Name).Msg("workflow not started, already running")
			return nil
		}
		return err
	}
}

func workflowProgress(e *workflow.Engine) Handler {
	return func(ctx context.Context, msg *message.Message) error {
		_, err := e.Progress(ctx, msg)
		return err
	}
}

// logFields are the string fields of a save_logs message, by column.
var logFields = []struct {
	key string
	set func(*models.LogEntry, string)
}{
	{"process_id", func(e *models.LogEntry, v string) { e.ProcessID = v }},
	{"source", func(e *models.LogEntry, v string) { e.Source = v }},
	{"application", func(e *models.LogEntry, v string) { e.Application = v }},
	{"destination", func(e *models.LogEntry, v string) { e.Destination = v }},
	{"catalogue", func(e *models.LogEntry, v string) { e.Catalogue = v }},
	{"entity", func(e *models.LogEntry, v string) { e.Entity = v }},
	{"level", func(e *models.LogEntry, v string) { e.Level = v }},
	{"name", func(e *models.LogEntry, v string) { e.Name = v }},
	{"id", func(e *models.LogEntry, v string) { e.MsgID = v }},
	{"msg", func(e *models.LogEntry, v string) { e.Msg = v }},
}

// ParseLog converts a save_logs message into a log record. data is stored
// JSON-encoded.
func ParseLog(msg *message.Message) (models.LogEntry, error) {
	var entry models.LogEntry
	ts, err := audit.ParseTimestamp(msg.String("timestamp"))
	if err != nil {
		return entry, fmt.Errorf("invalid log: %w", err)
	}
	entry.Timestamp = ts

	for _, f := range logFields {
		if msg.Has(f.key) {
			f.set(&entry, msg.String(f.key))
		}
	}
	if id, ok := msg.JobID(); ok {
		entry.JobID = &id
	}
	if id, ok := msg.StepID(); ok {
		entry.StepID = &id
	}
	if data, ok := msg.Get("data"); ok && data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return entry, fmt.Errorf("encode log data: %w", err)
		}
		entry.Data = string(b)
	}
	return entry, nil
}

func saveLog(s LogStore) Handler {
	return func(ctx context.Context, msg *message.Message) error {
		entry, err := ParseLog(msg)
		if err != nil {
			return err
		}
		_, err = s.SaveLog(ctx, entry)
		return err
	}
}
