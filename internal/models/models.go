// Package models defines the core domain types for workflowd.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job, step or task.
type Status string

const (
	StatusStarted Status = "started"
	StatusEnded   Status = "ended"
	StatusFailed  Status = "failed"
)

// ErrInvalidTransition is returned when a status or end change would break
// the started -> ended|failed lifecycle.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// CheckTransition validates a status change. Staying in the same state is allowed.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if from == StatusStarted && to.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CheckEnd validates that a set end timestamp is never replaced.
func CheckEnd(current, next *time.Time) error {
	if current == nil || next == nil {
		return nil
	}
	if !current.Equal(*next) {
		return fmt.Errorf("%w: end already set at %s", ErrInvalidTransition, current.Format(time.RFC3339))
	}
	return nil
}

// Job is one execution of a named workflow.
type Job struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Type   string     `json:"type"`
	Args   []string   `json:"args"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Status Status     `json:"status"`
	User   *string    `json:"user,omitempty"`
}

// JobUpdate enumerates the updatable job fields. Nil fields are left unchanged.
type JobUpdate struct {
	End    *time.Time
	Status *Status
	User   *string
}

// Apply validates and applies u to j.
func (u JobUpdate) Apply(j *Job) error {
	if err := CheckEnd(j.End, u.End); err != nil {
		return err
	}
	if u.Status != nil {
		if err := CheckTransition(j.Status, *u.Status); err != nil {
			return err
		}
		j.Status = *u.Status
	}
	if u.End != nil {
		end := *u.End
		j.End = &end
	}
	if u.User != nil {
		user := *u.User
		j.User = &user
	}
	return nil
}

// JobStep is one stage within a job.
type JobStep struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Status Status     `json:"status"`
	JobID  int64      `json:"jobid"`
}

// StepUpdate enumerates the updatable step fields. Start may only move
// while the step is running.
type StepUpdate struct {
	Start  *time.Time
	End    *time.Time
	Status *Status
}

// Apply validates and applies u to s.
func (u StepUpdate) Apply(s *JobStep) error {
	if err := CheckEnd(s.End, u.End); err != nil {
		return err
	}
	if u.Start != nil && s.Status.Terminal() {
		return fmt.Errorf("%w: step already %s", ErrInvalidTransition, s.Status)
	}
	if u.Status != nil {
		if err := CheckTransition(s.Status, *u.Status); err != nil {
			return err
		}
		s.Status = *u.Status
	}
	if u.Start != nil {
		s.Start = *u.Start
	}
	if u.End != nil {
		end := *u.End
		s.End = &end
	}
	return nil
}

// Task is a unit of work within a step that any worker may claim.
type Task struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Dependencies []string        `json:"dependencies"`
	Status       Status          `json:"status,omitempty"`
	Start        *time.Time      `json:"start,omitempty"`
	End          *time.Time      `json:"end,omitempty"`
	JobID        int64           `json:"jobid"`
	StepID       int64           `json:"stepid"`
	Lock         *int64          `json:"lock,omitempty"`
	DstQueue     string          `json:"dst_queue,omitempty"`
	KeyPrefix    string          `json:"key_prefix,omitempty"`
	ExtraMsg     json.RawMessage `json:"extra_msg,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	ProcessID    string          `json:"process_id,omitempty"`
}

// Locked reports whether the task currently holds a claim token.
func (t Task) Locked() bool {
	return t.Lock != nil
}

// Ended reports whether the task reached a terminal status.
func (t Task) Ended() bool {
	return t.Status.Terminal()
}

// TaskUpdate enumerates the updatable task fields. The lock is not part of it:
// it only changes through the claim protocol.
type TaskUpdate struct {
	Status    *Status
	Start     *time.Time
	End       *time.Time
	Summary   json.RawMessage
	ProcessID *string
}

// Apply validates and applies u to t.
func (u TaskUpdate) Apply(t *Task) error {
	if err := CheckEnd(t.End, u.End); err != nil {
		return err
	}
	if u.Status != nil {
		from := t.Status
		if from == "" {
			from = StatusStarted
		}
		if err := CheckTransition(from, *u.Status); err != nil {
			return err
		}
		t.Status = *u.Status
	}
	if u.Start != nil {
		start := *u.Start
		t.Start = &start
	}
	if u.End != nil {
		end := *u.End
		t.End = &end
	}
	if u.Summary != nil {
		t.Summary = u.Summary
	}
	if u.ProcessID != nil {
		t.ProcessID = *u.ProcessID
	}
	return nil
}

// Service is the registration record of one live worker process.
// A nil Host matches any host.
type Service struct {
	ID        int64     `json:"id"`
	Host      *string   `json:"host,omitempty"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	IsAlive   bool      `json:"is_alive"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceTask is one in-flight task reported by a service heartbeat.
type ServiceTask struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsAlive   bool   `json:"is_alive"`
	ServiceID int64  `json:"service_id"`
}

// DeclaredTask is a {name, is_alive} pair from a heartbeat.
type DeclaredTask struct {
	Name    string `json:"name" validate:"required"`
	IsAlive bool   `json:"is_alive"`
}

// ServiceTaskChanges is the diff that brings a service's children in line
// with the latest heartbeat.
type ServiceTaskChanges struct {
	Delete []int64
	Update []ServiceTask
	Insert []ServiceTask
}

// Empty reports whether applying c would be a no-op.
func (c ServiceTaskChanges) Empty() bool {
	return len(c.Delete) == 0 && len(c.Update) == 0 && len(c.Insert) == 0
}

// LogEntry is an append-only workflow/system log record.
type LogEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ProcessID   string    `json:"process_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Application string    `json:"application,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Catalogue   string    `json:"catalogue,omitempty"`
	Entity      string    `json:"entity,omitempty"`
	Level       string    `json:"level,omitempty"`
	Name        string    `json:"name,omitempty"`
	MsgID       string    `json:"id_msg,omitempty"`
	Msg         string    `json:"msg,omitempty"`
	JobID       *int64    `json:"jobid,omitempty"`
	StepID      *int64    `json:"stepid,omitempty"`
	Data        string    `json:"data,omitempty"`
}

// AuditLog is an append-only record of a cross-boundary data transfer.
type AuditLog struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Type        string    `json:"type,omitempty"`
	Data        string    `json:"data,omitempty"`
	RequestUUID string    `json:"request_uuid,omitempty"`
}
