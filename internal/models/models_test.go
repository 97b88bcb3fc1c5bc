package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StatusStarted, StatusEnded))
	assert.NoError(t, CheckTransition(StatusStarted, StatusFailed))
	assert.NoError(t, CheckTransition(StatusEnded, StatusEnded))

	err := CheckTransition(StatusEnded, StatusStarted)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = CheckTransition(StatusFailed, StatusEnded)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestJobUpdate_EndIsImmutable(t *testing.T) {
	end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ended := StatusEnded
	job := &Job{ID: 1, Status: StatusStarted}

	require.NoError(t, JobUpdate{End: &end, Status: &ended}.Apply(job))
	assert.Equal(t, StatusEnded, job.Status)
	require.NotNil(t, job.End)
	assert.True(t, job.End.Equal(end))

	later := end.Add(time.Hour)
	err := JobUpdate{End: &later}.Apply(job)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, job.End.Equal(end))
}

func TestStepUpdate_Fail(t *testing.T) {
	failed := StatusFailed
	step := &JobStep{ID: 3, Status: StatusStarted}
	require.NoError(t, StepUpdate{Status: &failed}.Apply(step))
	assert.Equal(t, StatusFailed, step.Status)

	started := StatusStarted
	assert.Error(t, StepUpdate{Status: &started}.Apply(step))
}

func TestTaskUpdate_FromEmptyStatus(t *testing.T) {
	ended := StatusEnded
	task := &Task{ID: 9}
	require.NoError(t, TaskUpdate{Status: &ended, Summary: []byte(`{"ok":true}`)}.Apply(task))
	assert.True(t, task.Ended())
	assert.JSONEq(t, `{"ok":true}`, string(task.Summary))
}

func TestServiceTaskChanges_Empty(t *testing.T) {
	assert.True(t, ServiceTaskChanges{}.Empty())
	assert.False(t, ServiceTaskChanges{Delete: []int64{1}}.Empty())
}

func TestStepUpdate_StartOnlyWhileRunning(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	step := &JobStep{Status: StatusStarted, Start: start}

	restart := start.Add(time.Minute)
	require.NoError(t, StepUpdate{Start: &restart}.Apply(step))
	assert.Equal(t, restart, step.Start)

	ended := StatusEnded
	require.NoError(t, StepUpdate{Status: &ended}.Apply(step))
	err := StepUpdate{Start: &start}.Apply(step)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
