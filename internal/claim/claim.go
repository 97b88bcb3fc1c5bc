// Package claim implements the task claim protocol.
//
// A task is claimed by a conditional update that sets its lock only while no
// lock is held; the store serializes racing updates, so exactly one claimant
// sees an affected row. A release clears a held lock. Releasing a task that
// holds no lock means the caller's bookkeeping is broken and is reported as a
// contract violation rather than tolerated. Locks never expire.
package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
)

// ErrContractViolation is returned when a task that holds no lock is released.
var ErrContractViolation = errors.New("contract violation")

// Store is the persistence the protocol needs.
type Store interface {
	LockTask(ctx context.Context, id, token int64) (int64, error)
	UnlockTask(ctx context.Context, id int64) (int64, error)
	FinishTask(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, int64, error)
}

// Protocol claims and releases tasks.
type Protocol struct {
	store   Store
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Protocol. m may be nil.
func New(s Store, clock clockwork.Clock, log zerolog.Logger, m *metrics.Metrics) *Protocol {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Protocol{
		store:   s,
		clock:   clock,
		log:     log.With().Str("component", "claim").Logger(),
		metrics: m,
	}
}

// Claim tries to take the lock of task id, using the current epoch second
// as token. It reports whether this caller won; a caller that did not win
// must not execute the task.
func (p *Protocol) Claim(ctx context.Context, id int64) (bool, error) {
	n, err := p.store.LockTask(ctx, id, p.clock.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	claimed := n == 1
	p.metrics.Claim(claimed)
	p.log.Debug().Int64("task", id).Bool("claimed", claimed).Msg("claim")
	return claimed, nil
}

// Release clears the lock of task id. It fails with ErrContractViolation if
// the task held no lock.
func (p *Protocol) Release(ctx context.Context, id int64) error {
	n, err := p.store.UnlockTask(ctx, id)
	if err != nil {
		return fmt.Errorf("release task %d: %w", id, err)
	}
	if n != 1 {
		p.metrics.ContractViolation()
		p.log.Error().Int64("task", id).Str("violation", "release_unlocked").Msg("released a task that was not locked")
		return fmt.Errorf("release task %d: not locked: %w", id, ErrContractViolation)
	}
	p.metrics.Release()
	return nil
}

// Finish records the outcome u of a claimed task and releases its lock in
// the same write, so a failure leaves the claim held and the outcome can be
// reported again. A task that held no lock is a contract violation and
// nothing is recorded.
func (p *Protocol) Finish(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, error) {
	task, n, err := p.store.FinishTask(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("finish task %d: %w", id, err)
	}
	if n != 1 {
		p.metrics.ContractViolation()
		p.log.Error().Int64("task", id).Str("violation", "finish_unlocked").Msg("finished a task that was not locked")
		return nil, fmt.Errorf("finish task %d: not locked: %w", id, ErrContractViolation)
	}
	p.metrics.Release()
	return task, nil
}
