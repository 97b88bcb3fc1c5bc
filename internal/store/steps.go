package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/workflowd/internal/models"
)

// --- Step Operations ---

const stepColumns = `id, name, "start", "end", status, jobid`

func scanStep(row scanner) (*models.JobStep, error) {
	var (
		step models.JobStep
		end  sql.NullTime
	)
	if err := row.Scan(&step.ID, &step.Name, &step.Start, &end, &step.Status, &step.JobID); err != nil {
		return nil, err
	}
	step.Start = step.Start.UTC()
	step.End = fromNullTime(end)
	return &step, nil
}

// CreateStep inserts step and returns it with its generated id.
func (s *Store) CreateStep(ctx context.Context, step models.JobStep) (*models.JobStep, error) {
	step.Start = dbTime(step.Start)
	if step.End != nil {
		end := dbTime(*step.End)
		step.End = &end
	}
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		id, err := s.insert(ctx, db,
			`INSERT INTO jobsteps (name, "start", "end", status, jobid) VALUES (?, ?, ?, ?, ?)`,
			step.Name, step.Start, dbTimePtr(step.End), step.Status, step.JobID,
		)
		step.ID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return &step, nil
}

// GetStep retrieves a step by id.
func (s *Store) GetStep(ctx context.Context, id int64) (*models.JobStep, error) {
	var step *models.JobStep
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		step, err = s.getStep(ctx, db, id, false)
		return err
	})
	return step, err
}

func (s *Store) getStep(ctx context.Context, q querier, id int64, forUpdate bool) (*models.JobStep, error) {
	query := `SELECT ` + stepColumns + ` FROM jobsteps WHERE id = ?`
	if forUpdate {
		query += s.dialect.forUpdate()
	}
	step, err := scanStep(q.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query step: %w", err)
	}
	return step, nil
}

// GetJobStep returns the job and one of its steps. The step must belong to the job.
func (s *Store) GetJobStep(ctx context.Context, jobID, stepID int64) (*models.Job, *models.JobStep, error) {
	var (
		job  *models.Job
		step *models.JobStep
	)
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		if job, err = s.getJob(ctx, db, jobID, false); err != nil {
			return err
		}
		if step, err = s.getStep(ctx, db, stepID, false); err != nil {
			return err
		}
		if step.JobID != jobID {
			return fmt.Errorf("step %d of job %d: %w", stepID, jobID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, step, nil
}

// UpdateStep applies u to the step and writes back all its attributes.
func (s *Store) UpdateStep(ctx context.Context, id int64, u models.StepUpdate) (*models.JobStep, error) {
	if u.Start != nil {
		start := dbTime(*u.Start)
		u.Start = &start
	}
	if u.End != nil {
		end := dbTime(*u.End)
		u.End = &end
	}
	var step *models.JobStep
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.getStep(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := u.Apply(current); err != nil {
			return fmt.Errorf("step %d: %w", id, err)
		}
		_, err = s.exec(ctx, tx,
			`UPDATE jobsteps SET name = ?, "start" = ?, "end" = ?, status = ?, jobid = ? WHERE id = ?`,
			current.Name, dbTime(current.Start), dbTimePtr(current.End), current.Status, current.JobID, id,
		)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		step = current
		return nil
	})
	return step, err
}

// StepsForJob lists the steps of a job in start order.
func (s *Store) StepsForJob(ctx context.Context, jobID int64) ([]models.JobStep, error) {
	var steps []models.JobStep
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.q(`SELECT `+stepColumns+` FROM jobsteps WHERE jobid = ? ORDER BY "start", id`), jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		steps = steps[:0]
		for rows.Next() {
			step, err := scanStep(rows)
			if err != nil {
				return fmt.Errorf("scan step: %w", err)
			}
			steps = append(steps, *step)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	return steps, nil
}

// DeleteStep removes a step and its tasks.
func (s *Store) DeleteStep(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM tasks WHERE stepid = ?`, id); err != nil {
			return fmt.Errorf("delete step tasks: %w", err)
		}
		n, err := s.exec(ctx, tx, `DELETE FROM jobsteps WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("step %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
