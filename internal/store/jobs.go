package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/workflowd/internal/models"
)

// --- Job Operations ---

const jobColumns = `id, name, type, args, "start", "end", status, "user"`

func (s *Store) scanJob(row scanner) (*models.Job, error) {
	var (
		job  models.Job
		end  sql.NullTime
		user sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Name, &job.Type, s.dialect.stringsScanner(&job.Args),
		&job.Start, &end, &job.Status, &user); err != nil {
		return nil, err
	}
	job.Start = job.Start.UTC()
	job.End = fromNullTime(end)
	job.User = fromNullString(user)
	return &job, nil
}

// CreateJob inserts job and returns it with its generated id.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (*models.Job, error) {
	job.Start = dbTime(job.Start)
	if job.End != nil {
		end := dbTime(*job.End)
		job.End = &end
	}
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		id, err := s.insert(ctx, db,
			`INSERT INTO jobs (name, type, args, "start", "end", status, "user") VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.Name, job.Type, s.dialect.stringsValue(job.Args), job.Start, dbTimePtr(job.End), job.Status, nullStringPtr(job.User),
		)
		job.ID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job *models.Job
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		job, err = s.getJob(ctx, db, id, false)
		return err
	})
	return job, err
}

func (s *Store) getJob(ctx context.Context, q querier, id int64, forUpdate bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if forUpdate {
		query += s.dialect.forUpdate()
	}
	job, err := s.scanJob(q.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// UpdateJob applies u to the job and writes back all its attributes.
func (s *Store) UpdateJob(ctx context.Context, id int64, u models.JobUpdate) (*models.Job, error) {
	if u.End != nil {
		end := dbTime(*u.End)
		u.End = &end
	}
	var job *models.Job
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := u.Apply(current); err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		_, err = s.exec(ctx, tx,
			`UPDATE jobs SET name = ?, type = ?, args = ?, "start" = ?, "end" = ?, status = ?, "user" = ? WHERE id = ?`,
			current.Name, current.Type, s.dialect.stringsValue(current.Args), dbTime(current.Start),
			dbTimePtr(current.End), current.Status, nullStringPtr(current.User), id,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		job = current
		return nil
	})
	return job, err
}

// DeleteJob removes a job together with its steps and tasks.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM tasks WHERE jobid = ?`, id); err != nil {
			return fmt.Errorf("delete job tasks: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM jobsteps WHERE jobid = ?`, id); err != nil {
			return fmt.Errorf("delete job steps: %w", err)
		}
		n, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// FindRunningJob returns the most recently started unfinished job with the
// given name, other than excludeID. It returns ErrNotFound if there is none.
func (s *Store) FindRunningJob(ctx context.Context, name string, excludeID int64) (*models.Job, error) {
	var job *models.Job
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs
			WHERE name = ? AND id <> ? AND "end" IS NULL
			ORDER BY "start" DESC LIMIT 1`), name, excludeID)
		var err error
		job, err = s.scanJob(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query running job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recently started jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.Job
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs ORDER BY "start" DESC, id DESC LIMIT ?`), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			job, err := s.scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}
