package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/workflowd/internal/models"
)

// --- Task Operations ---

const taskColumns = `id, name, dependencies, status, "start", "end", jobid, stepid, "lock", dst_queue, key_prefix, extra_msg, summary, process_id`

func (s *Store) scanTask(row scanner) (*models.Task, error) {
	var (
		task                                         models.Task
		name, status, dstQueue, keyPrefix, processID sql.NullString
		extraMsg, summary                            sql.NullString
		start, end                                   sql.NullTime
		jobID, stepID, lock                          sql.NullInt64
	)
	if err := row.Scan(&task.ID, &name, s.dialect.stringsScanner(&task.Dependencies), &status,
		&start, &end, &jobID, &stepID, &lock, &dstQueue, &keyPrefix, &extraMsg, &summary, &processID); err != nil {
		return nil, err
	}
	task.Name = name.String
	task.Status = models.Status(status.String)
	task.Start = fromNullTime(start)
	task.End = fromNullTime(end)
	task.JobID = jobID.Int64
	task.StepID = stepID.Int64
	if lock.Valid {
		l := lock.Int64
		task.Lock = &l
	}
	task.DstQueue = dstQueue.String
	task.KeyPrefix = keyPrefix.String
	task.ExtraMsg = fromNullJSON(extraMsg)
	task.Summary = fromNullJSON(summary)
	task.ProcessID = processID.String
	return &task, nil
}

// CreateTask inserts task and returns it with its generated id.
func (s *Store) CreateTask(ctx context.Context, task models.Task) (*models.Task, error) {
	if task.Start != nil {
		start := dbTime(*task.Start)
		task.Start = &start
	}
	if task.End != nil {
		end := dbTime(*task.End)
		task.End = &end
	}
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		id, err := s.insert(ctx, db,
			`INSERT INTO tasks (name, dependencies, status, "start", "end", jobid, stepid, "lock", dst_queue, key_prefix, extra_msg, summary, process_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.Name, s.dialect.stringsValue(task.Dependencies), nullString(string(task.Status)),
			dbTimePtr(task.Start), dbTimePtr(task.End), nullID(task.JobID), nullID(task.StepID), task.Lock,
			nullString(task.DstQueue), nullString(task.KeyPrefix), nullJSON(task.ExtraMsg), nullJSON(task.Summary),
			nullString(task.ProcessID),
		)
		task.ID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &task, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task *models.Task
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		task, err = s.getTask(ctx, db, id, false)
		return err
	})
	return task, err
}

func (s *Store) getTask(ctx context.Context, q querier, id int64, forUpdate bool) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if forUpdate {
		query += s.dialect.forUpdate()
	}
	task, err := s.scanTask(q.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// UpdateTask applies u to the task and writes back its attributes. The lock
// column is left alone; it only changes through LockTask, UnlockTask and
// FinishTask.
func (s *Store) UpdateTask(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, error) {
	var task *models.Task
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.getTask(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := applyTaskUpdate(current, u); err != nil {
			return err
		}
		if _, err := s.writeTask(ctx, tx, current, false); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task = current
		return nil
	})
	return task, err
}

// FinishTask applies u to a locked task and clears its lock with a single
// conditional update. It returns the number of affected rows: 0 when the
// task held no lock, in which case nothing is written.
func (s *Store) FinishTask(ctx context.Context, id int64, u models.TaskUpdate) (*models.Task, int64, error) {
	var (
		task *models.Task
		n    int64
	)
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.getTask(ctx, tx, id, true)
		if err != nil {
			return err
		}
		task, n = current, 0
		if !current.Locked() {
			return nil
		}
		if err := applyTaskUpdate(current, u); err != nil {
			return err
		}
		n, err = s.writeTask(ctx, tx, current, true)
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		if n == 1 {
			current.Lock = nil
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return task, n, nil
}

func applyTaskUpdate(task *models.Task, u models.TaskUpdate) error {
	if u.Start != nil {
		start := dbTime(*u.Start)
		u.Start = &start
	}
	if u.End != nil {
		end := dbTime(*u.End)
		u.End = &end
	}
	if err := u.Apply(task); err != nil {
		return fmt.Errorf("task %d: %w", task.ID, err)
	}
	return nil
}

// writeTask replaces the attributes of task. With release set the write
// also clears the lock and only happens while a lock is held.
func (s *Store) writeTask(ctx context.Context, q querier, task *models.Task, release bool) (int64, error) {
	query := `UPDATE tasks SET name = ?, dependencies = ?, status = ?, "start" = ?, "end" = ?, jobid = ?, stepid = ?,
		dst_queue = ?, key_prefix = ?, extra_msg = ?, summary = ?, process_id = ?`
	if release {
		query += `, "lock" = NULL WHERE id = ? AND "lock" IS NOT NULL`
	} else {
		query += ` WHERE id = ?`
	}
	return s.exec(ctx, q, query,
		task.Name, s.dialect.stringsValue(task.Dependencies), nullString(string(task.Status)),
		dbTimePtr(task.Start), dbTimePtr(task.End), nullID(task.JobID), nullID(task.StepID),
		nullString(task.DstQueue), nullString(task.KeyPrefix), nullJSON(task.ExtraMsg),
		nullJSON(task.Summary), nullString(task.ProcessID), task.ID,
	)
}

// TasksForStep lists the tasks of a step in creation order.
func (s *Store) TasksForStep(ctx context.Context, stepID int64) ([]models.Task, error) {
	var tasks []models.Task
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE stepid = ? ORDER BY id`), stepID)
		if err != nil {
			return err
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			task, err := s.scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, *task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

// LockTask sets the claim token of a task that holds none. It returns the
// number of affected rows: 1 when this call won the claim, 0 otherwise.
func (s *Store) LockTask(ctx context.Context, id, token int64) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		n, err = s.exec(ctx, db, `UPDATE tasks SET "lock" = ? WHERE id = ? AND "lock" IS NULL`, token, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("lock task: %w", err)
	}
	return n, nil
}

// UnlockTask clears the claim token of a task that holds one and returns the
// number of affected rows.
func (s *Store) UnlockTask(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		n, err = s.exec(ctx, db, `UPDATE tasks SET "lock" = NULL WHERE id = ? AND "lock" IS NOT NULL`, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("unlock task: %w", err)
	}
	return n, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	var n int64
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		n, err = s.exec(ctx, db, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}
