package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/workflowd/internal/models"
)

// --- Service Operations ---

const serviceColumns = `id, host, name, pid, is_alive, "timestamp"`

// ReconcileFunc computes the changes that bring the existing service tasks
// in line with the latest heartbeat.
type ReconcileFunc func(existing []models.ServiceTask) models.ServiceTaskChanges

func scanService(row scanner) (*models.Service, error) {
	var (
		svc  models.Service
		host sql.NullString
		pid  sql.NullInt64
		ts   sql.NullTime
	)
	if err := row.Scan(&svc.ID, &host, &svc.Name, &pid, &svc.IsAlive, &ts); err != nil {
		return nil, err
	}
	svc.Host = fromNullString(host)
	svc.PID = int(pid.Int64)
	if ts.Valid {
		svc.Timestamp = ts.Time.UTC()
	}
	return &svc, nil
}

// ListServices returns all registered services.
func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		services = services[:0]
		for rows.Next() {
			svc, err := scanService(rows)
			if err != nil {
				return fmt.Errorf("scan service: %w", err)
			}
			services = append(services, *svc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	return services, nil
}

// GetService retrieves a service by id.
func (s *Store) GetService(ctx context.Context, id int64) (*models.Service, error) {
	var svc *models.Service
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		svc, err = scanService(db.QueryRowContext(ctx, s.q(`SELECT `+serviceColumns+` FROM services WHERE id = ?`), id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query service: %w", err)
	}
	return svc, nil
}

// FindService returns the service registered under name on host, falling
// back to a host-agnostic registration of that name.
func (s *Store) FindService(ctx context.Context, name string, host *string) (*models.Service, error) {
	var svc *models.Service
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		svc, err = s.findService(ctx, db, name, host, false)
		return err
	})
	return svc, err
}

func (s *Store) findService(ctx context.Context, q querier, name string, host *string, forUpdate bool) (*models.Service, error) {
	// host = NULL never matches, so a nil host only finds host-agnostic rows.
	query := `SELECT ` + serviceColumns + ` FROM services
		WHERE name = ? AND (host = ? OR host IS NULL)
		ORDER BY CASE WHEN host IS NULL THEN 1 ELSE 0 END, id LIMIT 1`
	if forUpdate {
		query += s.dialect.forUpdate()
	}
	svc, err := scanService(q.QueryRowContext(ctx, s.q(query), name, nullStringPtr(host)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query service: %w", err)
	}
	return svc, nil
}

// upsertService overwrites the matching service in place or inserts a new one.
func (s *Store) upsertService(ctx context.Context, tx *sql.Tx, svc models.Service) (*models.Service, error) {
	svc.Timestamp = dbTime(svc.Timestamp)
	current, err := s.findService(ctx, tx, svc.Name, svc.Host, true)
	switch {
	case errors.Is(err, ErrNotFound):
		id, err := s.insert(ctx, tx,
			`INSERT INTO services (host, name, pid, is_alive, "timestamp") VALUES (?, ?, ?, ?, ?)`,
			nullStringPtr(svc.Host), svc.Name, svc.PID, svc.IsAlive, svc.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("insert service: %w", err)
		}
		svc.ID = id
		return &svc, nil
	case err != nil:
		return nil, err
	}

	svc.ID = current.ID
	_, err = s.exec(ctx, tx,
		`UPDATE services SET host = ?, pid = ?, is_alive = ?, "timestamp" = ? WHERE id = ?`,
		nullStringPtr(svc.Host), svc.PID, svc.IsAlive, svc.Timestamp, svc.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}
	return &svc, nil
}

// SaveService upserts svc by its (name, host) identity without touching its tasks.
func (s *Store) SaveService(ctx context.Context, svc models.Service) (*models.Service, error) {
	var saved *models.Service
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		saved, err = s.upsertService(ctx, tx, svc)
		return err
	})
	return saved, err
}

// ReconcileService upserts svc and replaces its task set with the result of
// reconcile, in one transaction. Orphaned service tasks are dropped on the way.
func (s *Store) ReconcileService(ctx context.Context, svc models.Service, reconcile ReconcileFunc) (*models.Service, models.ServiceTaskChanges, error) {
	var (
		saved   *models.Service
		changes models.ServiceTaskChanges
	)
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if saved, err = s.upsertService(ctx, tx, svc); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM servicetasks WHERE service_id IS NULL`); err != nil {
			return fmt.Errorf("delete dangling service tasks: %w", err)
		}
		existing, err := s.serviceTasks(ctx, tx, saved.ID)
		if err != nil {
			return err
		}
		changes = reconcile(existing)
		return s.applyServiceTasks(ctx, tx, saved.ID, changes)
	})
	if err != nil {
		return nil, models.ServiceTaskChanges{}, err
	}
	return saved, changes, nil
}

// ServiceTasks lists the tasks currently registered for a service.
func (s *Store) ServiceTasks(ctx context.Context, serviceID int64) ([]models.ServiceTask, error) {
	var tasks []models.ServiceTask
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		tasks, err = s.serviceTasks(ctx, db, serviceID)
		return err
	})
	return tasks, err
}

func (s *Store) serviceTasks(ctx context.Context, q querier, serviceID int64) ([]models.ServiceTask, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT id, name, is_alive, service_id FROM servicetasks WHERE service_id = ? ORDER BY id`), serviceID)
	if err != nil {
		return nil, fmt.Errorf("query service tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ServiceTask
	for rows.Next() {
		var t models.ServiceTask
		if err := rows.Scan(&t.ID, &t.Name, &t.IsAlive, &t.ServiceID); err != nil {
			return nil, fmt.Errorf("scan service task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ApplyServiceTasks applies a precomputed diff to the tasks of a service in one transaction.
func (s *Store) ApplyServiceTasks(ctx context.Context, serviceID int64, changes models.ServiceTaskChanges) error {
	if changes.Empty() {
		return nil
	}
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.applyServiceTasks(ctx, tx, serviceID, changes)
	})
}

func (s *Store) applyServiceTasks(ctx context.Context, tx *sql.Tx, serviceID int64, changes models.ServiceTaskChanges) error {
	for _, id := range changes.Delete {
		if _, err := s.exec(ctx, tx, `DELETE FROM servicetasks WHERE id = ? AND service_id = ?`, id, serviceID); err != nil {
			return fmt.Errorf("delete service task: %w", err)
		}
	}
	for _, t := range changes.Update {
		if _, err := s.exec(ctx, tx, `UPDATE servicetasks SET is_alive = ? WHERE id = ? AND service_id = ?`, t.IsAlive, t.ID, serviceID); err != nil {
			return fmt.Errorf("update service task: %w", err)
		}
	}
	for _, t := range changes.Insert {
		if _, err := s.insert(ctx, tx, `INSERT INTO servicetasks (name, is_alive, service_id) VALUES (?, ?, ?)`, t.Name, t.IsAlive, serviceID); err != nil {
			return fmt.Errorf("insert service task: %w", err)
		}
	}
	return nil
}

// DeleteService removes a service and all of its tasks.
func (s *Store) DeleteService(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM servicetasks WHERE service_id = ?`, id); err != nil {
			return fmt.Errorf("delete service tasks: %w", err)
		}
		n, err := s.exec(ctx, tx, `DELETE FROM services WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete service: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("service %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
