package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/workflowd/internal/models"
)

// --- Log Operations ---

// SaveLog appends a workflow log record.
func (s *Store) SaveLog(ctx context.Context, entry models.LogEntry) (*models.LogEntry, error) {
	entry.Timestamp = dbTime(entry.Timestamp)
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		id, err := s.insert(ctx, db,
			`INSERT INTO logs ("timestamp", process_id, source, application, destination, catalogue, entity, level, name, msgid, msg, jobid, stepid, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Timestamp, nullString(entry.ProcessID), nullString(entry.Source), nullString(entry.Application),
			nullString(entry.Destination), nullString(entry.Catalogue), nullString(entry.Entity), nullString(entry.Level),
			nullString(entry.Name), nullString(entry.MsgID), nullString(entry.Msg), entry.JobID, entry.StepID,
			nullString(entry.Data),
		)
		entry.ID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert log: %w", err)
	}
	return &entry, nil
}

// LogsForJob lists the log records of a job in time order.
func (s *Store) LogsForJob(ctx context.Context, jobID int64) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.q(`SELECT id, "timestamp", process_id, source, application, destination,
			catalogue, entity, level, name, msgid, msg, jobid, stepid, data
			FROM logs WHERE jobid = ? ORDER BY "timestamp", id`), jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var (
				e                                                models.LogEntry
				processID, source, application, destination      sql.NullString
				catalogue, entity, level, name, msgID, msg, data sql.NullString
				logJobID, logStepID                              sql.NullInt64
			)
			if err := rows.Scan(&e.ID, &e.Timestamp, &processID, &source, &application, &destination,
				&catalogue, &entity, &level, &name, &msgID, &msg, &logJobID, &logStepID, &data); err != nil {
				return fmt.Errorf("scan log: %w", err)
			}
			e.Timestamp = e.Timestamp.UTC()
			e.ProcessID, e.Source, e.Application = processID.String, source.String, application.String
			e.Destination, e.Catalogue, e.Entity = destination.String, catalogue.String, entity.String
			e.Level, e.Name, e.MsgID, e.Msg, e.Data = level.String, name.String, msgID.String, msg.String, data.String
			if logJobID.Valid {
				v := logJobID.Int64
				e.JobID = &v
			}
			if logStepID.Valid {
				v := logStepID.Int64
				e.StepID = &v
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return entries, nil
}

// SaveAuditLog appends an audit record.
func (s *Store) SaveAuditLog(ctx context.Context, entry models.AuditLog) (*models.AuditLog, error) {
	entry.Timestamp = dbTime(entry.Timestamp)
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		id, err := s.insert(ctx, db,
			`INSERT INTO auditlogs ("timestamp", source, destination, type, data, request_uuid) VALUES (?, ?, ?, ?, ?, ?)`,
			entry.Timestamp, nullString(entry.Source), nullString(entry.Destination), nullString(entry.Type),
			nullString(entry.Data), nullString(entry.RequestUUID),
		)
		entry.ID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert audit log: %w", err)
	}
	return &entry, nil
}

// AuditLogs returns the most recent audit records first.
func (s *Store) AuditLogs(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []models.AuditLog
	err := s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.q(`SELECT id, "timestamp", source, destination, type, data, request_uuid
			FROM auditlogs ORDER BY "timestamp" DESC, id DESC LIMIT ?`), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var (
				e                                    models.AuditLog
				source, dest, typ, data, requestUUID sql.NullString
			)
			if err := rows.Scan(&e.ID, &e.Timestamp, &source, &dest, &typ, &data, &requestUUID); err != nil {
				return fmt.Errorf("scan audit log: %w", err)
			}
			e.Timestamp = e.Timestamp.UTC()
			e.Source, e.Destination, e.Type, e.Data, e.RequestUUID = source.String, dest.String, typ.String, data.String, requestUUID.String
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return entries, nil
}
