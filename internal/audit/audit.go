// Package audit records data crossing the boundary of the platform: events
// injected through the API and transfers reported by workers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
)

// Store persists audit records.
type Store interface {
	SaveAuditLog(ctx context.Context, entry models.AuditLog) (*models.AuditLog, error)
}

// Writer writes audit records.
type Writer struct {
	store Store
	clock clockwork.Clock
	log   zerolog.Logger
}

// NewWriter creates a Writer. clock may be nil.
func NewWriter(s Store, clock clockwork.Clock, log zerolog.Logger) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{store: s, clock: clock, log: log.With().Str("component", "audit").Logger()}
}

// Record persists entry. A missing timestamp is set to now and a missing
// request uuid is generated, so every record can be correlated.
func (w *Writer) Record(ctx context.Context, entry models.AuditLog) (*models.AuditLog, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.clock.Now()
	}
	if entry.RequestUUID == "" {
		entry.RequestUUID = uuid.NewString()
	}
	saved, err := w.store.SaveAuditLog(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("record audit log: %w", err)
	}
	w.log.Debug().
		Str("type", saved.Type).
		Str("source", saved.Source).
		Str("destination", saved.Destination).
		Str("request_uuid", saved.RequestUUID).
		Msg("audit")
	return saved, nil
}

// RecordTransfer records data moving from source to destination. data is
// stored as JSON.
func (w *Writer) RecordTransfer(ctx context.Context, typ, source, destination string, data interface{}, requestUUID string) (*models.AuditLog, error) {
	encoded, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return w.Record(ctx, models.AuditLog{
		Source:      source,
		Destination: destination,
		Type:        typ,
		Data:        encoded,
		RequestUUID: requestUUID,
	})
}

func encodeData(data interface{}) (string, error) {
	switch d := data.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	case []byte:
		return string(d), nil
	case json.RawMessage:
		return string(d), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode audit data: %w", err)
	}
	return string(b), nil
}

// Event is the payload of a save_audit_logs message.
type Event struct {
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source" validate:"required"`
	Destination string          `json:"destination" validate:"required"`
	Type        string          `json:"type" validate:"required"`
	Data        json.RawMessage `json:"data,omitempty"`
	RequestUUID string          `json:"request_uuid" validate:"omitempty,uuid"`
}

var validate = validator.New()

// OnAuditLog handles a save_audit_logs message.
func (w *Writer) OnAuditLog(ctx context.Context, msg *message.Message) error {
	var ev Event
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode audit log: %w", err)
	}
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("invalid audit log: %w", err)
	}

	entry := models.AuditLog{
		Source:      ev.Source,
		Destination: ev.Destination,
		Type:        ev.Type,
		RequestUUID: ev.RequestUUID,
	}
	if ev.Timestamp != "" {
		ts, err := ParseTimestamp(ev.Timestamp)
		if err != nil {
			return fmt.Errorf("invalid audit log: %w", err)
		}
		entry.Timestamp = ts
	}
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		entry.Data = string(ev.Data)
	}
	_, err := w.Record(ctx, entry)
	return err
}

// TimestampLayout is the layout of timestamps in log and audit messages.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// ParseTimestamp parses a message timestamp. RFC 3339 is accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return ts, nil
	}
	if ts, rerr := time.Parse(time.RFC3339Nano, s); rerr == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
}
