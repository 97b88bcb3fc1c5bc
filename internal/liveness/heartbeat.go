package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/models"
)

// Heartbeat is the payload a service sends on the heartbeat queue.
// Workers report their in-flight tasks under "threads"; "tasks" is accepted as well.
type Heartbeat struct {
	Host      string                `json:"host"`
	Name      string                `json:"name" validate:"required"`
	PID       int                   `json:"pid" validate:"gte=0"`
	IsAlive   bool                  `json:"is_alive"`
	Timestamp string                `json:"timestamp"`
	Threads   []models.DeclaredTask `json:"threads" validate:"dive"`
	Tasks     []models.DeclaredTask `json:"tasks" validate:"dive"`
}

// timestampLayouts are tried in order. Timestamps without a zone are read
// in the zone the workers run in.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

var validate = validator.New()

// Declared returns the reported task list.
func (h Heartbeat) Declared() []models.DeclaredTask {
	if len(h.Threads) > 0 {
		return h.Threads
	}
	return h.Tasks
}

// Service converts the heartbeat into the service record it declares. An
// empty host declares a host-agnostic service. A timestamp without a zone is
// read in zone; an unparsable or missing one is replaced by now.
func (h Heartbeat) Service(now time.Time, zone *time.Location) models.Service {
	svc := models.Service{
		Name:      h.Name,
		PID:       h.PID,
		IsAlive:   h.IsAlive,
		Timestamp: now,
	}
	if h.Host != "" {
		host := h.Host
		svc.Host = &host
	}
	if zone == nil {
		zone = time.Local
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, h.Timestamp, zone); err == nil {
			svc.Timestamp = ts
			break
		}
	}
	return svc
}

// OnHeartbeat handles a heartbeat message.
func (r *Reconciler) OnHeartbeat(ctx context.Context, msg *message.Message) error {
	var hb Heartbeat
	if err := msg.Decode(&hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if err := validate.Struct(hb); err != nil {
		return fmt.Errorf("invalid heartbeat: %w", err)
	}
	_, err := r.UpdateService(ctx, hb.Service(r.clock.Now(), r.zone), hb.Declared())
	return err
}
