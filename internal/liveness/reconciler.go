// Package liveness tracks worker services and the tasks they report running.
//
// Every heartbeat replaces the service's task set: tasks no longer reported
// are removed, reported tasks are updated or added. Heartbeats for one
// service are last-writer-wins.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
)

// Store is the persistence the reconciler needs.
type Store interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	ReconcileService(ctx context.Context, svc models.Service, reconcile store.ReconcileFunc) (*models.Service, models.ServiceTaskChanges, error)
	DeleteService(ctx context.Context, id int64) error
}

// Diff computes the changes that turn existing into exactly the declared set.
// Declared names are unique in the result; a later declaration of a name wins.
func Diff(existing []models.ServiceTask, declared []models.DeclaredTask) models.ServiceTaskChanges {
	want := make(map[string]bool, len(declared))
	order := make([]string, 0, len(declared))
	for _, d := range declared {
		if _, seen := want[d.Name]; !seen {
			order = append(order, d.Name)
		}
		want[d.Name] = d.IsAlive
	}

	var changes models.ServiceTaskChanges
	kept := make(map[string]bool, len(existing))
	for _, e := range existing {
		alive, ok := want[e.Name]
		if !ok || kept[e.Name] {
			changes.Delete = append(changes.Delete, e.ID)
			continue
		}
		kept[e.Name] = true
		if e.IsAlive != alive {
			e.IsAlive = alive
			changes.Update = append(changes.Update, e)
		}
	}
	for _, name := range order {
		if !kept[name] {
			changes.Insert = append(changes.Insert, models.ServiceTask{Name: name, IsAlive: want[name]})
		}
	}
	return changes
}

// Reconciler applies heartbeats and liveness decisions to the service registry.
type Reconciler struct {
	store   Store
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	// zone reads heartbeat timestamps that carry no zone.
	zone *time.Location
}

// NewReconciler creates a Reconciler. clock and m may be nil.
func NewReconciler(s Store, clock clockwork.Clock, log zerolog.Logger, m *metrics.Metrics) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		store:   s,
		clock:   clock,
		log:     log.With().Str("component", "liveness").Logger(),
		metrics: m,
		zone:    time.Local,
	}
}

// UpdateService upserts svc by (name, host) and replaces its task set with declared.
func (r *Reconciler) UpdateService(ctx context.Context, svc models.Service, declared []models.DeclaredTask) (*models.Service, error) {
	saved, changes, err := r.store.ReconcileService(ctx, svc, func(existing []models.ServiceTask) models.ServiceTaskChanges {
		return Diff(existing, declared)
	})
	if err != nil {
		return nil, fmt.Errorf("update service %s: %w", svc.Name, err)
	}
	r.metrics.Reconcile()
	r.log.Debug().
		Int64("service", saved.ID).
		Str("name", saved.Name).
		Int("deleted", len(changes.Delete)).
		Int("updated", len(changes.Update)).
		Int("inserted", len(changes.Insert)).
		Msg("service reconciled")
	return saved, nil
}

// MarkDead flags svc as no longer reporting and clears its tasks.
func (r *Reconciler) MarkDead(ctx context.Context, svc models.Service) error {
	svc.IsAlive = false
	if _, err := r.UpdateService(ctx, svc, nil); err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	r.log.Warn().Str("name", svc.Name).Int("pid", svc.PID).Time("last_seen", svc.Timestamp).Msg("service marked dead")
	return nil
}

// RemoveService deregisters svc together with its tasks.
func (r *Reconciler) RemoveService(ctx context.Context, svc models.Service) error {
	if err := r.store.DeleteService(ctx, svc.ID); err != nil {
		return fmt.Errorf("remove service %s: %w", svc.Name, err)
	}
	r.log.Info().Str("name", svc.Name).Int64("service", svc.ID).Msg("service removed")
	return nil
}
