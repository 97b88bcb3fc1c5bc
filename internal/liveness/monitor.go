package liveness

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/metrics"
)

// Monitor periodically marks services that stopped sending heartbeats as
// dead and removes services that stayed dead for too long.
type Monitor struct {
	store      Store
	reconciler *Reconciler
	clock      clockwork.Clock
	config     config.LivenessConfig
	log        zerolog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is the outcome of one liveness check.
type Stats struct {
	Alive   int
	Dead    int
	Marked  int
	Removed int
}

// NewMonitor creates a Monitor. Start runs it until Stop.
func NewMonitor(s Store, r *Reconciler, cfg config.LivenessConfig, log zerolog.Logger, m *metrics.Metrics) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = config.DefaultConfig().Liveness.CheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:      s,
		reconciler: r,
		clock:      r.clock,
		config:     cfg,
		log:        log.With().Str("component", "liveness-monitor").Logger(),
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the check loop.
func (mon *Monitor) Start() {
	mon.wg.Add(1)
	go mon.loop()
	mon.log.Info().Dur("interval", mon.config.CheckInterval).Msg("liveness monitor started")
}

// Stop ends the check loop and waits for a running check to finish.
func (mon *Monitor) Stop() {
	mon.cancel()
	mon.wg.Wait()
	mon.log.Info().Msg("liveness monitor stopped")
}

func (mon *Monitor) loop() {
	defer mon.wg.Done()

	ticker := mon.clock.NewTicker(mon.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mon.ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := mon.Check(mon.ctx); err != nil && mon.ctx.Err() == nil {
				mon.log.Error().Err(err).Msg("liveness check failed")
			}
		}
	}
}

// Check runs one pass over the registry. A failure on one service is logged
// and does not stop the pass.
func (mon *Monitor) Check(ctx context.Context) (Stats, error) {
	var stats Stats
	services, err := mon.store.ListServices(ctx)
	if err != nil {
		return stats, err
	}

	now := mon.clock.Now()
	for _, svc := range services {
		silent := now.Sub(svc.Timestamp)
		switch {
		case svc.IsAlive && silent >= mon.config.DeadAfter:
			if err := mon.reconciler.MarkDead(ctx, svc); err != nil {
				mon.log.Error().Err(err).Str("name", svc.Name).Msg("mark dead")
				stats.Alive++
				continue
			}
			stats.Marked++
			stats.Dead++
		case !svc.IsAlive && mon.config.RemoveAfter > 0 && silent >= mon.config.RemoveAfter:
			if err := mon.reconciler.RemoveService(ctx, svc); err != nil {
				mon.log.Error().Err(err).Str("name", svc.Name).Msg("remove service")
				stats.Dead++
				continue
			}
			stats.Removed++
		case svc.IsAlive:
			stats.Alive++
		default:
			stats.Dead++
		}
	}

	mon.metrics.ServicesAlive(stats.Alive)
	if stats.Marked > 0 || stats.Removed > 0 {
		mon.log.Info().
			Int("alive", stats.Alive).
			Int("marked_dead", stats.Marked).
			Int("removed", stats.Removed).
			Msg("liveness check")
	}
	return stats, nil
}
