// Package router consumes inbound events from the broker and hands each one
// to its handler. Events are handled one at a time across all queues; an
// event is acknowledged only after its handler succeeded and requeued after
// any failure that is not permanent.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/message"
	"github.com/fentz26/workflowd/internal/metrics"
)

// Handler processes one inbound event.
type Handler func(ctx context.Context, msg *message.Message) error

// Route binds an event to the queue it arrives on and its handler.
type Route struct {
	Queue   string
	Handler Handler
}

// ServiceDefinition maps event names to routes.
type ServiceDefinition map[string]Route

// Queue returns the queue of an event.
func (d ServiceDefinition) Queue(event string) (string, bool) {
	r, ok := d[event]
	return r.Queue, ok
}

// Events lists the event names in alphabetical order.
func (d ServiceDefinition) Events() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type inbound struct {
	event    string
	delivery broker.Delivery
}

// Router runs a service definition against a transport.
type Router struct {
	transport broker.Transport
	def       ServiceDefinition
	log       zerolog.Logger
	metrics   *metrics.Metrics
	tag       string
}

// New creates a Router. m may be nil.
func New(t broker.Transport, def ServiceDefinition, log zerolog.Logger, m *metrics.Metrics) *Router {
	tag := "workflowd-" + uuid.NewString()
	return &Router{
		transport: t,
		def:       def,
		log:       log.With().Str("component", "router").Str("consumer", tag).Logger(),
		metrics:   m,
		tag:       tag,
	}
}

// Run consumes every queue of the definition until ctx is done or the
// transport closes.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan inbound)
	var wg sync.WaitGroup
	for _, event := range r.def.Events() {
		route := r.def[event]
		deliveries, err := r.transport.Consume(ctx, route.Queue)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("consume %s: %w", route.Queue, err)
		}
		wg.Add(1)
		go func(event string, deliveries <-chan broker.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				select {
				case in <- inbound{event: event, delivery: d}:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
		}(event, deliveries)
		r.log.Info().Str("event", event).Str("queue", route.Queue).Msg("listening")
	}
	go func() {
		wg.Wait()
		close(in)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return broker.ErrClosed
			}
			r.dispatch(ctx, ev)
		}
	}
}

// dispatch handles one event and settles its delivery.
func (r *Router) dispatch(ctx context.Context, ev inbound) {
	log := r.log.With().Str("event", ev.event).Logger()

	err := r.Handle(ctx, ev.event, ev.delivery.Body)
	r.metrics.Event(ev.event, err)
	if err == nil {
		if aerr := ev.delivery.Ack(); aerr != nil {
			log.Error().Err(aerr).Msg("ack")
		}
		return
	}

	requeue := !Permanent(err)
	entry := log.Warn()
	if !requeue {
		entry = log.Error()
	}
	entry = entry.Err(err).Bool("requeue", requeue)
	if errors.Is(err, claim.ErrContractViolation) {
		entry = entry.Str("violation", "contract")
	}
	entry.Msg("event handling failed")
	if nerr := ev.delivery.Nack(requeue); nerr != nil {
		log.Error().Err(nerr).Msg("nack")
	}
}

// Handle decodes body and runs the handler of event. A panicking handler is
// reported as an error.
func (r *Router) Handle(ctx context.Context, event string, body []byte) (err error) {
	route, ok := r.def[event]
	if !ok {
		return MarkPermanent(fmt.Errorf("no handler for event %s", event))
	}
	msg, err := message.Decode(body)
	if err != nil {
		return MarkPermanent(err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("event", event).Str("stack", string(debug.Stack())).Msg("handler panic")
			err = MarkPermanent(fmt.Errorf("handler %s panicked: %v", event, p))
		}
	}()
	return route.Handler(ctx, msg)
}
