package broker

import (
	"context"
	"errors"
	"sync"
)

var errAlreadySettled = errors.New("delivery already settled")

type envelope struct {
	key  string
	body []byte
}

type memQueue struct {
	items []envelope
	// ready is signalled when an item is added.
	ready chan struct{}
}

// Memory is an in-process Transport. Queues are created on first use and
// hold messages until consumed.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

func (q *memQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Publish appends a copy of body to queue.
func (m *Memory) Publish(ctx context.Context, queue, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(queue)
	q.items = append(q.items, envelope{key: key, body: append([]byte(nil), body...)})
	q.notify()
	return nil
}

// Len returns the number of messages waiting in queue, excluding one that
// is handed out and not yet settled.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Consume starts delivering the messages of queue.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q := m.queue(queue)
	out := make(chan Delivery)
	go m.deliver(ctx, queue, q, out)
	return out, nil
}

func (m *Memory) deliver(ctx context.Context, name string, q *memQueue, out chan<- Delivery) {
	defer close(out)
	for {
		env, ok := m.next(ctx, q)
		if !ok {
			return
		}

		settled := make(chan bool, 1)
		var once sync.Once
		d := Delivery{
			Queue: name,
			Key:   env.key,
			Body:  env.body,
			settle: func(ack, requeue bool) error {
				err := errAlreadySettled
				once.Do(func() {
					settled <- !ack && requeue
					err = nil
				})
				return err
			},
		}

		select {
		case out <- d:
		case <-ctx.Done():
			m.requeue(q, env)
			return
		case <-m.done:
			return
		}

		select {
		case requeue := <-settled:
			if requeue {
				m.requeue(q, env)
			}
		case <-ctx.Done():
			// A settlement that raced the cancellation still counts.
			select {
			case requeue := <-settled:
				if requeue {
					m.requeue(q, env)
				}
			default:
				m.requeue(q, env)
			}
			return
		case <-m.done:
			return
		}
	}
}

// next blocks until q has a message, ctx is done or the broker is closed.
func (m *Memory) next(ctx context.Context, q *memQueue) (envelope, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return envelope{}, false
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notify()
			}
			m.mu.Unlock()
			return env, true
		}
		m.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return envelope{}, false
		case <-m.done:
			return envelope{}, false
		}
	}
}

// requeue puts an unsettled message back at the head of its queue.
func (m *Memory) requeue(q *memQueue, env envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	q.items = append([]envelope{env}, q.items...)
	q.notify()
}

// Close stops all consumers. Pending messages are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
