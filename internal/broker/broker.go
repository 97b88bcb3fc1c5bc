// Package broker defines the message transport the router consumes and an
// in-process implementation of it.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by a transport that has been closed.
var ErrClosed = errors.New("broker closed")

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// must be called once the message has been handled.
type Delivery struct {
	Queue string
	Key   string
	Body  []byte

	settle func(ack, requeue bool) error
}

// Ack confirms the message; it will not be delivered again.
func (d Delivery) Ack() error {
	if d.settle == nil {
		return nil
	}
	return d.settle(true, false)
}

// Nack rejects the message. With requeue it becomes eligible for redelivery.
func (d Delivery) Nack(requeue bool) error {
	if d.settle == nil {
		return nil
	}
	return d.settle(false, requeue)
}

// Publisher publishes messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue, key string, body []byte) error
}

// Transport is the full broker contract used by the daemon.
type Transport interface {
	Publisher
	// Consume delivers the messages of queue one at a time: the next message
	// is only handed out after the previous one is settled. The channel is
	// closed when ctx is done or the transport is closed.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, queue, key string, body []byte) error

func (f PublisherFunc) Publish(ctx context.Context, queue, key string, body []byte) error {
	return f(ctx, queue, key, body)
}
