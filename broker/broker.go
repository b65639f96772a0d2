// Package broker describes the slice of an AMQP-style message bus that the
// mesh relies on: fanout exchanges, exclusive queues bound to them, and
// fire-and-forget publishing.
//
// Implementations live in the subpackages: amqp (RabbitMQ), nats, and memory
// (in-process, for single-binary meshes and tests).
package broker

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by operations on a channel that has died or been closed.
var ErrChannelClosed = errors.New("broker: channel closed")

type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is one link to the broker. Closing it closes all of its channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is a lightweight session on a connection.
type Channel interface {
	// DeclareFanout creates the exchange if it does not exist yet.
	DeclareFanout(name string) error
	// DeclareExclusiveQueue creates a server-named queue owned by this channel.
	// It goes away together with the channel.
	DeclareExclusiveQueue() (string, error)
	Bind(queue, exchange string) error
	// Consume starts delivery of the queue. The returned channel is closed when
	// this channel dies.
	Consume(queue string) (<-chan []byte, error)
	// Publish hands body to the broker for every queue bound to exchange.
	// Publishing to an exchange nobody declared is not an error for the caller.
	Publish(ctx context.Context, exchange string, body []byte) error
	// NotifyClose returns a channel that yields at most one error and is then
	// closed, once this channel stops working. A clean Close yields no error.
	NotifyClose() <-chan error
	Close() error
}
