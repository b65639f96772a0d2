// Package nats implements broker interfaces on NATS core subjects.
//
// An exchange is a subject. An exclusive queue is a private buffer; binding it
// to an exchange subscribes it to that subject, so every bound queue sees every
// message, which is fanout.
package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	comms "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"swarm-rpc/broker"
)

type Option func(*Dialer)

func WithName(name string) Option {
	return func(d *Dialer) { d.name = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dialer) { d.logger = l }
}

type Dialer struct {
	url    string
	name   string
	logger *zap.Logger
}

func NewDialer(url string, opts ...Option) *Dialer {
	d := &Dialer{url: url, name: "swarm-rpc", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	c := &connection{channels: make(map[*channel]struct{})}
	logger := d.logger.With(zap.String("url", d.url))

	nc, err := comms.Connect(d.url,
		comms.Name(d.name),
		comms.Timeout(timeout),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			logger.Info("nats reconnected", zap.String("server", nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			logger.Debug("nats connection closed")
			c.closeAll(fmt.Errorf("nats: connection closed"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	c.nc = nc
	return c, nil
}

type connection struct {
	nc       *comms.Conn
	mu       sync.Mutex
	channels map[*channel]struct{}
	closing  atomic.Bool
}

func (c *connection) Channel() (broker.Channel, error) {
	if c.nc.IsClosed() {
		return nil, fmt.Errorf("nats: connection closed")
	}
	ch := &channel{
		conn:   c,
		notify: make(chan error, 1),
		queues: make(map[string]*queue),
	}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
	return ch, nil
}

func (c *connection) Close() error {
	c.closing.Store(true)
	c.closeAll(nil)
	c.nc.Close()
	return nil
}

func (c *connection) closeAll(err error) {
	if c.closing.Load() {
		err = nil
	}
	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[*channel]struct{})
	c.mu.Unlock()
	for ch := range channels {
		ch.shutdown(err)
	}
}

type queue struct {
	q    *broker.Queue
	subs []*comms.Subscription
}

type channel struct {
	conn   *connection
	mu     sync.Mutex
	closed bool
	notify chan error
	queues map[string]*queue
}

func (ch *channel) DeclareFanout(name string) error {
	if ch.isClosed() {
		return broker.ErrChannelClosed
	}
	return nil
}

func (ch *channel) DeclareExclusiveQueue() (string, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return "", broker.ErrChannelClosed
	}
	name := comms.NewInbox()
	ch.queues[name] = &queue{q: broker.NewQueue()}
	return name, nil
}

func (ch *channel) Bind(queueName, exchange string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return broker.ErrChannelClosed
	}
	q, ok := ch.queues[queueName]
	if !ok {
		return fmt.Errorf("nats: no queue %q", queueName)
	}
	sub, err := ch.conn.nc.Subscribe(exchange, func(m *comms.Msg) {
		q.q.Push(m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", exchange, err)
	}
	q.subs = append(q.subs, sub)
	// make sure the server knows about the subscription before anyone publishes to it
	return ch.conn.nc.Flush()
}

func (ch *channel) Consume(queueName string) (<-chan []byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, broker.ErrChannelClosed
	}
	q, ok := ch.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("nats: no queue %q", queueName)
	}
	return q.q.Out(), nil
}

func (ch *channel) Publish(ctx context.Context, exchange string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return broker.ErrChannelClosed
	}
	if err := ch.conn.nc.Publish(exchange, body); err != nil {
		return fmt.Errorf("nats: publish %s: %w", exchange, err)
	}
	return nil
}

func (ch *channel) NotifyClose() <-chan error { return ch.notify }

func (ch *channel) Close() error {
	ch.conn.mu.Lock()
	delete(ch.conn.channels, ch)
	ch.conn.mu.Unlock()
	ch.shutdown(nil)
	return nil
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) shutdown(err error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	queues := ch.queues
	ch.queues = nil
	ch.mu.Unlock()

	for _, q := range queues {
		for _, sub := range q.subs {
			_ = sub.Unsubscribe()
		}
		q.q.Close()
	}
	if err != nil {
		ch.notify <- err
	}
	close(ch.notify)
}
