// Package amqp implements broker interfaces on RabbitMQ.
package amqp

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swarm-rpc/broker"
)

type Option func(*Dialer)

// WithHeartbeat sets the AMQP heartbeat interval. Zero keeps the library default.
func WithHeartbeat(d time.Duration) Option {
	return func(dl *Dialer) { dl.config.Heartbeat = d }
}

func WithConnectionName(name string) Option {
	return func(dl *Dialer) { dl.config.Properties.SetClientConnectionName(name) }
}

func WithLogger(l *zap.Logger) Option {
	return func(dl *Dialer) { dl.logger = l }
}

// Dialer opens connections to one broker URL.
type Dialer struct {
	url    string
	config amqp.Config
	logger *zap.Logger
}

func NewDialer(url string, opts ...Option) *Dialer {
	d := &Dialer{
		url: url,
		config: amqp.Config{
			Properties: amqp.NewConnectionProperties(),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	cfg := d.config
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(d.url, cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	d.logger.Debug("amqp connection open", zap.String("url", conn.RemoteAddr().String()))
	return &connection{conn: conn}, nil
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (broker.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	return newChannel(ch), nil
}

func (c *connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type channel struct {
	ch     *amqp.Channel
	notify chan error
}

func newChannel(ch *amqp.Channel) *channel {
	c := &channel{ch: ch, notify: make(chan error, 1)}
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(c.notify)
		if err, ok := <-closes; ok && err != nil {
			c.notify <- err
		}
	}()
	return c
}

func (c *channel) DeclareFanout(name string) error {
	return c.ch.ExchangeDeclare(name, amqp.ExchangeFanout, false, false, false, false, nil)
}

func (c *channel) DeclareExclusiveQueue() (string, error) {
	q, err := c.ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *channel) Bind(queue, exchange string) error {
	return c.ch.QueueBind(queue, "", exchange, false, nil)
}

func (c *channel) Consume(queue string) (<-chan []byte, error) {
	deliveries, err := c.ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- d.Body
		}
	}()
	return out, nil
}

// Publish is asynchronous on the AMQP side: a publish to a missing exchange
// returns nil here and closes the channel shortly after.
func (c *channel) Publish(ctx context.Context, exchange string, body []byte) error {
	if c.ch.IsClosed() {
		return broker.ErrChannelClosed
	}
	return c.ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (c *channel) NotifyClose() <-chan error { return c.notify }

func (c *channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
