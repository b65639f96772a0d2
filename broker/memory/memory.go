// Package memory is an in-process fanout broker.
//
// It mirrors the AMQP semantics the mesh uses: exchanges fan out to every
// bound queue, exclusive queues die with their channel, and publishing to an
// undeclared exchange drops the message. Kill and FailDials let tests break
// things on purpose.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"swarm-rpc/broker"
)

// ErrDialRefused is returned by Dial while dial failures are being injected.
var ErrDialRefused = errors.New("memory: dial refused")

// Broker is safe for concurrent use. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]map[string]*queue // exchange -> queue name -> queue
	queues    map[string]*queue
	conns     map[*Connection]struct{}
	nextQueue int

	failDials atomic.Int64
	dials     atomic.Int64
	published atomic.Int64
}

type queue struct {
	name     string
	owner    *Channel
	q        *broker.Queue
	bindings map[string]struct{}
	consumed bool
}

func New() *Broker {
	return &Broker{
		exchanges: make(map[string]map[string]*queue),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
}

// FailDials makes the next n dials fail with ErrDialRefused.
func (b *Broker) FailDials(n int) { b.failDials.Store(int64(n)) }

// Dials counts every dial attempt, failed ones included.
func (b *Broker) Dials() int { return int(b.dials.Load()) }

// Published counts messages accepted by Publish.
func (b *Broker) Published() int { return int(b.published.Load()) }

// Connections returns the currently open connections.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// HasExchange reports whether name has been declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) {
	b.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		n := b.failDials.Load()
		if n <= 0 {
			break
		}
		if b.failDials.CompareAndSwap(n, n-1) {
			return nil, ErrDialRefused
		}
	}

	c := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

// Connection groups channels. Closing or killing it takes its channels down.
type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   bool
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("memory: connection closed")
	}
	ch := &Channel{
		conn:   c,
		notify: make(chan error, 1),
		queues: make(map[string]*queue),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Kill drops the connection as if the broker had gone away.
func (c *Connection) Kill() {
	c.shutdown(errors.New("memory: connection killed"))
}

// Channels returns the connection's live channels.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	c.channels = make(map[*Channel]struct{})
	c.mu.Unlock()

	for ch := range channels {
		ch.shutdown(err)
	}
	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()
}

type Channel struct {
	conn   *Connection
	mu     sync.Mutex
	closed bool
	notify chan error
	queues map[string]*queue
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) DeclareFanout(name string) error {
	if ch.isClosed() {
		return broker.ErrChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = make(map[string]*queue)
	}
	return nil
}

func (ch *Channel) DeclareExclusiveQueue() (string, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return "", broker.ErrChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	b.nextQueue++
	q := &queue{
		name:     fmt.Sprintf("amq.gen-%d", b.nextQueue),
		owner:    ch,
		q:        broker.NewQueue(),
		bindings: make(map[string]struct{}),
	}
	b.queues[q.name] = q
	b.mu.Unlock()
	ch.queues[q.name] = q
	return q.name, nil
}

func (ch *Channel) Bind(queueName, exchange string) error {
	if ch.isClosed() {
		return broker.ErrChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("memory: no queue %q", queueName)
	}
	bound, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("memory: no exchange %q", exchange)
	}
	bound[queueName] = q
	q.bindings[exchange] = struct{}{}
	return nil
}

func (ch *Channel) Consume(queueName string) (<-chan []byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, broker.ErrChannelClosed
	}
	q, ok := ch.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("memory: queue %q is not owned by this channel", queueName)
	}
	if q.consumed {
		return nil, fmt.Errorf("memory: queue %q already has a consumer", queueName)
	}
	q.consumed = true
	return q.q.Out(), nil
}

func (ch *Channel) Publish(ctx context.Context, exchange string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return broker.ErrChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	targets := make([]*queue, 0, len(b.exchanges[exchange]))
	for _, q := range b.exchanges[exchange] {
		targets = append(targets, q)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, q := range targets {
		q.q.Push(append([]byte(nil), body...))
	}
	return nil
}

func (ch *Channel) NotifyClose() <-chan error { return ch.notify }

func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

// Kill fails the channel as a broker-side channel error would.
func (ch *Channel) Kill() {
	ch.shutdown(errors.New("memory: channel killed"))
}

func (ch *Channel) shutdown(err error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	queues := ch.queues
	ch.queues = nil
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	for name, q := range queues {
		for ex := range q.bindings {
			delete(b.exchanges[ex], name)
		}
		delete(b.queues, name)
	}
	b.mu.Unlock()
	for _, q := range queues {
		q.q.Close()
	}

	ch.conn.mu.Lock()
	delete(ch.conn.channels, ch)
	ch.conn.mu.Unlock()

	if err != nil {
		ch.notify <- err
	}
	close(ch.notify)
}
