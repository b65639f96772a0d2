// Package transport also provides the broker connection pool (Pool).
//
// The pool keeps a fixed number of broker connections, each with one channel,
// and publishes through whichever of them is healthy. Every slot is owned by a
// supervising goroutine that dials, reports the slot up, waits for its channel
// to die, reports it down and dials again. A single loop goroutine owns the set
// of available slots and the FIFO send queue; supervisors and callers only talk
// to it through channels.
//
//	supervisor-0 ──up/down──┐
//	supervisor-1 ──up/down──┼──► run loop ──Publish──► slot picked by the balancer
//	Send() ──────item───────┘        (owns available set + queue)
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swarm-rpc/broker"
	"swarm-rpc/loadbalance"
)

var ErrPoolClosed = errors.New("transport: pool closed")

const DefaultPoolSize = 4

type PoolOption func(*Pool)

func WithSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

func WithBalancer(b loadbalance.Balancer) PoolOption {
	return func(p *Pool) { p.balancer = b }
}

func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithRedialBackoff bounds the wait between failed dials of one slot. The
// first dial after a channel error is always immediate.
func WithRedialBackoff(min, max time.Duration) PoolOption {
	return func(p *Pool) {
		p.minBackoff = min
		p.maxBackoff = max
	}
}

type slot struct {
	id   int
	conn broker.Connection
	ch   broker.Channel
	kill chan struct{}
	once sync.Once
}

// retire asks the supervisor to replace the slot.
func (s *slot) retire() {
	s.once.Do(func() { close(s.kill) })
}

type slotEvent struct {
	slot *slot
	up   bool
}

type sendItem struct {
	ctx      context.Context
	exchange string
	body     []byte
	done     chan error
}

// Pool publishes to broker exchanges over a self-healing set of connections.
type Pool struct {
	dialer     broker.Dialer
	size       int
	balancer   loadbalance.Balancer
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	events chan slotEvent
	sends  chan *sendItem

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	wg       sync.WaitGroup
	loopDone chan struct{}

	available atomic.Int32
	queued    atomic.Int32

	mu    sync.Mutex
	slots map[int]*slot // current connection of every slot, for Close
}

// NewPool starts size supervisors in the background and returns immediately.
// Sends issued before any connection is up wait in the queue.
func NewPool(dialer broker.Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:     dialer,
		size:       DefaultPoolSize,
		logger:     zap.NewNop(),
		minBackoff: 50 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		events:     make(chan slotEvent),
		sends:      make(chan *sendItem),
		loopDone:   make(chan struct{}),
		slots:      make(map[int]*slot),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.balancer == nil {
		p.balancer = &loadbalance.RandomBalancer{}
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	go p.run()
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.supervise(i)
	}
	return p
}

// Send queues body for exchange and returns once a healthy channel has taken
// it. There is no broker acknowledgement.
func (p *Pool) Send(ctx context.Context, exchange string, body []byte) error {
	if p.stopping.Load() {
		return ErrPoolClosed
	}
	item := &sendItem{ctx: ctx, exchange: exchange, body: body, done: make(chan error, 1)}
	select {
	case p.sends <- item:
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		// the loop drops the item when it reaches it
		return ctx.Err()
	}
}

// Available is the number of slots currently able to publish.
func (p *Pool) Available() int { return int(p.available.Load()) }

// Queued is the number of sends waiting for a connection.
func (p *Pool) Queued() int { return int(p.queued.Load()) }

func (p *Pool) Size() int { return p.size }

// Close stops replacement, closes every connection and fails queued sends.
// It does not wait for publishes already handed to a channel.
func (p *Pool) Close() error {
	if p.stopping.Swap(true) {
		return nil
	}
	p.cancel()

	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[int]*slot)
	p.mu.Unlock()

	var err error
	for _, s := range slots {
		err = multierr.Append(err, s.conn.Close())
	}
	<-p.loopDone
	p.wg.Wait()
	return err
}

func (p *Pool) open() (*slot, error) {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &slot{conn: conn, ch: ch, kill: make(chan struct{})}, nil
}

func (p *Pool) supervise(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("slot", id))
	b := &backoff.Backoff{Min: p.minBackoff, Max: p.maxBackoff, Factor: 2, Jitter: true}

	for !p.stopping.Load() {
		s, err := p.open()
		if err != nil {
			d := b.Duration()
			logger.Warn("broker dial failed", zap.Error(err), zap.Duration("retry_in", d))
			select {
			case <-time.After(d):
			case <-p.ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		s.id = id

		p.mu.Lock()
		if p.stopping.Load() {
			p.mu.Unlock()
			_ = s.conn.Close()
			return
		}
		p.slots[id] = s
		p.mu.Unlock()

		select {
		case p.events <- slotEvent{slot: s, up: true}:
		case <-p.ctx.Done():
			_ = s.conn.Close()
			return
		}
		logger.Debug("broker connection up")

		var cause error
		select {
		case err := <-s.ch.NotifyClose():
			cause = err
		case <-s.kill:
			cause = errors.New("publish failed")
		case <-p.ctx.Done():
			return
		}

		// leave the available set before the connection goes away
		select {
		case p.events <- slotEvent{slot: s, up: false}:
		case <-p.ctx.Done():
		}
		p.mu.Lock()
		if p.slots[id] == s {
			delete(p.slots, id)
		}
		p.mu.Unlock()
		_ = s.conn.Close()

		if !p.stopping.Load() {
			logger.Warn("broker channel lost, replacing", zap.Error(cause))
		}
	}
}

func (p *Pool) run() {
	defer close(p.loopDone)
	available := make(map[int]*slot)
	var queue []*sendItem

	for {
		select {
		case ev := <-p.events:
			if ev.up {
				available[ev.slot.id] = ev.slot
			} else if available[ev.slot.id] == ev.slot {
				delete(available, ev.slot.id)
			}
		case item := <-p.sends:
			queue = append(queue, item)
		case <-p.ctx.Done():
			for _, item := range queue {
				item.done <- ErrPoolClosed
			}
			p.available.Store(0)
			p.queued.Store(0)
			return
		}
		queue = p.drain(available, queue)
		p.available.Store(int32(len(available)))
		p.queued.Store(int32(len(queue)))
	}
}

// drain publishes from the head of queue while some slot is available. A slot
// that fails to publish is dropped and retired; the item stays at the head.
func (p *Pool) drain(available map[int]*slot, queue []*sendItem) []*sendItem {
	for len(queue) > 0 && len(available) > 0 {
		item := queue[0]
		if err := item.ctx.Err(); err != nil {
			item.done <- err
			queue = queue[1:]
			continue
		}

		ids := make([]int, 0, len(available))
		for id := range available {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		id, err := p.balancer.Pick(ids, item.exchange)
		if err != nil {
			break
		}
		s := available[id]

		if err := s.ch.Publish(item.ctx, item.exchange, item.body); err != nil {
			if ctxErr := item.ctx.Err(); ctxErr != nil {
				item.done <- ctxErr
				queue = queue[1:]
				continue
			}
			p.logger.Warn("publish failed, retiring connection", zap.Int("slot", id), zap.String("exchange", item.exchange), zap.Error(err))
			delete(available, id)
			s.retire()
			continue
		}
		item.done <- nil
		queue = queue[1:]
	}
	if len(queue) == 0 {
		return nil
	}
	return queue
}
