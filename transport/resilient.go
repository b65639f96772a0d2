package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"swarm-rpc/codec"
	"swarm-rpc/message"
	"swarm-rpc/pending"
)

// State of a Resilient link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "disconnected"
}

// DialFunc opens a new connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

const (
	DefaultPingInterval = time.Second
	DefaultInitTimeout  = 10 * time.Second
)

type ResilientOption func(*Resilient)

func WithPingInterval(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.pingInterval = d }
}

// WithPingTimeout bounds one ping round trip. It defaults to the ping interval.
func WithPingTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.pingTimeout = d }
}

// WithInitTimeout bounds the wait for the peer's init after a connection opens.
func WithInitTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.initTimeout = d }
}

func WithDialFunc(dial DialFunc) ResilientOption {
	return func(r *Resilient) { r.dial = dial }
}

func WithCodec(c codec.Codec) ResilientOption {
	return func(r *Resilient) { r.codec = c }
}

// WithBackoff bounds the wait between failed reconnect attempts.
func WithBackoff(min, max time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.minBackoff = min
		r.maxBackoff = max
	}
}

func WithLogger(l *zap.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// Resilient is a Link to a fixed URL that reconnects by itself.
//
// After every (re)connect it waits for an init envelope from the peer before
// it counts as open. Sends issued while it is not open are buffered and
// replayed in order once it is. A ping goes out every interval; a missing pong
// forces a reconnect. Only Close, or a close envelope from the peer, ends it.
//
// Control envelopes (init, close, ping, pong) are handled here and never show
// up on Messages.
type Resilient struct {
	url          string
	dial         DialFunc
	codec        codec.Codec
	pingInterval time.Duration
	pingTimeout  time.Duration
	initTimeout  time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	logger       *zap.Logger
	pings        *pending.Registry

	mu     sync.Mutex
	state  State
	conn   Conn
	outbox [][]byte

	messages  chan []byte
	reopenCh  chan struct{}
	readers   sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewResilient starts connecting in the background and returns immediately.
func NewResilient(url string, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		url:          url,
		dial:         DialWebSocket,
		codec:        &codec.JSONCodec{},
		pingInterval: DefaultPingInterval,
		initTimeout:  DefaultInitTimeout,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   10 * time.Second,
		logger:       zap.NewNop(),
		messages:     make(chan []byte, 64),
		reopenCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pingInterval <= 0 {
		r.pingInterval = DefaultPingInterval
	}
	if r.pingTimeout <= 0 {
		r.pingTimeout = r.pingInterval
	}
	r.logger = r.logger.With(zap.String("url", url))
	r.pings = pending.NewRegistry(pending.WithTimeout(r.pingTimeout), pending.WithLogger(r.logger))
	r.ctx, r.cancel = context.WithCancel(context.Background())

	go r.run()
	return r
}

func (r *Resilient) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Buffered is the number of sends waiting for the link to open.
func (r *Resilient) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Send writes data when the link is open and buffers it otherwise. A failed
// write is buffered too and triggers a reconnect.
func (r *Resilient) Send(data []byte) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateOpen && r.conn != nil {
		err := r.conn.WriteMessage(data)
		if err == nil {
			return nil
		}
		r.logger.Warn("write failed, reconnecting", zap.Error(err))
		r.dropLocked()
	}
	r.outbox = append(r.outbox, data)
	return nil
}

func (r *Resilient) Messages() <-chan []byte { return r.messages }

func (r *Resilient) Done() <-chan struct{} { return r.ctx.Done() }

// Close ends the link for good. Buffered sends are discarded.
func (r *Resilient) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.state = StateDisconnected
		r.outbox = nil
		r.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		r.pings.Close()
	})
	return err
}

// dropLocked forgets the current connection and asks for a reconnect. Caller holds r.mu.
func (r *Resilient) dropLocked() {
	conn := r.conn
	r.conn = nil
	r.state = StateDisconnected
	if conn != nil {
		go conn.Close()
	}
	r.requestReopen()
}

func (r *Resilient) requestReopen() {
	select {
	case r.reopenCh <- struct{}{}:
	default:
	}
}

func (r *Resilient) run() {
	defer func() {
		r.readers.Wait()
		close(r.messages)
	}()

	r.reopen()
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.reopenCh:
			r.reopen()
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Resilient) heartbeat() {
	r.mu.Lock()
	conn, state := r.conn, r.state
	r.mu.Unlock()
	if state != StateOpen || conn == nil {
		r.reopen()
		return
	}

	req := r.pings.Register(r.pingTimeout)
	if err := r.writeControl(conn, &message.Envelope{Type: message.TypePing, CorrelationID: req.ID()}); err != nil {
		r.pings.Cancel(req.ID())
		r.logger.Warn("ping write failed, reconnecting", zap.Error(err))
		r.reopen()
		return
	}
	if _, err := req.Wait(r.ctx); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("ping failed, reconnecting", zap.Error(err))
		r.reopen()
	}
}

// reopen replaces the connection, retrying until it succeeds or the link is closed.
func (r *Resilient) reopen() {
	b := &backoff.Backoff{Min: r.minBackoff, Max: r.maxBackoff, Factor: 2, Jitter: true}
	for r.ctx.Err() == nil {
		r.mu.Lock()
		old := r.conn
		r.conn = nil
		r.state = StateConnecting
		r.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		// collapse reconnect requests raised by the connection we just dropped
		select {
		case <-r.reopenCh:
		default:
		}

		if r.connect() {
			return
		}
		r.mu.Lock()
		if r.state == StateConnecting {
			r.state = StateDisconnected
		}
		r.mu.Unlock()

		d := b.Duration()
		r.logger.Debug("connect failed, retrying", zap.Duration("retry_in", d))
		select {
		case <-time.After(d):
		case <-r.ctx.Done():
			return
		}
	}
}

// connect dials, waits for the peer's init, then flushes the outbox.
func (r *Resilient) connect() bool {
	ctx, cancel := context.WithTimeout(r.ctx, r.initTimeout)
	defer cancel()

	conn, err := r.dial(ctx, r.url)
	if err != nil {
		r.logger.Debug("dial failed", zap.Error(err))
		return false
	}

	initCh := make(chan struct{})
	exited := make(chan struct{})
	r.readers.Add(1)
	go r.read(conn, initCh, exited)

	select {
	case <-initCh:
	case <-exited:
		return false
	case <-ctx.Done():
		_ = conn.Close()
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		_ = conn.Close()
		return true
	}
	select {
	case <-exited:
		return false
	default:
	}
	for len(r.outbox) > 0 {
		if err := conn.WriteMessage(r.outbox[0]); err != nil {
			_ = conn.Close()
			return false
		}
		r.outbox[0] = nil
		r.outbox = r.outbox[1:]
	}
	r.outbox = nil
	r.conn = conn
	r.state = StateOpen
	r.logger.Debug("link open")
	return true
}

func (r *Resilient) writeControl(conn Conn, env *message.Envelope) error {
	data, err := r.codec.Encode(env)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return conn.WriteMessage(data)
}

func (r *Resilient) read(conn Conn, initCh, exited chan struct{}) {
	defer r.readers.Done()
	defer close(exited)
	initialized := false

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if r.conn == conn {
				if r.ctx.Err() == nil {
					r.logger.Info("link lost, reconnecting", zap.Error(err))
				}
				r.dropLocked()
			}
			r.mu.Unlock()
			return
		}

		var env message.Envelope
		if err := r.codec.Decode(data, &env); err != nil {
			r.logger.Warn("dropping undecodable message", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}

		switch env.Type {
		case message.TypeInit:
			if !initialized {
				initialized = true
				close(initCh)
			}
		case message.TypeClose:
			r.logger.Info("peer closed the link")
			_ = r.Close()
			return
		case message.TypePing:
			if err := r.writeControl(conn, &message.Envelope{Type: message.TypePong, CorrelationID: env.CorrelationID}); err != nil {
				r.logger.Debug("pong write failed", zap.Error(err))
			}
		case message.TypePong:
			r.pings.Resolve(env.CorrelationID, nil)
		default:
			select {
			case r.messages <- data:
			case <-r.ctx.Done():
				return
			}
		}
	}
}
