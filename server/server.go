// Package server bridges client sockets into a broker-backed mesh.
//
// Every accepted socket becomes a Node. A node owns one broker channel with a
// fanout exchange named after the node id and an exclusive queue bound to it,
// so any other node in the mesh can reach it by id. Requests flow:
//
//	socket ──request──► node.Client router ──response/error──► socket
//	peer   ──server-request──► node server router ──server-response──► peer
//	peer   ──remote-client-request──► node.RemoteClient router ──request──► socket
//	                                       (pass=false answers directly)
//
// Nodes publish through one shared connection Pool and share one correlation
// registry; each node consumes on its own channel of a shared consumer connection.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swarm-rpc/broker"
	"swarm-rpc/codec"
	"swarm-rpc/loadbalance"
	"swarm-rpc/pending"
	"swarm-rpc/registry"
	"swarm-rpc/router"
	"swarm-rpc/transport"
)

var (
	ErrServerClosed = errors.New("server: closed")
	ErrNodeClosed   = errors.New("server: node closed")
)

const (
	DefaultPrefix       = "swarm"
	DefaultPingInterval = time.Second
	DefaultNodeTTL      = 10 * time.Second
)

type Option func(*Server)

// WithPrefix sets the exchange name prefix, "swarm" by default.
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = prefix }
}

func WithPoolSize(n int) Option {
	return func(s *Server) { s.poolSize = n }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(s *Server) { s.balancer = b }
}

// WithRequestTimeout bounds every request a node sends. Zero waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithPingInterval sets the client liveness check period of every node.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDirectory publishes every node in dir under the given TTL. name
// identifies this server in the entries.
func WithDirectory(dir registry.Directory, name string, ttl time.Duration) Option {
	return func(s *Server) {
		s.directory = dir
		s.name = name
		s.nodeTTL = ttl
	}
}

// WithMiddleware is installed on all three routers of every node.
func WithMiddleware(mws ...router.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithMiddlewareFactory calls f once for each router of every node and
// installs what it returns after the WithMiddleware ones. Use it for
// middlewares that hold per-router state, such as a rate limiter.
func WithMiddlewareFactory(f func() []router.Middleware) Option {
	return func(s *Server) { s.mwFactories = append(s.mwFactories, f) }
}

// WithNodeSetup runs setup on every new node before it tells its socket init.
func WithNodeSetup(setup func(*Node)) Option {
	return func(s *Server) { s.setups = append(s.setups, setup) }
}

// Server creates and tracks nodes.
type Server struct {
	dialer       broker.Dialer
	prefix       string
	poolSize     int
	balancer     loadbalance.Balancer
	timeout      time.Duration
	pingInterval time.Duration
	codec        codec.Codec
	logger       *zap.Logger
	directory    registry.Directory
	name         string
	nodeTTL      time.Duration
	middlewares  []router.Middleware
	mwFactories  []func() []router.Middleware
	setups       []func(*Node)

	pending *pending.Registry
	pool    *transport.Pool

	consumerMu sync.Mutex
	consumer   broker.Connection

	mu     sync.Mutex
	nodes  map[string]*Node
	closed bool
}

// New returns a server publishing through a pool of connections from dialer.
// Broker connections are opened in the background.
func New(dialer broker.Dialer, opts ...Option) *Server {
	s := &Server{
		dialer:       dialer,
		prefix:       DefaultPrefix,
		poolSize:     transport.DefaultPoolSize,
		timeout:      pending.DefaultTimeout,
		pingInterval: DefaultPingInterval,
		codec:        &codec.JSONCodec{},
		logger:       zap.NewNop(),
		nodeTTL:      DefaultNodeTTL,
		nodes:        make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = uuid.NewString()
	}
	s.pending = pending.NewRegistry(pending.WithTimeout(s.timeout), pending.WithLogger(s.logger))

	poolOpts := []transport.PoolOption{
		transport.WithSize(s.poolSize),
		transport.WithPoolLogger(s.logger.Named("pool")),
	}
	if s.balancer != nil {
		poolOpts = append(poolOpts, transport.WithBalancer(s.balancer))
	}
	s.pool = transport.NewPool(dialer, poolOpts...)
	return s
}

// Exchange is the name of the fanout exchange node id consumes.
func (s *Server) Exchange(id string) string {
	return s.prefix + ".client." + id
}

// routerMiddlewares builds the middleware list of one router.
func (s *Server) routerMiddlewares() router.Option {
	mws := append([]router.Middleware(nil), s.middlewares...)
	for _, f := range s.mwFactories {
		mws = append(mws, f()...)
	}
	return router.WithMiddleware(mws...)
}

// newNodeID returns 16 random bytes, base64url encoded.
func newNodeID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// openChannel opens a channel on the consumer connection, re-dialing it once
// when it has died.
func (s *Server) openChannel(ctx context.Context) (broker.Channel, error) {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if s.consumer == nil {
			conn, err := s.dialer.Dial(ctx)
			if err != nil {
				return nil, fmt.Errorf("dial broker: %w", err)
			}
			s.consumer = conn
		}
		ch, err := s.consumer.Channel()
		if err == nil {
			return ch, nil
		}
		lastErr = err
		s.logger.Warn("consumer connection unusable, redialing", zap.Error(err))
		_ = s.consumer.Close()
		s.consumer = nil
	}
	return nil, fmt.Errorf("open channel: %w", lastErr)
}

// CreateNode attaches conn to the mesh as node id, or under a random id when
// id is empty. setup runs before the socket is told init, so handlers
// registered there see the client's first requests. A live node with the same
// id is closed and replaced.
func (s *Server) CreateNode(ctx context.Context, id string, conn transport.Conn, setup ...func(*Node)) (*Node, error) {
	if s.isClosed() {
		return nil, ErrServerClosed
	}
	if id == "" {
		id = newNodeID()
	}
	exchange := s.Exchange(id)

	ch, err := s.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	deliveries, err := subscribe(ch, exchange)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("node %s: %w", id, err)
	}

	n := newNode(s, id, conn, ch)
	for _, f := range s.setups {
		f(n)
	}
	for _, f := range setup {
		f(n)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Close()
		return nil, ErrServerClosed
	}
	old := s.nodes[id]
	s.nodes[id] = n
	s.mu.Unlock()
	if old != nil {
		n.logger.Info("replacing live node")
		old.Close()
	}

	n.start(deliveries)
	if n.Closed() {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeClosed)
	}

	if s.directory != nil {
		inst := registry.NodeInstance{ID: id, Exchange: exchange, Server: s.name}
		if err := s.directory.Register(ctx, inst, s.nodeTTL); err != nil {
			n.logger.Warn("directory register failed", zap.Error(err))
		}
	}
	n.logger.Info("node created")
	return n, nil
}

func subscribe(ch broker.Channel, exchange string) (<-chan []byte, error) {
	if err := ch.DeclareFanout(exchange); err != nil {
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	queue, err := ch.DeclareExclusiveQueue()
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Bind(queue, exchange); err != nil {
		return nil, fmt.Errorf("bind %s: %w", exchange, err)
	}
	return ch.Consume(queue)
}

// forget drops n from the node table and the directory after teardown.
func (s *Server) forget(n *Node) {
	s.mu.Lock()
	current := s.nodes[n.id] == n
	if current {
		delete(s.nodes, n.id)
	}
	s.mu.Unlock()

	if current && s.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.directory.Deregister(ctx, n.id); err != nil {
			n.logger.Warn("directory deregister failed", zap.Error(err))
		}
	}
}

// Node returns the live local node with id.
func (s *Server) Node(id string) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes lists the ids of live local nodes.
func (s *Server) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Peers lists node ids across the mesh. Without a directory it is Nodes.
func (s *Server) Peers(ctx context.Context) ([]string, error) {
	if s.directory == nil {
		return s.Nodes(), nil
	}
	nodes, err := s.directory.Discover(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears every node down, then closes the broker connections. Pending
// requests fail with a closed error.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	var err error
	for _, n := range nodes {
		err = multierr.Append(err, n.Close())
	}
	err = multierr.Append(err, s.pool.Close())

	s.consumerMu.Lock()
	if s.consumer != nil {
		err = multierr.Append(err, s.consumer.Close())
		s.consumer = nil
	}
	s.consumerMu.Unlock()

	s.pending.Close()
	return err
}
