package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swarm-rpc/broker"
	"swarm-rpc/codec"
	"swarm-rpc/message"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
	"swarm-rpc/transport"
)

// replyPublishTimeout bounds how long a reply waits for a pool connection.
const replyPublishTimeout = 10 * time.Second

// Node is one client socket attached to the mesh.
//
// The node itself is the server channel: On/Handle register peer-to-peer
// routes and Send calls a peer node. Client talks to the attached socket and
// RemoteClient relays peers' calls to it.
type Node struct {
	id       string
	exchange string
	srv      *Server
	conn     transport.Conn
	ch       broker.Channel
	codec    codec.Codec
	logger   *zap.Logger

	server       *router.Router
	Client       *ClientChannel
	RemoteClient *RemoteClientChannel

	writeMu    sync.Mutex
	socketOpen atomic.Bool
	closed     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// ClientChannel is the RPC channel between a node and its own socket.
type ClientChannel struct {
	node   *Node
	router *router.Router
}

// RemoteClientChannel carries calls that peer nodes address to this node's
// socket. Its routes are optional: a call without handlers is forwarded to the
// socket unchanged.
type RemoteClientChannel struct {
	node   *Node
	router *router.Router
}

func newNode(s *Server, id string, conn transport.Conn, ch broker.Channel) *Node {
	n := &Node{
		id:       id,
		exchange: s.Exchange(id),
		srv:      s,
		conn:     conn,
		ch:       ch,
		codec:    s.codec,
		logger:   s.logger.With(zap.String("node", id)),
		done:     make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.socketOpen.Store(true)

	n.server = router.New(s.routerMiddlewares())
	n.Client = &ClientChannel{node: n, router: router.New(s.routerMiddlewares())}
	n.RemoteClient = &RemoteClientChannel{node: n, router: router.New(s.routerMiddlewares(), router.Passthrough())}
	return n
}

func (n *Node) start(deliveries <-chan []byte) {
	go n.readSocket()
	go n.consume(deliveries)
	go n.watchChannel()

	if err := n.writeSocket(&message.Envelope{Type: message.TypeInit}); err != nil {
		n.teardown(fmt.Errorf("send init: %w", err))
		return
	}
	if n.srv.pingInterval > 0 {
		go n.watchLiveness()
	}
}

func (n *Node) ID() string { return n.id }

// Exchange is the broker exchange this node consumes.
func (n *Node) Exchange() string { return n.exchange }

func (n *Node) Closed() bool { return n.closed.Load() }

// Done is closed after teardown.
func (n *Node) Done() <-chan struct{} { return n.done }

// On appends h to a server route, served for peer nodes.
func (n *Node) On(name string, h router.Handler) { n.server.On(name, h) }

func (n *Node) Handle(name string, fn any) { n.server.Handle(name, fn) }

func (n *Node) Use(mw router.Middleware) { n.server.Use(mw) }

// Register binds rcvr's handler methods as "Type.Method" server routes.
func (n *Node) Register(rcvr any) error { return n.server.Register(rcvr) }

// Send calls name on node peer's server router. Handlers there see this node's id as Sender.
func (n *Node) Send(ctx context.Context, peer, name string, args ...any) (json.RawMessage, error) {
	return n.publishRequest(ctx, message.TypeServerRequest, peer, name, args)
}

func (c *ClientChannel) On(name string, h router.Handler) { c.router.On(name, h) }

func (c *ClientChannel) Handle(name string, fn any) { c.router.Handle(name, fn) }

func (c *ClientChannel) Use(mw router.Middleware) { c.router.Use(mw) }

// Register binds rcvr's handler methods as "Type.Method" routes for the socket.
func (c *ClientChannel) Register(rcvr any) error { return c.router.Register(rcvr) }

// Send calls name on the attached socket.
func (c *ClientChannel) Send(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return c.node.socketRequest(ctx, name, raw)
}

// On appends h to a relay route. Context.Result starts as the call's
// arguments; whatever h returns becomes the forwarded arguments, and a nil
// return leaves them as they were. Return an empty slice to forward no
// arguments, or clear Context.Pass to answer with Result itself.
func (c *RemoteClientChannel) On(name string, h router.Handler) { c.router.On(name, h) }

func (c *RemoteClientChannel) Handle(name string, fn any) { c.router.Handle(name, fn) }

func (c *RemoteClientChannel) Use(mw router.Middleware) { c.router.Use(mw) }

// Send calls name on the socket attached to node peer, through peer's relay routes.
func (c *RemoteClientChannel) Send(ctx context.Context, peer, name string, args ...any) (json.RawMessage, error) {
	return c.node.publishRequest(ctx, message.TypeRemoteClientRequest, peer, name, args)
}

// Close tears the node down. It is safe to call more than once.
func (n *Node) Close() error {
	return n.teardown(nil)
}

func (n *Node) teardown(cause error) error {
	n.closeOnce.Do(func() {
		var err error
		if cerr := n.ch.Close(); cerr != nil && !errors.Is(cerr, broker.ErrChannelClosed) {
			err = multierr.Append(err, cerr)
		}
		if n.socketOpen.Swap(false) {
			if data, eerr := n.codec.Encode(&message.Envelope{Type: message.TypeClose}); eerr == nil {
				n.writeMu.Lock()
				_ = n.conn.WriteMessage(data)
				n.writeMu.Unlock()
			}
			err = multierr.Append(err, n.conn.Close())
		}
		n.closed.Store(true)
		n.cancel()
		close(n.done)
		n.srv.forget(n)

		if cause != nil {
			n.logger.Info("node closed", zap.Error(cause))
		} else {
			n.logger.Info("node closed")
		}
		n.closeErr = err
	})
	return n.closeErr
}

func (n *Node) writeSocket(env *message.Envelope) error {
	data, err := n.codec.Encode(env)
	if err != nil {
		return err
	}
	return n.writeRaw(data)
}

func (n *Node) writeRaw(data []byte) error {
	if n.closed.Load() || !n.socketOpen.Load() {
		return ErrNodeClosed
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteMessage(data)
}

// publishContext bounds a publish by the request timeout when the caller set no deadline.
func (n *Node) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || n.srv.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.srv.timeout)
}

func (n *Node) publishRequest(ctx context.Context, t message.Type, peer, name string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	env := &message.Envelope{
		Type:    t,
		Name:    name,
		Args:    raw,
		ReplyTo: n.exchange,
		Sender:  n.id,
	}
	exchange := n.srv.Exchange(peer)
	return n.call(ctx, env, func(data []byte) error {
		pctx, cancel := n.publishContext(ctx)
		defer cancel()
		return n.srv.pool.Send(pctx, exchange, data)
	})
}

func (n *Node) socketRequest(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error) {
	env := &message.Envelope{Type: message.TypeRequest, Name: name, Args: args}
	return n.call(ctx, env, n.writeRaw)
}

// call registers a pending request, hands the encoded envelope to deliver and
// waits for the reply, ctx, or teardown.
func (n *Node) call(ctx context.Context, env *message.Envelope, deliver func([]byte) error) (json.RawMessage, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	reg := n.srv.pending
	req := reg.Register(n.srv.timeout)
	env.CorrelationID = req.ID()

	data, err := n.codec.Encode(env)
	if err != nil {
		reg.Cancel(req.ID())
		return nil, err
	}
	if err := deliver(data); err != nil {
		reg.Cancel(req.ID())
		return nil, fmt.Errorf("%s %q: %w", env.Type, env.Name, err)
	}

	select {
	case <-req.Done():
		return req.Wait(context.Background())
	case <-ctx.Done():
		reg.Cancel(req.ID())
		return nil, ctx.Err()
	case <-n.done:
		reg.Cancel(req.ID())
		return nil, rpcerr.Closed()
	}
}

func (n *Node) readSocket() {
	for {
		data, err := n.conn.ReadMessage()
		if err != nil {
			n.socketOpen.Store(false)
			n.teardown(fmt.Errorf("socket: %w", err))
			return
		}

		var env message.Envelope
		if err := n.codec.Decode(data, &env); err != nil {
			n.logger.Warn("dropping undecodable socket message", zap.Error(err))
			continue
		}
		switch env.Type {
		case message.TypeRequest:
			go n.serveSocket(&env)
		case message.TypeResponse, message.TypePong:
			n.srv.pending.Resolve(env.CorrelationID, env.Result)
		case message.TypeError:
			n.srv.pending.Reject(env.CorrelationID, rpcerr.FromEnvelope(&env))
		case message.TypePing:
			if err := n.writeSocket(&message.Envelope{Type: message.TypePong, CorrelationID: env.CorrelationID}); err != nil {
				n.logger.Debug("pong not sent", zap.Error(err))
			}
		case message.TypeClose:
			n.teardown(errors.New("socket sent close"))
			return
		default:
			n.logger.Debug("ignoring socket message", zap.String("type", string(env.Type)))
		}
	}
}

func (n *Node) consume(deliveries <-chan []byte) {
	for body := range deliveries {
		var env message.Envelope
		if err := n.codec.Decode(body, &env); err != nil {
			n.logger.Warn("dropping undecodable broker message", zap.Error(err))
			continue
		}
		switch env.Type {
		case message.TypeServerRequest:
			go n.serveServer(&env)
		case message.TypeRemoteClientRequest:
			go n.serveRemote(&env)
		case message.TypeServerResponse, message.TypeRemoteClientResponse:
			n.srv.pending.Resolve(env.CorrelationID, env.Result)
		case message.TypeServerError, message.TypeRemoteClientError:
			n.srv.pending.Reject(env.CorrelationID, rpcerr.FromEnvelope(&env))
		default:
			n.logger.Debug("ignoring broker message", zap.String("type", string(env.Type)))
		}
	}
	n.teardown(errors.New("broker deliveries stopped"))
}

func (n *Node) watchChannel() {
	select {
	case err, ok := <-n.ch.NotifyClose():
		if ok && err != nil {
			n.teardown(fmt.Errorf("broker channel: %w", err))
			return
		}
		n.teardown(broker.ErrChannelClosed)
	case <-n.done:
	}
}

// watchLiveness pings the socket every interval and tears the node down on the first
// missing pong. The server cannot redial a client, so there is no retry.
func (n *Node) watchLiveness() {
	interval := n.srv.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reg := n.srv.pending

	for {
		select {
		case <-ticker.C:
		case <-n.done:
			return
		}
		req := reg.Register(interval)
		if err := n.writeSocket(&message.Envelope{Type: message.TypePing, CorrelationID: req.ID()}); err != nil {
			reg.Cancel(req.ID())
			n.teardown(fmt.Errorf("liveness check: %w", err))
			return
		}
		select {
		case <-req.Done():
			if _, err := req.Wait(context.Background()); err != nil {
				n.teardown(fmt.Errorf("liveness check: %w", err))
				return
			}
		case <-n.done:
			reg.Cancel(req.ID())
			return
		}
	}
}

func (n *Node) serveSocket(req *message.Envelope) {
	reply := n.dispatch(n.Client.router, req)
	if err := n.writeSocket(reply); err != nil {
		n.logger.Debug("reply not sent", zap.String("route", req.Name), zap.Error(err))
	}
}

func (n *Node) serveServer(req *message.Envelope) {
	n.publishReply(req, n.dispatch(n.server, req, router.WithSender(req.Sender)))
}

// dispatch runs a strict router and builds the reply envelope.
func (n *Node) dispatch(r *router.Router, req *message.Envelope, opts ...router.DispatchOption) *message.Envelope {
	rc, err := r.Dispatch(n.ctx, req.Name, message.Args(req.Args), opts...)
	if err == nil {
		var result json.RawMessage
		if result, err = message.Marshal(rc.Result); err == nil {
			return message.Reply(req, result)
		}
	}
	n.logger.Debug("request failed", zap.String("route", req.Name), zap.Error(err))
	return rpcerr.Reply(req, err)
}

// serveRemote runs the relay routes of a remote-client request. When Pass is
// still set afterwards, Result is forwarded to the socket as the argument list
// and the socket's outcome is relayed back to the peer.
func (n *Node) serveRemote(req *message.Envelope) {
	args := message.Args(req.Args)
	rc, err := n.RemoteClient.router.Dispatch(n.ctx, req.Name, args,
		router.WithSender(req.Sender), router.WithResult(args))
	if err != nil {
		n.publishReply(req, rpcerr.Reply(req, err))
		return
	}

	var result json.RawMessage
	if rc.Pass {
		var fwd []json.RawMessage
		if fwd, err = forwardArgs(rc.Result, req.Args); err == nil {
			result, err = n.socketRequest(n.ctx, req.Name, fwd)
		}
	} else {
		result, err = message.Marshal(rc.Result)
	}
	if err != nil {
		n.publishReply(req, rpcerr.Reply(req, err))
		return
	}
	n.publishReply(req, message.Reply(req, result))
}

// forwardArgs turns a relay Result into the argument list sent to the socket:
// nil keeps orig, a JSON array is spread, a JSON null means no arguments and
// anything else is one argument.
func forwardArgs(v any, orig []json.RawMessage) ([]json.RawMessage, error) {
	if v == nil {
		return orig, nil
	}
	raw, err := message.Marshal(v)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		return nil, nil
	case len(trimmed) > 0 && trimmed[0] == '[':
		var args []json.RawMessage
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, err
		}
		return args, nil
	}
	return []json.RawMessage{raw}, nil
}

func (n *Node) publishReply(req, reply *message.Envelope) {
	if req.ReplyTo == "" {
		n.logger.Warn("dropping reply without replyTo", zap.String("route", req.Name))
		return
	}
	data, err := n.codec.Encode(reply)
	if err != nil {
		n.logger.Error("encode reply", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyPublishTimeout)
	defer cancel()
	if err := n.srv.pool.Send(ctx, req.ReplyTo, data); err != nil {
		n.logger.Warn("reply not published", zap.String("route", req.Name), zap.String("exchange", req.ReplyTo), zap.Error(err))
	}
}
