// Package client is the endpoint that sits on the far side of a socket from a
// server node. It sends requests to the node, serves the node's requests with
// its own router and answers liveness pings.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarm-rpc/codec"
	"swarm-rpc/message"
	"swarm-rpc/pending"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
	"swarm-rpc/transport"
)

// ErrClosed is returned by Send once the link has closed for good.
var ErrClosed = errors.New("client: closed")

type options struct {
	codec     codec.Codec
	timeout   time.Duration
	logger    *zap.Logger
	transport []transport.ResilientOption
}

type Option func(*options)

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithTimeout sets how long Send waits for a reply. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransportOptions is passed through to the Resilient link built by Dial.
func WithTransportOptions(opts ...transport.ResilientOption) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// Client talks to one server node over a Link.
type Client struct {
	link    transport.Link
	codec   codec.Codec
	timeout time.Duration
	logger  *zap.Logger
	router  *router.Router
	pending *pending.Registry

	done      chan struct{}
	closeOnce sync.Once
}

func buildOptions(opts []Option) options {
	o := options{
		codec:   &codec.JSONCodec{},
		timeout: pending.DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dial returns a client on a reconnecting link to url. Connecting happens in
// the background; sends made before the node says init are buffered.
func Dial(url string, opts ...Option) *Client {
	o := buildOptions(opts)
	topts := append([]transport.ResilientOption{
		transport.WithCodec(o.codec),
		transport.WithLogger(o.logger),
	}, o.transport...)
	return newClient(transport.NewResilient(url, topts...), o)
}

// New returns a client on an existing link.
func New(link transport.Link, opts ...Option) *Client {
	return newClient(link, buildOptions(opts))
}

func newClient(link transport.Link, o options) *Client {
	c := &Client{
		link:    link,
		codec:   o.codec,
		timeout: o.timeout,
		logger:  o.logger,
		router:  router.New(),
		pending: pending.NewRegistry(pending.WithTimeout(o.timeout), pending.WithLogger(o.logger)),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// On appends h to the handlers of name.
func (c *Client) On(name string, h router.Handler) { c.router.On(name, h) }

// Handle registers a typed handler, see router.Bind.
func (c *Client) Handle(name string, fn any) { c.router.Handle(name, fn) }

func (c *Client) Use(mw router.Middleware) { c.router.Use(mw) }

// Send calls name on the node and waits for its reply. Failures reported by
// the node come back as *rpcerr.Error.
func (c *Client) Send(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	select {
	case <-c.link.Done():
		return nil, ErrClosed
	default:
	}
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	req := c.pending.Register(c.timeout)
	env := &message.Envelope{
		Type:          message.TypeRequest,
		CorrelationID: req.ID(),
		Name:          name,
		Args:          raw,
	}
	data, err := c.codec.Encode(env)
	if err != nil {
		c.pending.Cancel(req.ID())
		return nil, err
	}
	if err := c.link.Send(data); err != nil {
		c.pending.Cancel(req.ID())
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	result, err := req.Wait(ctx)
	if ctx.Err() != nil {
		c.pending.Cancel(req.ID())
	}
	return result, err
}

// Call is Send with the result decoded into T.
func Call[T any](ctx context.Context, c *Client, name string, args ...any) (T, error) {
	var out T
	raw, err := c.Send(ctx, name, args...)
	if err != nil {
		return out, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode %s result: %w", name, err)
		}
	}
	return out, nil
}

// Close closes the link and fails every outstanding Send.
func (c *Client) Close() error {
	err := c.link.Close()
	c.closeOnce.Do(func() { c.pending.Close() })
	return err
}

// Done is closed once the link is gone for good and the client has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) loop() {
	defer close(c.done)
	defer c.closeOnce.Do(func() { c.pending.Close() })

	for data := range c.link.Messages() {
		var env message.Envelope
		if err := c.codec.Decode(data, &env); err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		switch env.Type {
		case message.TypeRequest:
			go c.serve(&env)
		case message.TypeResponse:
			c.pending.Resolve(env.CorrelationID, env.Result)
		case message.TypeError:
			c.pending.Reject(env.CorrelationID, rpcerr.FromEnvelope(&env))
		case message.TypePing:
			c.reply(&message.Envelope{Type: message.TypePong, CorrelationID: env.CorrelationID})
		default:
			c.logger.Debug("ignoring message", zap.String("type", string(env.Type)))
		}
	}
}

func (c *Client) serve(req *message.Envelope) {
	rc, err := c.router.Dispatch(context.Background(), req.Name, message.Args(req.Args))
	if err == nil {
		var result json.RawMessage
		if result, err = message.Marshal(rc.Result); err == nil {
			c.reply(message.Reply(req, result))
			return
		}
	}
	c.logger.Debug("request failed", zap.String("name", req.Name), zap.Error(err))
	c.reply(rpcerr.Reply(req, err))
}

func (c *Client) reply(env *message.Envelope) {
	data, err := c.codec.Encode(env)
	if err != nil {
		c.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := c.link.Send(data); err != nil {
		c.logger.Debug("reply not sent", zap.String("type", string(env.Type)), zap.Error(err))
	}
}

