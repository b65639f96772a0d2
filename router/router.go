// Package router dispatches named requests to ordered handler chains.
//
// Every route holds a list of handlers that run in registration order. They
// share one mutable Context: an earlier handler can set Result or Pass and a
// later one sees it. Each handler receives the original call arguments; only
// the Context carries state forward.
package router

import (
	"context"
	"fmt"
	"sync"

	"swarm-rpc/message"
	"swarm-rpc/rpcerr"
)

// Handler serves one step of a route. Its return value replaces Context.Result.
type Handler func(ctx *Context, args message.Args) (any, error)

// Middleware wraps every handler of a router.
type Middleware func(next Handler) Handler

// Context is the record threaded through a route's handlers.
type Context struct {
	// Result is the value sent back to the caller once the chain finishes.
	Result any
	// Pass only matters on passthrough routers: true forwards the call to the
	// attached socket, false answers with Result directly.
	Pass bool
	// Sender is the id of the node that issued a broker request; empty for socket requests.
	Sender string
	Route  string

	ctx context.Context
}

// Context returns the context of the request being served.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext returns a copy of c bound to ctx.
func WithContext(c *Context, ctx context.Context) *Context {
	cp := *c
	cp.ctx = ctx
	return &cp
}

// Throw builds an endpoint error carrying data. Return it from a handler to fail the call.
func (c *Context) Throw(msg string, data any) error {
	return rpcerr.New(msg, data)
}

type Option func(*Router)

// Passthrough makes a relay router: a missing route is not an error and Pass starts out true.
func Passthrough() Option {
	return func(r *Router) {
		r.tolerant = true
		r.pass = true
	}
}

func WithMiddleware(mws ...Middleware) Option {
	return func(r *Router) { r.middlewares = append(r.middlewares, mws...) }
}

// Router is safe for concurrent registration and dispatch.
type Router struct {
	mu          sync.RWMutex
	handlers    map[string][]Handler
	middlewares []Middleware
	tolerant    bool
	pass        bool
}

func New(opts ...Option) *Router {
	r := &Router{handlers: make(map[string][]Handler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On appends h to the route's chain. Handlers are never removed.
func (r *Router) On(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], h)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Routes lists the names that have at least one handler.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Tolerant reports whether a missing route dispatches without error.
func (r *Router) Tolerant() bool { return r.tolerant }

type dispatchConfig struct {
	sender    string
	result    any
	hasResult bool
	tolerate  bool
}

type DispatchOption func(*dispatchConfig)

func WithSender(id string) DispatchOption {
	return func(c *dispatchConfig) { c.sender = id }
}

// WithResult seeds Context.Result before the first handler runs.
func WithResult(v any) DispatchOption {
	return func(c *dispatchConfig) {
		c.result = v
		c.hasResult = true
	}
}

// Tolerate lets this dispatch succeed even when the route has no handlers.
func Tolerate() DispatchOption {
	return func(c *dispatchConfig) { c.tolerate = true }
}

// Dispatch runs the route's handlers and returns the final context. It fails
// with a protocol/unhandled error when the route is empty on a strict router,
// and with the first handler error otherwise. A panicking handler counts as an
// endpoint error.
func (r *Router) Dispatch(ctx context.Context, name string, args message.Args, opts ...DispatchOption) (*Context, error) {
	cfg := dispatchConfig{tolerate: r.tolerant}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.RLock()
	chain := append([]Handler(nil), r.handlers[name]...)
	mws := append([]Middleware(nil), r.middlewares...)
	r.mu.RUnlock()

	if len(chain) == 0 && !cfg.tolerate {
		return nil, rpcerr.Unhandled(name)
	}

	c := &Context{
		Pass:   r.pass,
		Sender: cfg.sender,
		Route:  name,
		ctx:    ctx,
	}
	if cfg.hasResult {
		c.Result = cfg.result
	}

	for _, h := range chain {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		result, err := invoke(h, c, args)
		if err != nil {
			return nil, err
		}
		c.Result = result
	}
	return c, nil
}

func invoke(h Handler, c *Context, args message.Args) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = rpcerr.New(fmt.Sprint(p), nil)
		}
	}()
	return h(c, args)
}
