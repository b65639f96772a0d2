// Package pending tracks requests that are waiting for a reply.
//
// Every outgoing request registers a Request and receives a fresh id. The id
// travels in the envelope's correlationId; whoever reads the reply calls
// Resolve or Reject with it. A request settles exactly once: the first of
// resolve, reject, timeout or Close wins and the rest are no-ops.
//
//	goroutine-1 ──Register()──► id-1 ──┐
//	goroutine-2 ──Register()──► id-2 ──┼──► wire
//	reader:  reply(id-2) ──► Resolve(id-2) ──► goroutine-2 wakes up
package pending

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarm-rpc/rpcerr"
)

// DefaultTimeout is how long a request waits for its reply unless told otherwise.
const DefaultTimeout = time.Second

type outcome struct {
	result json.RawMessage
	err    *rpcerr.Error
}

// Request is one outstanding call.
type Request struct {
	id    string
	timer *time.Timer
	done  chan struct{}
	out   outcome
}

func (r *Request) ID() string { return r.id }

// Done is closed once the request has settled.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request settles or ctx ends. When ctx ends first the
// request stays registered; callers that give up should also Cancel it.
func (r *Request) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.done:
		if r.out.err != nil {
			return nil, r.out.err
		}
		return r.out.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) settle(out outcome) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.out = out
	close(r.done)
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry maps correlation ids to outstanding requests.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Request
	closed  bool
	timeout time.Duration
	logger  *zap.Logger
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pending: make(map[string]*Request),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a pending request. A zero timeout disables the timer and a
// negative one selects the registry default.
func (r *Registry) Register(timeout time.Duration) *Request {
	if timeout < 0 {
		timeout = r.timeout
	}
	req := &Request{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		req.settle(outcome{err: rpcerr.Closed()})
		return req
	}
	r.pending[req.id] = req
	if timeout > 0 {
		id := req.id
		req.timer = time.AfterFunc(timeout, func() {
			if r.Reject(id, rpcerr.Timeout()) {
				r.logger.Debug("request timed out", zap.String("correlation_id", id))
			}
		})
	}
	return req
}

// take removes the entry for id. Only the caller that removed it may settle it.
func (r *Registry) take(id string) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return req
}

// Resolve settles id with a result. Unknown or already settled ids return false.
func (r *Registry) Resolve(id string, result json.RawMessage) bool {
	req := r.take(id)
	if req == nil {
		return false
	}
	req.settle(outcome{result: result})
	return true
}

// Reject settles id with an error record. Unknown or already settled ids return false.
func (r *Registry) Reject(id string, err *rpcerr.Error) bool {
	req := r.take(id)
	if req == nil {
		return false
	}
	req.settle(outcome{err: err})
	return true
}

// Cancel forgets id without settling it. A reply arriving later is ignored.
func (r *Registry) Cancel(id string) {
	if req := r.take(id); req != nil && req.timer != nil {
		req.timer.Stop()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close rejects every outstanding request with a closed error. Requests
// registered afterwards are rejected immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := r.pending
	r.pending = make(map[string]*Request)
	r.mu.Unlock()

	for _, req := range all {
		req.settle(outcome{err: rpcerr.Closed()})
	}
}
