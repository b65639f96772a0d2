package middleware

import (
	"context"
	"fmt"
	"time"

	"swarm-rpc/message"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
)

type handlerResult struct {
	value any
	err   error
}

// TimeOutMiddleware fails a handler that runs longer than timeout with a
// protocol/timeout error. The handler keeps running in the background; it can
// watch ctx.Context() to stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next router.Handler) router.Handler {
		return func(ctx *router.Context, args message.Args) (any, error) {
			deadline, cancel := context.WithTimeout(ctx.Context(), timeout)
			defer cancel()

			// the handler gets its own copy so a late write cannot race with the caller
			inner := router.WithContext(ctx, deadline)

			done := make(chan handlerResult, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						done <- handlerResult{nil, rpcerr.New(fmt.Sprint(p), nil)}
					}
				}()
				v, err := next(inner, args)
				done <- handlerResult{v, err}
			}()

			select {
			case res := <-done:
				ctx.Pass = inner.Pass
				return res.value, res.err
			case <-deadline.Done():
				return nil, rpcerr.Timeout()
			}
		}
	}
}
