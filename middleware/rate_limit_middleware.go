package middleware

import (
	"golang.org/x/time/rate"

	"swarm-rpc/message"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
)

// RateLimitMiddleware allows r handler calls per second with the given burst.
// Calls over the limit fail with protocol/ratelimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next router.Handler) router.Handler {
		return func(ctx *router.Context, args message.Args) (any, error) {
			if !limiter.Allow() {
				return nil, rpcerr.RateLimited()
			}
			return next(ctx, args)
		}
	}
}
