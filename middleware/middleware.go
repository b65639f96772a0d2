// Package middleware provides handler wrappers for routers.
package middleware

import "swarm-rpc/router"

type Middleware = router.Middleware

// Chain combines several middlewares into one. Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next router.Handler) router.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
