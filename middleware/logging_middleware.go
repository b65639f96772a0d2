package middleware

import (
	"time"

	"go.uber.org/zap"

	"swarm-rpc/message"
	"swarm-rpc/router"
)

// LoggingMiddleware logs every handler call at debug level, and failures at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next router.Handler) router.Handler {
		return func(ctx *router.Context, args message.Args) (any, error) {
			start := time.Now()
			result, err := next(ctx, args)
			fields := []zap.Field{
				zap.String("route", ctx.Route),
				zap.String("sender", ctx.Sender),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
				return result, err
			}
			logger.Debug("handler done", fields...)
			return result, nil
		}
	}
}
