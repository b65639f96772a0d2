package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"swarm-rpc/message"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
)

func echoHandler(ctx *router.Context, args message.Args) (any, error) {
	return "ok", nil
}

func slowHandler(ctx *router.Context, args message.Args) (any, error) {
	time.Sleep(200 * time.Millisecond)
	return "ok", nil
}

func newCtx() *router.Context {
	return router.WithContext(&router.Context{Route: "hello there"}, context.Background())
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp, err := handler(newCtx(), nil)
	if err != nil || resp != "ok" {
		t.Fatalf("expect ok, got %v (%v)", resp, err)
	}
	if logs.FilterMessage("handler done").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}

	failing := LoggingMiddleware(zap.New(core))(func(ctx *router.Context, args message.Args) (any, error) {
		return nil, errors.New("boom")
	})
	if _, err := failing(newCtx(), nil); err == nil {
		t.Fatal("expect error to pass through")
	}
	if logs.FilterMessage("handler failed").Len() != 1 {
		t.Fatal("expect one warn entry")
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(newCtx(), nil); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(newCtx(), nil)
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

func TestTimeoutKeepsPass(t *testing.T) {
	handler := TimeOutMiddleware(time.Second)(func(ctx *router.Context, args message.Args) (any, error) {
		ctx.Pass = false
		return "emperor", nil
	})
	ctx := newCtx()
	ctx.Pass = true
	if _, err := handler(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ctx.Pass {
		t.Fatal("expect pass=false to survive the timeout wrapper")
	}
}

func TestRateLimit(t *testing.T) {
	// burst=2: the first two pass, the third is refused
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		if _, err := handler(newCtx(), nil); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if _, err := handler(newCtx(), nil); !errors.Is(err, rpcerr.ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next router.Handler) router.Handler {
			return func(ctx *router.Context, args message.Args) (any, error) {
				order = append(order, name)
				return next(ctx, args)
			}
		}
	}
	handler := Chain(mark("a"), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	if _, err := handler(newCtx(), nil); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect [a b], got %v", order)
	}
}

func TestWithRouter(t *testing.T) {
	r := router.New(router.WithMiddleware(RateLimitMiddleware(1, 1)))
	r.On("x", echoHandler)
	if _, err := r.Dispatch(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Dispatch(context.Background(), "x", nil); !errors.Is(err, rpcerr.ErrRateLimited) {
		t.Fatalf("expect rate limited, got %v", err)
	}
}
