package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"swarm-rpc/message"
	"swarm-rpc/rpcerr"
)

func args(t *testing.T, vs ...any) message.Args {
	raw, err := message.EncodeArgs(vs...)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDispatchResult(t *testing.T) {
	r := New()
	r.On("hello there", func(ctx *Context, a message.Args) (any, error) {
		return "general " + a.String(0), nil
	})

	c, err := r.Dispatch(context.Background(), "hello there", args(t, "kenobi"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Result != "general kenobi" {
		t.Fatalf("expect general kenobi, got %v", c.Result)
	}
}

func TestHandlersRunInOrderOverSharedContext(t *testing.T) {
	r := New()
	var seen []string
	r.On("chain", func(ctx *Context, a message.Args) (any, error) {
		seen = append(seen, "first:"+a.String(0))
		return 1, nil
	})
	r.On("chain", func(ctx *Context, a message.Args) (any, error) {
		seen = append(seen, fmt.Sprintf("second:%s:%v", a.String(0), ctx.Result))
		return ctx.Result.(int) + 1, nil
	})

	c, err := r.Dispatch(context.Background(), "chain", args(t, "x"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Result != 2 {
		t.Fatalf("expect 2, got %v", c.Result)
	}
	if len(seen) != 2 || seen[0] != "first:x" || seen[1] != "second:x:1" {
		t.Fatalf("unexpected order %v", seen)
	}
}

func TestUnhandled(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), "kamino", nil)
	if !errors.Is(err, rpcerr.ErrUnhandled) {
		t.Fatalf("expect unhandled, got %v", err)
	}
	var data map[string]string
	if err := rpcerr.Normalize(err).DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data["requestName"] != "kamino" {
		t.Fatalf("expect requestName kamino, got %v", data)
	}

	if _, err := r.Dispatch(context.Background(), "kamino", nil, Tolerate()); err != nil {
		t.Fatalf("expect tolerated dispatch, got %v", err)
	}
}

func TestPassthroughDefaults(t *testing.T) {
	r := New(Passthrough())
	a := args(t, "republic")

	c, err := r.Dispatch(context.Background(), "my new", a, WithResult(a), WithSender("sheev"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Pass || c.Sender != "sheev" {
		t.Fatalf("expect pass from sheev, got %+v", c)
	}
	if got, ok := c.Result.(message.Args); !ok || got.String(0) != "republic" {
		t.Fatalf("expect original args as result, got %v", c.Result)
	}
}

func TestPassOverride(t *testing.T) {
	r := New(Passthrough())
	r.On("chancellor", func(ctx *Context, a message.Args) (any, error) {
		ctx.Pass = false
		return "emperor", nil
	})
	c, err := r.Dispatch(context.Background(), "chancellor", nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Pass || c.Result != "emperor" {
		t.Fatalf("expect emperor without pass, got %+v", c)
	}
}

func TestErrorAbortsChain(t *testing.T) {
	r := New()
	ran := false
	r.On("anakin", func(ctx *Context, a message.Args) (any, error) {
		return nil, ctx.Throw("take a seat", map[string]bool{"council": true, "master": false})
	})
	r.On("anakin", func(ctx *Context, a message.Args) (any, error) {
		ran = true
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), "anakin", nil)
	rec := rpcerr.Normalize(err)
	if rec.Kind != rpcerr.KindEndpoint || rec.Message != "take a seat" {
		t.Fatalf("expect endpoint take a seat, got %+v", rec)
	}
	if ran {
		t.Fatal("second handler must not run")
	}
}

func TestPanicBecomesEndpointError(t *testing.T) {
	r := New()
	r.On("stormtrooper", func(ctx *Context, a message.Args) (any, error) {
		panic(errors.New("clone"))
	})
	_, err := r.Dispatch(context.Background(), "stormtrooper", nil)
	rec := rpcerr.Normalize(err)
	if rec.Kind != rpcerr.KindEndpoint || rec.Message != "clone" || rec.Data != nil {
		t.Fatalf("expect endpoint clone, got %+v", rec)
	}
}

func TestMiddlewareWrapsEachHandler(t *testing.T) {
	calls := 0
	r := New(WithMiddleware(func(next Handler) Handler {
		return func(ctx *Context, a message.Args) (any, error) {
			calls++
			return next(ctx, a)
		}
	}))
	r.On("x", func(ctx *Context, a message.Args) (any, error) { return nil, nil })
	r.On("x", func(ctx *Context, a message.Args) (any, error) { return nil, nil })

	if _, err := r.Dispatch(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expect 2, got %d", calls)
	}
}

type Jedi struct{}

func (j *Jedi) Greet(ctx *Context, name string, times int) (string, error) {
	return fmt.Sprintf("%s x%d", name, times), nil
}

func (j *Jedi) Fail(ctx *Context) error {
	return errors.New("nope")
}

func (j *Jedi) NotAHandler(a, b int) int { return a + b }

func TestTypedHandlers(t *testing.T) {
	r := New()
	r.Handle("power", func(ctx *Context, limit string) (string, error) {
		return limit + " power", nil
	})
	if err := r.Register(&Jedi{}); err != nil {
		t.Fatal(err)
	}

	c, err := r.Dispatch(context.Background(), "power", args(t, "unlimited"))
	if err != nil || c.Result != "unlimited power" {
		t.Fatalf("expect unlimited power, got %v (%v)", c, err)
	}

	c, err = r.Dispatch(context.Background(), "Jedi.Greet", args(t, "obi", 2))
	if err != nil || c.Result != "obi x2" {
		t.Fatalf("expect obi x2, got %v (%v)", c, err)
	}

	if _, err := r.Dispatch(context.Background(), "Jedi.Greet", args(t, 1, "two")); !errors.Is(err, &rpcerr.Error{Kind: rpcerr.KindProtocol, Subtype: rpcerr.SubtypeMalformed}) {
		t.Fatalf("expect malformed, got %v", err)
	}

	if _, err := r.Dispatch(context.Background(), "Jedi.Fail", nil); err == nil || err.Error() != "nope" {
		t.Fatalf("expect nope, got %v", err)
	}

	routes := r.Routes()
	sort.Strings(routes)
	if len(routes) != 3 {
		t.Fatalf("expect 3 routes, got %v", routes)
	}
}

func TestBindRejectsBadShapes(t *testing.T) {
	bad := []any{
		42,
		func() error { return nil },
		func(ctx *Context) int { return 0 },
		func(ctx *Context, xs ...int) error { return nil },
	}
	for _, fn := range bad {
		if _, err := Bind(fn); err == nil {
			t.Fatalf("expect error for %T", fn)
		}
	}
}
