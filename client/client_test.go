package client

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"swarm-rpc/message"
	"swarm-rpc/router"
	"swarm-rpc/rpcerr"
	"swarm-rpc/transport"
)

// pair returns two clients talking to each other over an in-process pipe.
// The protocol is symmetric on a socket, so one of them plays the node.
func pair(t *testing.T, opts ...Option) (*Client, *Client) {
	t.Helper()
	a, b := transport.Pipe()
	ca := New(transport.NewConnLink(a), opts...)
	cb := New(transport.NewConnLink(b), opts...)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestSendHandled(t *testing.T) {
	ani, obi := pair(t)
	obi.Handle("hello there", func(ctx *router.Context, name string) (string, error) {
		return "general " + name, nil
	})

	got, err := Call[string](context.Background(), ani, "hello there", "kenobi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "general kenobi" {
		t.Fatalf("expect general kenobi, got %s", got)
	}
}

func TestSendRoundTrip(t *testing.T) {
	ani, obi := pair(t)
	obi.On("echo", func(ctx *router.Context, args message.Args) (any, error) {
		return args[0], nil
	})

	values := []any{
		"unlimited",
		float64(66),
		map[string]any{"jedi": map[string]any{"rank": "master", "padawans": []any{"ahsoka"}}},
		[]any{"a", float64(1), true},
	}
	for _, v := range values {
		raw, err := ani.Send(context.Background(), "echo", v)
		if err != nil {
			t.Fatal(err)
		}
		var got any
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Fatalf("expect %v, got %v", v, got)
		}
	}
}

func TestSendRejectedWithData(t *testing.T) {
	ani, obi := pair(t)
	obi.On("anakin", func(ctx *router.Context, args message.Args) (any, error) {
		return nil, ctx.Throw("not a master", map[string]bool{"council": true, "master": false})
	})

	_, err := ani.Send(context.Background(), "anakin")
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expect rpc error, got %v", err)
	}
	if rerr.Kind != rpcerr.KindEndpoint || rerr.Message != "not a master" {
		t.Fatalf("expect endpoint error, got %+v", rerr)
	}
	var data struct{ Council, Master bool }
	if err := rerr.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if !data.Council || data.Master {
		t.Fatalf("expect council and not master, got %+v", data)
	}
}

func TestSendUnhandled(t *testing.T) {
	ani, _ := pair(t)

	_, err := ani.Send(context.Background(), "kamino")
	if !errors.Is(err, rpcerr.ErrUnhandled) {
		t.Fatalf("expect unhandled, got %v", err)
	}
	var data struct {
		RequestName string `json:"requestName"`
	}
	rerr := rpcerr.Normalize(err)
	if err := rerr.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.RequestName != "kamino" {
		t.Fatalf("expect kamino, got %q", data.RequestName)
	}
}

func TestNativeErrorsBecomeEndpointErrors(t *testing.T) {
	ani, obi := pair(t)
	obi.On("stormtrooper", func(ctx *router.Context, args message.Args) (any, error) {
		return nil, errors.New("clone")
	})
	obi.On("order 66", func(ctx *router.Context, args message.Args) (any, error) {
		panic("clone")
	})

	for _, name := range []string{"stormtrooper", "order 66"} {
		_, err := ani.Send(context.Background(), name)
		rerr := rpcerr.Normalize(err)
		if rerr == nil || rerr.Kind != rpcerr.KindEndpoint || rerr.Message != "clone" || rerr.Data != nil {
			t.Fatalf("%s: expect endpoint error clone without data, got %+v", name, rerr)
		}
	}
}

func TestSendTimeout(t *testing.T) {
	ani, obi := pair(t, WithTimeout(30*time.Millisecond))
	obi.On("windu", func(ctx *router.Context, args message.Args) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})

	_, err := ani.Send(context.Background(), "windu")
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect timeout, got %v", err)
	}
}

func TestSendHonoursContext(t *testing.T) {
	ani, obi := pair(t, WithTimeout(0))
	obi.On("wait", func(ctx *router.Context, args message.Args) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ani.Send(ctx, "wait"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if ani.pending.Len() != 0 {
		t.Fatalf("expect abandoned request to be forgotten, got %d pending", ani.pending.Len())
	}
}

func TestAnswersPing(t *testing.T) {
	a, b := transport.Pipe()
	c := New(transport.NewConnLink(a))
	defer c.Close()

	if err := b.WriteMessage([]byte(`{"type":"ping","correlationId":"p-1"}`)); err != nil {
		t.Fatal(err)
	}
	data, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env message.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != message.TypePong || env.CorrelationID != "p-1" {
		t.Fatalf("expect pong p-1, got %+v", env)
	}
}

func TestCloseFailsPending(t *testing.T) {
	a, _ := transport.Pipe()
	c := New(transport.NewConnLink(a), WithTimeout(0))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "never")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, rpcerr.ErrClosed) {
			t.Fatalf("expect closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expect pending send to fail on close")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("expect client to stop")
	}
}

func TestDropsGarbage(t *testing.T) {
	a, b := transport.Pipe()
	c := New(transport.NewConnLink(a))
	defer c.Close()
	c.Handle("hello there", func(ctx *router.Context, name string) (string, error) {
		return "general " + name, nil
	})

	for _, garbage := range []string{"not json", `{"type":"order 66"}`, `{"type":"response","correlationId":"nobody"}`} {
		if err := b.WriteMessage([]byte(garbage)); err != nil {
			t.Fatal(err)
		}
	}
	req := `{"type":"request","correlationId":"r-1","name":"hello there","args":["kenobi"]}`
	if err := b.WriteMessage([]byte(req)); err != nil {
		t.Fatal(err)
	}
	data, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env message.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != message.TypeResponse || env.CorrelationID != "r-1" || string(env.Result) != `"general kenobi"` {
		t.Fatalf("expect response r-1 general kenobi, got %s", data)
	}
	select {
	case <-c.Done():
		t.Fatal("expect the client to keep running")
	default:
	}
}
