package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"swarm-rpc/message"
)

// fakeServer hands out the server side of every dialed pipe.
type fakeServer struct {
	accepted chan *PipeConn
	mu       sync.Mutex
	dials    int
}

func newFakeServer() *fakeServer {
	return &fakeServer{accepted: make(chan *PipeConn, 16)}
}

func (s *fakeServer) dial(ctx context.Context, url string) (Conn, error) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	client, server := Pipe()
	s.accepted <- server
	return client, nil
}

func (s *fakeServer) accept(t *testing.T) *PipeConn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a dial")
	}
	return nil
}

func send(t *testing.T, c *PipeConn, env *message.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(data); err != nil {
		t.Fatal(err)
	}
}

// next reads the next envelope from the server side, skipping pings unless asked.
func next(t *testing.T, c *PipeConn, skipPings bool) *message.Envelope {
	t.Helper()
	for {
		select {
		case data := <-c.in:
			var env message.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatal(err)
			}
			if skipPings && env.Type == message.TypePing {
				continue
			}
			return &env
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for a message")
		}
	}
}

func newTestResilient(s *fakeServer, opts ...ResilientOption) *Resilient {
	base := []ResilientOption{
		WithDialFunc(s.dial),
		WithPingInterval(time.Hour),
		WithBackoff(time.Millisecond, 10*time.Millisecond),
	}
	return NewResilient("ws://test/ani", append(base, opts...)...)
}

func TestBuffersUntilInitThenReplaysInOrder(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s)
	defer r.Close()

	srv := s.accept(t)
	for _, name := range []string{"a", "b", "c"} {
		data, _ := json.Marshal(&message.Envelope{Type: message.TypeRequest, Name: name})
		if err := r.Send(data); err != nil {
			t.Fatal(err)
		}
	}
	if r.State() == StateOpen {
		t.Fatal("must not be open before init")
	}
	if r.Buffered() != 3 {
		t.Fatalf("expect 3 buffered, got %d", r.Buffered())
	}
	select {
	case <-srv.in:
		t.Fatal("nothing may be sent before init")
	case <-time.After(50 * time.Millisecond):
	}

	send(t, srv, &message.Envelope{Type: message.TypeInit})
	for _, want := range []string{"a", "b", "c"} {
		if env := next(t, srv, true); env.Name != want {
			t.Fatalf("expect %s, got %s", want, env.Name)
		}
	}
	waitFor(t, "open", func() bool { return r.State() == StateOpen })
}

func TestAnswersPingAndForwardsRest(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s)
	defer r.Close()

	srv := s.accept(t)
	send(t, srv, &message.Envelope{Type: message.TypeInit})
	send(t, srv, &message.Envelope{Type: message.TypePing, CorrelationID: "p-1"})
	if env := next(t, srv, true); env.Type != message.TypePong || env.CorrelationID != "p-1" {
		t.Fatalf("expect pong p-1, got %+v", env)
	}

	if err := srv.WriteMessage([]byte("garbage")); err != nil {
		t.Fatal(err)
	}
	send(t, srv, &message.Envelope{Type: message.TypeRequest, Name: "hello there"})
	select {
	case data := <-r.Messages():
		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Name != "hello there" {
			t.Fatalf("expect the request, got %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("expect request on Messages")
	}
}

func TestReconnectsWhenLinkDrops(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s)
	defer r.Close()

	first := s.accept(t)
	send(t, first, &message.Envelope{Type: message.TypeInit})
	waitFor(t, "open", func() bool { return r.State() == StateOpen })

	first.Close()
	second := s.accept(t)
	data, _ := json.Marshal(&message.Envelope{Type: message.TypeRequest, Name: "while down"})
	if err := r.Send(data); err != nil {
		t.Fatal(err)
	}
	send(t, second, &message.Envelope{Type: message.TypeInit})
	if env := next(t, second, true); env.Name != "while down" {
		t.Fatalf("expect replay on the new link, got %+v", env)
	}
}

func TestReconnectsWhenPongMissing(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s, WithPingInterval(20*time.Millisecond), WithPingTimeout(20*time.Millisecond))
	defer r.Close()

	first := s.accept(t)
	send(t, first, &message.Envelope{Type: message.TypeInit})
	if env := next(t, first, false); env.Type != message.TypePing {
		t.Fatalf("expect ping, got %+v", env)
	}
	// never answer: a second dial must follow
	s.accept(t)
}

func TestStaysOpenWhilePongsArrive(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s, WithPingInterval(20*time.Millisecond), WithPingTimeout(200*time.Millisecond))
	defer r.Close()

	srv := s.accept(t)
	send(t, srv, &message.Envelope{Type: message.TypeInit})
	for i := 0; i < 5; i++ {
		ping := next(t, srv, false)
		send(t, srv, &message.Envelope{Type: message.TypePong, CorrelationID: ping.CorrelationID})
	}
	select {
	case <-s.accepted:
		t.Fatal("must not redial while pongs arrive")
	default:
	}
}

func TestPeerCloseIsFinal(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s)

	srv := s.accept(t)
	send(t, srv, &message.Envelope{Type: message.TypeInit})
	send(t, srv, &message.Envelope{Type: message.TypeClose})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expect link to close")
	}
	if err := r.Send([]byte("{}")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect closed, got %v", err)
	}
	select {
	case <-s.accepted:
		t.Fatal("must not redial after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseEndsMessages(t *testing.T) {
	s := newFakeServer()
	r := newTestResilient(s)
	s.accept(t)

	r.Close()
	r.Close()
	select {
	case _, ok := <-r.Messages():
		if ok {
			t.Fatal("expect Messages to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expect Messages to close")
	}
}
