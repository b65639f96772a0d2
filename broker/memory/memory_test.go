package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"swarm-rpc/broker"
)

func setupConsumer(t *testing.T, b *Broker, exchange string) (broker.Channel, <-chan []byte) {
	t.Helper()
	conn, err := b.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.DeclareFanout(exchange); err != nil {
		t.Fatal(err)
	}
	q, err := ch.DeclareExclusiveQueue()
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Bind(q, exchange); err != nil {
		t.Fatal(err)
	}
	deliveries, err := ch.Consume(q)
	if err != nil {
		t.Fatal(err)
	}
	return ch, deliveries
}

func receive(t *testing.T, deliveries <-chan []byte) string {
	t.Helper()
	select {
	case b := <-deliveries:
		return string(b)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return ""
}

func TestFanout(t *testing.T) {
	b := New()
	_, d1 := setupConsumer(t, b, "swarm.client.a")
	_, d2 := setupConsumer(t, b, "swarm.client.a")

	conn, _ := b.Dial(context.Background())
	pub, _ := conn.Channel()
	if err := pub.Publish(context.Background(), "swarm.client.a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if receive(t, d1) != "hello" || receive(t, d2) != "hello" {
		t.Fatal("expect both queues to receive the message")
	}

	// nobody declared this exchange; the message is dropped
	if err := pub.Publish(context.Background(), "swarm.client.windu", []byte("x")); err != nil {
		t.Fatalf("expect silent drop, got %v", err)
	}
}

func TestKillChannel(t *testing.T) {
	b := New()
	ch, deliveries := setupConsumer(t, b, "swarm.client.a")

	ch.(*Channel).Kill()
	select {
	case err := <-ch.NotifyClose():
		if err == nil {
			t.Fatal("expect an error on kill")
		}
	case <-time.After(time.Second):
		t.Fatal("expect close notification")
	}
	if _, ok := <-deliveries; ok {
		t.Fatal("expect deliveries to close")
	}
	if err := ch.Publish(context.Background(), "swarm.client.a", nil); !errors.Is(err, broker.ErrChannelClosed) {
		t.Fatalf("expect channel closed, got %v", err)
	}
	// the exclusive queue is gone, the exchange stays
	if !b.HasExchange("swarm.client.a") {
		t.Fatal("expect exchange to survive")
	}
}

func TestCleanCloseNotifiesWithoutError(t *testing.T) {
	b := New()
	conn, _ := b.Dial(context.Background())
	ch, _ := conn.Channel()
	conn.Close()

	err, ok := <-ch.NotifyClose()
	if ok || err != nil {
		t.Fatalf("expect closed notify channel without error, got %v %v", err, ok)
	}
	if len(b.Connections()) != 0 {
		t.Fatal("expect connection to be forgotten")
	}
}

func TestFailDials(t *testing.T) {
	b := New()
	b.FailDials(2)
	for i := 0; i < 2; i++ {
		if _, err := b.Dial(context.Background()); !errors.Is(err, ErrDialRefused) {
			t.Fatalf("dial %d: expect refusal, got %v", i, err)
		}
	}
	if _, err := b.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.Dials() != 3 {
		t.Fatalf("expect 3 dials, got %d", b.Dials())
	}
}
