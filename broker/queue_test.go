package broker

import (
	"fmt"
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()
	for i := 0; i < 100; i++ {
		q.Push([]byte(fmt.Sprint(i)))
	}
	for i := 0; i < 100; i++ {
		select {
		case b := <-q.Out():
			if string(b) != fmt.Sprint(i) {
				t.Fatalf("expect %d, got %s", i, b)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", i)
		}
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Push([]byte("x"))
	q.Close()
	q.Close()
	q.Push([]byte("y"))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expect Out to close")
		}
	}
}
