package broker

import "sync"

// Queue buffers deliveries for a single consumer without blocking producers.
// Backends that receive messages on callbacks push into a Queue and hand Out
// to the consumer.
type Queue struct {
	mu     sync.Mutex
	buf    [][]byte
	signal chan struct{}
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewQueue() *Queue {
	q := &Queue{
		signal: make(chan struct{}, 1),
		out:    make(chan []byte),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends body. It is a no-op after Close.
func (q *Queue) Push(body []byte) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.buf = append(q.buf, body)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Out delivers pushed bodies in order. It is closed after Close.
func (q *Queue) Out() <-chan []byte { return q.out }

func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		body := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- body:
		case <-q.done:
			return
		}
	}
}
