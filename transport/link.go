package transport

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport: closed")

// Link is what an endpoint talks through. Resilient implements it with
// reconnection; ConnLink wraps a single connection as is.
type Link interface {
	Send(data []byte) error
	// Messages delivers inbound envelopes. It is closed when the link closes for good.
	Messages() <-chan []byte
	Close() error
	// Done is closed once the link has closed for good.
	Done() <-chan struct{}
}

// ConnLink exposes one Conn as a Link. When the connection fails the link is done.
type ConnLink struct {
	conn     Conn
	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewConnLink(conn Conn) *ConnLink {
	l := &ConnLink{
		conn:     conn,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go l.read()
	return l
}

func (l *ConnLink) read() {
	defer close(l.messages)
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			l.Close()
			return
		}
		select {
		case l.messages <- data:
		case <-l.done:
			return
		}
	}
}

func (l *ConnLink) Send(data []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	return l.conn.WriteMessage(data)
}

func (l *ConnLink) Messages() <-chan []byte { return l.messages }

func (l *ConnLink) Done() <-chan struct{} { return l.done }

func (l *ConnLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}
