package transport

import (
	"errors"
	"sync"
)

var errPipeClosed = errors.New("transport: pipe closed")

// PipeConn is one end of an in-process Conn pair made by Pipe.
type PipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *PipeConn
	once   sync.Once
}

// Pipe returns two connected Conns. Closing either end fails reads and
// writes on both. It lets a client endpoint attach to a node in the same process.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &PipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &PipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-p.peer.closed:
		return nil, errPipeClosed
	}
}

func (p *PipeConn) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	}
}

func (p *PipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
