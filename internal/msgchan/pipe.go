package msgchan

import (
	"context"
	"net"
	"sync"
)

// Pipe returns a connected pair of in-process channels, the message
// analogue of net.Pipe. Closing either end disconnects both. Used by
// tests and in-process wiring; neither end reports a remote address.
func Pipe() (Channel, Channel) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeChannel{send: ab, recv: ba, done: done, closeOnce: once}
	b := &pipeChannel{send: ba, recv: ab, done: done, closeOnce: once}
	return a, b
}

// pipeChannel is one end of an in-process channel pair.
type pipeChannel struct {
	send      chan<- []byte
	recv      <-chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

func (c *pipeChannel) Send(ctx context.Context, msg []byte) error {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case c.send <- cp:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeChannel) Receive(ctx context.Context) ([]byte, error) {
	// Messages buffered before the close still get delivered, like
	// bytes in flight on a real connection.
	select {
	case msg := <-c.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeChannel) RemoteAddr() net.Addr { return nil }

func (c *pipeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
