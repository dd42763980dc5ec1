// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package netw is a wrapper around network connections that stores annotations
// and records metrics.
package netw

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Listen creates a net listener that is instrumented to store per connection
// annotations and metrics.
func Listen(network, laddr string) (net.Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return listener{l}, nil
}

type listener struct {
	net.Listener
}

// Accept returns the next connection to the listener.
func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		Conn:   c,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Meter is called with the number of bytes received from and sent to the
// peer of a connection.
type Meter func(in, out int64)

// Conn is a wrapper around net.Conn that stores annotations and metrics.
type Conn struct {
	net.Conn

	ctx            context.Context
	cancel         func()
	ingressLimiter *rate.Limiter
	egressLimiter  *rate.Limiter
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	meter          atomic.Pointer[Meter]

	mu          sync.Mutex
	onClose     func()
	annotations map[string]any

	peekMu  sync.Mutex
	peekBuf []byte
}

// SetAnnotation sets an annotation. The value can be any go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// Annotation retrieves an annotation that was previously set on the connection.
// The defaultValue is returned if the annotation was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// SetLimiters sets the rate limiters for this connection.
// It must be called before the first Read() or Write(). Peek() is OK.
func (c *Conn) SetLimiters(ingress, egress *rate.Limiter) {
	c.ingressLimiter = ingress
	c.egressLimiter = egress
}

// SetMeter sets a function that is called every time bytes are read from or
// written to the connection. Bytes that were peeked are metered when they are
// read.
func (c *Conn) SetMeter(m Meter) {
	if m == nil {
		c.meter.Store(nil)
		return
	}
	c.meter.Store(&m)
}

func (c *Conn) metered(in, out int64) {
	if m := c.meter.Load(); m != nil && (in > 0 || out > 0) {
		(*m)(in, out)
	}
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes received on this connection so far.
func (c *Conn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// Peek reads len(b) bytes from the connection without consuming them. The
// next Read calls return the peeked bytes first. The caller is responsible
// for setting a read deadline.
func (c *Conn) Peek(b []byte) (int, error) {
	c.peekMu.Lock()
	defer c.peekMu.Unlock()
	want := len(b)
	have := len(c.peekBuf)
	var err error
	if want > have {
		bb := make([]byte, want-have)
		var n int
		n, err = io.ReadFull(c.Conn, bb)
		c.peekBuf = append(c.peekBuf, bb[:n]...)
	}
	n := copy(b, c.peekBuf)
	if n < want && err == nil {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// PeekMore reads whatever bytes are available from the connection, up to a
// total of limit peeked bytes, and returns all the bytes peeked so far.
func (c *Conn) PeekMore(limit int) ([]byte, error) {
	c.peekMu.Lock()
	defer c.peekMu.Unlock()
	if room := limit - len(c.peekBuf); room > 0 {
		bb := make([]byte, room)
		n, err := c.Conn.Read(bb)
		c.peekBuf = append(c.peekBuf, bb[:n]...)
		if err != nil {
			return append([]byte(nil), c.peekBuf...), err
		}
	}
	return append([]byte(nil), c.peekBuf...), nil
}

// Peeked returns the number of bytes that were peeked and not read yet.
func (c *Conn) Peeked() int {
	c.peekMu.Lock()
	defer c.peekMu.Unlock()
	return len(c.peekBuf)
}

func (c *Conn) Read(b []byte) (int, error) {
	if l := c.ingressLimiter; l != nil {
		if len(b) > l.Burst() {
			b = b[:l.Burst()]
		}
		if err := l.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	c.peekMu.Lock()
	if len(c.peekBuf) > 0 {
		n := copy(b, c.peekBuf)
		c.peekBuf = c.peekBuf[n:]
		c.peekMu.Unlock()
		c.bytesReceived.Add(int64(n))
		c.metered(int64(n), 0)
		return n, nil
	}
	c.peekMu.Unlock()
	n, err := c.Conn.Read(b)
	c.bytesReceived.Add(int64(n))
	c.metered(int64(n), 0)
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	l := c.egressLimiter
	if l == nil {
		n, err := c.Conn.Write(b)
		c.bytesSent.Add(int64(n))
		c.metered(0, int64(n))
		return n, err
	}
	var total int
	for len(b) > 0 {
		chunk := b[:min(len(b), l.Burst())]
		if err := l.WaitN(c.ctx, len(chunk)); err != nil {
			return total, err
		}
		n, err := c.Conn.Write(chunk)
		total += n
		c.bytesSent.Add(int64(n))
		c.metered(0, int64(n))
		if err != nil {
			return total, err
		}
		b = b[n:]
	}
	return total, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	c.cancel()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}
