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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/c2FmZQ/sniguard/proxy/internal/netw"
	"github.com/c2FmZQ/sniguard/proxy/internal/routes"
)

// dial connects to the route's target. When the route asks for it, a PROXY
// protocol header carrying the client's addresses is sent before anything
// else.
func (p *Proxy) dial(ctx context.Context, client net.Conn, e *routes.Entry, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	server, err := dialer.DialContext(ctx, "tcp", e.Target())
	if err != nil {
		return nil, err
	}
	if v := proxyProtocolVersion(e.ProxyProtocol); v > 0 {
		server.SetWriteDeadline(time.Now().Add(timeout))
		h := proxyproto.HeaderProxyFromAddrs(v, client.RemoteAddr(), client.LocalAddr())
		if _, err := h.WriteTo(server); err != nil {
			server.Close()
			return nil, fmt.Errorf("proxy header: %w", err)
		}
		server.SetWriteDeadline(time.Time{})
	}
	return server, nil
}

func proxyProtocolVersion(s string) byte {
	switch s {
	case "v1":
		return 1
	case "v2":
		return 2
	default:
		return 0
	}
}

// bridgeConns copies data in both directions until both sides are done. The
// peeked hello bytes are replayed to the server by the client's first Read
// calls.
func bridgeConns(client, server net.Conn, halfCloseTimeout time.Duration) error {
	ch := make(chan error)
	go func() {
		ch <- forward(client, server, true, halfCloseTimeout)
	}()
	var retErr error
	if err := forward(server, client, false, halfCloseTimeout); err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[ext➔ int]: %w", unwrapErr(err))
	}
	if err := <-ch; err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[int➔ ext]: %w", unwrapErr(err))
	}
	return retErr
}

func forward(out net.Conn, in net.Conn, closeWhenDone bool, halfClosedTimeout time.Duration) error {
	if _, err := io.Copy(out, in); err != nil || closeWhenDone {
		out.Close()
		in.Close()
		return err
	}
	if err := closeWrite(out); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	if err := closeRead(in); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	// The connection is now half closed, or fully closed. The peer that
	// stopped sending can still receive data, but some peers never close
	// their end. The deadline bounds how long we wait for them.
	out.SetReadDeadline(time.Now().Add(halfClosedTimeout))
	return nil
}

type rawConn interface {
	Raw() net.Conn
}

func closeWrite(c net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	switch cc := c.(type) {
	case closeWriter:
		return cc.CloseWrite()
	case *netw.Conn:
		return closeWrite(cc.Conn)
	case rawConn:
		return closeWrite(cc.Raw())
	}
	return fmt.Errorf("unexpected type: %T", c)
}

func closeRead(c net.Conn) error {
	type closeReader interface {
		CloseRead() error
	}
	switch cc := c.(type) {
	case closeReader:
		return cc.CloseRead()
	case *netw.Conn:
		return closeRead(cc.Conn)
	case rawConn:
		return closeRead(cc.Raw())
	}
	return nil
}

func setKeepAlive(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		c.SetKeepAlivePeriod(30 * time.Second)
		c.SetKeepAlive(true)
	case *netw.Conn:
		setKeepAlive(c.Conn)
	case rawConn:
		setKeepAlive(c.Raw())
	}
}

func unwrapErr(err error) error {
	if e, ok := err.(*net.OpError); ok {
		return unwrapErr(e.Err)
	}
	return err
}
