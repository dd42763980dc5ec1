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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/c2FmZQ/sniguard/proxy/internal/addr"
	"github.com/c2FmZQ/sniguard/proxy/internal/guard"
	"github.com/c2FmZQ/sniguard/proxy/internal/hello"
	"github.com/c2FmZQ/sniguard/proxy/internal/metrics"
	"github.com/c2FmZQ/sniguard/proxy/internal/netw"
	"github.com/c2FmZQ/sniguard/proxy/internal/routes"
)

// maxHTTPHeaderLen is the maximum size of the request headers that are
// read before routing a cleartext HTTP connection.
const maxHTTPHeaderLen = 8192

var errHeadersTooLarge = errors.New("request headers too large")

func (p *Proxy) handleConnection(conn *netw.Conn, la listenAddr) {
	p.recordEvent("tcp connection")
	defer func() {
		if r := recover(); r != nil {
			p.recordEvent("panic")
			p.logErrorF("[%s] %s: PANIC: %v", connClientIP(conn), conn.RemoteAddr(), r)
		}
		conn.Close()
	}()
	start := time.Now()
	conn.SetAnnotation(startTimeKey, start)
	cfg := p.config()

	if p.acceptProxyHeader(cfg, conn.RemoteAddr()) {
		// The PROXY header is read, at the latest, by the first
		// RemoteAddr call. It is subject to the same deadline as the
		// hello.
		conn.SetReadDeadline(start.Add(cfg.HelloTimeout))
		conn.Conn = proxyproto.NewConn(conn.Conn)
		conn.SetAnnotation(proxyProtoKey, true)
	}
	ip := addr.FromNetAddr(conn.RemoteAddr())
	conn.SetAnnotation(clientIPKey, ip)
	conn.SetReadDeadline(time.Time{})

	if err := p.guard.Admit(ip); err != nil {
		p.recordEvent("admission rejected")
		p.logConnF("BAN %s: %v", formatConnDesc(conn), err)
		return
	}

	numOpen := p.inConns.add(conn)
	conn.OnClose(func() {
		p.inConns.remove(conn)
		p.mu.Lock()
		p.connClosed.Broadcast()
		p.mu.Unlock()
	})
	if numOpen > cfg.MaxOpen {
		p.recordEvent("too many open connections")
		p.logErrorF("[%s] %s: too many open connections: %d > %d", ip, conn.RemoteAddr(), numOpen, cfg.MaxOpen)
		return
	}
	setKeepAlive(conn)

	err := p.dispatch(conn, cfg, la, ip, start)
	var (
		parseErr    *ParseError
		routingErr  *RoutingError
		upstreamErr *UpstreamError
	)
	switch {
	case err == nil:
	case errors.Is(err, guard.ErrBanned):
		p.recordEvent("banned")
		p.logConnF("BAN %s: %v", formatConnDesc(conn), err)
	case errors.As(err, &parseErr) && isTimeout(parseErr.Err):
		p.recordEvent("hello timeout")
		p.logConnF("BAD %s: %v", formatConnDesc(conn), err)
	case errors.As(err, &parseErr):
		p.recordEvent("invalid " + parseErr.Protocol + " hello")
		p.logErrorF("BAD %s: %v", formatConnDesc(conn), err)
	case errors.As(err, &routingErr):
		p.recordEvent("no route")
		p.logErrorF("BAD %s: %v", formatConnDesc(conn), err)
	case errors.As(err, &upstreamErr):
		p.recordEvent("dial error")
		p.logErrorF("%s: %v", formatConnDesc(conn), err)
	default:
		p.logErrorF("%s: %v", formatConnDesc(conn), err)
	}
}

// dispatch reads the client's hello, consults the guard, resolves the route,
// and forwards the connection to its target.
func (p *Proxy) dispatch(conn *netw.Conn, cfg *Config, la listenAddr, ip string, start time.Time) error {
	table := p.routes.Load()
	listener, known := table.Listener(la.host, la.port)

	obs := &guard.Observation{
		IP:   ip,
		Time: start,
	}
	var h helloInfo
	if !known || listener.WantsHello() {
		conn.SetReadDeadline(start.Add(cfg.HelloTimeout))
		h = peekHello(conn)
		conn.SetReadDeadline(time.Time{})
		if !h.peeked && errors.Is(h.err, io.EOF) {
			p.recordEvent("closed before hello")
			return nil
		}

		obs.Peeked = true
		obs.TLS = h.tls
		obs.ServerName = h.serverName
		obs.ParseErr = h.err
		obs.Timeout = h.timeout
		if h.req != nil {
			obs.Header = h.req.Header
		}
		conn.SetAnnotation(serverNameKey, h.serverName)
		conn.SetAnnotation(protoKey, h.proto())
		if len(h.alpn) > 0 {
			conn.SetAnnotation(alpnKey, h.alpn)
		}
	} else {
		conn.SetAnnotation(protoKey, listener.Default.Protocol)
	}

	// IP literals are routed directly to the listener's default route.
	hostname := h.serverName
	if addr.IsIPAddress(hostname) {
		hostname = ""
	}
	entry, found := table.Resolve(hostname, la.host, la.port)
	obs.Routed = found && entry.Enabled
	signals, banned := p.guard.Observe(obs)
	for _, s := range signals {
		p.recordEvent("signal " + s.String())
	}
	if banned {
		return fmt.Errorf("%s: %w", ip, guard.ErrBanned)
	}

	if h.err != nil {
		if !h.timeout && !errors.Is(h.err, net.ErrClosed) {
			if h.tls {
				sendHandshakeFailure(conn)
			} else if h.proto() == ProtocolHTTP {
				sendHTTPError(conn, http.StatusBadRequest)
			}
		}
		return &ParseError{Protocol: h.proto(), Err: h.err}
	}
	if !obs.Routed {
		if h.tls {
			sendUnrecognizedName(conn)
		} else if h.proto() == ProtocolHTTP {
			sendHTTPError(conn, http.StatusMisdirectedRequest)
		}
		return &RoutingError{
			Hostname: h.serverName,
			Listener: net.JoinHostPort(la.host, strconv.Itoa(la.port)),
			Disabled: found,
		}
	}
	return p.forwardConn(conn, cfg, entry, h)
}

func (p *Proxy) forwardConn(conn *netw.Conn, cfg *Config, e *routes.Entry, h helloInfo) error {
	conn.SetAnnotation(proxyIDKey, e.ProxyID)
	conn.SetAnnotation(targetKey, e.Target())
	if h.req != nil {
		p.logRequestF("REQ %s ➔ %s %s", formatConnDesc(conn), h.req.Method, h.req.Path)
	}

	id := e.ProxyID
	p.metrics.Record(id, metrics.Event{NewRequest: true})
	conn.SetMeter(func(in, out int64) {
		p.metrics.Record(id, metrics.Event{BytesIn: in, BytesOut: out})
	})
	if e.BWLimit != "" {
		p.mu.RLock()
		l := p.bwLimits[strings.ToLower(e.BWLimit)]
		p.mu.RUnlock()
		if l != nil {
			conn.SetLimiters(l.ingress, l.egress)
		}
	}

	server, err := p.dial(p.ctx, conn, e, cfg.DialTimeout)
	if err != nil {
		conn.SetMeter(nil)
		if h.tls {
			sendInternalError(conn)
		} else if h.proto() == ProtocolHTTP {
			sendHTTPError(conn, http.StatusBadGateway)
		}
		return &UpstreamError{ProxyID: e.ProxyID, Target: e.Target(), Err: unwrapErr(err)}
	}
	defer server.Close()
	setKeepAlive(server)
	conn.SetAnnotation(dialDoneKey, time.Now())

	desc := formatConnDesc(conn)
	p.logConnF("CON %s", desc)

	if err := bridgeConns(conn, server, cfg.HalfCloseTimeout); err != nil {
		p.log().Debugf("%s %v", desc, err)
	}

	startTime := connStart(conn)
	dialTime := conn.Annotation(dialDoneKey, time.Time{}).(time.Time)
	p.logConnF("END %s; Dial:%s Dur:%s Recv:%d Sent:%d", desc,
		dialTime.Sub(startTime).Truncate(time.Millisecond),
		time.Since(startTime).Truncate(time.Millisecond),
		conn.BytesReceived(), conn.BytesSent())
	return nil
}

type helloInfo struct {
	peeked     bool
	tls        bool
	serverName string
	alpn       []string
	req        *hello.Request
	err        error
	timeout    bool
}

func (h helloInfo) proto() string {
	switch {
	case h.tls:
		return ProtocolTLS
	case h.peeked:
		return ProtocolHTTP
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peekHello reads the client's TLS ClientHello or HTTP request headers
// without consuming them. The caller sets the read deadline.
func peekHello(conn *netw.Conn) (h helloInfo) {
	defer func() {
		h.timeout = h.err != nil && isTimeout(h.err)
	}()
	var hdr [hello.RecordHeaderLen]byte
	if _, err := conn.Peek(hdr[:1]); err != nil {
		h.err = err
		return
	}
	h.peeked = true
	if !hello.IsHandshake(hdr[:1]) {
		return peekHTTP(conn)
	}
	h.tls = true
	if _, err := conn.Peek(hdr[:]); err != nil {
		h.err = err
		return
	}
	n, err := hello.RecordLen(hdr[:])
	if err != nil {
		h.err = err
		return
	}
	buf := make([]byte, n)
	if _, err := conn.Peek(buf); err != nil {
		h.err = err
		return
	}
	ch, err := hello.ParseClientHello(buf)
	if err != nil && !errors.Is(err, hello.ErrNoServerName) {
		h.err = err
		return
	}
	h.serverName = ch.ServerName
	h.alpn = ch.ALPNProtos
	return
}

func peekHTTP(conn *netw.Conn) (h helloInfo) {
	h.peeked = true
	var buf []byte
	for {
		var err error
		buf, err = conn.PeekMore(maxHTTPHeaderLen)
		if hello.HeadersComplete(buf) {
			break
		}
		if err != nil {
			h.err = err
			return
		}
		if len(buf) >= maxHTTPHeaderLen {
			h.err = errHeadersTooLarge
			return
		}
	}
	host, err := hello.ParseHost(buf)
	if err != nil && !errors.Is(err, hello.ErrNoHost) {
		h.err = err
		return
	}
	h.serverName = host
	if h.req, err = hello.ParseRequest(buf); err != nil {
		h.err = err
	}
	return
}
