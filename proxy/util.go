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
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/c2FmZQ/sniguard/proxy/internal/netw"
)

const (
	startTimeKey  = "s"
	dialDoneKey   = "d"
	serverNameKey = "sn"
	protoKey      = "p"
	alpnKey       = "a"
	clientIPKey   = "ip"
	proxyIDKey    = "id"
	targetKey     = "t"
	proxyProtoKey = "pp"
)

func netwConn(c net.Conn) *netw.Conn {
	switch cc := c.(type) {
	case *netw.Conn:
		return cc
	default:
		return netw.NewConn(c)
	}
}

func connStart(c net.Conn) time.Time {
	return netwConn(c).Annotation(startTimeKey, time.Time{}).(time.Time)
}

func connServerName(c net.Conn) string {
	return netwConn(c).Annotation(serverNameKey, "").(string)
}

func connProto(c net.Conn) string {
	return netwConn(c).Annotation(protoKey, "").(string)
}

func connALPN(c net.Conn) []string {
	return netwConn(c).Annotation(alpnKey, []string(nil)).([]string)
}

func connClientIP(c net.Conn) string {
	return netwConn(c).Annotation(clientIPKey, "").(string)
}

func connProxyID(c net.Conn) string {
	return netwConn(c).Annotation(proxyIDKey, "").(string)
}

func connTarget(c net.Conn) string {
	return netwConn(c).Annotation(targetKey, "").(string)
}

func isProxyProtoConn(c net.Conn) bool {
	return netwConn(c).Annotation(proxyProtoKey, false).(bool)
}

func idnaToUnicode(h string) string {
	if out, err := idna.Lookup.ToUnicode(h); err == nil {
		return out
	}
	return h
}

func formatConnDesc(c net.Conn) string {
	var buf strings.Builder
	if ip := connClientIP(c); ip != "" {
		buf.WriteString("[" + ip + "] ")
	} else {
		buf.WriteString("[-] ")
	}
	buf.WriteString(c.RemoteAddr().Network() + ":" + c.RemoteAddr().String())
	if isProxyProtoConn(c) {
		buf.WriteString(" ➔ ")
		buf.WriteString(c.LocalAddr().Network() + ":" + c.LocalAddr().String())
	}
	proto := connProto(c)
	if sn := connServerName(c); sn != "" {
		buf.WriteString(" ➔ ")
		buf.WriteString(idnaToUnicode(sn))
		if proto != "" {
			buf.WriteString("|" + proto)
		}
	} else if proto != "" {
		buf.WriteString(" ➔ *|" + proto)
	}
	if alpn := connALPN(c); len(alpn) > 0 {
		buf.WriteString(":" + strings.Join(alpn, ","))
	}
	if t := connTarget(c); t != "" {
		buf.WriteString(" ➔ " + t)
		if id := connProxyID(c); id != "" {
			buf.WriteString(" (" + id + ")")
		}
	}
	return buf.String()
}
