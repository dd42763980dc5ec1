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

// Package addr normalizes client addresses so that the same client always has
// the same identity, regardless of the address family of the listener.
package addr

import (
	"net"
	"net/netip"
	"strings"
)

const mappedPrefix = "::ffff:"

// NormalizeIP returns the canonical form of raw. IPv4-mapped IPv6 addresses
// are returned as bare IPv4 addresses, and the IPv6 loopback address is
// returned as 127.0.0.1. Everything else is returned unchanged.
func NormalizeIP(raw string) string {
	if len(raw) > len(mappedPrefix) && strings.EqualFold(raw[:len(mappedPrefix)], mappedPrefix) {
		if v4 := raw[len(mappedPrefix):]; isDottedQuad(v4) {
			return v4
		}
	}
	if !strings.Contains(raw, ":") {
		return raw
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	if ip == netip.IPv6Loopback() {
		return "127.0.0.1"
	}
	if ip.Is4In6() {
		return ip.Unmap().String()
	}
	return raw
}

// IsIPAddress reports whether host looks like an IP address rather than a
// host name: a dotted-quad IPv4 address, anything containing a colon, or a
// bracketed literal.
func IsIPAddress(host string) bool {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return true
	}
	if strings.Contains(host, ":") {
		return true
	}
	return isDottedQuad(host)
}

// FromNetAddr returns the normalized client identity of a connection's
// remote address.
func FromNetAddr(a net.Addr) string {
	if a == nil {
		return ""
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		return NormalizeIP(v.IP.String())
	case *net.UDPAddr:
		return NormalizeIP(v.IP.String())
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return NormalizeIP(a.String())
	}
	return NormalizeIP(host)
}

func isDottedQuad(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is4()
}
