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

// Package routes maps the virtual host requested by a client on a given
// listener to the target that should receive the connection.
//
// A Table is immutable once built. A new Table is built from the routing
// entities every time they change, and published with a Store. Readers load
// the current table once per connection and never take a lock.
package routes

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/net/idna"

	"github.com/c2FmZQ/sniguard/proxy/internal/addr"
	"github.com/c2FmZQ/sniguard/proxy/internal/source"
)

// Entry is a resolved route.
type Entry struct {
	ProxyID        string
	Hostname       string
	ListenHost     string
	ListenPort     int
	Protocol       string
	TargetHost     string
	TargetPort     int
	TargetProtocol string
	ProxyProtocol  string
	BWLimit        string
	Enabled        bool
}

// Target returns the target address of the route in host:port form.
func (e *Entry) Target() string {
	return net.JoinHostPort(strings.Trim(e.TargetHost, "[]"), strconv.Itoa(e.TargetPort))
}

func (e *Entry) String() string {
	name := e.Hostname
	if name == "" {
		name = "*"
	}
	return fmt.Sprintf("%s@%s -> %s (%s)", name, net.JoinHostPort(e.ListenHost, strconv.Itoa(e.ListenPort)), e.Target(), e.ProxyID)
}

// Listener is a distinct listen address in a Table.
type Listener struct {
	Host     string
	Port     int
	Protocol string
	// Hostnames is the number of host name routes on this listener.
	Hostnames int
	// Default is the listener's default route, if any.
	Default *Entry
}

// Addr returns the listen address in host:port form.
func (l Listener) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// WantsHello returns whether connections on this listener need to be
// inspected before they can be routed. A plain tcp listener with only a
// default route doesn't wait for the client to speak first.
func (l Listener) WantsHello() bool {
	return l.Hostnames > 0 || l.Default == nil || l.Default.Protocol != "tcp"
}

type listenerKey struct {
	host string
	port int
}

type routeKey struct {
	hostname string
	listener listenerKey
}

// Report lists the entities that were dropped while building a Table.
type Report struct {
	Routes  int
	Dropped []string
}

func (r *Report) dropf(format string, args ...any) {
	r.Dropped = append(r.Dropped, fmt.Sprintf(format, args...))
}

// Table is an immutable snapshot of the routes.
type Table struct {
	exact       map[routeKey]*Entry
	defaults    map[listenerKey]*Entry
	listeners   map[listenerKey]*Listener
	domainCount map[string]int
}

// Empty returns a table without any routes.
func Empty() *Table {
	return &Table{
		exact:       make(map[routeKey]*Entry),
		defaults:    make(map[listenerKey]*Entry),
		listeners:   make(map[listenerKey]*Listener),
		domainCount: make(map[string]int),
	}
}

// CanonicalHost returns the canonical form of a host name: lowercase, without
// trailing dot, and IDNA-encoded.
func CanonicalHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if addr.IsIPAddress(host) {
		return strings.ToLower(strings.Trim(host, "[]"))
	}
	if h, err := idna.Lookup.ToASCII(host); err == nil {
		return h
	}
	return strings.ToLower(host)
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func checkTarget(host string, port int) error {
	if host == "" {
		return fmt.Errorf("empty target host")
	}
	if !validPort(port) {
		return fmt.Errorf("target port %d out of range", port)
	}
	return nil
}

// Build builds a new Table from the routing entities. Invalid entities are
// dropped and listed in the report.
func Build(e source.Entities) (*Table, Report) {
	t := Empty()
	var report Report

	proxies := make(map[string]*source.Proxy)
	for i := range e.Proxies {
		p := &e.Proxies[i]
		if p.ID == "" {
			report.dropf("proxy[%d]: empty id", i)
			continue
		}
		if _, exists := proxies[p.ID]; exists {
			report.dropf("proxy %s: duplicate id", p.ID)
			continue
		}
		if !validPort(p.ListenPort) {
			report.dropf("proxy %s: listen port %d out of range", p.ID, p.ListenPort)
			continue
		}
		proxies[p.ID] = p
		lk := listenerKey{strings.ToLower(p.ListenHost), p.ListenPort}
		if _, exists := t.listeners[lk]; !exists {
			t.listeners[lk] = &Listener{Host: lk.host, Port: lk.port, Protocol: strings.ToLower(p.Protocol)}
		}
	}

	backends := make(map[string]*source.Backend)
	for i := range e.Backends {
		b := &e.Backends[i]
		if _, exists := backends[b.ID]; exists {
			report.dropf("backend %s: duplicate id", b.ID)
			continue
		}
		if err := checkTarget(b.TargetHost, b.TargetPort); err != nil {
			report.dropf("backend %s: %v", b.ID, err)
			continue
		}
		backends[b.ID] = b
	}

	newEntry := func(p *source.Proxy, hostname string) *Entry {
		return &Entry{
			ProxyID:        p.ID,
			Hostname:       hostname,
			ListenHost:     strings.ToLower(p.ListenHost),
			ListenPort:     p.ListenPort,
			Protocol:       strings.ToLower(p.Protocol),
			TargetHost:     p.TargetHost,
			TargetPort:     p.TargetPort,
			TargetProtocol: p.TargetProtocol,
			ProxyProtocol:  p.ProxyProtocol,
			BWLimit:        p.BWLimit,
			Enabled:        p.IsEnabled(),
		}
	}

	for i := range e.Domains {
		d := &e.Domains[i]
		p, ok := proxies[d.ProxyID]
		if !ok {
			report.dropf("domain %q: unknown proxy %q", d.Hostname, d.ProxyID)
			continue
		}
		hostname := CanonicalHost(d.Hostname)
		if hostname == "" {
			report.dropf("domain[%d]: empty hostname", i)
			continue
		}
		entry := newEntry(p, hostname)
		if d.BackendID != "" {
			b, ok := backends[d.BackendID]
			if !ok {
				report.dropf("domain %q: unknown backend %q", d.Hostname, d.BackendID)
				continue
			}
			entry.TargetHost = b.TargetHost
			entry.TargetPort = b.TargetPort
			entry.TargetProtocol = b.TargetProtocol
		} else if err := checkTarget(entry.TargetHost, entry.TargetPort); err != nil {
			report.dropf("domain %q: proxy %s: %v", d.Hostname, p.ID, err)
			continue
		}
		lk := listenerKey{entry.ListenHost, entry.ListenPort}
		rk := routeKey{hostname, lk}
		if prev, exists := t.exact[rk]; exists {
			report.dropf("domain %q: duplicate hostname on %s, already routed by proxy %s", d.Hostname, t.listeners[lk].Addr(), prev.ProxyID)
			continue
		}
		t.exact[rk] = entry
		t.listeners[lk].Hostnames++
		t.domainCount[p.ID]++
	}

	for i := range e.Proxies {
		p := &e.Proxies[i]
		if proxies[p.ID] != p {
			continue
		}
		if p.TargetHost == "" && p.TargetPort == 0 {
			continue
		}
		if err := checkTarget(p.TargetHost, p.TargetPort); err != nil {
			report.dropf("proxy %s: %v", p.ID, err)
			continue
		}
		entry := newEntry(p, "")
		lk := listenerKey{entry.ListenHost, entry.ListenPort}
		if prev, exists := t.defaults[lk]; exists {
			report.dropf("proxy %s: listener %s already has a default route from proxy %s", p.ID, t.listeners[lk].Addr(), prev.ProxyID)
			continue
		}
		t.defaults[lk] = entry
		t.listeners[lk].Default = entry
	}
	report.Routes = len(t.exact) + len(t.defaults)
	return t, report
}

// Resolve returns the route for hostname on the listener listenHost:listenPort.
// An empty hostname resolves to the listener's default route. An unknown
// hostname resolves to the default route only when the default route's proxy
// has no host name routes of its own.
func (t *Table) Resolve(hostname, listenHost string, listenPort int) (*Entry, bool) {
	lk := listenerKey{strings.ToLower(listenHost), listenPort}
	def, hasDefault := t.defaults[lk]
	if hostname == "" {
		return def, hasDefault
	}
	if e, ok := t.exact[routeKey{CanonicalHost(hostname), lk}]; ok {
		return e, true
	}
	if hasDefault && t.domainCount[def.ProxyID] == 0 {
		return def, true
	}
	return nil, false
}

// Listener returns the listener with the given address.
func (t *Table) Listener(host string, port int) (Listener, bool) {
	l, ok := t.listeners[listenerKey{strings.ToLower(host), port}]
	if !ok {
		return Listener{}, false
	}
	return *l, true
}

// Listeners returns the distinct listen addresses, sorted.
func (t *Table) Listeners() []Listener {
	out := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Entries returns all the routes, sorted by listener and host name. Default
// routes come first on each listener.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.exact)+len(t.defaults))
	for _, e := range t.defaults {
		out = append(out, e)
	}
	for _, e := range t.exact {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ListenPort != b.ListenPort {
			return a.ListenPort < b.ListenPort
		}
		if a.ListenHost != b.ListenHost {
			return a.ListenHost < b.ListenHost
		}
		return a.Hostname < b.Hostname
	})
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.exact) + len(t.defaults)
}

// Store holds the current Table.
type Store struct {
	p atomic.Pointer[Table]
}

// Load returns the current table. It never returns nil.
func (s *Store) Load() *Table {
	if t := s.p.Load(); t != nil {
		return t
	}
	return Empty()
}

// Swap publishes t and returns the previous table.
func (s *Store) Swap(t *Table) *Table {
	return s.p.Swap(t)
}
