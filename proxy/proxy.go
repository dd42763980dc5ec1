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

// Package proxy implements a reverse proxy that routes incoming connections
// by TLS server name or HTTP Host, and bans clients that misbehave.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/sniguard/proxy/internal/guard"
	"github.com/c2FmZQ/sniguard/proxy/internal/metrics"
	"github.com/c2FmZQ/sniguard/proxy/internal/netw"
	"github.com/c2FmZQ/sniguard/proxy/internal/routes"
	"github.com/c2FmZQ/sniguard/proxy/internal/source"
)

// Proxy receives connections and forwards them to the targets of the
// routes.
type Proxy struct {
	logger  *log.Logger
	ctx     context.Context
	cancel  func()
	routes  routes.Store
	guard   *guard.Guard
	metrics *metrics.Recorder
	remote  *source.Remote
	sink    metrics.Sink
	console *http.Server

	flushDone chan struct{}

	guardNow       func() time.Time
	extraDetectors []guard.Detector

	mu         sync.RWMutex
	connClosed *sync.Cond
	cfg        *Config
	started    bool
	listeners  map[listenAddr]net.Listener
	bwLimits   map[string]*bwLimit
	inConns    *connTracker
	startTime  time.Time

	eventsmu sync.Mutex
	events   map[string]int64
}

type listenAddr struct {
	host string
	port int
}

type bwLimit struct {
	ingress *rate.Limiter
	egress  *rate.Limiter
}

// Option is an option of New.
type Option func(*Proxy)

// WithLogger sets the logger used by the proxy. The default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(p *Proxy) {
		p.logger = l
	}
}

// WithGuardClock sets the clock of the admission guard.
func WithGuardClock(now func() time.Time) Option {
	return func(p *Proxy) {
		p.guardNow = now
	}
}

// WithDetectors adds detectors to the admission guard's pipeline. They run
// after the built-in detectors.
func WithDetectors(d ...guard.Detector) Option {
	return func(p *Proxy) {
		p.extraDetectors = append(p.extraDetectors, d...)
	}
}

// WithMetricsSink sets the sink that receives the closed metrics buckets. It
// takes precedence over the metrics.redis config. If the sink implements
// io.Closer, it is closed by Stop after the last flush.
func WithMetricsSink(sink metrics.Sink) Option {
	return func(p *Proxy) {
		p.sink = sink
	}
}

// New returns a new initialized Proxy.
func New(cfg *Config, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		remote:    source.NewRemote(nil),
		listeners: make(map[listenAddr]net.Listener),
		bwLimits:  make(map[string]*bwLimit),
		inConns:   newConnTracker(),
		startTime: time.Now(),
	}
	p.connClosed = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.guard = guard.New(p.guardOptions(cfg))
	p.metrics = metrics.New(metrics.Options{Retention: cfg.Metrics.Retention})
	if err := p.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconfigure updates the proxy's configuration. The routing entities are
// reloaded from all the sources and a new route table is published. Some
// parameters cannot be changed after Start has been called, e.g.
// ConsoleAddr, Metrics.
func (p *Proxy) Reconfigure(cfg *Config) error {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		return err
	}

	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	entities, err := p.loadEntities(ctx, cfg)
	if err != nil {
		p.recordEvent("routing source error")
		return err
	}
	table, report := routes.Build(entities)
	for _, d := range report.Dropped {
		p.recordEvent("route dropped")
		p.logWarnF("Route dropped: %s", d)
	}
	if err := p.guard.SetTrusted(entities.TrustedIPs); err != nil {
		p.recordEvent("trusted ip dropped")
		p.logWarnF("%v", err)
	}
	p.guard.Reconfigure(p.guardOptions(cfg))

	p.mu.Lock()
	changed := !cfg.equal(p.cfg)
	p.cfg = cfg
	for _, bwl := range cfg.BWLimits {
		const minBurst = 1 << 17 // 128 KB
		name := strings.ToLower(bwl.Name)
		if l, ok := p.bwLimits[name]; ok {
			l.ingress.SetLimit(rate.Limit(bwl.Ingress))
			l.ingress.SetBurst(int(max(bwl.Ingress, minBurst)))
			l.egress.SetLimit(rate.Limit(bwl.Egress))
			l.egress.SetBurst(int(max(bwl.Egress, minBurst)))
			continue
		}
		p.bwLimits[name] = &bwLimit{
			ingress: rate.NewLimiter(rate.Limit(bwl.Ingress), int(max(bwl.Ingress, minBurst))),
			egress:  rate.NewLimiter(rate.Limit(bwl.Egress), int(max(bwl.Egress, minBurst))),
		}
	}
	started := p.started
	p.mu.Unlock()

	p.routes.Swap(table)
	if changed {
		p.log().Infof("Configuration changed: %d routes, %d listeners, %s", table.Len(), len(table.Listeners()), entities)
	}
	if started {
		return p.syncListeners(table)
	}
	return nil
}

func (p *Proxy) loadEntities(ctx context.Context, cfg *Config) (source.Entities, error) {
	all := []source.Entities{cfg.inlineEntities()}
	if cfg.Database != "" {
		e, err := source.LoadSQLite(ctx, cfg.Database)
		if err != nil {
			return source.Entities{}, fmt.Errorf("database: %w", err)
		}
		all = append(all, e)
	}
	if cfg.RoutesURL != "" {
		e, err := p.remote.Fetch(ctx, cfg.RoutesURL)
		if err != nil {
			return source.Entities{}, fmt.Errorf("routesURL: %w", err)
		}
		all = append(all, e)
	}
	return source.Merge(all...), nil
}

func (p *Proxy) guardOptions(cfg *Config) guard.Options {
	opts := cfg.guardOptions()
	opts.Now = p.guardNow
	opts.Detectors = p.extraDetectors
	return opts
}

func (p *Proxy) config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Start opens the listeners of the current routes. The proxy runs in
// background until the context is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	cfg := p.cfg
	p.mu.Unlock()

	if err := p.syncListeners(p.routes.Load()); err != nil {
		p.Stop()
		return err
	}
	if cfg.ConsoleAddr != "" {
		if err := p.startConsole(cfg.ConsoleAddr); err != nil {
			p.Stop()
			return err
		}
	}
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if r := cfg.Metrics.Redis; sink == nil && r != nil {
		rs := metrics.NewRedisSink(metrics.RedisOptions{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
			TTL:       r.TTL,
		})
		if err := rs.Ping(p.ctx); err != nil {
			p.logWarnF("redis %s: %v", r.Addr, err)
		}
		sink = rs
	}
	if sink != nil {
		done := make(chan struct{})
		p.mu.Lock()
		p.sink = sink
		p.flushDone = done
		p.mu.Unlock()
		go func() {
			defer close(done)
			p.metrics.FlushLoop(p.ctx, sink, cfg.Metrics.FlushInterval, p.log())
		}()
	}
	go p.ctxWait()
	return nil
}

func (p *Proxy) ctxWait() {
	<-p.ctx.Done()
	p.Stop()
}

// syncListeners opens the listeners that the route table needs and closes
// the ones it doesn't need anymore. Existing connections are not affected.
func (p *Proxy) syncListeners(t *routes.Table) error {
	want := make(map[listenAddr]routes.Listener)
	for _, l := range t.Listeners() {
		want[listenAddr{strings.ToLower(l.Host), l.Port}] = l
	}

	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return nil
	}
	var toClose []net.Listener
	for k, l := range p.listeners {
		if _, ok := want[k]; !ok {
			toClose = append(toClose, l)
			delete(p.listeners, k)
		}
	}
	var errs []error
	for k, rl := range want {
		if _, ok := p.listeners[k]; ok {
			continue
		}
		l, err := netw.Listen("tcp", rl.Addr())
		if err != nil {
			p.recordEvent("listen error")
			errs = append(errs, fmt.Errorf("listen %s: %w", rl.Addr(), err))
			continue
		}
		p.listeners[k] = l
		go p.acceptLoop(l, k)
	}
	p.mu.Unlock()

	for _, l := range toClose {
		l.Close()
	}
	return errors.Join(errs...)
}

func (p *Proxy) acceptLoop(l net.Listener, la listenAddr) {
	p.log().Infof("Accepting connections on %s %s", l.Addr().Network(), l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.log().Infof("Accept loop terminated on %s", l.Addr())
				break
			}
			p.logErrorF("Accept: %v", err)
			continue
		}
		go p.handleConnection(conn.(*netw.Conn), la)
	}
}

// Stop closes all connections and stops all goroutines.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	listeners := p.listeners
	p.listeners = make(map[listenAddr]net.Listener)
	console := p.console
	p.console = nil
	sink := p.sink
	p.sink = nil
	flushDone := p.flushDone
	p.flushDone = nil
	conns := p.inConns.slice()
	p.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	if console != nil {
		console.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	// The flush loop does a final flush when the context is canceled. The
	// sink stays open until it is done.
	if flushDone != nil {
		<-flushDone
	}
	if c, ok := sink.(io.Closer); ok {
		c.Close()
	}
}

// Shutdown gracefully shuts down the proxy, waiting for all existing
// connections to close or ctx to be canceled.
func (p *Proxy) Shutdown(ctx context.Context) {
	p.mu.Lock()
	for k, l := range p.listeners {
		l.Close()
		delete(p.listeners, k)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for p.inConns.len() > 0 && ctx.Err() == nil {
			p.connClosed.Wait()
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	p.Stop()
}

func (p *Proxy) acceptProxyHeader(cfg *Config, addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range cfg.acceptProxyHeaderFrom {
		if n.Contains(tcpAddr.IP) {
			return true
		}
	}
	return false
}

func (p *Proxy) recordEvent(msg string) {
	p.eventsmu.Lock()
	defer p.eventsmu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int64)
	}
	p.events[msg]++
}

// Events returns a copy of the event counters.
func (p *Proxy) Events() map[string]int64 {
	p.eventsmu.Lock()
	defer p.eventsmu.Unlock()
	out := make(map[string]int64, len(p.events))
	for k, v := range p.events {
		out[k] = v
	}
	return out
}

// Guard returns the proxy's admission guard.
func (p *Proxy) Guard() *guard.Guard {
	return p.guard
}

// Metrics returns the proxy's metrics recorder.
func (p *Proxy) Metrics() *metrics.Recorder {
	return p.metrics
}

// Routes returns the current route table.
func (p *Proxy) Routes() *routes.Table {
	return p.routes.Load()
}
