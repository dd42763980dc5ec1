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
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/sniguard/proxy/internal/guard"
	"github.com/c2FmZQ/sniguard/proxy/internal/metrics"
)

const (
	defaultLookback = time.Hour
	defaultInterval = time.Minute
)

func (p *Proxy) startConsole(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.statusHandler)
	mux.HandleFunc("/metrics", p.metricsHandler)
	mux.HandleFunc("/bans", p.bansHandler)
	mux.HandleFunc("/config", p.configHandler)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.mu.Lock()
	p.console = s
	p.mu.Unlock()
	p.log().Infof("Console listening on %s", l.Addr())
	go func() {
		if err := s.Serve(l); err != nil && err != http.ErrServerClosed {
			p.logErrorF("console: %v", err)
		}
	}()
	return nil
}

type proxyTotals struct {
	requests int64
	bytesIn  int64
	bytesOut int64
}

func (p *Proxy) statusHandler(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	req.ParseForm()
	if v := req.Form.Get("refresh"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			w.Header().Set("refresh", strconv.Itoa(i))
		}
	}

	var buf bytes.Buffer
	defer buf.WriteTo(w)

	ids := p.metrics.ProxyIDs()
	totals := make(map[string]proxyTotals, len(ids))
	maxLen := len("Proxy")
	for _, id := range ids {
		var t proxyTotals
		buckets := p.metrics.Closed(id, time.Time{})
		if b, ok := p.metrics.Live(id); ok {
			buckets = append(buckets, b)
		}
		for _, b := range buckets {
			t.requests += b.Requests
			t.bytesIn += b.BytesIn
			t.bytesOut += b.BytesOut
		}
		totals[id] = t
		maxLen = max(maxLen, len(id))
	}
	fmt.Fprintln(&buf, "Backend metrics:")
	fmt.Fprintln(&buf)
	fmt.Fprintf(&buf, "  %*s %12s %12s %12s\n", -maxLen, "Proxy", "Count", "Recv", "Sent")
	for _, id := range ids {
		t := totals[id]
		fmt.Fprintf(&buf, "  %*s %12d %12d %12d\n", -maxLen, id, t.requests, t.bytesIn, t.bytesOut)
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Routes:")
	fmt.Fprintln(&buf)
	for _, e := range p.routes.Load().Entries() {
		state := ""
		if !e.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(&buf, "  %s%s\n", e, state)
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Event counts:")
	fmt.Fprintln(&buf)
	events := p.Events()
	names := make([]string, 0, len(events))
	width := 0
	for k := range events {
		width = max(width, len(k))
		names = append(names, k)
	}
	sort.Strings(names)
	for _, e := range names {
		fmt.Fprintf(&buf, "  %*s %6d\n", -(width + 1), e+":", events[e])
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Guard:")
	fmt.Fprintln(&buf)
	for _, e := range p.guard.Entries() {
		fmt.Fprintf(&buf, "  %-39s %-7s %5d", e.IP, e.State, e.Points)
		if !e.BannedUntil.IsZero() {
			fmt.Fprintf(&buf, " until %s", e.BannedUntil.Format(time.DateTime))
		}
		fmt.Fprintln(&buf)
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Current connections:")
	fmt.Fprintln(&buf)
	for _, c := range p.inConns.slice() {
		totalTime := time.Since(connStart(c)).Truncate(time.Millisecond)
		fmt.Fprintf(&buf, "  %s; Dur:%s Recv:%d Sent:%d\n", formatConnDesc(c),
			totalTime, c.BytesReceived(), c.BytesSent())
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Runtime:")
	fmt.Fprintln(&buf)
	fmt.Fprintf(&buf, "  Uptime:       %12s\n", time.Since(p.startTime).Truncate(time.Second))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fmt.Fprintf(&buf, "  NumCPU:       %12d\n", runtime.NumCPU())
	fmt.Fprintf(&buf, "  NumGoroutine: %12d\n", runtime.NumGoroutine())
	fmt.Fprintf(&buf, "  HeapObjects:  %12d\n", memStats.HeapObjects)
	fmt.Fprintf(&buf, "  HeapAlloc:    %12d\n", memStats.HeapAlloc)
	fmt.Fprintf(&buf, "  NumGC:        %12d\n", memStats.NumGC)
}

func durationParam(req *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := req.Form.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}

// metricsHandler returns the closed metrics buckets of the last lookback
// seconds, aggregated by interval seconds, as JSON.
func (p *Proxy) metricsHandler(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	lookback, err := durationParam(req, "lookback", defaultLookback)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	interval, err := durationParam(req, "interval", defaultInterval)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := p.metrics.ProxyIDs()
	if id := req.Form.Get("proxy"); id != "" {
		ids = []string{id}
	}
	since := time.Now().Add(-lookback)
	var buckets []metrics.Bucket
	for _, id := range ids {
		buckets = append(buckets, p.metrics.Closed(id, since)...)
	}
	rows := metrics.Aggregate(buckets, interval)
	if rows == nil {
		rows = []metrics.Row{}
	}
	writeJSON(w, rows)
}

func (p *Proxy) bansHandler(w http.ResponseWriter, req *http.Request) {
	entries := p.guard.Entries()
	if entries == nil {
		entries = []guard.Entry{}
	}
	writeJSON(w, entries)
}

func (p *Proxy) configHandler(w http.ResponseWriter, req *http.Request) {
	cfg := p.config().clone()
	if cfg.Metrics.Redis != nil && cfg.Metrics.Redis.Password != "" {
		cfg.Metrics.Redis.Password = "**REDACTED**"
	}
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	enc.Encode(cfg)
	enc.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
