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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/c2FmZQ/sniguard/proxy/internal/guard"
	"github.com/c2FmZQ/sniguard/proxy/internal/metrics"
	"github.com/c2FmZQ/sniguard/proxy/internal/source"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDetectorsAndBanExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be := newTCPServer(t, ctx, "backend")
	port := freePort(t)
	cfg := &Config{
		MaxOpen: 100,
		Guard: GuardConfig{
			Threshold:   10,
			BanDuration: time.Minute,
			Weights:     map[string]int{"unknown-host": 10},
		},
		Proxies: []source.Proxy{
			{ID: "p1", ListenHost: "127.0.0.1", ListenPort: port, Protocol: "tls", TargetHost: "127.0.0.1", TargetPort: be.port()},
		},
	}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	evil := guard.DetectorFunc(func(o *guard.Observation) (guard.Signal, error) {
		if o.ServerName == "evil.example.com" {
			return guard.UnknownHost, nil
		}
		return guard.None, nil
	})
	p, err := New(cfg, WithLogger(testLogger(t)), WithGuardClock(clock.Now), WithDetectors(evil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// The proxy has no domains, so every server name is routed to its
	// target. Only the custom detector objects to this one.
	got, _ := sendAndReceive(addr, clientHello(t, "evil.example.com"))
	if got != "" {
		t.Errorf("evil: Got %q, want nothing", got)
	}
	if got, want := p.Guard().State("127.0.0.1"), guard.Banned; got != want {
		t.Fatalf("State = %v, want %v", got, want)
	}
	got, _ = sendAndReceive(addr, clientHello(t, "good.example.com"))
	if got != "" {
		t.Errorf("banned: Got %q, want nothing", got)
	}

	clock.Advance(time.Minute)
	got, err = sendAndReceive(addr, clientHello(t, "good.example.com"))
	if err != nil {
		t.Fatalf("sendAndReceive: %v", err)
	}
	if !strings.HasPrefix(got, "Hello from backend") {
		t.Errorf("expired: Got %q, want Hello from backend", got)
	}
	if got, want := p.Guard().State("127.0.0.1"), guard.Clean; got != want {
		t.Errorf("State = %v, want %v", got, want)
	}
	if got, want := p.Events()["admission rejected"], int64(1); got != want {
		t.Errorf("admission rejected events = %d, want %d", got, want)
	}
}

func TestConsoleHandlers(t *testing.T) {
	cfg := &Config{
		MaxOpen: 100,
		Metrics: MetricsConfig{
			Redis: &RedisConfig{Addr: "localhost:6379", Password: "secret"},
		},
		Proxies: []source.Proxy{
			{ID: "p1", ListenHost: "127.0.0.1", ListenPort: 10443, Protocol: "tls", TargetHost: "127.0.0.1", TargetPort: 8443},
		},
		Domains: []source.Domain{
			{Hostname: "example.com", ProxyID: "p1"},
		},
	}
	p, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.guard.Record("192.0.2.1", guard.MalformedHello)
	p.metrics.Record("p1", metrics.Event{NewRequest: true, BytesIn: 100, BytesOut: 200})

	get := func(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest("GET", target, nil))
		return w
	}

	w := get(p.statusHandler, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("/ status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"Backend metrics:", "example.com", "192.0.2.1", "Runtime:"} {
		if !strings.Contains(body, want) {
			t.Errorf("/ body doesn't contain %q:\n%s", want, body)
		}
	}
	if w := get(p.statusHandler, "/foo"); w.Code != http.StatusNotFound {
		t.Errorf("/foo status = %d, want 404", w.Code)
	}

	w = get(p.metricsHandler, "/metrics?lookback=60&interval=10")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	var rows []metrics.Row
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("/metrics: %v", err)
	}
	if rows == nil {
		t.Errorf("/metrics returned null, want a list")
	}
	if w := get(p.metricsHandler, "/metrics?interval=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("/metrics?interval=abc status = %d, want 400", w.Code)
	}

	w = get(p.bansHandler, "/bans")
	var entries []struct {
		IP     string `json:"ip"`
		State  string `json:"state"`
		Points int    `json:"points"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("/bans: %v", err)
	}
	want := []struct {
		IP     string `json:"ip"`
		State  string `json:"state"`
		Points int    `json:"points"`
	}{
		{IP: "192.0.2.1", State: guard.Scored.String(), Points: guard.DefaultWeights[guard.MalformedHello]},
	}
	if diff := deep.Equal(want, entries); diff != nil {
		t.Errorf("/bans: %v", diff)
	}

	w = get(p.configHandler, "/config")
	if body := w.Body.String(); strings.Contains(body, "secret") || !strings.Contains(body, "REDACTED") {
		t.Errorf("/config doesn't redact the password:\n%s", body)
	}
	if got := p.config().Metrics.Redis.Password; got != "secret" {
		t.Errorf("Password = %q, want secret", got)
	}
}
