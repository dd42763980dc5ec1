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

package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/hashicorp/go-retryablehttp"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestMerge(t *testing.T) {
	a := Entities{
		Proxies:    []Proxy{{ID: "p1", ListenPort: 443, TargetHost: "a"}, {ID: "p2", ListenPort: 80}},
		Domains:    []Domain{{Hostname: "a.example.com", ProxyID: "p1"}},
		TrustedIPs: []TrustedIP{{IP: "10.0.0.1"}},
	}
	b := Entities{
		Proxies:    []Proxy{{ID: "p1", ListenPort: 8443, TargetHost: "b"}},
		Backends:   []Backend{{ID: "b1", TargetHost: "x", TargetPort: 1}},
		Domains:    []Domain{{Hostname: "a.example.com", ProxyID: "p1"}, {Hostname: "b.example.com", ProxyID: "p2"}},
		TrustedIPs: []TrustedIP{{IP: "10.0.0.1", Reason: "dup"}, {IP: "192.168.0.0/16"}},
	}
	got := Merge(a, b)
	want := Entities{
		Proxies:    []Proxy{{ID: "p1", ListenPort: 8443, TargetHost: "b"}, {ID: "p2", ListenPort: 80}},
		Backends:   []Backend{{ID: "b1", TargetHost: "x", TargetPort: 1}},
		Domains:    []Domain{{Hostname: "a.example.com", ProxyID: "p1"}, {Hostname: "b.example.com", ProxyID: "p2"}},
		TrustedIPs: []TrustedIP{{IP: "10.0.0.1"}, {IP: "192.168.0.0/16"}},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("Merge: %v", diff)
	}
	if got, want := got.Len(), 7; got != want {
		t.Errorf("Len = %d, want %d", got, want)
	}
}

func TestLoadSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "routes.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE proxies (id TEXT PRIMARY KEY, name TEXT, listen_host TEXT, listen_port INTEGER,
			protocol TEXT, target_host TEXT, target_port INTEGER, target_protocol TEXT,
			proxy_protocol TEXT, bw_limit TEXT, enabled BOOLEAN)`,
		`CREATE TABLE backends (id TEXT PRIMARY KEY, name TEXT, target_host TEXT, target_port INTEGER,
			target_protocol TEXT)`,
		`CREATE TABLE domains (id TEXT PRIMARY KEY, hostname TEXT, proxy_id TEXT, backend_id TEXT)`,
		`CREATE TABLE trusted_ips (ip TEXT, reason TEXT)`,
		`INSERT INTO proxies VALUES ('p1', 'web', '0.0.0.0', 443, 'tls', '10.0.0.10', 8443, 'tls', 'v2', NULL, 1)`,
		`INSERT INTO proxies (id, listen_host, listen_port, enabled) VALUES ('p2', '0.0.0.0', 80, 0)`,
		`INSERT INTO backends VALUES ('b1', 'api', '10.0.0.20', 9000, NULL)`,
		`INSERT INTO domains VALUES ('d1', 'api.example.com', 'p1', 'b1')`,
		`INSERT INTO domains VALUES ('d2', 'www.example.com', 'p1', NULL)`,
		`INSERT INTO trusted_ips VALUES ('203.0.113.0/24', 'office')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("ExecContext(%q): %v", stmt, err)
		}
	}

	got, err := LoadSQLite(ctx, dsn)
	if err != nil {
		t.Fatalf("LoadSQLite: %v", err)
	}
	want := Entities{
		Proxies: []Proxy{
			{ID: "p1", Name: "web", ListenHost: "0.0.0.0", ListenPort: 443, Protocol: "tls", TargetHost: "10.0.0.10", TargetPort: 8443, TargetProtocol: "tls", ProxyProtocol: "v2", Enabled: boolPtr(true)},
			{ID: "p2", ListenHost: "0.0.0.0", ListenPort: 80, Enabled: boolPtr(false)},
		},
		Backends:   []Backend{{ID: "b1", Name: "api", TargetHost: "10.0.0.20", TargetPort: 9000}},
		Domains:    []Domain{{ID: "d1", Hostname: "api.example.com", ProxyID: "p1", BackendID: "b1"}, {ID: "d2", Hostname: "www.example.com", ProxyID: "p1"}},
		TrustedIPs: []TrustedIP{{IP: "203.0.113.0/24", Reason: "office"}},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("LoadSQLite: %v", diff)
	}
}

func TestLoadSQLiteMissingTable(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "empty.db")
	if _, err := LoadSQLite(context.Background(), dsn); err == nil {
		t.Fatal("LoadSQLite succeeded on an empty database")
	}
}

func TestFetchURL(t *testing.T) {
	want := Entities{
		Proxies: []Proxy{{ID: "p1", ListenHost: "127.0.0.1", ListenPort: 10443, TargetHost: "127.0.0.1", TargetPort: 8443}},
		Domains: []Domain{{Hostname: "www.example.com", ProxyID: "p1"}},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 10 * time.Millisecond

	got, err := NewRemote(client).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("Fetch: %v", diff)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestFetchURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := FetchURL(context.Background(), srv.URL); err == nil {
		t.Fatal("FetchURL succeeded")
	}
}
