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
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	selectProxies = `SELECT id, COALESCE(name, ''), listen_host, listen_port, COALESCE(protocol, ''),
	COALESCE(target_host, ''), COALESCE(target_port, 0), COALESCE(target_protocol, ''),
	COALESCE(proxy_protocol, ''), COALESCE(bw_limit, ''), COALESCE(enabled, 1) FROM proxies ORDER BY id`
	selectBackends = `SELECT id, COALESCE(name, ''), target_host, target_port, COALESCE(target_protocol, '')
	FROM backends ORDER BY id`
	selectDomains = `SELECT id, hostname, proxy_id, COALESCE(backend_id, '') FROM domains ORDER BY id`
	selectTrusted = `SELECT ip, COALESCE(reason, '') FROM trusted_ips ORDER BY ip`
)

// LoadSQLite reads the routing entities from the SQLite database at dsn. The
// database is managed by another application and is only read here.
//
// The expected tables are:
//
//	proxies(id, name, listen_host, listen_port, protocol, target_host,
//	        target_port, target_protocol, proxy_protocol, bw_limit, enabled)
//	backends(id, name, target_host, target_port, target_protocol)
//	domains(id, hostname, proxy_id, backend_id)
//	trusted_ips(ip, reason)
func LoadSQLite(ctx context.Context, dsn string) (Entities, error) {
	var e Entities
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return e, fmt.Errorf("sqlite open: %w", err)
	}
	defer db.Close()

	if err := query(ctx, db, selectProxies, func(rows *sql.Rows) error {
		var p Proxy
		var enabled bool
		if err := rows.Scan(&p.ID, &p.Name, &p.ListenHost, &p.ListenPort, &p.Protocol,
			&p.TargetHost, &p.TargetPort, &p.TargetProtocol, &p.ProxyProtocol, &p.BWLimit, &enabled); err != nil {
			return err
		}
		p.Enabled = &enabled
		e.Proxies = append(e.Proxies, p)
		return nil
	}); err != nil {
		return e, fmt.Errorf("proxies: %w", err)
	}

	if err := query(ctx, db, selectBackends, func(rows *sql.Rows) error {
		var b Backend
		if err := rows.Scan(&b.ID, &b.Name, &b.TargetHost, &b.TargetPort, &b.TargetProtocol); err != nil {
			return err
		}
		e.Backends = append(e.Backends, b)
		return nil
	}); err != nil {
		return e, fmt.Errorf("backends: %w", err)
	}

	if err := query(ctx, db, selectDomains, func(rows *sql.Rows) error {
		var d Domain
		if err := rows.Scan(&d.ID, &d.Hostname, &d.ProxyID, &d.BackendID); err != nil {
			return err
		}
		e.Domains = append(e.Domains, d)
		return nil
	}); err != nil {
		return e, fmt.Errorf("domains: %w", err)
	}

	if err := query(ctx, db, selectTrusted, func(rows *sql.Rows) error {
		var t TrustedIP
		if err := rows.Scan(&t.IP, &t.Reason); err != nil {
			return err
		}
		e.TrustedIPs = append(e.TrustedIPs, t)
		return nil
	}); err != nil {
		return e, fmt.Errorf("trusted_ips: %w", err)
	}
	return e, nil
}

func query(ctx context.Context, db *sql.DB, q string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
