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

// Package source loads the routing entities (proxies, backends, domains and
// trusted IPs) from the places they are managed: the YAML config file, a
// SQLite database, or a remote JSON document.
package source

import (
	"fmt"
	"strings"
)

// Proxy is a listener and its default target.
type Proxy struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	ListenHost     string `yaml:"listenHost" json:"listenHost"`
	ListenPort     int    `yaml:"listenPort" json:"listenPort"`
	Protocol       string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	TargetHost     string `yaml:"targetHost,omitempty" json:"targetHost,omitempty"`
	TargetPort     int    `yaml:"targetPort,omitempty" json:"targetPort,omitempty"`
	TargetProtocol string `yaml:"targetProtocol,omitempty" json:"targetProtocol,omitempty"`
	// ProxyProtocol is the version of the PROXY protocol header to send
	// to the target, "v1" or "v2". Empty means no header.
	ProxyProtocol string `yaml:"proxyProtocol,omitempty" json:"proxyProtocol,omitempty"`
	// BWLimit is the name of a bandwidth limit in the config.
	BWLimit string `yaml:"bwLimit,omitempty" json:"bwLimit,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled returns whether the proxy is enabled. Proxies are enabled unless
// explicitly disabled.
func (p Proxy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Backend is a target that domains can point to instead of their proxy's
// default target.
type Backend struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	TargetHost     string `yaml:"targetHost" json:"targetHost"`
	TargetPort     int    `yaml:"targetPort" json:"targetPort"`
	TargetProtocol string `yaml:"targetProtocol,omitempty" json:"targetProtocol,omitempty"`
}

// Domain maps a host name on a proxy's listener to a target.
type Domain struct {
	ID        string `yaml:"id,omitempty" json:"id,omitempty"`
	Hostname  string `yaml:"hostname" json:"hostname"`
	ProxyID   string `yaml:"proxyId" json:"proxyId"`
	BackendID string `yaml:"backendId,omitempty" json:"backendId,omitempty"`
}

// TrustedIP is an IP address or CIDR that is never scored by the admission
// guard.
type TrustedIP struct {
	IP     string `yaml:"ip" json:"ip"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Entities is a complete set of routing entities.
type Entities struct {
	Proxies    []Proxy     `yaml:"proxies,omitempty" json:"proxies,omitempty"`
	Backends   []Backend   `yaml:"backends,omitempty" json:"backends,omitempty"`
	Domains    []Domain    `yaml:"domains,omitempty" json:"domains,omitempty"`
	TrustedIPs []TrustedIP `yaml:"trustedIPs,omitempty" json:"trustedIPs,omitempty"`
}

// Len returns the total number of entities.
func (e Entities) Len() int {
	return len(e.Proxies) + len(e.Backends) + len(e.Domains) + len(e.TrustedIPs)
}

func (e Entities) String() string {
	return fmt.Sprintf("%d proxies, %d backends, %d domains, %d trusted IPs",
		len(e.Proxies), len(e.Backends), len(e.Domains), len(e.TrustedIPs))
}

// Merge combines entities from multiple sources. When the same proxy or
// backend ID appears more than once, the last one wins. Domains and trusted
// IPs are concatenated, with exact duplicates removed.
func Merge(all ...Entities) Entities {
	var out Entities
	proxyIdx := make(map[string]int)
	backendIdx := make(map[string]int)
	seenDomain := make(map[Domain]bool)
	seenTrusted := make(map[string]bool)

	for _, e := range all {
		for _, p := range e.Proxies {
			if i, exists := proxyIdx[p.ID]; exists {
				out.Proxies[i] = p
				continue
			}
			proxyIdx[p.ID] = len(out.Proxies)
			out.Proxies = append(out.Proxies, p)
		}
		for _, b := range e.Backends {
			if i, exists := backendIdx[b.ID]; exists {
				out.Backends[i] = b
				continue
			}
			backendIdx[b.ID] = len(out.Backends)
			out.Backends = append(out.Backends, b)
		}
		for _, d := range e.Domains {
			if seenDomain[d] {
				continue
			}
			seenDomain[d] = true
			out.Domains = append(out.Domains, d)
		}
		for _, t := range e.TrustedIPs {
			key := strings.TrimSpace(t.IP)
			if seenTrusted[key] {
				continue
			}
			seenTrusted[key] = true
			out.TrustedIPs = append(out.TrustedIPs, t)
		}
	}
	return out
}
