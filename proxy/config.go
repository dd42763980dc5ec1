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
	"net"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/sniguard/proxy/internal/guard"
	"github.com/c2FmZQ/sniguard/proxy/internal/source"
)

const (
	ProtocolTLS  = "tls"
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
)

var validProtocols = []string{"", ProtocolTLS, ProtocolHTTP, ProtocolTCP}

// Config is the proxy configuration.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored by the proxy.
	Definitions any `yaml:"definitions,omitempty"`

	// ConsoleAddr is the address of the HTTP console that shows metrics,
	// event counts, and bans. The console is disabled when empty. It
	// cannot be changed after Start.
	ConsoleAddr string `yaml:"consoleAddr,omitempty"`
	// MaxOpen is the maximum number of open incoming connections. The
	// default is derived from the open file limit.
	MaxOpen int `yaml:"maxOpen,omitempty"`
	// HelloTimeout is how long to wait for the client's TLS ClientHello
	// or HTTP request headers. The default is 10s.
	HelloTimeout time.Duration `yaml:"helloTimeout,omitempty"`
	// DialTimeout is the timeout to connect to a target. The default is
	// 30s.
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	// HalfCloseTimeout is the amount of time to keep the connection open
	// after one direction is closed. The default is 1m.
	HalfCloseTimeout time.Duration `yaml:"halfCloseTimeout,omitempty"`
	// AcceptProxyHeaderFrom is a list of CIDRs. The PROXY protocol is
	// enabled for incoming connections coming from these IP address
	// ranges.
	AcceptProxyHeaderFrom []string `yaml:"acceptProxyHeaderFrom,omitempty"`
	// LogFilter specifies what gets logged.
	LogFilter LogFilter `yaml:"logFilter,omitempty"`

	// Guard is the configuration of the admission guard.
	Guard GuardConfig `yaml:"guard,omitempty"`
	// Metrics is the configuration of the metrics recorder.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	// BWLimits is the list of named bandwidth limit groups.
	// Each proxy can be associated with one group. The group's limits
	// are shared between all the proxies associated with it.
	BWLimits []*BWLimit `yaml:"bwLimits,omitempty"`

	// Proxies, Backends, Domains, and TrustedIPs are routing entities
	// defined directly in the config file. They are merged with the
	// entities from Database and RoutesURL.
	Proxies    []source.Proxy     `yaml:"proxies,omitempty"`
	Backends   []source.Backend   `yaml:"backends,omitempty"`
	Domains    []source.Domain    `yaml:"domains,omitempty"`
	TrustedIPs []source.TrustedIP `yaml:"trustedIPs,omitempty"`
	// Database is the path of a SQLite database that contains routing
	// entities.
	Database string `yaml:"database,omitempty"`
	// RoutesURL is the URL of a JSON document that contains routing
	// entities.
	RoutesURL string `yaml:"routesURL,omitempty"`

	acceptProxyHeaderFrom []*net.IPNet
}

// LogFilter specifies what gets logged.
type LogFilter struct {
	// Connections indicates that connections should be logged.
	Connections *bool `yaml:"connections,omitempty"`
	// Requests indicates that HTTP requests should be logged.
	Requests *bool `yaml:"requests,omitempty"`
	// Errors indicates that errors should be logged.
	Errors *bool `yaml:"errors,omitempty"`
}

// GuardConfig is the configuration of the admission guard.
type GuardConfig struct {
	// Threshold is the score at which a client is banned. The default is
	// 100.
	Threshold int `yaml:"threshold,omitempty"`
	// BanDuration is how long a client stays banned. The default is 5m.
	BanDuration time.Duration `yaml:"banDuration,omitempty"`
	// EntryTTL is how long an idle client's score is remembered. The
	// default is 10m.
	EntryTTL time.Duration `yaml:"entryTTL,omitempty"`
	// Weights are the points added for each signal, by name, e.g.
	// missing-sni: 10.
	Weights map[string]int `yaml:"weights,omitempty"`
	// RateLimit is the number of new connections per second allowed from
	// one client. Zero disables rate detection.
	RateLimit float64 `yaml:"rateLimit,omitempty"`
	// RateBurst is the number of connections allowed in a burst.
	RateBurst int `yaml:"rateBurst,omitempty"`
	// RateCacheSize is the number of clients tracked for rate detection.
	RateCacheSize int `yaml:"rateCacheSize,omitempty"`
	// SuspiciousUserAgents is a list of User-Agent substrings that are
	// signaled as suspicious.
	SuspiciousUserAgents []string `yaml:"suspiciousUserAgents,omitempty"`
}

// MetricsConfig is the configuration of the metrics recorder.
type MetricsConfig struct {
	// Retention is the number of 1-second buckets kept in memory for
	// each proxy. The default is 3600.
	Retention int `yaml:"retention,omitempty"`
	// FlushInterval is how often closed buckets are sent to redis. The
	// default is 10s.
	FlushInterval time.Duration `yaml:"flushInterval,omitempty"`
	// Redis is where the metrics are flushed. Metrics are only kept in
	// memory when it isn't set.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig is the address and options of a redis server.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db,omitempty"`
	KeyPrefix string        `yaml:"keyPrefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// BWLimit is a named bandwidth limit configuration.
type BWLimit struct {
	// Name is the name of the group.
	Name string `yaml:"name"`
	// Ingress is the ingress limit, in bytes per second.
	Ingress float64 `yaml:"ingress"`
	// Egress is the engress limit, in bytes per second.
	Egress float64 `yaml:"egress"`
}

func (cfg *Config) clone() *Config {
	b, _ := yaml.Marshal(cfg)
	var out Config
	yaml.Unmarshal(b, &out)
	return &out
}

func (cfg *Config) equal(other *Config) bool {
	if other == nil {
		return false
	}
	a, _ := yaml.Marshal(cfg)
	b, _ := yaml.Marshal(other)
	return string(a) == string(b)
}

// inlineEntities returns the routing entities defined in the config file.
func (cfg *Config) inlineEntities() source.Entities {
	return source.Entities{
		Proxies:    cfg.Proxies,
		Backends:   cfg.Backends,
		Domains:    cfg.Domains,
		TrustedIPs: cfg.TrustedIPs,
	}
}

func (cfg *Config) guardOptions() guard.Options {
	weights := make(map[guard.Signal]int, len(cfg.Guard.Weights))
	for name, w := range cfg.Guard.Weights {
		if s, err := guard.ParseSignal(name); err == nil {
			weights[s] = w
		}
	}
	return guard.Options{
		Threshold:            cfg.Guard.Threshold,
		BanDuration:          cfg.Guard.BanDuration,
		EntryTTL:             cfg.Guard.EntryTTL,
		Weights:              weights,
		RateLimit:            cfg.Guard.RateLimit,
		RateBurst:            cfg.Guard.RateBurst,
		RateCacheSize:        cfg.Guard.RateCacheSize,
		SuspiciousUserAgents: cfg.Guard.SuspiciousUserAgents,
	}
}

// Check checks that the Config is valid, sets some default values, and
// initializes internal data structures.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.MaxOpen == 0 {
		n, err := openFileLimit()
		if err != nil {
			return errors.New("MaxOpen: value must be set")
		}
		cfg.MaxOpen = n/2 - 100
		if cfg.MaxOpen < 10 {
			cfg.MaxOpen = 10
		}
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.HalfCloseTimeout == 0 {
		cfg.HalfCloseTimeout = time.Minute
	}
	if cfg.HelloTimeout < 0 || cfg.DialTimeout < 0 || cfg.HalfCloseTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	cfg.acceptProxyHeaderFrom = nil
	for i, cidr := range cfg.AcceptProxyHeaderFrom {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("acceptProxyHeaderFrom[%d]: %w", i, err)
		}
		cfg.acceptProxyHeaderFrom = append(cfg.acceptProxyHeaderFrom, n)
	}

	for name := range cfg.Guard.Weights {
		if _, err := guard.ParseSignal(name); err != nil {
			return fmt.Errorf("guard.weights: %w (valid: %s)", err, strings.Join(guard.SignalNames(), ", "))
		}
	}
	if cfg.Guard.Threshold < 0 || cfg.Guard.RateLimit < 0 || cfg.Guard.RateBurst < 0 {
		return errors.New("guard: values must not be negative")
	}
	if cfg.Metrics.FlushInterval == 0 {
		cfg.Metrics.FlushInterval = 10 * time.Second
	}
	if r := cfg.Metrics.Redis; r != nil && r.Addr == "" {
		return errors.New("metrics.redis.addr: value must be set")
	}

	bwl := make(map[string]bool)
	for i, l := range cfg.BWLimits {
		name := strings.ToLower(l.Name)
		if bwl[name] {
			return fmt.Errorf("bwLimits[%d].Name: duplicate name %q", i, l.Name)
		}
		if l.Ingress <= 0 || l.Egress <= 0 {
			return fmt.Errorf("bwLimits[%d]: ingress and egress must be positive", i)
		}
		bwl[name] = true
	}

	for i, p := range cfg.Proxies {
		if p.ID == "" {
			return fmt.Errorf("proxies[%d].ID: value must be set", i)
		}
		if !validProtocol(p.Protocol) || !validProtocol(p.TargetProtocol) {
			return fmt.Errorf("proxies[%d].Protocol: value must be one of %q", i, validProtocols[1:])
		}
		if v := p.ProxyProtocol; v != "" && v != "v1" && v != "v2" {
			return fmt.Errorf("proxies[%d].ProxyProtocol: value must be v1 or v2", i)
		}
		if p.BWLimit != "" && !bwl[strings.ToLower(p.BWLimit)] {
			return fmt.Errorf("proxies[%d].BWLimit: undefined name %q", i, p.BWLimit)
		}
	}
	for i, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].ID: value must be set", i)
		}
	}
	return nil
}

func validProtocol(p string) bool {
	for _, v := range validProtocols {
		if strings.EqualFold(p, v) {
			return true
		}
	}
	return false
}

// ReadConfig reads and validates a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
