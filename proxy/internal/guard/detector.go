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

package guard

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/sniguard/proxy/internal/addr"
)

var defaultSuspiciousUserAgents = []string{
	"sqlmap",
	"nikto",
	"masscan",
	"zgrab",
	"nmap",
}

// Observation is what the dispatcher knows about a connection after reading
// the client's first bytes.
type Observation struct {
	// IP is the normalized client address.
	IP string
	// Time is when the connection was accepted.
	Time time.Time
	// Peeked is true if the client's first bytes were read. It is false
	// on listeners that route without looking at the client's hello.
	Peeked bool
	// TLS is true if the connection started with a TLS handshake.
	TLS bool
	// ServerName is the SNI or the HTTP Host, if any.
	ServerName string
	// Header is the HTTP request header, for cleartext connections.
	Header http.Header
	// ParseErr is the error returned by the hello parser, if any.
	ParseErr error
	// Timeout is true if the client didn't send a complete hello in time.
	Timeout bool
	// Routed is true if a route was found for the connection.
	Routed bool
}

// Detector inspects an observation and returns the signal it detects, or
// None.
type Detector interface {
	Detect(*Observation) (Signal, error)
}

// DetectorFunc is a function that implements Detector.
type DetectorFunc func(*Observation) (Signal, error)

func (f DetectorFunc) Detect(o *Observation) (Signal, error) {
	return f(o)
}

// runDetector runs d. A detector that fails or panics doesn't produce a
// signal.
func runDetector(d Detector, o *Observation) (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			sig = None
		}
	}()
	s, err := d.Detect(o)
	if err != nil {
		return None
	}
	return s
}

func builtinDetectors(opts Options) []Detector {
	uas := make([]string, 0, len(opts.SuspiciousUserAgents))
	for _, ua := range opts.SuspiciousUserAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			uas = append(uas, ua)
		}
	}
	return []Detector{
		DetectorFunc(detectTimeout),
		DetectorFunc(detectMalformedHello),
		DetectorFunc(detectMissingSNI),
		DetectorFunc(detectMissingHeaders),
		DetectorFunc(func(o *Observation) (Signal, error) {
			return detectUserAgent(o, uas)
		}),
		DetectorFunc(detectUnknownHost),
	}
}

func detectTimeout(o *Observation) (Signal, error) {
	if o.Peeked && o.Timeout {
		return HelloTimeout, nil
	}
	return None, nil
}

func detectMalformedHello(o *Observation) (Signal, error) {
	if o.Peeked && o.TLS && !o.Timeout && o.ParseErr != nil {
		return MalformedHello, nil
	}
	return None, nil
}

func detectMissingSNI(o *Observation) (Signal, error) {
	if o.Peeked && o.TLS && !o.Timeout && o.ParseErr == nil && o.ServerName == "" {
		return MissingSNI, nil
	}
	return None, nil
}

func detectMissingHeaders(o *Observation) (Signal, error) {
	if o.Peeked && !o.TLS && !o.Timeout && (o.ParseErr != nil || o.ServerName == "") {
		return MissingHeaders, nil
	}
	return None, nil
}

func detectUserAgent(o *Observation, suspicious []string) (Signal, error) {
	if !o.Peeked || o.TLS || o.Header == nil {
		return None, nil
	}
	ua := strings.ToLower(o.Header.Get("User-Agent"))
	if ua == "" {
		return SuspiciousUserAgent, nil
	}
	for _, s := range suspicious {
		if strings.Contains(ua, s) {
			return SuspiciousUserAgent, nil
		}
	}
	return None, nil
}

func detectUnknownHost(o *Observation) (Signal, error) {
	if o.ServerName != "" && !o.Routed && !addr.IsIPAddress(o.ServerName) {
		return UnknownHost, nil
	}
	return None, nil
}

// rateDetector signals HighRate when a client opens connections faster than
// its rate limit allows.
type rateDetector struct {
	limit rate.Limit
	burst int
	size  int

	mu       sync.Mutex
	limiters *lru.TwoQueueCache[string, *rate.Limiter]
}

func newRateDetector(opts Options) *rateDetector {
	c, err := lru.New2Q[string, *rate.Limiter](opts.RateCacheSize)
	if err != nil {
		// Only happens with a non-positive size, which withDefaults
		// prevents.
		panic(fmt.Sprintf("lru.New2Q: %v", err))
	}
	return &rateDetector{
		limit:    rate.Limit(opts.RateLimit),
		burst:    opts.RateBurst,
		size:     opts.RateCacheSize,
		limiters: c,
	}
}

func (d *rateDetector) same(opts Options) bool {
	return d.limit == rate.Limit(opts.RateLimit) && d.burst == opts.RateBurst && d.size == opts.RateCacheSize
}

func (d *rateDetector) limiter(ip string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(d.limit, d.burst)
	d.limiters.Add(ip, l)
	return l
}

func (d *rateDetector) Detect(o *Observation) (Signal, error) {
	if !d.limiter(o.IP).AllowN(o.Time, 1) {
		return HighRate, nil
	}
	return None, nil
}
