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

// Package guard decides whether clients are allowed to connect. Each client
// IP accumulates points when its connections look suspicious. When the points
// reach the threshold, the client is banned for a while. Trusted clients are
// never scored.
package guard

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/c2FmZQ/sniguard/proxy/internal/addr"
	"github.com/c2FmZQ/sniguard/proxy/internal/source"
)

// ErrBanned is returned by Admit when the client is banned.
var ErrBanned = errors.New("admission rejected: client is banned")

const (
	DefaultThreshold   = 100
	DefaultBanDuration = 5 * time.Minute
	DefaultEntryTTL    = 10 * time.Minute
)

// Options are the tunable parameters of the Guard.
type Options struct {
	// Threshold is the number of points at which a client is banned.
	Threshold int
	// BanDuration is how long a client stays banned.
	BanDuration time.Duration
	// EntryTTL is how long an idle client's score is remembered.
	EntryTTL time.Duration
	// Weights overrides the points of individual signals. Signals that
	// are not in the map get their DefaultWeights value.
	Weights map[Signal]int

	// RateLimit is the sustained number of connections per second allowed
	// from a single client before HighRate is signaled. Zero disables the
	// rate detector.
	RateLimit float64
	// RateBurst is the number of connections allowed in a burst.
	RateBurst int
	// RateCacheSize is the number of clients tracked by the rate detector.
	RateCacheSize int

	// SuspiciousUserAgents is a list of case-insensitive substrings of
	// User-Agent headers that signal SuspiciousUserAgent. An empty
	// User-Agent is always suspicious.
	SuspiciousUserAgents []string

	// Detectors are run after the built-in detectors.
	Detectors []Detector

	// Now returns the current time.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.BanDuration <= 0 {
		o.BanDuration = DefaultBanDuration
	}
	if o.EntryTTL <= 0 {
		o.EntryTTL = DefaultEntryTTL
	}
	w := make(map[Signal]int, len(DefaultWeights))
	for k, v := range DefaultWeights {
		w[k] = v
	}
	for k, v := range o.Weights {
		w[k] = v
	}
	o.Weights = w
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit) + 1
	}
	if o.RateCacheSize <= 0 {
		o.RateCacheSize = 10000
	}
	if o.SuspiciousUserAgents == nil {
		o.SuspiciousUserAgents = defaultSuspiciousUserAgents
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type settings struct {
	opts      Options
	detectors []Detector
	rate      *rateDetector
}

type scoreEntry struct {
	mu           sync.Mutex
	points       int
	lastActivity time.Time
	bannedUntil  time.Time
}

// Entry is a snapshot of a client's score.
type Entry struct {
	IP           string    `json:"ip"`
	State        State     `json:"state"`
	Points       int       `json:"points"`
	LastActivity time.Time `json:"lastActivity"`
	BannedUntil  time.Time `json:"bannedUntil"`
}

type trustList struct {
	ips  map[string]bool
	nets []netip.Prefix
}

// Guard keeps track of client scores.
type Guard struct {
	settings atomic.Pointer[settings]
	trusted  atomic.Pointer[trustList]
	scores   *cache.Cache
	// storeMu serializes insertions into scores.
	storeMu sync.Mutex
}

// New returns a new Guard.
func New(opts Options) *Guard {
	g := &Guard{}
	g.Reconfigure(opts)
	g.trusted.Store(&trustList{})
	s := g.settings.Load()
	g.scores = cache.New(s.opts.EntryTTL, time.Minute)
	return g
}

// Reconfigure updates the options. Existing scores are kept.
func (g *Guard) Reconfigure(opts Options) {
	opts = opts.withDefaults()
	s := &settings{opts: opts}
	if prev := g.settings.Load(); prev != nil && prev.rate != nil && prev.rate.same(opts) {
		s.rate = prev.rate
	} else if opts.RateLimit > 0 {
		s.rate = newRateDetector(opts)
	}
	s.detectors = builtinDetectors(opts)
	if s.rate != nil {
		s.detectors = append(s.detectors, s.rate)
	}
	s.detectors = append(s.detectors, opts.Detectors...)
	g.settings.Store(s)
}

// Options returns the current options.
func (g *Guard) Options() Options {
	return g.settings.Load().opts
}

func (g *Guard) now() time.Time {
	return g.settings.Load().opts.Now()
}

// SetTrusted replaces the list of trusted clients. Each entry is either an IP
// address or a CIDR. Invalid entries are skipped and reported in the returned
// error.
func (g *Guard) SetTrusted(list []source.TrustedIP) error {
	tl := &trustList{ips: make(map[string]bool)}
	var errs []error
	for _, t := range list {
		v := strings.TrimSpace(t.IP)
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("trusted ip %q: %w", t.IP, err))
				continue
			}
			tl.nets = append(tl.nets, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(addr.NormalizeIP(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted ip %q: %w", t.IP, err))
			continue
		}
		tl.ips[ip.String()] = true
	}
	g.trusted.Store(tl)
	return errors.Join(errs...)
}

// IsTrusted returns whether ip is on the trusted list.
func (g *Guard) IsTrusted(ip string) bool {
	tl := g.trusted.Load()
	ip = addr.NormalizeIP(ip)
	if tl.ips[ip] {
		return true
	}
	if len(tl.nets) == 0 {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, n := range tl.nets {
		if n.Contains(a) {
			return true
		}
	}
	return false
}

func (g *Guard) entry(ip string, ttl time.Duration) *scoreEntry {
	if v, ok := g.scores.Get(ip); ok {
		return v.(*scoreEntry)
	}
	g.storeMu.Lock()
	defer g.storeMu.Unlock()
	if v, ok := g.scores.Get(ip); ok {
		return v.(*scoreEntry)
	}
	e := &scoreEntry{}
	g.scores.Set(ip, e, ttl)
	return e
}

// store refreshes the expiration of ip's entry. The caller holds e.mu. An
// entry that was replaced in the meantime is left alone.
func (g *Guard) store(ip string, e *scoreEntry, ttl time.Duration) {
	g.storeMu.Lock()
	defer g.storeMu.Unlock()
	if v, ok := g.scores.Get(ip); ok && v.(*scoreEntry) != e {
		return
	}
	g.scores.Set(ip, e, ttl)
}

// Admit returns ErrBanned if ip is currently banned. An expired ban is
// cleared.
func (g *Guard) Admit(ip string) error {
	if g.IsTrusted(ip) {
		return nil
	}
	v, ok := g.scores.Get(ip)
	if !ok {
		return nil
	}
	e := v.(*scoreEntry)
	now := g.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bannedUntil.IsZero() {
		return nil
	}
	if now.Before(e.bannedUntil) {
		return ErrBanned
	}
	e.bannedUntil = time.Time{}
	e.points = 0
	return nil
}

// Record adds the weight of signal s to ip's score, and returns true if ip is
// banned.
func (g *Guard) Record(ip string, s Signal) bool {
	if g.IsTrusted(ip) {
		return false
	}
	opts := g.settings.Load().opts
	w := opts.Weights[s]
	if w <= 0 {
		return false
	}
	now := opts.Now()
	ttl := opts.EntryTTL
	e := g.entry(ip, ttl)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	if !e.bannedUntil.IsZero() {
		if now.Before(e.bannedUntil) {
			return true
		}
		e.bannedUntil = time.Time{}
		e.points = 0
	}
	e.points += w
	banned := e.points >= opts.Threshold
	if banned {
		e.bannedUntil = now.Add(opts.BanDuration)
		ttl = opts.BanDuration + opts.EntryTTL
	}
	// Refreshed while e is locked. A concurrent Record must never shorten
	// a ban.
	g.store(ip, e, ttl)
	return banned
}

// Observe runs the detectors on o and records the signals they return.
func (g *Guard) Observe(o *Observation) (signals []Signal, banned bool) {
	if g.IsTrusted(o.IP) {
		return nil, false
	}
	s := g.settings.Load()
	if o.Time.IsZero() {
		o.Time = s.opts.Now()
	}
	for _, d := range s.detectors {
		sig := runDetector(d, o)
		if sig == None {
			continue
		}
		signals = append(signals, sig)
		if g.Record(o.IP, sig) {
			banned = true
		}
	}
	return signals, banned
}

// State returns the admission state of ip.
func (g *Guard) State(ip string) State {
	if g.IsTrusted(ip) {
		return Trusted
	}
	e, ok := g.Entry(ip)
	if !ok {
		return Clean
	}
	return e.State
}

// Entry returns a snapshot of ip's score.
func (g *Guard) Entry(ip string) (Entry, bool) {
	v, ok := g.scores.Get(ip)
	if !ok {
		return Entry{}, false
	}
	return g.snapshot(ip, v.(*scoreEntry), g.now()), true
}

func (g *Guard) snapshot(ip string, e *scoreEntry, now time.Time) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Entry{
		IP:           ip,
		Points:       e.points,
		LastActivity: e.lastActivity,
	}
	switch {
	case g.IsTrusted(ip):
		out.State = Trusted
	case !e.bannedUntil.IsZero() && now.Before(e.bannedUntil):
		out.State = Banned
		out.BannedUntil = e.bannedUntil
	case !e.bannedUntil.IsZero():
		out.State = Clean
		out.Points = 0
	case e.points > 0:
		out.State = Scored
	}
	return out
}

// Entries returns a snapshot of all the scored clients, banned clients first.
func (g *Guard) Entries() []Entry {
	now := g.now()
	items := g.scores.Items()
	out := make([]Entry, 0, len(items))
	for ip, item := range items {
		out = append(out, g.snapshot(ip, item.Object.(*scoreEntry), now))
	}
	sort.Slice(out, func(i, j int) bool {
		if bi, bj := out[i].State == Banned, out[j].State == Banned; bi != bj {
			return bi
		}
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].IP < out[j].IP
	})
	return out
}
