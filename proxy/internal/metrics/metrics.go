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

// Package metrics records the number of requests and bytes transferred by
// each proxy in fixed-width time buckets.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultWidth     = time.Second
	DefaultRetention = 3600
)

// Event is something that happened on a connection.
type Event struct {
	BytesIn    int64
	BytesOut   int64
	NewRequest bool
}

// Bucket is the total of the events of a proxy during one time interval.
type Bucket struct {
	ProxyID  string    `json:"proxyId"`
	Start    time.Time `json:"start"`
	Requests int64     `json:"requests"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
}

// Options are the parameters of a Recorder.
type Options struct {
	// Width is the duration of a bucket.
	Width time.Duration
	// Retention is the number of closed buckets kept per proxy.
	Retention int
	// Now returns the current time.
	Now func() time.Time
}

// New returns a new Recorder.
func New(opts Options) *Recorder {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		opts:    opts,
		series:  make(map[string]*series),
		flushed: make(map[string]time.Time),
	}
}

// Recorder records events per proxy.
type Recorder struct {
	opts Options

	mu     sync.RWMutex
	series map[string]*series

	flushMu sync.Mutex
	flushed map[string]time.Time
}

type series struct {
	mu      sync.Mutex
	live    Bucket
	hasLive bool
	closed  []Bucket
}

// advance closes the live bucket if now is past its end.
func (s *series) advance(now time.Time, width time.Duration, retention int) {
	if !s.hasLive || !now.Truncate(width).After(s.live.Start) {
		return
	}
	s.closed = append(s.closed, s.live)
	if n := len(s.closed); n > retention {
		s.closed = s.closed[n-retention:]
	}
	s.hasLive = false
}

func (r *Recorder) get(proxyID string, create bool) *series {
	r.mu.RLock()
	s, ok := r.series[proxyID]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[proxyID]; ok {
		return s
	}
	s = &series{}
	r.series[proxyID] = s
	return s
}

// Record adds ev to proxyID's current bucket.
func (r *Recorder) Record(proxyID string, ev Event) {
	if !ev.NewRequest && ev.BytesIn == 0 && ev.BytesOut == 0 {
		return
	}
	s := r.get(proxyID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := r.opts.Now()
	s.advance(now, r.opts.Width, r.opts.Retention)
	if !s.hasLive {
		s.live = Bucket{ProxyID: proxyID, Start: now.Truncate(r.opts.Width)}
		s.hasLive = true
	}
	if ev.NewRequest {
		s.live.Requests++
	}
	s.live.BytesIn += ev.BytesIn
	s.live.BytesOut += ev.BytesOut
}

// Closed returns proxyID's closed buckets that start at or after since, in
// ascending order. Intervals without events have no bucket.
func (r *Recorder) Closed(proxyID string, since time.Time) []Bucket {
	s := r.get(proxyID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(r.opts.Now(), r.opts.Width, r.opts.Retention)
	i := sort.Search(len(s.closed), func(i int) bool {
		return !s.closed[i].Start.Before(since)
	})
	if i == len(s.closed) {
		return nil
	}
	out := make([]Bucket, len(s.closed)-i)
	copy(out, s.closed[i:])
	return out
}

// Live returns proxyID's bucket for the current interval, if any.
func (r *Recorder) Live(proxyID string) (Bucket, bool) {
	s := r.get(proxyID, false)
	if s == nil {
		return Bucket{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(r.opts.Now(), r.opts.Width, r.opts.Retention)
	return s.live, s.hasLive
}

// ProxyIDs returns the IDs of the proxies that have recorded events, sorted.
func (r *Recorder) ProxyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.series))
	for id := range r.series {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Row is an aggregated time interval.
type Row struct {
	Bucket   string `json:"bucket"`
	Requests int64  `json:"requests"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
}

// Aggregate adds up buckets into rows of the given interval, in ascending
// order. Buckets of different proxies that fall in the same interval are
// added together.
func Aggregate(buckets []Bucket, interval time.Duration) []Row {
	type total struct {
		start time.Time
		row   Row
	}
	totals := make(map[int64]*total)
	for _, b := range buckets {
		start := b.Start
		if interval > 0 {
			start = start.Truncate(interval)
		}
		t, ok := totals[start.UnixNano()]
		if !ok {
			t = &total{start: start, row: Row{Bucket: start.UTC().Format(time.RFC3339)}}
			totals[start.UnixNano()] = t
		}
		t.row.Requests += b.Requests
		t.row.BytesIn += b.BytesIn
		t.row.BytesOut += b.BytesOut
	}
	all := make([]*total, 0, len(totals))
	for _, t := range totals {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].start.Before(all[j].start)
	})
	out := make([]Row, len(all))
	for i, t := range all {
		out[i] = t.row
	}
	return out
}
