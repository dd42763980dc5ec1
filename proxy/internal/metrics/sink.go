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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink receives closed buckets.
type Sink interface {
	Write(ctx context.Context, buckets []Bucket) error
}

type logger interface {
	Errorf(format string, args ...any)
}

// Flush writes the buckets that were closed since the last successful Flush
// to sink.
func (r *Recorder) Flush(ctx context.Context, sink Sink) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var errs []error
	for _, id := range r.ProxyIDs() {
		last, ok := r.flushed[id]
		var buckets []Bucket
		if ok {
			buckets = r.Closed(id, last.Add(r.opts.Width))
		} else {
			buckets = r.Closed(id, time.Time{})
		}
		if len(buckets) == 0 {
			continue
		}
		if err := sink.Write(ctx, buckets); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		r.flushed[id] = buckets[len(buckets)-1].Start
	}
	return errors.Join(errs...)
}

// FlushLoop calls Flush every interval until ctx is canceled.
func (r *Recorder) FlushLoop(ctx context.Context, sink Sink, interval time.Duration, logger logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(fctx, sink); err != nil && logger != nil {
				logger.Errorf("metrics flush: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx, sink); err != nil && logger != nil {
				logger.Errorf("metrics flush: %v", err)
			}
		}
	}
}

// RedisOptions are the parameters of a RedisSink.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisSink stores buckets in redis. Each bucket is a hash with the fields
// requests, bytes_in, and bytes_out. The buckets of each proxy are indexed by
// a sorted set scored by the bucket's start time.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink returns a new RedisSink.
func NewRedisSink(opts RedisOptions) *RedisSink {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "sniguard"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &RedisSink{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
	}
}

func (s *RedisSink) indexKey(proxyID string) string {
	return fmt.Sprintf("%s:metrics:%s", s.prefix, proxyID)
}

func (s *RedisSink) bucketKey(proxyID string, start time.Time) string {
	return fmt.Sprintf("%s:metrics:%s:%d", s.prefix, proxyID, start.Unix())
}

// Ping checks the connection to redis.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, buckets []Bucket) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range buckets {
			key := s.bucketKey(b.ProxyID, b.Start)
			pipe.HIncrBy(ctx, key, "requests", b.Requests)
			pipe.HIncrBy(ctx, key, "bytes_in", b.BytesIn)
			pipe.HIncrBy(ctx, key, "bytes_out", b.BytesOut)
			pipe.Expire(ctx, key, s.ttl)
			idx := s.indexKey(b.ProxyID)
			pipe.ZAdd(ctx, idx, redis.Z{Score: float64(b.Start.Unix()), Member: key})
			pipe.Expire(ctx, idx, s.ttl)
		}
		return nil
	})
	return err
}

// Read returns proxyID's buckets that start at or after since.
func (s *RedisSink) Read(ctx context.Context, proxyID string, since time.Time) ([]Bucket, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.indexKey(proxyID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []Bucket
	for _, z := range zs {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		b := Bucket{ProxyID: proxyID, Start: time.Unix(int64(z.Score), 0)}
		b.Requests, _ = strconv.ParseInt(fields["requests"], 10, 64)
		b.BytesIn, _ = strconv.ParseInt(fields["bytes_in"], 10, 64)
		b.BytesOut, _ = strconv.ParseInt(fields["bytes_out"], 10, 64)
		out = append(out, b)
	}
	return out, nil
}

// Close closes the connection to redis.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
