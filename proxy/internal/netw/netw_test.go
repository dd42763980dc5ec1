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

package netw

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestPeekAndRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	var mu sync.Mutex
	var in, out int64
	conn.SetMeter(func(i, o int64) {
		mu.Lock()
		defer mu.Unlock()
		in += i
		out += o
	})

	go func() {
		client.Write([]byte("hello "))
		client.Write([]byte("world"))
	}()

	b := make([]byte, 3)
	if n, err := conn.Peek(b); err != nil || n != 3 || string(b) != "hel" {
		t.Fatalf("Peek = %d, %v, %q", n, err, b)
	}
	peeked, err := conn.PeekMore(100)
	if err != nil {
		t.Fatalf("PeekMore: %v", err)
	}
	if string(peeked) != "hello " {
		t.Fatalf("PeekMore = %q", peeked)
	}
	if got := conn.BytesReceived(); got != 0 {
		t.Errorf("BytesReceived after peek = %d, want 0", got)
	}

	got := make([]byte, 11)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Read = %q", got)
	}
	if n := conn.Peeked(); n != 0 {
		t.Errorf("Peeked = %d, want 0", n)
	}

	go io.ReadFull(client, make([]byte, 4))
	if _, err := conn.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, want := conn.BytesReceived(), int64(11); got != want {
		t.Errorf("BytesReceived = %d, want %d", got, want)
	}
	if got, want := conn.BytesSent(), int64(4); got != want {
		t.Errorf("BytesSent = %d, want %d", got, want)
	}
	mu.Lock()
	defer mu.Unlock()
	if in != 11 || out != 4 {
		t.Errorf("meter = %d, %d, want 11, 4", in, out)
	}
}

func TestPeekTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	go client.Write([]byte("ab"))
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	b := make([]byte, 5)
	n, err := conn.Peek(b)
	if n != 2 {
		t.Errorf("Peek n = %d, want 2", n)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("Peek err = %v, want timeout", err)
	}
}

func TestAnnotationsAndClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)

	if got := conn.Annotation("foo", "bar").(string); got != "bar" {
		t.Errorf("Annotation = %q, want default", got)
	}
	conn.SetAnnotation("foo", "baz")
	if got := conn.Annotation("foo", "bar").(string); got != "baz" {
		t.Errorf("Annotation = %q, want baz", got)
	}
	var closed int
	conn.OnClose(func() { closed++ })
	conn.Close()
	conn.Close()
	if closed != 1 {
		t.Errorf("OnClose called %d times, want 1", closed)
	}
}

func TestLimitedWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()
	conn.SetLimiters(nil, rate.NewLimiter(rate.Inf, 3))

	go io.ReadFull(client, make([]byte, 10))
	n, err := conn.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Errorf("Write = %d, %v", n, err)
	}
}
