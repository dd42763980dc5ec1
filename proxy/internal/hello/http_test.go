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

package hello

import (
	"errors"
	"net/http"
	"testing"

	"github.com/go-test/deep"
)

func TestParseHost(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    string
		wantErr error
	}{
		{"GET / HTTP/1.1\r\nHost: www.example.com\r\n\r\n", "www.example.com", nil},
		{"GET / HTTP/1.1\r\nhOsT:   www.example.com:8080  \r\nAccept: */*\r\n\r\n", "www.example.com", nil},
		{"GET / HTTP/1.1\r\nHost: [2001:db8::1]:8080\r\n\r\n", "2001:db8::1", nil},
		{"GET / HTTP/1.1\r\nHost: [2001:db8::1]\r\n\r\n", "2001:db8::1", nil},
		{"GET / HTTP/1.1\nHost: bare.example.com\n\n", "bare.example.com", nil},
		{"GET / HTTP/1.1\r\nHost: www.example.com\r\n", "", ErrIncomplete},
		{"GET / HTTP/1.1\r\nAccept: */*\r\n\r\n", "", ErrNoHost},
		{"GET / HTTP/1.1\r\nHost:\r\n\r\n", "", ErrNoHost},
		{"GET /Host: x HTTP/1.1\r\n\r\n", "", ErrNoHost},
		{"", "", ErrIncomplete},
	} {
		got, err := ParseHost([]byte(tc.in))
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("ParseHost(%q) err = %v, want %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRequest(t *testing.T) {
	in := "POST /foo?bar=1 HTTP/1.1\r\nHost: api.example.com:80\r\nUser-Agent: curl/8.0\r\nContent-Length: 3\r\n\r\nabc"
	got, err := ParseRequest([]byte(in))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	want := &Request{
		Method: "POST",
		Path:   "/foo?bar=1",
		Proto:  "HTTP/1.1",
		Host:   "api.example.com",
		Header: http.Header{
			"User-Agent":     []string{"curl/8.0"},
			"Content-Length": []string{"3"},
		},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("ParseRequest: %v", diff)
	}

	if _, err := ParseRequest([]byte("GET / HTTP/1.1\r\n")); !errors.Is(err, ErrIncomplete) {
		t.Errorf("ParseRequest(incomplete) err = %v, want %v", err, ErrIncomplete)
	}
	if _, err := ParseRequest([]byte("\x00\x01\x02\r\n\r\n")); !errors.Is(err, ErrMalformed) {
		t.Errorf("ParseRequest(garbage) err = %v, want %v", err, ErrMalformed)
	}
}

func TestHeadersComplete(t *testing.T) {
	if HeadersComplete([]byte("GET / HTTP/1.1\r\nHost: a\r\n")) {
		t.Error("HeadersComplete(partial) = true")
	}
	if !HeadersComplete([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")) {
		t.Error("HeadersComplete(full) = false")
	}
}
