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
	"fmt"
)

// ParseError is returned when the client's TLS ClientHello or HTTP request
// headers could not be parsed.
type ParseError struct {
	Protocol string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Protocol == "" {
		return fmt.Sprintf("hello: %v", e.Err)
	}
	return fmt.Sprintf("%s hello: %v", e.Protocol, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RoutingError is returned when there is no enabled route for the
// requested hostname.
type RoutingError struct {
	Hostname string
	Listener string
	Disabled bool
}

func (e *RoutingError) Error() string {
	host := e.Hostname
	if host == "" {
		host = "<none>"
	}
	if e.Disabled {
		return fmt.Sprintf("route for %s on %s is disabled", host, e.Listener)
	}
	return fmt.Sprintf("no route for %s on %s", host, e.Listener)
}

// UpstreamError is returned when the target could not be reached.
type UpstreamError struct {
	ProxyID string
	Target  string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: dial %s: %v", e.ProxyID, e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
