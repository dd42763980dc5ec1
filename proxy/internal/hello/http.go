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
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Request is the part of a plaintext HTTP request that is inspected before
// the connection is routed.
type Request struct {
	Method string
	Path   string
	Proto  string
	Host   string
	Header http.Header
}

// HeadersComplete reports whether buf contains the end of an HTTP header
// block.
func HeadersComplete(buf []byte) bool {
	_, err := headerBlock(buf)
	return err == nil
}

func headerBlock(buf []byte) ([]byte, error) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return buf[:i+4], nil
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return buf[:i+2], nil
	}
	return nil, ErrIncomplete
}

// ParseHost returns the value of the Host header of the HTTP request in buf,
// without the port. The whole header block must be present.
func ParseHost(buf []byte) (string, error) {
	block, err := headerBlock(buf)
	if err != nil {
		return "", err
	}
	lines := bytes.Split(block, []byte("\n"))
	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(bytes.TrimRight(line, "\r"), []byte(":"))
		if !ok {
			continue
		}
		if !strings.EqualFold(string(bytes.TrimSpace(name)), "host") {
			continue
		}
		if host := stripPort(strings.TrimSpace(string(value))); host != "" {
			return host, nil
		}
		break
	}
	return "", ErrNoHost
}

// ParseRequest parses the request line and headers of the HTTP request in
// buf. The whole header block must be present.
func ParseRequest(buf []byte) (*Request, error) {
	block, err := headerBlock(buf)
	if err != nil {
		return nil, err
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Request{
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Proto:  req.Proto,
		Host:   stripPort(req.Host),
		Header: req.Header,
	}, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
