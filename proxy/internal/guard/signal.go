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
	"sort"
)

// Signal is a suspicious behavior observed on a connection.
type Signal int

const (
	None Signal = iota
	MalformedHello
	MissingSNI
	HelloTimeout
	MissingHeaders
	SuspiciousUserAgent
	HighRate
	UnknownHost
)

var signalNames = map[Signal]string{
	MalformedHello:      "malformed-hello",
	MissingSNI:          "missing-sni",
	HelloTimeout:        "hello-timeout",
	MissingHeaders:      "missing-headers",
	SuspiciousUserAgent: "suspicious-user-agent",
	HighRate:            "high-rate",
	UnknownHost:         "unknown-host",
}

// DefaultWeights are the points added for each signal, unless overridden.
var DefaultWeights = map[Signal]int{
	MalformedHello:      25,
	MissingSNI:          10,
	HelloTimeout:        20,
	MissingHeaders:      20,
	SuspiciousUserAgent: 30,
	HighRate:            50,
	UnknownHost:         10,
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	if s == None {
		return "none"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// ParseSignal returns the signal with the given name, e.g. "missing-sni".
func ParseSignal(name string) (Signal, error) {
	for s, n := range signalNames {
		if n == name {
			return s, nil
		}
	}
	return None, fmt.Errorf("unknown signal %q", name)
}

// SignalNames returns the names of all the signals, sorted.
func SignalNames() []string {
	out := make([]string, 0, len(signalNames))
	for _, n := range signalNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// State is the admission state of a client.
type State int

const (
	Clean State = iota
	Scored
	Banned
	Trusted
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Scored:
		return "scored"
	case Banned:
		return "banned"
	case Trusted:
		return "trusted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
