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
	"github.com/charmbracelet/log"
)

type logType int

const (
	logConnection logType = iota
	logRequest
	logError
)

func (p *Proxy) log() *log.Logger {
	if p.logger == nil {
		return log.Default()
	}
	return p.logger
}

func (p *Proxy) filter() LogFilter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg == nil {
		return LogFilter{}
	}
	return p.cfg.LogFilter
}

func (p *Proxy) logConnF(format string, args ...any) {
	if !shouldLog(logConnection, p.filter()) {
		return
	}
	p.log().Infof(format, args...)
}

func (p *Proxy) logRequestF(format string, args ...any) {
	if !shouldLog(logRequest, p.filter()) {
		return
	}
	p.log().Infof(format, args...)
}

func (p *Proxy) logErrorF(format string, args ...any) {
	if !shouldLog(logError, p.filter()) {
		return
	}
	p.log().Errorf(format, args...)
}

func (p *Proxy) logWarnF(format string, args ...any) {
	if !shouldLog(logError, p.filter()) {
		return
	}
	p.log().Warnf(format, args...)
}

func shouldLog(typ logType, f ...LogFilter) bool {
	for _, ff := range f {
		var v *bool
		switch typ {
		case logConnection:
			v = ff.Connections
		case logRequest:
			v = ff.Requests
		case logError:
			v = ff.Errors
		}
		if v != nil {
			return *v
		}
	}
	return true
}
