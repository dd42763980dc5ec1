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
	"io"
	"net/http"
)

const (
	alertFatal = 0x02

	alertHandshakeFailure = 0x28
	alertInternalError    = 0x50
	alertUnrecognizedName = 0x70
)

func sendHandshakeFailure(w io.Writer) error {
	return sendAlert(w, alertFatal, alertHandshakeFailure)
}

func sendInternalError(w io.Writer) error {
	return sendAlert(w, alertFatal, alertInternalError)
}

func sendUnrecognizedName(w io.Writer) error {
	return sendAlert(w, alertFatal, alertUnrecognizedName)
}

func sendAlert(w io.Writer, level, description uint8) error {
	// https://en.wikipedia.org/wiki/Transport_Layer_Security
	_, err := w.Write([]byte{
		0x15,       // alert
		0x03, 0x03, // version TLS 1.2
		0x00, 0x02, // length
		level, description,
	})
	return err
}

// sendHTTPError writes a minimal HTTP/1.1 response with the given status
// code. The connection is closed after the response.
func sendHTTPError(w io.Writer, code int) error {
	text := http.StatusText(code)
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s\n", code, text, len(text)+1, text)
	return err
}
