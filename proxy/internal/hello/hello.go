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

// Package hello extracts the requested virtual host from the first bytes of a
// connection, either from the Server Name Indication extension of a TLS
// ClientHello or from the Host header of a plaintext HTTP request.
package hello

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
)

const (
	// RecordHeaderLen is the length of a TLS record header.
	RecordHeaderLen = 5
	// MaxRecordLen is the maximum length of a TLS plaintext record.
	MaxRecordLen = 16384

	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01

	// record header(5), handshake header(4), version(2), random(32)
	minHelloLen = 43

	extServerName = 0
	extALPN       = 16
	nameTypeHost  = 0
)

var (
	ErrNotHandshake = errors.New("not a TLS handshake")
	ErrTruncated    = errors.New("truncated")
	ErrMalformed    = errors.New("invalid format")
	ErrNoServerName = errors.New("no server name")
	ErrIncomplete   = errors.New("incomplete headers")
	ErrNoHost       = errors.New("no host header")
)

// ClientHello contains the fields of a TLS ClientHello used for routing.
type ClientHello struct {
	ServerName string
	ALPNProtos []string
}

// IsHandshake reports whether b starts with a TLS handshake record.
func IsHandshake(b []byte) bool {
	return len(b) > 0 && b[0] == recordTypeHandshake
}

// RecordLen returns the length of the TLS record that starts with hdr,
// including the record header.
func RecordLen(hdr []byte) (int, error) {
	if len(hdr) < RecordHeaderLen {
		return 0, ErrTruncated
	}
	if hdr[0] != recordTypeHandshake {
		return 0, fmt.Errorf("%w: content type 0x%x != 0x16", ErrNotHandshake, hdr[0])
	}
	s := cryptobyte.String(hdr[1:RecordHeaderLen])
	var length uint16
	if !s.Skip(2) || !s.ReadUint16(&length) {
		return 0, ErrTruncated
	}
	if length > MaxRecordLen {
		return 0, fmt.Errorf("%w: packet length %d > %d", ErrMalformed, length, MaxRecordLen)
	}
	return RecordHeaderLen + int(length), nil
}

// ParseSNI returns the host name from the server_name extension of the TLS
// ClientHello in buf. It returns false if buf doesn't contain a complete and
// well-formed ClientHello with a host name.
func ParseSNI(buf []byte) (string, bool) {
	hello, err := ParseClientHello(buf)
	if err != nil || hello.ServerName == "" {
		return "", false
	}
	return hello.ServerName, true
}

// ParseClientHello parses the TLS record in buf as a ClientHello.
func ParseClientHello(buf []byte) (hello ClientHello, err error) {
	if len(buf) > 0 && buf[0] != recordTypeHandshake {
		return hello, ErrNotHandshake
	}
	if len(buf) < minHelloLen {
		return hello, ErrTruncated
	}
	s := cryptobyte.String(buf)
	var record cryptobyte.String
	if !s.Skip(3) || !s.ReadUint16LengthPrefixed(&record) { // type, version[2], length[2]
		return hello, ErrTruncated
	}

	// https://datatracker.ietf.org/doc/html/rfc8446#section-4
	var msgType uint8
	if !record.ReadUint8(&msgType) {
		return hello, ErrTruncated
	}
	if msgType != handshakeClientHello {
		return hello, fmt.Errorf("%w: msg_type 0x%x != 0x01", ErrMalformed, msgType)
	}
	var body cryptobyte.String
	if !record.ReadUint24LengthPrefixed(&body) {
		return hello, ErrTruncated
	}

	// https://datatracker.ietf.org/doc/html/rfc8446#section-4.1.2
	//
	//   struct {
	//     ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
	//     Random random;
	//     opaque legacy_session_id<0..32>;
	//     CipherSuite cipher_suites<2..2^16-2>;
	//     opaque legacy_compression_methods<1..2^8-1>;
	//     Extension extensions<8..2^16-1>;
	//   } ClientHello;
	if !body.Skip(34) { // ProtocolVersion(2), Random(32)
		return hello, ErrTruncated
	}
	var len8 uint8
	var len16 uint16
	if !body.ReadUint8(&len8) || !body.Skip(int(len8)) || // legacy_session_id
		!body.ReadUint16(&len16) || !body.Skip(int(len16)) || // cipher_suites
		!body.ReadUint8(&len8) || !body.Skip(int(len8)) { // legacy_compression_methods
		return hello, ErrMalformed
	}
	if body.Empty() {
		return hello, ErrNoServerName
	}
	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return hello, ErrMalformed
	}

	for !extensions.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&data) {
			return hello, ErrMalformed
		}
		switch extType {
		case extServerName:
			// https://datatracker.ietf.org/doc/html/rfc6066#section-3
			var serverNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&serverNameList) {
				return hello, ErrMalformed
			}
			for !serverNameList.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !serverNameList.ReadUint8(&nameType) || !serverNameList.ReadUint16LengthPrefixed(&name) {
					return hello, ErrMalformed
				}
				if nameType != nameTypeHost || hello.ServerName != "" {
					continue
				}
				if len(name) == 0 || !utf8.Valid(name) {
					return hello, ErrMalformed
				}
				hello.ServerName = string(name)
			}
		case extALPN:
			// https://datatracker.ietf.org/doc/html/rfc7301#section-3
			var protocolNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protocolNameList) {
				return hello, ErrMalformed
			}
			for !protocolNameList.Empty() {
				var protocolName cryptobyte.String
				if !protocolNameList.ReadUint8LengthPrefixed(&protocolName) {
					return hello, ErrMalformed
				}
				hello.ALPNProtos = append(hello.ALPNProtos, string(protocolName))
			}
		}
	}
	if hello.ServerName == "" {
		return hello, ErrNoServerName
	}
	return hello, nil
}
