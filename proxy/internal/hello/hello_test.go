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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"
	"golang.org/x/crypto/cryptobyte"
)

type captureConn struct {
	buf []byte
}

func (c *captureConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (c *captureConn) Write(b []byte) (int, error)      { c.buf = append(c.buf, b...); return len(b), nil }
func (c *captureConn) Close() error                     { return nil }
func (c *captureConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *captureConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *captureConn) SetDeadline(time.Time) error      { return nil }
func (c *captureConn) SetReadDeadline(time.Time) error  { return nil }
func (c *captureConn) SetWriteDeadline(time.Time) error { return nil }

// clientHello returns the ClientHello that crypto/tls sends for serverName.
func clientHello(t *testing.T, serverName string, alpn ...string) []byte {
	t.Helper()
	conn := &captureConn{}
	c := tls.Client(conn, &tls.Config{ServerName: serverName, NextProtos: alpn})
	if err := c.Handshake(); err == nil {
		t.Fatal("Handshake: unexpected success")
	}
	if len(conn.buf) == 0 {
		t.Fatal("no ClientHello captured")
	}
	return conn.buf
}

// buildHello returns a handshake record with a minimal ClientHello and the
// extensions added by exts.
func buildHello(exts func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	b.AddUint8(0x16)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0x01)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0303)
			b.AddBytes(make([]byte, 32))
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(make([]byte, 32))
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0x1301)
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
			})
			if exts != nil {
				b.AddUint16LengthPrefixed(exts)
			}
		})
	})
	return b.BytesOrPanic()
}

func serverNameExt(names ...struct {
	typ  uint8
	name string
}) func(b *cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddUint16(extServerName)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, n := range names {
					b.AddUint8(n.typ)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(n.name))
					})
				}
			})
		})
	}
}

func TestParseClientHello(t *testing.T) {
	buf := clientHello(t, "app.example.com", "h2", "http/1.1")
	got, err := ParseClientHello(buf)
	if err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
	want := ClientHello{
		ServerName: "app.example.com",
		ALPNProtos: []string{"h2", "http/1.1"},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("ParseClientHello: %v", diff)
	}

	n, err := RecordLen(buf[:RecordHeaderLen])
	if err != nil {
		t.Fatalf("RecordLen: %v", err)
	}
	if n != len(buf) {
		t.Errorf("RecordLen = %d, want %d", n, len(buf))
	}
}

func TestParseSNI(t *testing.T) {
	buf := clientHello(t, "www.example.org")
	if name, ok := ParseSNI(buf); !ok || name != "www.example.org" {
		t.Errorf("ParseSNI = %q, %v", name, ok)
	}

	// crypto/tls doesn't send SNI for IP addresses.
	if name, ok := ParseSNI(clientHello(t, "192.0.2.1")); ok {
		t.Errorf("ParseSNI(no sni) = %q, %v", name, ok)
	}
	if _, err := ParseClientHello(clientHello(t, "192.0.2.1")); !errors.Is(err, ErrNoServerName) {
		t.Errorf("ParseClientHello(no sni) err = %v, want %v", err, ErrNoServerName)
	}
}

func TestParseSNITruncated(t *testing.T) {
	buf := clientHello(t, "www.example.org")
	for i := 0; i < len(buf); i++ {
		if name, ok := ParseSNI(buf[:i]); ok {
			t.Fatalf("ParseSNI(buf[:%d]) = %q, want none", i, name)
		}
	}
}

func TestParseSNINotHandshake(t *testing.T) {
	buf := clientHello(t, "www.example.org")
	for _, b := range []byte{0x00, 0x15, 0x17, 'G'} {
		c := append([]byte{b}, buf[1:]...)
		if name, ok := ParseSNI(c); ok {
			t.Errorf("ParseSNI(0x%x...) = %q, want none", b, name)
		}
		if _, err := ParseClientHello(c); !errors.Is(err, ErrNotHandshake) {
			t.Errorf("ParseClientHello(0x%x...) err = %v, want %v", b, err, ErrNotHandshake)
		}
	}
	if _, ok := ParseSNI(nil); ok {
		t.Error("ParseSNI(nil) succeeded")
	}
}

func TestParseSNINameTypes(t *testing.T) {
	type name = struct {
		typ  uint8
		name string
	}
	for _, tc := range []struct {
		desc  string
		names []name
		want  string
		ok    bool
	}{
		{"single", []name{{0, "a.example.com"}}, "a.example.com", true},
		{"first host name wins", []name{{0, "a.example.com"}, {0, "b.example.com"}}, "a.example.com", true},
		{"other type skipped", []name{{7, "ignored"}, {0, "c.example.com"}}, "c.example.com", true},
		{"only other type", []name{{7, "ignored"}}, "", false},
		{"empty name", []name{{0, ""}}, "", false},
	} {
		buf := buildHello(serverNameExt(tc.names...))
		got, ok := ParseSNI(buf)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: ParseSNI = %q, %v, want %q, %v", tc.desc, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseSNIBadLengths(t *testing.T) {
	// Server name list length larger than the extension.
	buf := buildHello(func(b *cryptobyte.Builder) {
		b.AddUint16(extServerName)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(200)
			b.AddUint8(0)
			b.AddUint16(3)
			b.AddBytes([]byte("abc"))
		})
	})
	if name, ok := ParseSNI(buf); ok {
		t.Errorf("ParseSNI = %q, want none", name)
	}

	// No extensions at all.
	buf = buildHello(nil)
	if _, err := ParseClientHello(buf); !errors.Is(err, ErrNoServerName) {
		t.Errorf("ParseClientHello(no ext) err = %v, want %v", err, ErrNoServerName)
	}

	// Not a ClientHello.
	buf = clientHello(t, "www.example.org")
	buf[5] = 0x02
	if _, err := ParseClientHello(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("ParseClientHello(server hello) err = %v, want %v", err, ErrMalformed)
	}
}

func TestRecordLen(t *testing.T) {
	for _, tc := range []struct {
		hdr     []byte
		want    int
		wantErr error
	}{
		{[]byte{0x16, 0x03, 0x01, 0x00, 0x10}, 21, nil},
		{[]byte{0x16, 0x03, 0x01, 0x40, 0x00}, 16389, nil},
		{[]byte{0x16, 0x03, 0x01, 0x40, 0x01}, 0, ErrMalformed},
		{[]byte{0x16, 0x03}, 0, ErrTruncated},
		{[]byte{'G', 'E', 'T', ' ', '/'}, 0, ErrNotHandshake},
	} {
		got, err := RecordLen(tc.hdr)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("RecordLen(%v) err = %v, want %v", tc.hdr, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("RecordLen(%v) = %d, want %d", tc.hdr, got, tc.want)
		}
	}
}
