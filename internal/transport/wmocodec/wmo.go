// Package wmocodec implements a transport.Codec over raw TCP, for WMO
// (World Meteorological Organization) bulletin feeds that expect a
// bare byte stream rather than a file-oriented protocol. No library in
// the pack wraps raw socket framing; this codec is stdlib net,
// justified in DESIGN.md.
package wmocodec

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fdcore/dispatcher/internal/transport"
)

// Codec implements transport.Codec over a single persistent TCP
// connection, optionally prefixing each file with a WMO content header
// (FILE_NAME_IS_HEADER, §4.6 step 4c).
type Codec struct {
	conn          net.Conn
	fileNameIsHeader bool
}

// New returns an unconnected Codec. When fileNameIsHeader is set,
// OpenWrite prefixes the stream with the file name as a content header
// before the payload, per §4.6 step 4c.
func New(fileNameIsHeader bool) *Codec {
	return &Codec{fileNameIsHeader: fileNameIsHeader}
}

// Connect dials a plain TCP connection to host:port.
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("wmocodec: dial %s: %w", addr, err)
	}
	c.conn = conn
	return nil
}

// OpenWrite returns the raw connection itself: WMO framing has no
// per-file begin/end marker beyond the optional header, so writes go
// straight to the socket and Close is a no-op (the connection survives
// for burst reuse, §4.6 step 6).
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("wmocodec: OpenWrite before Connect")
	}
	if c.fileNameIsHeader {
		if _, err := io.WriteString(c.conn, name+"\n"); err != nil {
			return nil, fmt.Errorf("wmocodec: write header for %s: %w", name, err)
		}
	}
	return noopCloser{c.conn}, nil
}

type noopCloser struct{ io.Writer }

func (noopCloser) Close() error { return nil }

// List is unsupported: WMO feeds are push-only bulletin streams.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	return nil, fmt.Errorf("wmocodec: List not supported")
}

// OpenRead is unsupported for the same reason as List.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("wmocodec: OpenRead not supported")
}

// Delete is unsupported: a bulletin stream has no addressable objects
// to remove after delivery.
func (c *Codec) Delete(name string) error {
	return fmt.Errorf("wmocodec: Delete not supported")
}

// Quit closes the TCP connection.
func (c *Codec) Quit() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ transport.Codec = (*Codec)(nil)
