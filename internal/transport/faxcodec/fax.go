// Package faxcodec implements a transport.Codec that hands each file
// to an external fax gateway binary, the same os/exec shape as
// execcodec but with a fixed gateway contract (recipient number as
// first argument) instead of user-chosen args.
package faxcodec

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"

	"github.com/fdcore/dispatcher/internal/transport"
)

// Codec implements transport.Codec by invoking a fax gateway binary
// once per file: gateway <recipient> < file.
type Codec struct {
	gateway   string
	recipient string
}

// New returns a Codec invoking gateway with recipient as the first
// argument, for each file.
func New(gateway, recipient string) *Codec {
	return &Codec{gateway: gateway, recipient: recipient}
}

// Connect records the recipient identity (auth["recipient"] overrides
// the one supplied to New); fax gateways have no real dial step.
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	if r, ok := auth["recipient"]; ok {
		c.recipient = r
	}
	return nil
}

// OpenWrite buffers the file and invokes the gateway on Close.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	return &faxWriter{codec: c, name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}, nil
}

type faxWriter struct {
	codec *Codec
	name  string
	buf   *bytes.Buffer
}

func (w *faxWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *faxWriter) Close() error {
	cmd := exec.Command(w.codec.gateway, w.codec.recipient)
	cmd.Stdin = bytes.NewReader(w.buf.Bytes())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("faxcodec: send %s to %s: %w: %s", w.name, w.codec.recipient, err, stderr.String())
	}
	return nil
}

// List is unsupported: a fax gateway has no listable namespace.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	return nil, fmt.Errorf("faxcodec: List not supported")
}

// OpenRead is unsupported for the same reason as List.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("faxcodec: OpenRead not supported")
}

// Delete is unsupported: a transmitted fax cannot be recalled.
func (c *Codec) Delete(name string) error {
	return fmt.Errorf("faxcodec: Delete not supported")
}

// Quit is a no-op: each file spawns and reaps its own gateway process.
func (c *Codec) Quit() error { return nil }

var _ transport.Codec = (*Codec)(nil)
