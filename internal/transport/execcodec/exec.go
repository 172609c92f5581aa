// Package execcodec implements a transport.Codec that hands each file
// to a local command, exporting AFD_HC_TIMEOUT/AFD_HC_BLOCKSIZE/
// AFD_CURRENT_HOSTNAME per §6. Invoking a user-chosen binary is
// inherently an os/exec concern; no pack library wraps process
// execution (justified stdlib use, see DESIGN.md).
package execcodec

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/fdcore/dispatcher/internal/transport"
)

// Codec implements transport.Codec by running command once per file,
// piping the file's bytes to its stdin.
type Codec struct {
	command  string
	args     []string
	hostname string
	timeout  time.Duration
	blockSize int
}

// New returns a Codec invoking command/args for each file.
func New(command string, args []string, timeout time.Duration, blockSize int) *Codec {
	return &Codec{command: command, args: args, timeout: timeout, blockSize: blockSize}
}

// Connect records the current hostname, exported to the child as
// AFD_CURRENT_HOSTNAME; exec has no real dial step.
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	c.hostname = host
	return nil
}

// OpenWrite buffers the file and runs the command on Close, piping the
// buffered bytes to the child's stdin.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	return &execWriter{codec: c, name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}, nil
}

type execWriter struct {
	codec *Codec
	name  string
	buf   *bytes.Buffer
}

func (w *execWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *execWriter) Close() error {
	cmd := exec.Command(w.codec.command, w.codec.args...)
	cmd.Stdin = bytes.NewReader(w.buf.Bytes())
	cmd.Env = append(cmd.Env,
		"AFD_HC_TIMEOUT="+strconv.Itoa(int(w.codec.timeout.Seconds())),
		"AFD_HC_BLOCKSIZE="+strconv.Itoa(w.codec.blockSize),
		"AFD_CURRENT_HOSTNAME="+w.codec.hostname,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("execcodec: run %s for %s: %w: %s", w.codec.command, w.name, err, stderr.String())
	}
	return nil
}

// List is unsupported: exec destinations have no listable namespace.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	return nil, fmt.Errorf("execcodec: List not supported")
}

// OpenRead is unsupported for the same reason as List.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("execcodec: OpenRead not supported")
}

// Delete is unsupported: once handed to the command, disposition is
// the command's responsibility.
func (c *Codec) Delete(name string) error {
	return fmt.Errorf("execcodec: Delete not supported")
}

// Quit is a no-op: each file spawns and reaps its own process.
func (c *Codec) Quit() error { return nil }

var _ transport.Codec = (*Codec)(nil)
