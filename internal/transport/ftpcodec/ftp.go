// Package ftpcodec adapts the jlaffaye/ftp client into a
// transport.Codec, following the dial/retry discipline of a plain FTP
// backend: one *ftp.ServerConn shared by every operation, with connect,
// list and delete retried through a pacer on transient server errors.
package ftpcodec

import (
	"fmt"
	"io"
	"net/textproto"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fdcore/dispatcher/internal/transport"
	"github.com/fdcore/dispatcher/lib/pacer"
)

// Codec implements transport.Codec over a single FTP control connection.
type Codec struct {
	dialAddr string
	explicit bool

	pacer *pacer.Pacer
	mu    sync.Mutex
	conn  *ftp.ServerConn
}

// New returns an unconnected Codec; call Connect before use.
func New() *Codec {
	return &Codec{pacer: pacer.New(pacer.RetriesOption(3))}
}

func textprotoError(err error) *textproto.Error {
	if err == nil {
		return nil
	}
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr
	}
	return nil
}

func isRetriable(err error) bool {
	if tpErr := textprotoError(err); tpErr != nil {
		switch tpErr.Code {
		case ftp.StatusNotAvailable, ftp.StatusTransfertAborted:
			return true
		}
	}
	return false
}

// Connect dials host:port and logs in using auth["user"]/auth["pass"].
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	c.dialAddr = fmt.Sprintf("%s:%d", host, port)
	user := auth["user"]
	pass := auth["pass"]

	return c.pacer.Call(func() (bool, error) {
		conn, err := ftp.Dial(c.dialAddr)
		if err != nil {
			return isRetriable(err), fmt.Errorf("ftpcodec: dial %s: %w", c.dialAddr, err)
		}
		if err := conn.Login(user, pass); err != nil {
			_ = conn.Quit()
			return isRetriable(err), fmt.Errorf("ftpcodec: login to %s: %w", c.dialAddr, err)
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return false, nil
	})
}

// OpenWrite begins a STOR for name, returning a WriteCloser the caller
// streams into. jlaffaye/ftp's Stor wants an io.Reader, so OpenWrite
// hands back a pipe and drives Stor on a background goroutine.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("ftpcodec: OpenWrite before Connect")
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- conn.Stor(name, pr)
	}()
	return &storWriter{pw: pw, pr: pr, done: done}, nil
}

type storWriter struct {
	pw   *io.PipeWriter
	pr   *io.PipeReader
	done chan error
}

func (w *storWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *storWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

// OpenRead issues RETR for name, the pull-mode counterpart of
// OpenWrite.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("ftpcodec: OpenRead before Connect")
	}
	resp, err := conn.Retr(name)
	if err != nil {
		return nil, fmt.Errorf("ftpcodec: retr %s: %w", name, err)
	}
	return resp, nil
}

// List returns dir's entries via MLSD/LIST, §4.5 pull-mode scanning.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("ftpcodec: List before Connect")
	}

	var entries []*ftp.Entry
	err := c.pacer.Call(func() (bool, error) {
		var lerr error
		entries, lerr = conn.List(dir)
		return isRetriable(lerr), lerr
	})
	if err != nil {
		return nil, fmt.Errorf("ftpcodec: list %s: %w", dir, err)
	}

	out := make([]transport.ListEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		out = append(out, transport.ListEntry{
			Name:      e.Name,
			Size:      int64(e.Size),
			Mtime:     e.Time,
			ExactSize: true,
			ExactDate: true,
		})
	}
	return out, nil
}

// Delete removes a remote file, used by delete_files_flag policies.
func (c *Codec) Delete(name string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ftpcodec: Delete before Connect")
	}
	return c.pacer.Call(func() (bool, error) {
		err := conn.Delete(name)
		return isRetriable(err), err
	})
}

// RefineMtime issues MDTM for a single entry, §4.5 step 3c.
func (c *Codec) RefineMtime(name string) (time.Time, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return time.Time{}, fmt.Errorf("ftpcodec: RefineMtime before Connect")
	}
	t, err := conn.GetTime(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("ftpcodec: MDTM %s: %w", name, err)
	}
	return t, nil
}

// Quit logs out and closes the control connection.
func (c *Codec) Quit() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Quit()
}

var _ transport.Codec = (*Codec)(nil)
var _ transport.MtimeRefresher = (*Codec)(nil)
