// Package fifo implements the Command Fifos (C4, §4.4): a fixed set of
// named byte pipes under the work directory carrying fixed-size
// FifoMessage records between the Dispatcher and its workers.
package fifo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fdcore/dispatcher/internal/model"
)

// Fifo is one named pipe opened read-write and non-blocking so a writer
// is never blocked for lack of a reader at startup, §4.4 "opened
// read-write so that a write is never blocked for lack of reader".
type Fifo struct {
	name string
	path string
	file *os.File
	buf  []byte // partial-record reassembly buffer, §4.4 "partial reads are tolerated"
}

// Open creates path as a fifo if it doesn't already exist and opens it
// O_RDWR|O_NONBLOCK.
func Open(name, path string) (*Fifo, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s: %w", path, err)
	}
	return &Fifo{name: name, path: path, file: f}, nil
}

// Name returns the logical fifo name (e.g. "msg_fifo").
func (f *Fifo) Name() string { return f.name }

// Fd returns the underlying file descriptor, for use in a select/poll set.
func (f *Fifo) Fd() uintptr { return f.file.Fd() }

// Close closes the underlying file. The named pipe on disk is left in
// place for the next attach.
func (f *Fifo) Close() error { return f.file.Close() }

// Write sends one FifoMessage record. Writes are O_NONBLOCK best-effort:
// per §4.4 "overflow (writer would block) is a fatal programming error",
// EAGAIN is returned verbatim rather than retried — callers treat it as
// fatal, not as backpressure to absorb.
func (f *Fifo) Write(msg model.FifoMessage) error {
	buf := make([]byte, model.RecordSize)
	encodeMessage(buf, msg)
	n, err := f.file.Write(buf)
	if err != nil {
		return fmt.Errorf("fifo: write %s: %w", f.name, err)
	}
	if n != len(buf) {
		return fmt.Errorf("fifo: short write on %s (%d of %d bytes)", f.name, n, len(buf))
	}
	return nil
}

// Read attempts to read and reassemble one complete FifoMessage record.
// It returns ok=false (with a nil error) when only a partial record is
// currently available — the caller should try again after the next
// readiness notification, §4.4 "partial reads are tolerated across
// EAGAIN".
func (f *Fifo) Read() (msg model.FifoMessage, ok bool, err error) {
	chunk := make([]byte, model.RecordSize)
	for len(f.buf) < model.RecordSize {
		n, rerr := f.file.Read(chunk)
		if n > 0 {
			f.buf = append(f.buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == os.ErrDeadlineExceeded {
				return model.FifoMessage{}, false, nil
			}
			return model.FifoMessage{}, false, fmt.Errorf("fifo: read %s: %w", f.name, rerr)
		}
		if n == 0 {
			return model.FifoMessage{}, false, nil
		}
	}
	msg = decodeMessage(f.buf[:model.RecordSize])
	f.buf = append([]byte(nil), f.buf[model.RecordSize:]...)
	return msg, true, nil
}

func encodeMessage(buf []byte, m model.FifoMessage) {
	buf[0] = byte(m.Kind)
	buf[1] = m.HostSlot
	buf[2] = m.JobSlot
	buf[3] = m.Flags
	putUint32(buf[4:8], m.PayloadA)
	putUint32(buf[8:12], m.PayloadB)
	copy(buf[12:], m.Name[:])
}

func decodeMessage(buf []byte) model.FifoMessage {
	var m model.FifoMessage
	m.Kind = model.MessageKind(buf[0])
	m.HostSlot = buf[1]
	m.JobSlot = buf[2]
	m.Flags = buf[3]
	m.PayloadA = getUint32(buf[4:8])
	m.PayloadB = getUint32(buf[8:12])
	copy(m.Name[:], buf[12:])
	return m
}

func putUint32(buf []byte, v uint32) {
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getUint32(buf []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v
}
