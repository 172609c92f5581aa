// Package transport defines the protocol "capability set" (Design Notes
// §9): a small interface every destination/source protocol codec
// implements, so the Transfer Engine (C6) and Listing Differencer (C5)
// drive FTP, SFTP, HTTP, SMTP, WMO, exec, fax and S3 through one shape
// instead of a family of near-identical worker loops.
package transport

import (
	"io"
	"time"
)

// ListEntry is one row of a remote directory listing, as returned by
// Codec.List for pull-mode directories (C5 input).
type ListEntry struct {
	Name      string
	Size      int64
	Mtime     time.Time
	ExactSize bool
	ExactDate bool
}

// Codec is the capability set a protocol backend exposes to the
// Transfer Engine and Listing Differencer. Implementations live under
// internal/transport/<proto>codec.
type Codec interface {
	// Connect dials the remote host, or only records host, port and auth
	// for codecs with no dial step. It takes no context; any dial
	// timeout is the codec's own.
	Connect(host string, port int, auth map[string]string) error

	// OpenWrite begins a new remote object/file for writing, returning a
	// WriteCloser the caller streams block_size chunks into.
	OpenWrite(name string, size int64) (io.WriteCloser, error)

	// List returns the directory listing for pull-mode scanning, §4.5.
	List(dir string) ([]ListEntry, error)

	// OpenRead opens a remote object for reading, the pull-mode
	// counterpart of OpenWrite, §4.6 "pull is symmetric".
	OpenRead(name string) (io.ReadCloser, error)

	// Delete removes a remote object, used by delete_files_flag policies.
	Delete(name string) error

	// Quit closes the underlying connection gracefully.
	Quit() error
}

// MtimeRefresher is implemented by codecs that can refine a single
// entry's mtime via a HEAD/MDTM-equivalent call, §4.5 step 3c.
type MtimeRefresher interface {
	RefineMtime(name string) (time.Time, error)
}
