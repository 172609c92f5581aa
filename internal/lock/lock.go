// Package lock implements the Region-Lock Service (C2, §4.2): blocking
// and non-blocking advisory byte-range locks over the shared-state
// files, addressed by stable per-host/per-directory offsets
// (LOCK_CON, LOCK_EC, LOCK_HS, LOCK_RETR_PROC, LOCK_RETR_FILE+i).
//
// Locks are advisory and have no built-in timeout — §4.2 puts that
// obligation on the caller's retry policy (listdiff's attachVolatile, for
// one, retries LOCK_RETR_PROC with a fixed sleep between attempts, §4.5
// step 1).
package lock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Named per-host offsets into the HSE lock file, §4.2.
const (
	OffsetCon int64 = iota // LOCK_CON: admit/release a connection
	OffsetEC                // LOCK_EC: mutate error counter
	OffsetHS                // LOCK_HS: mutate host-status flags
)

// Per-directory offsets into the RL lock file, §4.2.
const (
	OffsetRetrProc int64 = iota // LOCK_RETR_PROC: bulk reset/prune
)

// RetrFileOffset computes the LOCK_RETR_FILE+i offset for RLE index i.
// Offsets 0 is reserved for LOCK_RETR_PROC, so per-entry locks start at 1.
func RetrFileOffset(i uint32) int64 { return 1 + int64(i) }

// ErrWouldBlock is returned by TryLock when the lock is already set.
var ErrWouldBlock = fmt.Errorf("lock: already set (LOCK_IS_SET)")

// Service holds one fcntl-lockable file and tracks which byte ranges
// this process currently holds, so every exit path (including a signal
// handler) can release them — §4.2 "holders must release before exit on
// every path".
type Service struct {
	mu   sync.Mutex
	file *os.File
	held map[int64]bool
}

// Open opens (creating if necessary) the lock file at path.
func Open(path string) (*Service, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	return &Service{file: f, held: make(map[int64]bool)}, nil
}

func (s *Service) flock(offset int64, how int16, wait bool) error {
	lk := unix.Flock_t{
		Type:   how,
		Whence: 0, // io.SeekStart
		Start:  offset,
		Len:    1,
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	return unix.FcntlFlock(s.file.Fd(), cmd, &lk)
}

// Lock blocks until the byte range at offset is granted (or forever —
// there is no built-in timeout, §4.2).
func (s *Service) Lock(offset int64) error {
	if err := s.flock(offset, unix.F_WRLCK, true); err != nil {
		return fmt.Errorf("lock: Lock(%d): %w", offset, err)
	}
	s.mu.Lock()
	s.held[offset] = true
	s.mu.Unlock()
	return nil
}

// TryLock attempts to grant the byte range at offset without blocking.
// Returns ErrWouldBlock (LOCK_IS_SET) if another holder has it.
func (s *Service) TryLock(offset int64) error {
	err := s.flock(offset, unix.F_WRLCK, false)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EACCES {
			return ErrWouldBlock
		}
		return fmt.Errorf("lock: TryLock(%d): %w", offset, err)
	}
	s.mu.Lock()
	s.held[offset] = true
	s.mu.Unlock()
	return nil
}

// Unlock releases the byte range at offset.
func (s *Service) Unlock(offset int64) error {
	if err := s.flock(offset, unix.F_UNLCK, false); err != nil {
		return fmt.Errorf("lock: Unlock(%d): %w", offset, err)
	}
	s.mu.Lock()
	delete(s.held, offset)
	s.mu.Unlock()
	return nil
}

// WithLock runs fn while holding the blocking lock at offset, always
// releasing it afterwards — the "acquire -> mutate scalar fields ->
// release" discipline of §5, never "acquire -> I/O".
func (s *Service) WithLock(offset int64, fn func() error) error {
	if err := s.Lock(offset); err != nil {
		return err
	}
	defer s.Unlock(offset)
	return fn()
}

// ReleaseAll releases every byte range this process currently holds.
// Signal handlers for fatal/termination signals must call this on every
// path before exiting, §4.2 and §4.6 "install handlers for fatal
// signals that reset HSE state".
func (s *Service) ReleaseAll() {
	s.mu.Lock()
	offsets := make([]int64, 0, len(s.held))
	for off := range s.held {
		offsets = append(offsets, off)
	}
	s.mu.Unlock()
	for _, off := range offsets {
		_ = s.Unlock(off)
	}
}

// Close releases all held locks and closes the underlying file.
func (s *Service) Close() error {
	s.ReleaseAll()
	return s.file.Close()
}
