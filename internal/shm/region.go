// Package shm implements the crash-tolerant memory-mapped table layout
// of §4.1 (C1) and §6 "On-disk layouts": a fixed 4-byte header carrying
// the record count, then a packed array of fixed-size records, each
// prefixed by a version word so a reader can detect (and skip) a record
// that crashed mid-write. This is the MmapRegion<T> handle Design Notes
// §9 calls for: shared maps become handles returned by an attach call
// with an explicit detach, instead of bare process-wide globals.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Record is implemented by the fixed-size on-disk shape of a region's
// entries (HSE, DSE, JSA or RL records). Implementations must encode to
// exactly ByteSize() bytes every time — the region's layout depends on
// every record being the same width. Decode is supplied separately to
// Attach (rather than as a method) so T can be a plain value type even
// when decoding naturally wants a pointer receiver.
type Record interface {
	ByteSize() int
	Encode(buf []byte)
}

const (
	headerSize  = 4 // record count, uint32 LE
	versionSize = 4 // per-record version word, uint32 LE
)

// ErrTornWrite is returned by Get when a record's version word is odd,
// meaning a writer crashed mid-mutate (§4.1 Failure).
var ErrTornWrite = fmt.Errorf("shm: torn write detected (odd version)")

// Region is a memory-mapped, crash-tolerant table of fixed-size records.
type Region[T Record] struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	data       []byte
	slotSize   int // versionSize + zero.ByteSize()
	zero       T
	decode     func([]byte) T
	capacity   uint32 // number of record slots currently backed by the file
}

// slotOffset returns the byte offset of slot i within data.
func (r *Region[T]) slotOffset(i uint32) int {
	return headerSize + int(i)*r.slotSize
}

// Attach opens (creating if necessary) the region file at path sized for
// at least initialCapacity records, and mmaps it. zero is a zero-value
// instance of T used only to discover ByteSize(); decode reconstructs a
// T from a raw record-sized byte slice.
func Attach[T Record](path string, zero T, decode func([]byte) T, initialCapacity uint32) (*Region[T], error) {
	slotSize := versionSize + zero.ByteSize()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := headerSize + int64(initialCapacity)*int64(slotSize)
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	} else {
		size = info.Size()
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region[T]{
		path:     path,
		file:     f,
		data:     data,
		slotSize: slotSize,
		zero:     zero,
		decode:   decode,
		capacity: uint32((len(data) - headerSize) / slotSize),
	}
	if info.Size() == 0 || binary.LittleEndian.Uint32(data[:4]) > r.capacity {
		binary.LittleEndian.PutUint32(data[:4], 0)
	}
	return r, nil
}

// Detach unmaps and closes the region file. Callers that crash without
// calling Detach leave the file intact — that durability is the whole
// point (Design Notes §9).
func (r *Region[T]) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// Count reads the live header count, §8 invariant 4.
func (r *Region[T]) Count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return binary.LittleEndian.Uint32(r.data[:4])
}

// setCount rewrites the header; caller holds r.mu or an external
// LOCK_RETR_PROC-equivalent exclusive lock.
func (r *Region[T]) setCount(n uint32) {
	binary.LittleEndian.PutUint32(r.data[:4], n)
}

// Capacity returns the number of record slots currently backed by the
// mapped file (>= Count()).
func (r *Region[T]) Capacity() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// Get decodes slot i into a T. Returns ErrTornWrite if the slot's
// version word is odd (mid-update at crash time), per §4.1 Failure.
func (r *Region[T]) Get(i uint32) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if i >= r.capacity {
		return zero, fmt.Errorf("shm: index %d out of range (capacity %d)", i, r.capacity)
	}
	off := r.slotOffset(i)
	version := binary.LittleEndian.Uint32(r.data[off : off+versionSize])
	if version%2 != 0 {
		return zero, ErrTornWrite
	}
	rec := r.decode(r.data[off+versionSize : off+r.slotSize])
	return rec, nil
}

// Update applies fn to a copy of slot i and writes it back under the
// version++; fence; mutate; fence; version++ discipline of §4.1. The
// caller is responsible for holding the matching region-lock (internal
// /lock) around the call — Update only protects against torn reads, not
// concurrent writers.
func (r *Region[T]) Update(i uint32, fn func(*T)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= r.capacity {
		return fmt.Errorf("shm: index %d out of range (capacity %d)", i, r.capacity)
	}
	off := r.slotOffset(i)
	version := binary.LittleEndian.Uint32(r.data[off : off+versionSize])
	binary.LittleEndian.PutUint32(r.data[off:off+versionSize], version+1)

	rec := r.decode(r.data[off+versionSize : off+r.slotSize])
	fn(&rec)
	rec.Encode(r.data[off+versionSize : off+r.slotSize])

	binary.LittleEndian.PutUint32(r.data[off:off+versionSize], version+2)
	return nil
}

// Append grows the header count by one and writes rec into the new slot,
// growing the backing file first if capacity is exhausted. growStep is
// the number of additional slots to allocate when growth is required
// (RETRIEVE_LIST_STEP_SIZE for the RL, 1 for HSE/DSE/JSA).
func (r *Region[T]) Append(rec T, growStep uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := binary.LittleEndian.Uint32(r.data[:4])
	if count >= r.capacity {
		if err := r.growLocked(growStep); err != nil {
			return 0, err
		}
	}
	off := r.slotOffset(count)
	binary.LittleEndian.PutUint32(r.data[off:off+versionSize], 0)
	rec.Encode(r.data[off+versionSize : off+r.slotSize])
	r.setCount(count + 1)
	return count, nil
}

// growLocked extends the backing file and remaps it by at least
// growStep additional slots. Caller holds r.mu.
func (r *Region[T]) growLocked(growStep uint32) error {
	if growStep == 0 {
		growStep = 1
	}
	newCapacity := r.capacity + growStep
	newSize := int64(headerSize) + int64(newCapacity)*int64(r.slotSize)
	if err := r.file.Truncate(newSize); err != nil {
		return fmt.Errorf("shm: grow truncate %s: %w", r.path, err)
	}
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("shm: grow munmap %s: %w", r.path, err)
	}
	data, err := unix.Mmap(int(r.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: grow mmap %s: %w", r.path, err)
	}
	r.data = data
	r.capacity = newCapacity
	return nil
}

// Compact moves the slots named by keep (in order) to the front of the
// region and truncates everything after, rewriting the header — §4.3
// "shrink operation moves live entries to the front and truncates". Used
// by the Listing Differencer's post-scan compaction (§4.5 step 4).
// Caller must hold LOCK_RETR_PROC exclusively.
func (r *Region[T]) Compact(keep []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tmp := make([]byte, r.slotSize)
	for newIdx, oldIdx := range keep {
		if uint32(newIdx) == oldIdx {
			continue
		}
		srcOff := r.slotOffset(oldIdx)
		copy(tmp, r.data[srcOff:srcOff+r.slotSize])
		dstOff := r.slotOffset(uint32(newIdx))
		copy(r.data[dstOff:dstOff+r.slotSize], tmp)
	}
	r.setCount(uint32(len(keep)))
	return unix.Msync(r.data, unix.MS_ASYNC)
}

// Reset truncates the region back to zero entries without shrinking the
// backing file, used for volatile (stupid_mode/remove) RL re-init at the
// top of each scan, §4.5 step 1.
func (r *Region[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCount(0)
}

// Sync flushes the mapped region to disk.
func (r *Region[T]) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return unix.Msync(r.data, unix.MS_SYNC)
}
