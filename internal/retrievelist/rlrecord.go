// Package retrievelist implements the Retrieve List (C3, §4.3): a
// persistent, growable per-directory array of RetrieveListEntry records,
// backed by internal/shm and serialized via internal/lock.
package retrievelist

import "github.com/fdcore/dispatcher/internal/model"

const (
	fileNameMax  = 256
	extraDataMax = 128
)

// RetrieveListStepSize is RETRIEVE_LIST_STEP_SIZE of §4.3: the RL grows
// in multiples of this many entries.
const RetrieveListStepSize = 256

// rlRecord is the fixed-size on-disk shape of a RetrieveListEntry, §6
// "RL: ... packed retrieve_list records".
type rlRecord struct {
	FileName  [fileNameMax]byte
	Size      int64
	PrevSize  int64
	FileMtime int64
	Assigned  uint32
	Special   byte
	GotDate   bool
	Retrieved bool
	InList    bool
	ExtraData [extraDataMax]byte
}

func (rlRecord) ByteSize() int {
	return fileNameMax + 8 + 8 + 8 + 4 + 1 + 1 + 1 + 1 + extraDataMax
}

func putString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func putInt64(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * i))
	}
}

func getInt64(buf []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(buf[i]) << (8 * i)
	}
	return int64(u)
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

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (r rlRecord) Encode(buf []byte) {
	off := 0
	putString(buf[off:off+fileNameMax], getString(r.FileName[:]))
	off += fileNameMax
	putInt64(buf[off:off+8], r.Size)
	off += 8
	putInt64(buf[off:off+8], r.PrevSize)
	off += 8
	putInt64(buf[off:off+8], r.FileMtime)
	off += 8
	putUint32(buf[off:off+4], r.Assigned)
	off += 4
	buf[off] = r.Special
	off++
	buf[off] = boolByte(r.GotDate)
	off++
	buf[off] = boolByte(r.Retrieved)
	off++
	buf[off] = boolByte(r.InList)
	off++
	copy(buf[off:off+extraDataMax], r.ExtraData[:])
}

// decodeRLRecord reconstructs an rlRecord from a raw record-sized slice.
// It's a plain function rather than a method so rlRecord can stay a
// value type for shm.Region[T]'s purposes (see shm.Record).
func decodeRLRecord(buf []byte) rlRecord {
	var r rlRecord
	off := 0
	copy(r.FileName[:], buf[off:off+fileNameMax])
	off += fileNameMax
	r.Size = getInt64(buf[off : off+8])
	off += 8
	r.PrevSize = getInt64(buf[off : off+8])
	off += 8
	r.FileMtime = getInt64(buf[off : off+8])
	off += 8
	r.Assigned = getUint32(buf[off : off+4])
	off += 4
	r.Special = buf[off]
	off++
	r.GotDate = buf[off] != 0
	off++
	r.Retrieved = buf[off] != 0
	off++
	r.InList = buf[off] != 0
	off++
	copy(r.ExtraData[:], buf[off:off+extraDataMax])
	return r
}

func toEntry(r rlRecord) model.RetrieveListEntry {
	return model.RetrieveListEntry{
		FileName:  getString(r.FileName[:]),
		Size:      r.Size,
		PrevSize:  r.PrevSize,
		FileMtime: r.FileMtime,
		GotDate:   r.GotDate,
		Retrieved: r.Retrieved,
		InList:    r.InList,
		Assigned:  r.Assigned,
		Special:   model.SpecialFlag(r.Special),
		ExtraData: getString(r.ExtraData[:]),
	}
}

func fromEntry(e model.RetrieveListEntry) rlRecord {
	var r rlRecord
	putString(r.FileName[:], e.FileName)
	r.Size = e.Size
	r.PrevSize = e.PrevSize
	r.FileMtime = e.FileMtime
	r.GotDate = e.GotDate
	r.Retrieved = e.Retrieved
	r.InList = e.InList
	r.Assigned = e.Assigned
	r.Special = byte(e.Special)
	putString(r.ExtraData[:], e.ExtraData)
	return r
}
