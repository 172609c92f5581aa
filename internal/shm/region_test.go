package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterRecord is a trivial fixed-size record used to exercise Region.
type counterRecord struct {
	N int64
}

func (counterRecord) ByteSize() int { return 8 }

func (c counterRecord) Encode(buf []byte) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(c.N >> (8 * i))
	}
}

func decodeCounter(buf []byte) counterRecord {
	var n int64
	for i := 0; i < 8; i++ {
		n |= int64(buf[i]) << (8 * i)
	}
	return counterRecord{N: n}
}

func TestRegionAppendGetUpdate(t *testing.T) {
	dir := t.TempDir()
	r, err := Attach(filepath.Join(dir, "counters.dat"), counterRecord{}, decodeCounter, 2)
	require.NoError(t, err)
	defer r.Detach()

	assert.EqualValues(t, 0, r.Count())

	idx, err := r.Append(counterRecord{N: 41}, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, idx)
	assert.EqualValues(t, 1, r.Count())

	got, err := r.Get(idx)
	require.NoError(t, err)
	assert.EqualValues(t, 41, got.N)

	err = r.Update(idx, func(c *counterRecord) { c.N++ })
	require.NoError(t, err)

	got, err = r.Get(idx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.N)
}

func TestRegionGrowsBeyondInitialCapacity(t *testing.T) {
	dir := t.TempDir()
	r, err := Attach(filepath.Join(dir, "counters.dat"), counterRecord{}, decodeCounter, 1)
	require.NoError(t, err)
	defer r.Detach()

	for i := int64(0); i < 5; i++ {
		_, err := r.Append(counterRecord{N: i}, 1)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 5, r.Count())
	assert.GreaterOrEqual(t, r.Capacity(), uint32(5))

	got, err := r.Get(4)
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.N)
}

func TestRegionCompactKeepsOrderAndShrinksCount(t *testing.T) {
	dir := t.TempDir()
	r, err := Attach(filepath.Join(dir, "counters.dat"), counterRecord{}, decodeCounter, 4)
	require.NoError(t, err)
	defer r.Detach()

	for i := int64(0); i < 4; i++ {
		_, err := r.Append(counterRecord{N: i}, 1)
		require.NoError(t, err)
	}
	// keep indices 0 and 2 (simulate dropping RLEs with in_list=NO)
	require.NoError(t, r.Compact([]uint32{0, 2}))
	assert.EqualValues(t, 2, r.Count())

	got0, err := r.Get(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got0.N)

	got1, err := r.Get(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got1.N)
}

func TestRegionReattachPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.dat")
	r, err := Attach(path, counterRecord{}, decodeCounter, 2)
	require.NoError(t, err)
	_, err = r.Append(counterRecord{N: 7}, 1)
	require.NoError(t, err)
	require.NoError(t, r.Detach())

	r2, err := Attach(path, counterRecord{}, decodeCounter, 2)
	require.NoError(t, err)
	defer r2.Detach()
	assert.EqualValues(t, 1, r2.Count())
	got, err := r2.Get(0)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.N)
}
