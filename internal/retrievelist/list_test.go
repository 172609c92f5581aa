package retrievelist

import (
	"path/filepath"
	"testing"

	"github.com/fdcore/dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestList(t *testing.T) *List {
	t.Helper()
	dir := t.TempDir()
	l, err := Attach(filepath.Join(dir, "rl.dat"), filepath.Join(dir, "rl.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Detach() })
	return l
}

func TestListAppendGetUpdate(t *testing.T) {
	l := openTestList(t)
	assert.EqualValues(t, 0, l.Count())

	idx, err := l.Append(model.RetrieveListEntry{
		FileName:  "foo.dat",
		Size:      100,
		FileMtime: 12345,
		InList:    true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, idx)

	entry, err := l.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, "foo.dat", entry.FileName)
	assert.EqualValues(t, 100, entry.Size)
	assert.True(t, entry.InList)
	assert.False(t, entry.Retrieved)

	err = l.Update(idx, func(e *model.RetrieveListEntry) {
		e.Retrieved = true
		e.PrevSize = e.Size
	})
	require.NoError(t, err)

	entry, err = l.Get(idx)
	require.NoError(t, err)
	assert.True(t, entry.Retrieved)
	assert.EqualValues(t, 100, entry.PrevSize)
}

func TestListResetOnChangeSemantics(t *testing.T) {
	e := model.RetrieveListEntry{
		FileName:  "bar.dat",
		Size:      200,
		FileMtime: 1000,
		Retrieved: true,
		GotDate:   true,
	}
	changed := e.ResetOnChange(200, 1000)
	assert.False(t, changed)
	assert.True(t, e.Retrieved)

	changed = e.ResetOnChange(300, 1000)
	assert.True(t, changed)
	assert.False(t, e.Retrieved)
	assert.EqualValues(t, 300, e.Size)
}

func TestListAppendGrowsAcrossSteps(t *testing.T) {
	l := openTestList(t)
	for i := 0; i < RetrieveListStepSize+5; i++ {
		_, err := l.Append(model.RetrieveListEntry{FileName: "f", Size: int64(i), InList: true})
		require.NoError(t, err)
	}
	assert.EqualValues(t, RetrieveListStepSize+5, l.Count())

	entry, err := l.Get(RetrieveListStepSize + 4)
	require.NoError(t, err)
	assert.EqualValues(t, RetrieveListStepSize+4, entry.Size)
}

func TestListCompactDropsUnlistedEntries(t *testing.T) {
	l := openTestList(t)
	var keep []uint32
	for i := 0; i < 4; i++ {
		idx, err := l.Append(model.RetrieveListEntry{FileName: "f", Size: int64(i), InList: i%2 == 0})
		require.NoError(t, err)
		if i%2 == 0 {
			keep = append(keep, idx)
		}
	}
	require.NoError(t, l.WithProcLock(func() error {
		return l.Compact(keep)
	}))
	assert.EqualValues(t, 2, l.Count())

	e0, err := l.Get(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, e0.Size)
	e1, err := l.Get(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e1.Size)
}

func TestListResetVolatileClearsAll(t *testing.T) {
	l := openTestList(t)
	_, err := l.Append(model.RetrieveListEntry{FileName: "f", InList: true})
	require.NoError(t, err)
	require.NoError(t, l.WithProcLock(func() error {
		l.ResetVolatile()
		return nil
	}))
	assert.EqualValues(t, 0, l.Count())
}

func TestListTryClaimExclusiveOldError(t *testing.T) {
	l := openTestList(t)
	idx, err := l.Append(model.RetrieveListEntry{FileName: "f", InList: true})
	require.NoError(t, err)

	require.NoError(t, l.TryClaim(idx))
	require.NoError(t, l.ReleaseClaim(idx))
}

func TestListAllWalksEveryEntry(t *testing.T) {
	l := openTestList(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(model.RetrieveListEntry{FileName: "f", Size: int64(i)})
		require.NoError(t, err)
	}
	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, 0, all[0].Size)
	assert.EqualValues(t, 2, all[2].Size)
}
