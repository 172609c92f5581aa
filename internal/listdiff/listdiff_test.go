package listdiff

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/retrievelist"
)

func openTestList(t *testing.T) *retrievelist.List {
	t.Helper()
	dir := t.TempDir()
	l, err := retrievelist.Attach(filepath.Join(dir, "rl.dat"), filepath.Join(dir, "rl.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Detach() })
	return l
}

func baseDSE() *model.DirectoryStatusEntry {
	return &model.DirectoryStatusEntry{
		DirAlias:  "test",
		FileMasks: []string{"*.dat"},
	}
}

func TestScanAssignsNewEntries(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "a.dat", Size: 100, Mtime: 1000, ExactDate: true},
		{Name: "b.dat", Size: 200, Mtime: 1000, ExactDate: true},
		{Name: "c.txt", Size: 1, Mtime: 1000, ExactDate: true}, // mask mismatch
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.EqualValues(t, 300, res.ByteSum)
	require.Len(t, res.Assigned, 2)
	assert.EqualValues(t, 1, res.Assigned[0].Entry.Assigned)
}

func TestScanRespectsMaxCopiedFiles(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	dse.MaxCopiedFiles = 1
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "a.dat", Size: 10, Mtime: 1000, ExactDate: true},
		{Name: "b.dat", Size: 10, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.MoreFilesInList)
}

func TestScanClearsRetrievedOnSizeChange(t *testing.T) {
	rl := openTestList(t)
	_, err := rl.Append(model.RetrieveListEntry{
		FileName: "a.dat", Size: 100, FileMtime: 1000, Retrieved: true, InList: true,
	})
	require.NoError(t, err)

	dse := baseDSE()
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}
	res, err := Scan(rl, []ListingEntry{
		{Name: "a.dat", Size: 200, Mtime: 2000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	require.Len(t, res.Assigned, 1)
	assert.False(t, res.Assigned[0].Entry.Retrieved)
	assert.EqualValues(t, 200, res.Assigned[0].Entry.Size)
}

func TestScanCompactsGoneEntries(t *testing.T) {
	rl := openTestList(t)
	_, err := rl.Append(model.RetrieveListEntry{FileName: "stale.dat", Size: 1, InList: true})
	require.NoError(t, err)

	dse := baseDSE()
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}
	_, err = Scan(rl, []ListingEntry{
		{Name: "fresh.dat", Size: 5, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rl.Count())

	e, err := rl.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "fresh.dat", e.FileName)
}

func TestScanVolatileResetsEachPass(t *testing.T) {
	rl := openTestList(t)
	_, err := rl.Append(model.RetrieveListEntry{FileName: "old.dat", InList: true})
	require.NoError(t, err)

	dse := baseDSE()
	dse.Policy = model.PolicyStupidMode
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}
	res, err := Scan(rl, []ListingEntry{
		{Name: "new.dat", Size: 1, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestScanAllowsSingleFileOvershootWhenNothingSelectedYet(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	dse.MaxCopiedFileSize = 50
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "huge.dat", Size: 500, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	require.Len(t, res.Assigned, 1, "a lone oversized file must still be claimed")
	assert.EqualValues(t, 500, res.ByteSum)
	assert.False(t, res.MoreFilesInList)
}

func TestScanDeniesOvershootOnceSomethingIsAlreadySelected(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	dse.MaxCopiedFileSize = 50
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "small.dat", Size: 10, Mtime: 1000, ExactDate: true},
		{Name: "huge.dat", Size: 500, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	require.Len(t, res.Assigned, 1)
	assert.Equal(t, "small.dat", res.Assigned[0].Entry.FileName)
	assert.True(t, res.MoreFilesInList)
}

func TestScanOneProcessJustScanningHandsOffInsteadOfClaiming(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	dse.Policy |= model.PolicyOneProcessJustScanning
	opt := Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "a.dat", Size: 10, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, res.Assigned)
	assert.True(t, res.MoreFilesInList)
}

func TestScanDistributedHelperJobClaimsDespiteOneProcessJustScanning(t *testing.T) {
	rl := openTestList(t)
	dse := baseDSE()
	dse.Policy |= model.PolicyOneProcessJustScanning
	opt := Options{DSE: dse, JobNo: 1, DistributedHelperJob: true, Now: time.Unix(2000, 0)}

	res, err := Scan(rl, []ListingEntry{
		{Name: "a.dat", Size: 10, Mtime: 1000, ExactDate: true},
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Assigned, 1)
	assert.False(t, res.MoreFilesInList)
}

func TestMatchesMasksNegativeShortCircuits(t *testing.T) {
	assert.True(t, matchesMasks([]string{"*.dat"}, "a.dat"))
	assert.False(t, matchesMasks([]string{"!secret*", "*.dat"}, "secret.dat"))
	assert.False(t, matchesMasks([]string{"*.dat"}, "a.txt"))
}
