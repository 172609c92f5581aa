package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrFileOffsetLeavesRoomForProcLock(t *testing.T) {
	assert.EqualValues(t, 1, RetrFileOffset(0))
	assert.EqualValues(t, 2, RetrFileOffset(1))
	assert.NotEqual(t, OffsetRetrProc, RetrFileOffset(0))
}

func TestLockUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(filepath.Join(dir, "hosts.lock"))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Lock(OffsetCon))
	require.NoError(t, svc.Unlock(OffsetCon))

	require.NoError(t, svc.TryLock(OffsetEC))
	require.NoError(t, svc.Unlock(OffsetEC))
}

func TestWithLockReleasesOnReturn(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(filepath.Join(dir, "hosts.lock"))
	require.NoError(t, err)
	defer svc.Close()

	ran := false
	err = svc.WithLock(OffsetHS, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	svc.mu.Lock()
	_, stillHeld := svc.held[OffsetHS]
	svc.mu.Unlock()
	assert.False(t, stillHeld, "WithLock must release its offset before returning")
}

func TestReleaseAllClearsHeldSet(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(filepath.Join(dir, "hosts.lock"))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Lock(OffsetCon))
	require.NoError(t, svc.Lock(OffsetEC))
	svc.ReleaseAll()

	svc.mu.Lock()
	n := len(svc.held)
	svc.mu.Unlock()
	assert.Zero(t, n)
}
