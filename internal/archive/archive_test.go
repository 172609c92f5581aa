package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetBuildsTimestampedPath(t *testing.T) {
	s := New("/archive")
	when := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	got := s.Target("hostA", when, "job1", "u1", "file.dat")
	assert.Equal(t, filepath.Join("/archive", "hostA", "20260730", "job1", "u1", "file.dat"), got)
}

func TestArchiveMovesFileOnSameFilesystem(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.dat")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	s := New(dir)
	dst := filepath.Join(dir, "archived", "src.dat")
	outcome, err := s.Archive(src, dst, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, outcome)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestUnlinkRemovesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.dat")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	s := New(dir)
	require.NoError(t, s.Unlink(src))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}
