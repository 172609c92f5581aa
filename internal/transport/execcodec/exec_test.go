package execcodec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteStreamsStdinToCommand(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	c := New("sh", []string{"-c", "cat > " + out}, time.Minute, 4096)
	require.NoError(t, c.Connect("localhost", 0, nil))

	w, err := c.OpenWrite("report.txt", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestOpenWriteExportsEnvVars(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	c := New("sh", []string{"-c", "printenv AFD_CURRENT_HOSTNAME > " + out}, 30*time.Second, 8192)
	require.NoError(t, c.Connect("warehouse-01", 0, nil))

	w, err := c.OpenWrite("x", 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "warehouse-01\n", string(got))
}

func TestCloseReturnsErrorOnNonZeroExit(t *testing.T) {
	c := New("sh", []string{"-c", "exit 3"}, time.Minute, 4096)
	require.NoError(t, c.Connect("h", 0, nil))
	w, err := c.OpenWrite("x", 0)
	require.NoError(t, err)
	assert.Error(t, w.Close())
}
