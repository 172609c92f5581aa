package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcore/dispatcher/internal/model"
)

const hostsINI = `
[warehouse]
hostname = ftp.example.com
protocol = ftp
port = 2121
block_size = 8192
allowed_transfers = 4
max_errors = 3
`

const dirsINI = `
[inbound]
file_masks = *.dat, !secret*
policy = append_only, accept_dot_files
delete_files_flag = unknown_files
max_copied_files = 100
`

func writeINI(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHostsParsesStaticFields(t *testing.T) {
	path := writeINI(t, hostsINI)
	hosts, err := LoadHosts(path)
	require.NoError(t, err)
	require.Contains(t, hosts, "warehouse")

	h := hosts["warehouse"]
	assert.Equal(t, "ftp.example.com", h.RealHostname[0])
	assert.Equal(t, model.ProtoFTP, h.Protocol)
	assert.Equal(t, 2121, h.Port)
	assert.Equal(t, 8192, h.BlockSize)
	assert.Equal(t, 4, h.AllowedTransfers)
	assert.Equal(t, 3, h.MaxErrors)
}

func TestLoadDirectoriesParsesMasksAndPolicy(t *testing.T) {
	path := writeINI(t, dirsINI)
	dirs, err := LoadDirectories(path)
	require.NoError(t, err)
	require.Contains(t, dirs, "inbound")

	d := dirs["inbound"]
	assert.Equal(t, []string{"*.dat", "!secret*"}, d.FileMasks)
	assert.True(t, d.Policy.Has(model.PolicyAppendOnly))
	assert.True(t, d.Policy.Has(model.PolicyAcceptDotFiles))
	assert.True(t, d.DeleteFilesFlag.Has(model.DeleteUnknownFiles))
	assert.Equal(t, 100, d.MaxCopiedFiles)
}

func TestLoadHostsDefaultsPortByProtocol(t *testing.T) {
	path := writeINI(t, "[plain]\nhostname = h\nprotocol = sftp\n")
	hosts, err := LoadHosts(path)
	require.NoError(t, err)
	assert.Equal(t, 22, hosts["plain"].Port)
}
