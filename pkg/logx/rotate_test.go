package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFileRotatesAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wikibot.log")

	rf, err := OpenRotatingFile(path, 16, 3)
	require.NoError(t, err)
	defer rf.Close()

	first := strings.Repeat("a", 20) + "\n"
	_, err = rf.Write([]byte(first))
	require.NoError(t, err)

	_, err = rf.Write([]byte("second\n"))
	require.NoError(t, err)

	primary, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(primary))

	backup, err := os.ReadFile(filepath.Join(dir, "wikibot.1.log"))
	require.NoError(t, err)
	assert.Equal(t, first, string(backup))
}

func TestRotatingFileCascadesAndDropsOldest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.log")

	rf, err := OpenRotatingFile(path, 1, 2)
	require.NoError(t, err)
	defer rf.Close()

	for _, line := range []string{"one\n", "two\n", "three\n", "four\n"} {
		_, err := rf.Write([]byte(line))
		require.NoError(t, err)
	}

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "four\n", read("bots.log"))
	assert.Equal(t, "three\n", read("bots.1.log"))
	assert.Equal(t, "two\n", read("bots.2.log"))

	_, err = os.Stat(filepath.Join(dir, "bots.3.log"))
	assert.True(t, os.IsNotExist(err), "backups beyond max must be discarded")
}

func TestRotatingFileResumesExistingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0o644))

	rf, err := OpenRotatingFile(path, 32, 1)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("fresh\n"))
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(b))
}

func TestBackupName(t *testing.T) {
	assert.Equal(t, "/var/log/wikibot.1.log", BackupName("/var/log/wikibot.log", 1))
	assert.Equal(t, "noext.3", BackupName("noext", 3))
}

func TestRotatingFileRejectsWritesAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wikibot.log")
	rf, err := OpenRotatingFile(path, 1024, 1)
	require.NoError(t, err)

	_, err = rf.Write([]byte("before\n"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close(), "close is idempotent")

	_, err = rf.Write([]byte("after\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.ErrorIs(t, rf.Rotate(), os.ErrClosed)
	assert.Nil(t, rf.f, "no handle is reopened")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "before\n", string(data))
}
