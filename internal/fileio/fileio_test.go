package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriter_WriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	rw := New(dir)

	require.NoError(t, rw.WriteFile("sub/data.json", []byte(`{"a":1}`), DefaultFilePermissions))

	data, err := rw.ReadFile("sub/data.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(data))

	_, err = os.Stat(filepath.Join(dir, "sub/data.json.tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestReadWriter_PathExists(t *testing.T) {
	dir := t.TempDir()
	rw := New(dir)

	exists, err := rw.PathExists("missing")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, rw.WriteFile("present", []byte("x"), DefaultFilePermissions))
	exists, err = rw.PathExists("present")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestReadWriter_RemoveFileToleratesMissing(t *testing.T) {
	rw := New(t.TempDir())
	require.NoError(t, rw.RemoveFile("never-existed"))
}
