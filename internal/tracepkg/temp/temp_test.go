package temp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNormalizeRejectsEscape(t *testing.T) {
	s := newStore(t)
	_, err := s.TouchDir("../../etc")
	require.ErrorIs(t, err, ErrInvalidTempPath)
}

func TestStoreAndReadRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.StoreBytes("files/data.bin", []byte("hello"), StoreOpts{}))
	b, err := s.Read("files/data.bin")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestStoreCompressedRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.StoreBytes("files/data.gz", []byte("payload payload payload"), StoreOpts{Compress: true}))
	b, err := s.Read("files/data.gz")
	require.NoError(t, err)
	require.Equal(t, "payload payload payload", string(b))
}

func TestDeleteProtectedRequiresForce(t *testing.T) {
	s := newStore(t)
	path, err := s.TouchFile("files/locked", true)
	require.NoError(t, err)

	err = s.DeleteFile(path, false, false)
	require.ErrorIs(t, err, ErrProtected)
	require.FileExists(t, path)

	require.NoError(t, s.DeleteFile(path, false, true))
	require.NoFileExists(t, path)
}

func TestDeleteDirAbortsOnProtectedFile(t *testing.T) {
	s := newStore(t)
	_, err := s.TouchFile("files/a", false)
	require.NoError(t, err)
	_, err = s.TouchFile("files/b", true)
	require.NoError(t, err)

	err = s.DeleteDir("files", false, false)
	require.ErrorIs(t, err, ErrProtected)
	require.FileExists(t, filepath.Join(s.Root(), "files", "a"))
	require.FileExists(t, filepath.Join(s.Root(), "files", "b"))

	require.NoError(t, s.DeleteDir("files", true, false))
	require.NoDirExists(t, filepath.Join(s.Root(), "files"))
}

func TestSynchronizeIndexDropsMissingEntries(t *testing.T) {
	s := newStore(t)
	path, err := s.TouchFile("files/ghost", false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	require.NoError(t, s.SynchronizeIndex())
	paths, err := s.ListAll("")
	require.NoError(t, err)
	require.NotContains(t, paths, path)
}
