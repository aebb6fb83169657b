package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartSessionCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	w, err := StartSession(dir, true, 1234, time.Unix(0, 1), false)
	require.NoError(t, err)
	require.NotEmpty(t, w.logPath)

	w.Info("hello")
	require.NoError(t, w.EndSession(nil))
	require.FileExists(t, w.logPath)
}

func TestStartSessionDisabledSkipsFile(t *testing.T) {
	dir := t.TempDir()
	w, err := StartSession(dir, false, 1, time.Now(), true)
	require.NoError(t, err)
	require.Empty(t, w.logPath)
	w.Warn("still shown despite quiet")
	require.NoError(t, w.EndSession(nil))
}

func TestEndSessionArchives(t *testing.T) {
	dir := t.TempDir()
	w, err := StartSession(dir, true, 1, time.Now(), false)
	require.NoError(t, err)

	var archived string
	require.NoError(t, w.EndSession(func(path string) error {
		archived = path
		return nil
	}))
	require.Equal(t, w.logPath, archived)
}
