package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revpipyload.pid")

	pf, err := Acquire(path)
	require.NoError(t, err)
	defer pf.Release()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revpipyload.pid")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revpipyload.pid")

	pf, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, pf.Release())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
