package procimage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHandle(t *testing.T, length int) *Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image")
	require.NoError(t, os.WriteFile(path, make([]byte, length), 0640))
	h, err := Open(path, length)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestReadWriteAt(t *testing.T) {
	h := newTestHandle(t, 64)

	require.NoError(t, h.WriteAt(10, []byte{0xAA, 0xBB, 0xCC}))
	got, err := h.ReadAt(10, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestReadAtShortPastEOF(t *testing.T) {
	h := newTestHandle(t, 16)
	got, err := h.ReadAt(14, 8)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestWriteAtPastEOFFails(t *testing.T) {
	h := newTestHandle(t, 16)
	err := h.WriteAt(14, []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestZero(t *testing.T) {
	h := newTestHandle(t, 16)
	require.NoError(t, h.WriteAt(0, []byte{1, 2, 3, 4}))
	require.NoError(t, h.Zero())
	got, err := h.ReadAt(0, 16)
	require.NoError(t, err)
	for _, b := range got {
		require.Zero(t, b)
	}
}
