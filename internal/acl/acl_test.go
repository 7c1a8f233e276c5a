package acl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelOfTieBreak(t *testing.T) {
	m := New(0, 9)
	require.NoError(t, m.Load("192.168.1.5,3 192.168.1.*,1 192.*.*.*,0"))

	require.Equal(t, 3, m.LevelOf("192.168.1.5"))
	require.Equal(t, 1, m.LevelOf("192.168.1.6"))
	require.Equal(t, 0, m.LevelOf("192.200.1.6"))
	require.Equal(t, -1, m.LevelOf("10.0.0.1"))

	// memoized: repeated calls are stable
	require.Equal(t, m.LevelOf("192.168.1.5"), m.LevelOf("192.168.1.5"))
}

func TestLoadRejectsMalformed(t *testing.T) {
	m := New(0, 1)
	orig := "192.168.1.5,1"
	require.NoError(t, m.Load(orig))

	err := m.Load("not-an-ip,1")
	require.Error(t, err)
	// prior state unchanged
	require.Equal(t, 1, m.LevelOf("192.168.1.5"))

	err = m.Load("192.168.1.5,99")
	require.Error(t, err)
}

func TestLoadFileCommentsAndWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.conf")
	content := "# header comment\n192.168.1.5,2\n# another\n10.0.0.*,0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))

	m := New(0, 4)
	require.NoError(t, m.LoadFile(path))
	require.Equal(t, 2, m.Len())
	require.Equal(t, 2, m.LevelOf("192.168.1.5"))

	out := filepath.Join(dir, "acl.out")
	require.NoError(t, m.WriteFile(out))

	m2 := New(0, 4)
	require.NoError(t, m2.LoadFile(out))
	require.Equal(t, 2, m2.LevelOf("192.168.1.5"))
	require.Equal(t, 0, m2.LevelOf("10.0.0.7"))
}

func TestDuplicatePatternRejected(t *testing.T) {
	m := New(0, 1)
	err := m.Load("192.168.1.5,1 192.168.1.5,0")
	require.Error(t, err)
}
