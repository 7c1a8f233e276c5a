package logpipe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogPipeWritesChildOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	p, err := New(path, 0640)
	require.NoError(t, err)
	defer p.Stop()

	_, err = p.WriteEnd().WriteString("hello from child\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return len(data) > 0
	}, time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello from child")
}

func TestLogLineSynchronous(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	p, err := New(path, 0640)
	require.NoError(t, err)
	defer p.Stop()

	require.NoError(t, p.LogLine("=== starting ==="))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "=== starting ===")
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	p, err := New(path, 0640)
	require.NoError(t, err)
	defer p.Stop()

	require.NoError(t, p.LogLine("before rotate"))
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, p.Rotate())
	require.NoError(t, p.LogLine("after rotate"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "after rotate")
	require.NotContains(t, string(data), "before rotate")
}

func TestStopIsIdempotentAndUnblocksReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	p, err := New(path, 0640)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
