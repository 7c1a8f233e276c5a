package dlog

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf)
	lg.SetLevel(Warn)

	lg.Info("should not appear")
	require.Empty(t, buf.String())

	lg.Warn("should appear", Field("k", 1), KVErr(errors.New("boom")))
	out := buf.String()
	require.Contains(t, out, "should appear")
	require.Contains(t, out, "k=1")
	require.Contains(t, out, "error=boom")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":    Debug,
		"INFO":     Info,
		"Warning":  Warn,
		"error":    Error,
		"CRITICAL": Critical,
		"off":      Off,
		"garbage":  Info,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestRotatorRotate(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/app.log"
	r, err := OpenRotator(path, 0640)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write([]byte("line one\n"))
	require.NoError(t, err)

	require.NoError(t, r.Rotate())

	_, err = r.Write([]byte("line two\n"))
	require.NoError(t, err)

	data, err := readAll(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(data, "line one"))
	require.True(t, strings.Contains(data, "line two"))
}

func readAll(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
