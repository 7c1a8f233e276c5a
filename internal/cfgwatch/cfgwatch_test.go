package cfgwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revpi/revpiloadd/internal/dlog"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"Devices": [
		{"type": "DI", "offset": 0},
		{"type": "BASE", "offset": 100, "extend": {"ledAddress": 5}}
	],
	"Summary": {},
	"App": {}
}`

func TestParseConfigDocExtractsStatusLEDAddress(t *testing.T) {
	doc, err := ParseConfigDoc([]byte(validConfig))
	require.NoError(t, err)
	addr, ok := doc.StatusLEDAddress()
	require.True(t, ok)
	require.EqualValues(t, 105, addr)
}

func TestParseConfigDocRejectsMissingKey(t *testing.T) {
	_, err := ParseConfigDoc([]byte(`{"Devices":[],"Summary":{}}`))
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestParseConfigDocRejectsInvalidJSON(t *testing.T) {
	_, err := ParseConfigDoc([]byte(`not json`))
	require.Error(t, err)
}

func TestEmptyConfigDocHasSentinelDigest(t *testing.T) {
	doc := EmptyConfigDoc()
	for _, b := range doc.Digest() {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestLoadOverlayDocAbsentIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	doc, err := LoadOverlayDoc(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	require.False(t, doc.Exists())
	for _, b := range doc.Digest() {
		require.Equal(t, byte(0), b)
	}
}

func TestLoadOverlayDocPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"motor":10}`), 0640))
	doc, err := LoadOverlayDoc(path)
	require.NoError(t, err)
	require.True(t, doc.Exists())
	require.Equal(t, []byte(`{"motor":10}`), doc.Bytes())
}

func TestWatcherDetectsConfigChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.rsc")
	ovlPath := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(validConfig), 0640))

	lg := dlog.New(os.Stderr)
	w, err := New(cfgPath, ovlPath, lg)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.False(t, w.Changed())

	updated := `{"Devices":[{"type":"BASE","offset":200,"extend":{"ledAddress":1}}],"Summary":{},"App":{}}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(updated), 0640))

	require.Eventually(t, func() bool { return w.Changed() }, 2*time.Second, 20*time.Millisecond)
	// Changed() was just consumed; a second call without another write
	// must be false.
	require.False(t, w.Changed())

	addr, ok := w.Config().StatusLEDAddress()
	require.True(t, ok)
	require.EqualValues(t, 201, addr)
}

func TestApplyOverlayIsNonFatalOnError(t *testing.T) {
	o := &OverlayDoc{raw: []byte("x"), exists: true}
	err := ApplyOverlay(o, func(raw []byte) error {
		return errOverlayBoom
	})
	require.Error(t, err) // caller decides to log-as-warning, not propagate fatally
}

var errOverlayBoom = overlayTestErr("boom")

type overlayTestErr string

func (e overlayTestErr) Error() string { return string(e) }

func TestApplyOverlayNoopWhenAbsent(t *testing.T) {
	called := false
	err := ApplyOverlay(AbsentOverlayDoc(), func(raw []byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}
