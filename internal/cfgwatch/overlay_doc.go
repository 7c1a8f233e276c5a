package cfgwatch

import (
	"crypto/md5"
	"os"
)

// OverlayDoc holds the IO-overlay document: opaque bytes and their MD5
// digest. Absence is represented by a nil Bytes() and an all-zero
// Digest(), per spec §3's well-known absence sentinel.
type OverlayDoc struct {
	raw    []byte
	digest [16]byte
	exists bool
}

// AbsentOverlayDoc is the zero-value "no overlay loaded" document.
func AbsentOverlayDoc() *OverlayDoc {
	return &OverlayDoc{}
}

func (o *OverlayDoc) Bytes() []byte    { return o.raw }
func (o *OverlayDoc) Digest() [16]byte { return o.digest }
func (o *OverlayDoc) Exists() bool     { return o.exists }

// LoadOverlayDoc reads path as opaque bytes. A missing file is not an
// error: it produces an OverlayDoc in its absent state.
func LoadOverlayDoc(path string) (*OverlayDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AbsentOverlayDoc(), nil
		}
		return nil, err
	}
	return &OverlayDoc{raw: raw, digest: md5.Sum(raw), exists: true}, nil
}

// ApplyOverlay applies the overlay's name/address remap to apply against
// an already-read buffer, by way of the supplied rewrite function.
// Overlay-application errors are, per spec's resolved open question,
// non-fatal: callers log the returned error as a warning and continue
// serving the prior overlay digest rather than treating it as fatal.
func ApplyOverlay(o *OverlayDoc, rewrite func(raw []byte) error) error {
	if o == nil || !o.exists {
		return nil
	}
	return rewrite(o.raw)
}
