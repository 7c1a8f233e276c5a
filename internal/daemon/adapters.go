package daemon

import "github.com/revpi/revpiloadd/internal/cfgwatch"

// configDocAdapter and overlayDocAdapter satisfy plcserver.ConfigDoc /
// plcserver.OverlayDoc by always reading through to the cfgwatch.Watcher's
// current document rather than a point-in-time snapshot, so a PLC-Server
// connection opened before a reload still sees the latest digest on its
// next PH/RH request (spec §4.3: "a 16-byte digest ... is published to
// PLC-Server clients" -- published state tracks the live document).
type configDocAdapter struct {
	w *cfgwatch.Watcher
}

func (a *configDocAdapter) Bytes() []byte    { return a.w.Config().Bytes() }
func (a *configDocAdapter) Digest() [16]byte { return a.w.Config().Digest() }

type overlayDocAdapter struct {
	w *cfgwatch.Watcher
}

func (a *overlayDocAdapter) Bytes() []byte    { return a.w.Overlay().Bytes() }
func (a *overlayDocAdapter) Digest() [16]byte { return a.w.Overlay().Digest() }
