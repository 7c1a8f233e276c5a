// Package cfgwatch implements the file-watching half of the
// Configuration & Reset Watcher (spec §4.3): mtime-triggered re-hashing
// of the hardware-config document and the IO-overlay document, using
// fsnotify the way the teacher's filewatch package does, rather than
// polling mtimes from the mainloop tick.
package cfgwatch

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMissingKey is returned when the hardware-config document is missing
// one of its required top-level members.
var ErrMissingKey = errors.New("cfgwatch: hardware-config document missing required key")

var requiredTopLevelKeys = []string{"Devices", "Summary", "App"}

// baseDevice is the minimal shape of a Devices[*] entry the core actually
// reads: its type, and (for type=="BASE") the offset of the module in
// the process image plus the nested sub-field locating the status-LED
// register within it. Everything else in the document is opaque and
// passed through unparsed, per spec §3's "must parse only enough to...".
type baseDevice struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Extend struct {
		LedAddress int `json:"ledAddress"`
	} `json:"extend"`
}

// ConfigDoc holds the hardware-config document's raw bytes, its MD5
// digest, and the status-LED byte address extracted from the BASE
// device entry. It satisfies plcserver.ConfigDoc structurally.
type ConfigDoc struct {
	raw            []byte
	digest         [16]byte
	statusLEDAddr  uint16
	haveStatusAddr bool
}

// unknownConfigDigest is the "not yet loaded" sentinel: all 0xFF, per
// spec §4.6's PH opcode.
var unknownConfigDigest = func() (d [16]byte) {
	for i := range d {
		d[i] = 0xFF
	}
	return
}()

// EmptyConfigDoc is the zero-value document: unloaded, sentinel digest.
func EmptyConfigDoc() *ConfigDoc {
	return &ConfigDoc{digest: unknownConfigDigest}
}

func (c *ConfigDoc) Bytes() []byte    { return c.raw }
func (c *ConfigDoc) Digest() [16]byte { return c.digest }

// StatusLEDAddress returns the byte address the Soft Watchdog should
// poll, and whether a BASE device entry was found to supply it.
func (c *ConfigDoc) StatusLEDAddress() (uint16, bool) {
	return c.statusLEDAddr, c.haveStatusAddr
}

// LoadConfigDoc reads and validates the hardware-config document at
// path: presence of Devices/Summary/App, and extraction of the BASE
// device's status-LED byte address. The document's own internal
// structure beyond that is never interpreted.
func LoadConfigDoc(path string) (*ConfigDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigDoc(raw)
}

// ParseConfigDoc validates raw bytes per spec §3 without touching disk,
// used both by LoadConfigDoc and by callers applying an RPC-supplied
// set_config document before persisting it.
func ParseConfigDoc(raw []byte) (*ConfigDoc, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("cfgwatch: invalid JSON: %w", err)
	}
	for _, k := range requiredTopLevelKeys {
		if _, ok := top[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, k)
		}
	}

	var devices []baseDevice
	if err := json.Unmarshal(top["Devices"], &devices); err != nil {
		return nil, fmt.Errorf("cfgwatch: invalid Devices array: %w", err)
	}

	doc := &ConfigDoc{raw: raw, digest: md5.Sum(raw)}
	for _, d := range devices {
		if d.Type == "BASE" {
			doc.statusLEDAddr = uint16(d.Offset + d.Extend.LedAddress)
			doc.haveStatusAddr = true
			break
		}
	}
	return doc, nil
}
