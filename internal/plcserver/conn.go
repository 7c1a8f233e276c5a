package plcserver

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/revpi/revpiloadd/internal/dlog"
)

// Image is the subset of procimage.Handle the protocol needs. Accepting an
// interface here (rather than *procimage.Handle directly) keeps this
// package testable against an in-memory stand-in, mirroring the teacher's
// preference for small accept-interfaces over concrete types.
type Image interface {
	ReadAt(pos, length int) ([]byte, error)
	WriteAt(pos int, data []byte) error
	Ioctl(request uintptr, buf []byte) error
}

// ConfigDoc exposes the hardware-config document's current bytes and
// digest, per spec §4.6's PI/PH opcodes. A digest of all 0xFF means
// "unknown" (not yet loaded).
type ConfigDoc interface {
	Bytes() []byte
	Digest() [16]byte
}

// OverlayDoc is the IO-overlay analogue of ConfigDoc; a nil Bytes() and
// all-zero Digest() both mean "absent."
type OverlayDoc interface {
	Bytes() []byte
	Digest() [16]byte
}

var unknownDigest = func() (d [16]byte) {
	for i := range d {
		d[i] = 0xFF
	}
	return
}()

// connDeps bundles everything a connection needs beyond its socket. The
// server constructs one set and clones it per accepted connection.
type connDeps struct {
	img             Image
	cfg             ConfigDoc
	overlay         OverlayDoc
	watchdogEnabled bool
	devMode         bool
	lg              *dlog.Logger
	onOverlayFlag   func(id int)
	onOp            func(name string, bytesRead, bytesWrit uint64)
}

// conn is one accepted connection's worker state (spec §3's "Connection
// state (PLC-Server)"): socket, peer level, optional deadline, dirty set,
// gotIoOverlay flag, process image handle, and developer-mode
// error-injection toggle.
type conn struct {
	id      int
	nc      net.Conn
	peer    string
	level   int
	deps    connDeps
	deadline time.Duration // 0 means "no deadline set"
	dirty   *dirtySet

	gotIoOverlay   bool
	errorInjection bool
}

func newConn(id int, nc net.Conn, peer string, level int, deps connDeps) *conn {
	return &conn{
		id:    id,
		nc:    nc,
		peer:  peer,
		level: level,
		deps:  deps,
		dirty: newDirtySet(),
	}
}

// setLevel is used by CheckConnectedACL to hot-apply an ACL change without
// dropping the connection, per spec §4.6 reconfiguration.
func (c *conn) setLevel(level int) {
	c.level = level
}

// serve runs the connection's request loop until a protocol violation, an
// I/O error, a clean EX, or external close. abnormal reports whether the
// dirty set must be applied by the caller.
func (c *conn) serve() (abnormal bool) {
	defer c.nc.Close()
	for {
		if c.deadline > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.deadline))
		} else {
			c.nc.SetReadDeadline(time.Time{})
		}

		f, err := readFrame(c.nc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// peer hung up without EX: abnormal per spec §4.6.
				return true
			}
			return true
		}

		entry, ok := opTable[f.op]
		if !ok {
			return true
		}
		if c.level < 0 || c.level < entry.minLevel || (entry.kind == kindDev && !c.deps.devMode) {
			c.nc.Write([]byte{ReplyAccessDenied})
			return true
		}

		start := time.Now()
		closeConn, abnormalReq, err := c.dispatch(entry, f)
		elapsed := time.Since(start)
		if c.deps.onOp != nil {
			var read, writ uint64
			if entry.kind == kindWrite {
				writ = uint64(f.length)
			} else if entry.kind == kindRead {
				read = uint64(f.length)
			}
			c.deps.onOp(entry.name, read, writ)
		}
		if err != nil {
			c.deps.lg.Warn("plcserver: request failed", dlog.KV("op", entry.name), dlog.KVErr(err))
		}
		if c.deadline > 0 && elapsed > c.deadline && entry.name != "PI" {
			if c.deps.watchdogEnabled {
				c.deps.lg.Warn("plcserver: connection watchdog timeout", dlog.KV("peer", c.peer), dlog.KV("op", entry.name))
				return true
			}
			c.deps.lg.Warn("plcserver: slow request", dlog.KV("peer", c.peer), dlog.KV("op", entry.name), dlog.KV("elapsed", elapsed.String()))
		}
		if abnormalReq {
			return true
		}
		if closeConn {
			return false
		}
	}
}

// dispatch executes one opcode. It returns closeConn=true only for a
// clean EX (no dirty-set application), and abnormal=true when the
// request itself constitutes a protocol/I/O failure requiring the
// dirty-set path.
func (c *conn) dispatch(entry opEntry, f frame) (closeConn, abnormal bool, err error) {
	switch entry.name {
	case "DA":
		return c.handleRead(f)
	case "WD":
		return c.handleWrite(f)
	case "FD":
		return c.handleScatter(f)
	case "ping":
		_, werr := c.nc.Write([]byte{0x06, 0x16})
		return false, werr != nil, werr
	case "CF":
		return c.handleConfigure(f)
	case "EY":
		return c.handleDirty(f)
	case "PI":
		return c.handleConfigRead()
	case "PH":
		return c.handleConfigHash()
	case "RP":
		return c.handleOverlayRead()
	case "RH":
		return c.handleOverlayHash()
	case "EX":
		return true, false, nil
	case "IC":
		return c.handleIoctl(f)
	case "DV":
		return c.handleDev(f)
	}
	return false, true, ErrBadFrame
}

func (c *conn) handleRead(f frame) (bool, bool, error) {
	b, err := c.deps.img.ReadAt(int(f.position), int(f.length))
	if err != nil {
		c.nc.Write([]byte{ReplyError})
		return false, false, err
	}
	if _, werr := c.nc.Write(b); werr != nil {
		return false, true, werr
	}
	return false, false, nil
}

func (c *conn) handleWrite(f frame) (bool, bool, error) {
	buf := make([]byte, f.length)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return false, true, err
	}
	if err := c.deps.img.WriteAt(int(f.position), buf); err != nil {
		c.nc.Write([]byte{ReplyError})
		return false, false, err
	}
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}

// handleScatter reads length bytes laid out as repeated (pos:u16, len:u16,
// bytes[len]) records and writes each directly to the image in arrival
// order, so a later record overlapping an earlier one wins, per spec §8
// property 4.
func (c *conn) handleScatter(f frame) (bool, bool, error) {
	payload := make([]byte, f.length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return false, true, err
	}
	off := 0
	for off+4 <= len(payload) {
		pos := binary.LittleEndian.Uint16(payload[off : off+2])
		ln := binary.LittleEndian.Uint16(payload[off+2 : off+4])
		off += 4
		if off+int(ln) > len(payload) {
			return false, true, ErrBadFrame
		}
		rec := payload[off : off+int(ln)]
		off += int(ln)
		if err := c.deps.img.WriteAt(int(pos), rec); err != nil {
			c.nc.Write([]byte{ReplyError})
			return false, false, err
		}
	}
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}

// handleConfigure sets the per-connection deadline, carried as a
// millisecond count in the frame's position field (1..65535).
func (c *conn) handleConfigure(f frame) (bool, bool, error) {
	if f.position == 0 {
		return false, true, ErrBadFrame
	}
	c.deadline = time.Duration(f.position) * time.Millisecond
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}

// handleDirty manages the dirty set per the EY opcode's control byte:
// 0xFF clears all, 0xFE clears the entry at position, anything else
// inserts (position -> the length bytes that follow).
func (c *conn) handleDirty(f frame) (bool, bool, error) {
	payload := make([]byte, f.length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return false, true, err
	}
	switch f.blob[0] {
	case 0xFF:
		c.dirty.clearAll()
	case 0xFE:
		c.dirty.clearPos(f.position)
	default:
		c.dirty.insert(f.position, payload)
	}
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}

// handleConfigRead streams the hardware-config document as a 4-byte
// little-endian length followed by its bytes, or a 4-byte zero on
// failure (no document loaded yet).
func (c *conn) handleConfigRead() (bool, bool, error) {
	b := c.deps.cfg.Bytes()
	if err := writeStreamLen(c.nc, len(b)); err != nil {
		return false, true, err
	}
	if len(b) == 0 {
		return false, false, nil
	}
	_, err := c.nc.Write(b)
	return false, err != nil, err
}

func (c *conn) handleConfigHash() (bool, bool, error) {
	d := c.deps.cfg.Digest()
	_, err := c.nc.Write(d[:])
	return false, err != nil, err
}

func (c *conn) handleOverlayRead() (bool, bool, error) {
	c.gotIoOverlay = true
	if c.deps.onOverlayFlag != nil {
		c.deps.onOverlayFlag(c.id)
	}
	b := c.deps.overlay.Bytes()
	if err := writeStreamLen(c.nc, len(b)); err != nil {
		return false, true, err
	}
	if len(b) == 0 {
		return false, false, nil
	}
	_, err := c.nc.Write(b)
	return false, err != nil, err
}

func (c *conn) handleOverlayHash() (bool, bool, error) {
	c.gotIoOverlay = true
	if c.deps.onOverlayFlag != nil {
		c.deps.onOverlayFlag(c.id)
	}
	d := c.deps.overlay.Digest()
	_, err := c.nc.Write(d[:])
	return false, err != nil, err
}

// handleIoctl forwards an IOCTL to the process-image device. blob[0..4]
// (little-endian) carries the opaque request code; any remaining payload
// bytes become the ioctl argument buffer.
func (c *conn) handleIoctl(f frame) (bool, bool, error) {
	payload := make([]byte, f.length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return false, true, err
	}
	request := uintptr(binary.LittleEndian.Uint32(f.blob[0:4]))
	err := c.deps.img.Ioctl(request, payload)
	if err != nil {
		c.nc.Write([]byte{ReplyError})
		return false, false, err
	}
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}

// handleDev implements the developer-mode-only DV opcode: 'a' drops this
// connection's ACL level to 0, 'b' toggles error injection.
func (c *conn) handleDev(f frame) (bool, bool, error) {
	switch f.blob[0] {
	case 'a':
		c.level = 0
	case 'b':
		c.errorInjection = !c.errorInjection
	}
	_, werr := c.nc.Write([]byte{ReplyAck})
	return false, werr != nil, werr
}
