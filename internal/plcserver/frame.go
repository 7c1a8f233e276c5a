// Package plcserver implements the Binary PLC-Server (spec §4.6): a
// concurrent TCP acceptor speaking a custom 16-byte-framed request/reply
// protocol against the Process Image Handle, with per-connection ACL
// levels, a deferred "dirty set" write-back on abnormal disconnect, and a
// deadline-based connection watchdog. Its acceptor/connection-table shape
// is adapted from the teacher's SimpleRelay listeners (addConn/delConn,
// accept-loop-with-fail-counter); the framing itself has no teacher
// analogue and is built directly from spec.md §4.6.
package plcserver

import (
	"encoding/binary"
	"errors"
	"io"
)

const frameSize = 16

const (
	startByte byte = 0x01
	stopByte  byte = 0x17
)

// Control reply bytes, spec §4.6.
const (
	ReplyAck          byte = 0x1E
	ReplyError        byte = 0xFF
	ReplyAccessDenied byte = 0x18
	ReplyEOT          byte = 0x04
)

// ErrBadFrame is returned by readFrame for a wrong start/stop byte, and by
// the connection handlers for other malformed requests (an FD record
// running past its payload, a CF timeout of 0). Per spec §7 every such
// violation terminates the connection.
var ErrBadFrame = errors.New("plcserver: malformed frame")

// opcode is the 2-byte operation selector. Most opcodes are two ASCII
// letters (e.g. "DA"); the ping opcode is the two raw bytes \x06\x16.
type opcode [2]byte

var (
	opRead       = opcode{'D', 'A'}
	opWrite      = opcode{'W', 'D'}
	opScatter    = opcode{'F', 'D'}
	opPing       = opcode{0x06, 0x16}
	opConfigure  = opcode{'C', 'F'}
	opDirty      = opcode{'E', 'Y'}
	opConfigRead = opcode{'P', 'I'}
	opConfigHash = opcode{'P', 'H'}
	opOverlay    = opcode{'R', 'P'}
	opOverlayH   = opcode{'R', 'H'}
	opClose      = opcode{'E', 'X'}
	opIoctl      = opcode{'I', 'C'}
	opDev        = opcode{'D', 'V'}
)

// frame is a fully decoded 16-byte request.
type frame struct {
	op       opcode
	position uint16
	length   uint16
	blob     [8]byte
}

// readFrame reads exactly one 16-byte frame from r. An I/O error
// (including a short read at the frame boundary) is returned as is; a
// malformed start/stop byte is reported as ErrBadFrame. The opcode is not
// checked here. Either error signals the caller to terminate the
// connection per spec §7.
func readFrame(r io.Reader) (frame, error) {
	var buf [frameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frame{}, err
	}
	if buf[0] != startByte || buf[frameSize-1] != stopByte {
		return frame{}, ErrBadFrame
	}
	var f frame
	f.op = opcode{buf[1], buf[2]}
	f.position = binary.LittleEndian.Uint16(buf[3:5])
	f.length = binary.LittleEndian.Uint16(buf[5:7])
	copy(f.blob[:], buf[7:15])
	return f, nil
}

// writeStreamLen writes a 4-byte little-endian length prefix, used by the
// PI/RP streamed-read opcodes.
func writeStreamLen(w io.Writer, n int) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	_, err := w.Write(b[:])
	return err
}
