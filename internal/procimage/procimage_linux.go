//go:build linux

package procimage

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opaque device IOCTL request codes. Values follow the real driver's
// encoding but are treated as opaque by every caller above this package,
// per spec §4.2.
const (
	ReqZeroBitToggleRead uintptr = 0x4b501
	ReqDriverResetBlock  uintptr = 0x4b502
	ReqDriverResetNow    uintptr = 0x4b503
)

// Ioctl issues request against the device, passing buf as the argument
// pointer the way ipexist/mmap.go issues raw mmap/madvise syscalls in this
// codebase: direct unix.Syscall with no libc shim.
func (h *Handle) Ioctl(request uintptr, buf []byte) error {
	if h.f == nil {
		return ErrClosed
	}
	var argp uintptr
	if len(buf) > 0 {
		argp = uintptr(unsafe.Pointer(&buf[0]))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), request, argp)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadStatusBit performs the zero-bit-toggle read used by the Soft
// Watchdog: it reads a single status bit at (byteAddress, bitIndex).
func (h *Handle) ReadStatusBit(byteAddress uint16, bitIndex uint8) (bool, error) {
	buf := make([]byte, 4)
	buf[0] = byte(byteAddress)
	buf[1] = byte(byteAddress >> 8)
	buf[2] = bitIndex
	if err := h.Ioctl(ReqZeroBitToggleRead, buf); err != nil {
		return false, err
	}
	return buf[3] != 0, nil
}

// BlockForReset blocks until the driver has been reset by the hardware
// configuration tool, returning its two-byte status.
func (h *Handle) BlockForReset() ([2]byte, error) {
	var status [2]byte
	err := h.Ioctl(ReqDriverResetBlock, status[:])
	return status, err
}

// ResetNow synchronously resets the driver (administrative RPC path).
func (h *Handle) ResetNow() error {
	return h.Ioctl(ReqDriverResetNow, nil)
}
