// Package procimage implements the Process Image Handle (spec §4.2): a
// thin, positional abstraction over the device's fixed-length
// memory-mapped byte region, plus the handful of IOCTLs the core needs.
//
// Positional reads and writes are implemented with os.File.ReadAt/WriteAt,
// which (unlike Read/Write) use pread(2)/pwrite(2) under the hood and so
// carry no shared file offset -- exactly the "no locking, intentionally"
// concurrency model spec §5 describes for the process image.
package procimage

import (
	"errors"
	"os"
)

const DefaultPath = "/dev/piControl0"

var (
	ErrShortWrite = errors.New("procimage: short write")
	ErrClosed     = errors.New("procimage: handle closed")

	// ErrIoctlUnsupported is returned by every ioctl-backed method on
	// platforms where the driver ioctl is not implemented. The
	// Reset-Driver Watcher (internal/resetwatch) treats this as the
	// trigger for its file-watch fallback, per spec §9.
	ErrIoctlUnsupported = errors.New("procimage: ioctl not supported on this platform")
)

// Handle is one open file descriptor onto the process image. Spec §3
// recommends one handle per owning connection/subsystem rather than a
// single shared descriptor, so callers construct their own via Open.
type Handle struct {
	f      *os.File
	length int
}

// Open opens the process image device (or a regular file standing in for
// it in tests) and records its addressable length.
func Open(path string, length int) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f, length: length}, nil
}

// Len returns the fixed length of the addressable region.
func (h *Handle) Len() int {
	return h.length
}

// ReadAt reads up to len bytes starting at pos. A read that runs past the
// end of the region returns fewer bytes than requested rather than an
// error, per spec §4.2.
func (h *Handle) ReadAt(pos, length int) ([]byte, error) {
	if h.f == nil {
		return nil, ErrClosed
	}
	if pos < 0 || length < 0 {
		return nil, errors.New("procimage: negative pos/length")
	}
	if pos >= h.length {
		return nil, nil
	}
	if pos+length > h.length {
		length = h.length - pos
	}
	buf := make([]byte, length)
	n, err := h.f.ReadAt(buf, int64(pos))
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// WriteAt writes data at pos. Writing past the end of the region is a
// failure, per spec §4.2.
func (h *Handle) WriteAt(pos int, data []byte) error {
	if h.f == nil {
		return ErrClosed
	}
	if pos < 0 {
		return errors.New("procimage: negative pos")
	}
	if pos+len(data) > h.length {
		return errors.New("procimage: write beyond process image bounds")
	}
	n, err := h.f.WriteAt(data, int64(pos))
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrShortWrite
	}
	return nil
}

// Zero writes zero across the entire region ("zero the image"), used on
// program exit/error when zeroOnExit/zeroOnError is configured.
func (h *Handle) Zero() error {
	zeros := make([]byte, h.length)
	return h.WriteAt(0, zeros)
}

func (h *Handle) Close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// File exposes the underlying descriptor for platform-specific ioctl
// implementations (see procimage_linux.go).
func (h *Handle) File() *os.File {
	return h.f
}
