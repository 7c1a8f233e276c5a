package dlog

import (
	"os"
	"sync"
)

// Rotator is a mutex-protected file handle that can be closed and reopened
// in place, used both by the daemon's own logger and by the Log Pipe
// component (§4.3) for SIGUSR1-triggered rotation. Unlike the teacher's
// size-triggered ingest/log/rotate.FileRotator, rotation here is purely
// externally driven: the caller decides when to rotate.
type Rotator struct {
	mu   sync.Mutex
	path string
	perm os.FileMode
	f    *os.File
}

func OpenRotator(path string, perm os.FileMode) (*Rotator, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return nil, err
	}
	return &Rotator{path: path, perm: perm, f: f}, nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

// Rotate closes the current file handle and reopens path, picking up a file
// that has been renamed out from under it by external log rotation tooling.
func (r *Rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, r.perm)
	if err != nil {
		r.f = nil
		return err
	}
	r.f = f
	return nil
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
