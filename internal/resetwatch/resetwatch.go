// Package resetwatch implements the Reset-Driver Watcher (spec §4.1/§9): a
// background task that blocks in a kernel IOCTL to detect driver-reset
// events and fires registered callbacks. On platforms where the blocking
// ioctl isn't implemented, the watcher exits and Triggered unconditionally
// reports true so file-based change detection (internal/cfgwatch) takes
// over, per spec §9.
package resetwatch

import (
	"errors"
	"sync"
	"time"

	"github.com/revpi/revpiloadd/internal/procimage"
)

// Blocker is the minimal process-image surface the watcher needs.
type Blocker interface {
	BlockForReset() ([2]byte, error)
}

type Watcher struct {
	mu        sync.Mutex
	blocker   Blocker
	callbacks []func([2]byte)

	triggered bool
	fallback  bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New(b Blocker) *Watcher {
	return &Watcher{blocker: b}
}

// OnReset registers a callback fired every time the driver reports a reset.
func (w *Watcher) OnReset(cb func(status [2]byte)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Start begins the blocking-ioctl loop in a background goroutine.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(w.stopCh, w.doneCh)
}

func (w *Watcher) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		status, err := w.blocker.BlockForReset()
		if err != nil {
			if errors.Is(err, procimage.ErrIoctlUnsupported) {
				w.mu.Lock()
				w.fallback = true
				w.mu.Unlock()
				return
			}
			// transient error: don't spin hot, wait briefly before the
			// next attempt. Treat as a no-op sample.
			select {
			case <-stopCh:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		w.fire(status)
	}
}

func (w *Watcher) fire(status [2]byte) {
	w.mu.Lock()
	w.triggered = true
	cbs := append([]func([2]byte){}, w.callbacks...)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

// Triggered samples and clears the edge-flag, the way the Daemon Core's
// mainloop consumes it once per second (spec §4.8 step 2). When running in
// fallback mode it unconditionally reports true.
func (w *Watcher) Triggered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fallback {
		return true
	}
	t := w.triggered
	w.triggered = false
	return t
}

// Fallback reports whether the watcher has given up on the blocking ioctl
// and is relying on file-based change detection instead.
func (w *Watcher) Fallback() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fallback
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.stopCh != nil {
			close(w.stopCh)
		}
		if w.doneCh != nil {
			<-w.doneCh
		}
	})
}
