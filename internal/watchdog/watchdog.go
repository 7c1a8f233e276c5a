// Package watchdog implements the Soft Watchdog (spec §4.4): a bit-toggle
// liveness check on a designated byte of the process image. It holds only a
// non-owning reference to the supervised child (spec §9's "weak reference
// with a kill capability") so that the Program Supervisor remains the sole
// owner of the child's lifecycle.
package watchdog

import (
	"math/rand"
	"sync"
	"time"
)

const DefaultBitIndex uint8 = 7

// ImageReader is the minimal process-image surface the watchdog needs.
type ImageReader interface {
	ReadStatusBit(byteAddress uint16, bitIndex uint8) (bool, error)
}

// Killer is the non-owning "kill capability" spec §9 describes: the
// watchdog can terminate the child but never starts, restarts, or otherwise
// owns its lifecycle.
type Killer interface {
	Kill() error
}

// Watchdog samples ImageReader's designated bit and, if no transition is
// observed within Timeout, kills the registered Killer exactly once.
type Watchdog struct {
	mu          sync.Mutex
	img         ImageReader
	byteAddress uint16
	bitIndex    uint8
	timeout     time.Duration
	killer      Killer

	triggered bool
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(img ImageReader, byteAddress uint16) *Watchdog {
	return &Watchdog{
		img:         img,
		byteAddress: byteAddress,
		bitIndex:    DefaultBitIndex,
	}
}

// SetChild installs the current child's kill capability. Callers must call
// this before every respawn so the watchdog never targets a stale process.
func (w *Watchdog) SetChild(k interface{ Kill() error }) {
	w.mu.Lock()
	w.killer = k
	w.mu.Unlock()
}

// Triggered reports whether the watchdog has fired since the last Reset.
func (w *Watchdog) Triggered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggered
}

// Reset returns the watchdog to a clean, startable state.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.triggered = false
	w.mu.Unlock()
}

// SetTimeout starts the background task when timeout > 0 and none is
// running; setting timeout to 0 stops any running task.
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	w.mu.Lock()
	w.timeout = timeout
	running := w.running
	w.mu.Unlock()

	if timeout <= 0 {
		w.stopLocked()
		return
	}
	if !running {
		w.start()
	}
}

func (w *Watchdog) start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	go w.run(stopCh, doneCh)
}

func (w *Watchdog) stopLocked() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	doneCh := w.doneCh
	w.running = false
	w.mu.Unlock()
	<-doneCh
}

// Stop halts the background task permanently.
func (w *Watchdog) Stop() {
	w.stopLocked()
}

func (w *Watchdog) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()
	if timeout <= 0 {
		return
	}

	last, err := w.sample()
	if err != nil {
		last = false
	}
	deadline := time.Now().Add(timeout)

	for {
		jitter := time.Duration(rand.Intn(100)) * time.Millisecond
		select {
		case <-stopCh:
			return
		case <-time.After(jitter):
		}

		cur, err := w.sample()
		if err == nil && cur != last {
			last = cur
			w.mu.Lock()
			deadline = time.Now().Add(w.timeout)
			w.mu.Unlock()
			continue
		}

		if time.Now().After(deadline) {
			w.fire()
			return
		}
	}
}

func (w *Watchdog) sample() (bool, error) {
	w.mu.Lock()
	byteAddress, bitIndex := w.byteAddress, w.bitIndex
	w.mu.Unlock()
	return w.img.ReadStatusBit(byteAddress, bitIndex)
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	w.triggered = true
	k := w.killer
	w.running = false
	w.mu.Unlock()
	if k != nil {
		k.Kill()
	}
}
