package cfgwatch

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/revpi/revpiloadd/internal/dlog"
)

// Watcher watches the hardware-config file and the IO-overlay file for
// changes via fsnotify, re-hashing whichever one changed and raising a
// single edge-triggered "changed" flag the Daemon Core mainloop samples
// once per second, per spec §4.8 step 2. The event-loop shape (a
// goroutine selecting on watcher.Events/watcher.Errors with a stop
// channel) is adapted directly from filewatch/filewatch.go's routine().
type Watcher struct {
	configPath  string
	overlayPath string
	lg          *dlog.Logger

	mu      sync.Mutex
	config  *ConfigDoc
	overlay *OverlayDoc
	changed bool

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Watcher and performs the initial load of both documents.
// A missing hardware-config file is fatal (configure()-time failure per
// spec §7); a missing overlay file is the normal "absent" state.
func New(configPath, overlayPath string, lg *dlog.Logger) (*Watcher, error) {
	cfg, err := LoadConfigDoc(configPath)
	if err != nil {
		return nil, err
	}
	ovl, err := LoadOverlayDoc(overlayPath)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}
	if filepath.Dir(overlayPath) != filepath.Dir(configPath) {
		if err := fsw.Add(filepath.Dir(overlayPath)); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return &Watcher{
		configPath:  configPath,
		overlayPath: overlayPath,
		lg:          lg,
		config:      cfg,
		overlay:     ovl,
		fsw:         fsw,
	}, nil
}

// Start launches the background fsnotify event loop.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.run(w.stopCh)
}

func (w *Watcher) run(stopCh chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.lg.Warn("cfgwatch: filesystem notification error", dlog.KVErr(err))
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(evt)
		}
	}
}

func (w *Watcher) handleEvent(evt fsnotify.Event) {
	if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	switch evt.Name {
	case w.configPath:
		cfg, err := LoadConfigDoc(w.configPath)
		if err != nil {
			w.lg.Warn("cfgwatch: failed to reload hardware-config", dlog.KVErr(err))
			return
		}
		w.mu.Lock()
		w.config = cfg
		w.changed = true
		w.mu.Unlock()
	case w.overlayPath:
		ovl, err := LoadOverlayDoc(w.overlayPath)
		if err != nil {
			w.lg.Warn("cfgwatch: failed to reload IO-overlay", dlog.KVErr(err))
			return
		}
		w.mu.Lock()
		w.overlay = ovl
		w.changed = true
		w.mu.Unlock()
	}
}

// Changed consumes and clears the edge-triggered change flag.
func (w *Watcher) Changed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.changed
	w.changed = false
	return c
}

// Config returns the current hardware-config document.
func (w *Watcher) Config() *ConfigDoc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config
}

// Overlay returns the current IO-overlay document.
func (w *Watcher) Overlay() *OverlayDoc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overlay
}

// Stop idempotently tears down the watcher.
func (w *Watcher) Stop() {
	if w.stopCh != nil {
		select {
		case <-w.stopCh:
		default:
			close(w.stopCh)
		}
	}
	w.fsw.Close()
	w.wg.Wait()
}
