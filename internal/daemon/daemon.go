// Package daemon implements the Daemon Core (spec §4.8): it wires the
// Program Supervisor, Binary PLC-Server, Configuration & Reset Watcher,
// and RPC Surface together behind a single mainloop, exactly the way
// manager/main.go wires its process managers together behind
// utils.WaitForQuit() -- except here the core itself owns the
// reload/signal/file-watch loop instead of handing that off to the OS
// init system.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/revpi/revpiloadd/internal/acl"
	"github.com/revpi/revpiloadd/internal/cfgwatch"
	"github.com/revpi/revpiloadd/internal/config"
	"github.com/revpi/revpiloadd/internal/dlog"
	"github.com/revpi/revpiloadd/internal/logpipe"
	"github.com/revpi/revpiloadd/internal/pidfile"
	"github.com/revpi/revpiloadd/internal/plcserver"
	"github.com/revpi/revpiloadd/internal/procimage"
	"github.com/revpi/revpiloadd/internal/resetwatch"
	"github.com/revpi/revpiloadd/internal/rpc"
	"github.com/revpi/revpiloadd/internal/supervisor"
	"github.com/revpi/revpiloadd/internal/watchdog"
)

// tickInterval is the mainloop's once-per-second reconciliation period,
// spec §4.8's "The mainloop, once per second, does in order...".
const tickInterval = 1 * time.Second

// Version is the string the RPC Surface's "version" method reports.
const Version = "1.0.0"

// Daemon is the Daemon Core: it owns every other subsystem exclusively
// (spec §3's ownership rules) and is the sole mutator of the running
// configuration.
type Daemon struct {
	cfgPath string
	lg      *dlog.Logger
	pidf    *pidfile.PIDFile

	mu  sync.Mutex
	cfg *config.Config

	plcACL *acl.Manager
	rpcACL *acl.Manager

	img  *procimage.Handle
	pipe *logpipe.Pipe
	wd   *watchdog.Watchdog

	cfgw *cfgwatch.Watcher
	rsw  *resetwatch.Watcher

	// subMu guards sup/plc: the mainloop is their sole writer (it swaps
	// them in doReload), while RPC handlers running on net/http's own
	// goroutines only ever read them.
	subMu sync.RWMutex
	sup   *supervisor.Supervisor
	plc   *plcserver.Server

	rp *rpc.Server

	reloadMu sync.Mutex
	reload   bool

	resetLoggedOnce sync.Once

	mqttMu      sync.Mutex
	mqttRunning bool

	stopCh chan struct{}
}

// New performs spec §4.8's "On startup, loads the configuration, then
// builds each subsystem," returning an error on any failure that spec §7
// marks as fatal-at-startup; the caller decides how to exit.
func New(cfgPath string) (*Daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: configure: %w", err)
	}
	if cfg.Migrated {
		if err := config.Persist(cfgPath); err != nil {
			// non-fatal: the in-memory config is already migrated and
			// correct; only the on-disk rewrite failed.
			fmt.Fprintf(os.Stderr, "revpiloadd: failed to persist migrated config: %v\n", err)
		}
	}

	lg, err := dlog.NewFile(cfg.Default.Log_File)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log file: %w", err)
	}
	lg.SetLevel(dlog.ParseLevel(cfg.Default.Log_Level))

	pidf, err := pidfile.Acquire(cfg.Default.Pid_File)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("daemon: acquire pid file: %w", err)
	}

	d := &Daemon{
		cfgPath: cfgPath,
		lg:      lg,
		pidf:    pidf,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}

	if err := d.build(cfg); err != nil {
		pidf.Release()
		lg.Close()
		return nil, err
	}
	return d, nil
}

// build constructs every subsystem from cfg. It is called once at
// startup from New and again from the mainloop's reload path, which
// tears down whatever must be torn down first.
func (d *Daemon) build(cfg *config.Config) error {
	img, err := procimage.Open(cfg.Default.Proc_Image_Path, cfg.Default.Proc_Image_Len)
	if err != nil {
		return fmt.Errorf("daemon: open process image: %w", err)
	}
	d.img = img

	pipe, err := logpipe.New(cfg.Default.App_Log_File, 0640)
	if err != nil {
		img.Close()
		return fmt.Errorf("daemon: open log pipe: %w", err)
	}
	d.pipe = pipe

	cfgw, err := cfgwatch.New(cfg.Default.Config_Rsc, cfg.Default.Io_Overlay, d.lg)
	if err != nil {
		pipe.Stop()
		img.Close()
		return fmt.Errorf("daemon: load hardware-config: %w", err)
	}
	d.cfgw = cfgw

	d.wd = watchdog.New(img, statusLEDAddress(cfgw))
	d.setSupervisor(supervisor.New(cfg.SupervisorConfig(), d.lg, pipe, img, d.wd))

	d.rsw = resetwatch.New(img)
	d.rsw.OnReset(func(status [2]byte) {
		d.lg.Info("daemon: driver reset detected", dlog.KV("status", fmt.Sprintf("%x", status)))
		d.requestReload()
	})

	d.plcACL = acl.New(0, plcMaxLevel(cfg))
	if cfg.PLCServer.Acl_File != "" {
		if err := d.plcACL.LoadFile(cfg.PLCServer.Acl_File); err != nil {
			d.lg.Warn("daemon: failed to load plc-server ACL, starting with empty ACL", dlog.KVErr(err))
		}
	}
	d.rpcACL = acl.New(0, 4)
	if cfg.XMLRPC.Acl_File != "" {
		if err := d.rpcACL.LoadFile(cfg.XMLRPC.Acl_File); err != nil {
			d.lg.Warn("daemon: failed to load rpc ACL, starting with empty ACL", dlog.KVErr(err))
		}
	}

	d.setPLCServer(plcserver.New(cfg.PLCServerConfig(), d.plcACL, d.lg, d.openImage, &configDocAdapter{w: cfgw}, &overlayDocAdapter{w: cfgw}))
	d.rp = rpc.New(d.rpcACL, d.lg, Version)
	d.mqttRunning = cfg.MQTT.Enabled
	d.registerRPCMethods()

	return nil
}

func (d *Daemon) supervisorRef() *supervisor.Supervisor {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return d.sup
}

func (d *Daemon) setSupervisor(s *supervisor.Supervisor) {
	d.subMu.Lock()
	d.sup = s
	d.subMu.Unlock()
}

func (d *Daemon) plcServerRef() *plcserver.Server {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return d.plc
}

func (d *Daemon) setPLCServer(s *plcserver.Server) {
	d.subMu.Lock()
	d.plc = s
	d.subMu.Unlock()
}

// openImage is the plcserver.ImageOpener: one fresh *procimage.Handle per
// accepted connection, per spec §3's "each connection exclusively owns
// ... a process image handle."
func (d *Daemon) openImage() (plcserver.Image, error) {
	return procimage.Open(d.cfg.Default.Proc_Image_Path, d.cfg.Default.Proc_Image_Len)
}

func plcMaxLevel(cfg *config.Config) int {
	if cfg.PLCServer.Dev_Mode {
		return 9
	}
	return 1
}

func statusLEDAddress(cfgw *cfgwatch.Watcher) uint16 {
	if addr, ok := cfgw.Config().StatusLEDAddress(); ok {
		return addr
	}
	return 0
}

// Run starts every subsystem, installs signal handlers, and blocks in
// the mainloop until a shutdown signal arrives.
func (d *Daemon) Run() error {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	d.wd.SetTimeout(cfg.SupervisorConfig().WatchdogTimeout)
	if err := d.supervisorRef().Start(); err != nil {
		return fmt.Errorf("daemon: start supervisor: %w", err)
	}
	d.rsw.Start()
	d.cfgw.Start()

	if cfg.PLCServer.Enabled {
		if err := d.plcServerRef().Start(); err != nil {
			d.lg.Error("daemon: failed to start plc-server", dlog.KVErr(err))
		}
	}
	if cfg.XMLRPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.XMLRPC.Bind_Ip, cfg.XMLRPC.Port)
		if err := d.rp.Listen(addr); err != nil {
			d.lg.Error("daemon: failed to start rpc surface", dlog.KVErr(err))
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)

	d.lg.Info("revpiloadd started", dlog.KV("version", Version))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-term:
			d.lg.Info("daemon: shutdown signal received")
			d.shutdown()
			return nil
		case <-hup:
			d.requestReload()
		case <-usr1:
			d.rotateLogs()
		case <-ticker.C:
			d.tick()
		}
	}
}

// requestReload is the edge-triggered reload event spec §4.8 describes:
// setting it twice before the mainloop services it results in exactly
// one reload (testable property §8.6).
func (d *Daemon) requestReload() {
	d.reloadMu.Lock()
	d.reload = true
	d.reloadMu.Unlock()
}

func (d *Daemon) consumeReload() bool {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	r := d.reload
	d.reload = false
	return r
}

// tick implements spec §4.8's per-second mainloop body.
func (d *Daemon) tick() {
	if d.consumeReload() {
		d.doReload()
	}

	resetFired := d.rsw.Triggered()
	fileChanged := d.cfgw.Changed()
	if d.rsw.Fallback() {
		// no reset events are observable: a file change stands in for one
		resetFired = fileChanged
	}
	if resetFired || fileChanged {
		d.onConfigOrResetChange(resetFired)
	}

	d.reviveDeadSubsystems()
}

// doReload re-reads the configuration file and decides, per subsystem,
// restart-vs-reconfigure by comparing the new configuration against the
// running one, per spec §4.8 step 1.
func (d *Daemon) doReload() {
	d.mu.Lock()
	oldCfg := d.cfg
	d.mu.Unlock()

	newCfg, err := config.Load(d.cfgPath)
	if err != nil {
		d.lg.Error("daemon: reload failed, keeping running configuration", dlog.KVErr(err))
		return
	}

	if config.MustRestartSupervisor(oldCfg.SupervisorConfig(), newCfg.SupervisorConfig()) {
		d.lg.Info("daemon: supervisor configuration changed, restarting program")
		sup := d.supervisorRef()
		sup.Stop()
		sup = supervisor.New(newCfg.SupervisorConfig(), d.lg, d.pipe, d.img, d.wd)
		d.setSupervisor(sup)
		if err := sup.Start(); err != nil {
			d.lg.Error("daemon: failed to restart supervisor", dlog.KVErr(err))
		}
	}
	d.wd.SetTimeout(newCfg.SupervisorConfig().WatchdogTimeout)

	oldPLC := oldCfg.PLCServerConfig()
	newPLC := newCfg.PLCServerConfig()
	if oldPLC.RestartFields(newPLC) {
		d.lg.Info("daemon: plc-server listen configuration changed, restarting")
		plc := d.plcServerRef()
		plc.Stop()
		plc = plcserver.New(newPLC, d.plcACL, d.lg, d.openImage, &configDocAdapter{w: d.cfgw}, &overlayDocAdapter{w: d.cfgw})
		d.setPLCServer(plc)
		if newPLC.Enabled {
			if err := plc.Start(); err != nil {
				d.lg.Error("daemon: failed to restart plc-server", dlog.KVErr(err))
			}
		}
	} else {
		// ACL-only or watchdog-only changes are hot-applied, per
		// spec §4.8: "ACL changes are hot-applied."
		d.plcServerRef().CheckConnectedACL()
	}

	d.mu.Lock()
	d.cfg = newCfg
	d.mu.Unlock()
}

// onConfigOrResetChange implements spec §4.8 step 2's resetDriverAction
// policy: 0=none, 1=on file change, 2=on reset-driver event.
func (d *Daemon) onConfigOrResetChange(resetFired bool) {
	d.mu.Lock()
	action := d.cfg.Default.Reset_Driver_Action
	d.mu.Unlock()

	shouldRestart := false
	switch action {
	case 1:
		shouldRestart = true // any call into this path means a change happened
	case 2:
		shouldRestart = resetFired
	}
	if !shouldRestart {
		return
	}
	sup := d.supervisorRef()
	if !sup.Running() {
		d.resetLoggedOnce.Do(func() {
			d.lg.Info("daemon: reset-driver action requested but no program is running, skipping")
		})
		return
	}
	d.lg.Info("daemon: restarting program after configuration/reset-driver change")
	sup.Stop()
	if err := sup.Start(); err != nil {
		d.lg.Error("daemon: failed to restart program after reset", dlog.KVErr(err))
	}
}

// reviveDeadSubsystems implements spec §4.8 step 3: any subsystem that
// should be running but has unexpectedly stopped is restarted.
func (d *Daemon) reviveDeadSubsystems() {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	if plc := d.plcServerRef(); cfg.PLCServer.Enabled && !plc.Listening() {
		d.lg.Warn("daemon: plc-server listener died unexpectedly, restarting")
		if err := plc.Start(); err != nil {
			d.lg.Error("daemon: failed to revive plc-server", dlog.KVErr(err))
		}
	}
}

func (d *Daemon) rotateLogs() {
	d.lg.Info("daemon: rotating logs on SIGUSR1")
	if err := d.lg.Rotate(); err != nil {
		fmt.Fprintf(os.Stderr, "revpiloadd: failed to rotate daemon log: %v\n", err)
	}
	if err := d.supervisorRef().NewLogfile(); err != nil {
		d.lg.Error("daemon: failed to rotate program log", dlog.KVErr(err))
	}
}

// shutdown implements a clean stop of every owned subsystem, in the
// reverse of startup order.
func (d *Daemon) shutdown() {
	close(d.stopCh)
	if d.rp != nil {
		d.rp.Stop()
	}
	if plc := d.plcServerRef(); plc != nil {
		plc.Stop()
	}
	d.cfgw.Stop()
	d.rsw.Stop()
	d.wd.Stop()
	d.supervisorRef().Stop()
	d.pipe.Stop()
	d.img.Close()
	d.pidf.Release()
	d.lg.Close()
}
