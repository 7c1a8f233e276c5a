// Package supervisor implements the Program Supervisor (spec §4.5): spawns,
// monitors, restarts, and terminates the user control program, redirecting
// its output through a Log Pipe and optionally elevating scheduler
// priority. Its process-management shape (restart/cooldown bookkeeping,
// SIGTERM-then-SIGKILL stop, structured logging) is adapted from the
// teacher's own process manager in manager/process.go.
package supervisor

import (
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/revpi/revpiloadd/internal/dlog"
	"github.com/revpi/revpiloadd/internal/logpipe"
)

// Observable exit-code sentinels, spec §6/§7.
const (
	ExitRunning        = -1
	ExitNoChild        = -2
	ExitNeverRan       = -3
	ExitWatchdogKilled = -9
)

var ErrAlreadyRunning = errors.New("supervisor: already running")
var ErrNotRunning = errors.New("supervisor: not running")

// Config is the supervised-program state tuple of spec §3, plus the
// crash-handler/cooldown fields SPEC_FULL §D supplements with.
type Config struct {
	ProgramPath        string
	Args               []string
	InterpreterVersion int // 2 or 3, selects pythonN
	UID, GID           uint32

	RTLevel         int
	AutoReload      bool
	AutoReloadDelay time.Duration
	StopTimeout     time.Duration
	WatchdogTimeout time.Duration
	ZeroOnError     bool
	ZeroOnExit      bool

	// ErrHandler, MaxRestarts/RestartPeriod/CooldownPeriod: supplemented
	// restart-cooldown/crash-hook behavior, modeled on manager/process.go.
	ErrHandler     string
	MaxRestarts    int
	RestartPeriod  time.Duration
	CooldownPeriod time.Duration
}

// Imager is the minimal process-image surface the supervisor needs to
// implement zeroOnExit/zeroOnError.
type Imager interface {
	Zero() error
}

// ChildNotifier is implemented by anything that needs to track the current
// child's kill capability across respawns -- the Soft Watchdog, per spec §9.
type ChildNotifier interface {
	SetChild(k interface{ Kill() error })
}

type exitStatus struct {
	code int
	err  error
}

// Supervisor owns the child process lifecycle.
type Supervisor struct {
	cfg  Config
	lg   *dlog.Logger
	pipe *logpipe.Pipe
	img  Imager
	wd   ChildNotifier

	mu             sync.Mutex
	die            chan struct{}
	wg             sync.WaitGroup
	running        bool
	exitCode       int
	cmd            *exec.Cmd
	lastRestarts   []time.Time
	watchdogKilled bool
}

func New(cfg Config, lg *dlog.Logger, pipe *logpipe.Pipe, img Imager, wd ChildNotifier) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	return &Supervisor{
		cfg:          cfg,
		lg:           lg,
		pipe:         pipe,
		img:          img,
		wd:           wd,
		exitCode:     ExitNeverRan,
		lastRestarts: make([]time.Time, cfg.MaxRestarts),
	}
}

// Start spawns the supervision loop in the background.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.die != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.die = make(chan struct{})
	die := s.die
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(die)
	return nil
}

// Running reports whether a child is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExitCode reports the observable exit-code sentinel, spec §6.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// NewLogfile delegates to the Log Pipe's rotate().
func (s *Supervisor) NewLogfile() error {
	return s.pipe.Rotate()
}

// Kill implements watchdog.Killer: an immediate SIGKILL, distinct from the
// graceful Stop() path, with the exit code surfaced as the watchdog
// sentinel rather than the raw OS exit status.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.watchdogKilled = true
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}
	return cmd.Process.Kill()
}

// Stop sends SIGTERM, polls for up to StopTimeout, and sends SIGKILL on
// timeout. It then re-applies zeroOnExit/zeroOnError based on the final
// exit code, per spec §4.5.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	die := s.die
	s.die = nil
	s.mu.Unlock()
	if die == nil {
		return ErrNotRunning
	}
	close(die)
	s.wg.Wait()

	s.mu.Lock()
	code := s.exitCode
	s.mu.Unlock()

	if code == 0 && s.cfg.ZeroOnExit {
		s.zeroImage()
	} else if code != 0 && s.cfg.ZeroOnError {
		s.zeroImage()
	}
	return nil
}

func (s *Supervisor) zeroImage() {
	if s.img == nil {
		return
	}
	if err := s.img.Zero(); err != nil {
		s.lg.Error("failed to zero process image", dlog.KVErr(err))
	}
}

func (s *Supervisor) interpreter() string {
	if s.cfg.InterpreterVersion == 2 {
		return "python2"
	}
	return "python3"
}

func (s *Supervisor) loop(die chan struct{}) {
	defer s.wg.Done()
	defer func() {
		// a loop that ends on its own leaves the supervisor startable again
		s.mu.Lock()
		if s.die == die {
			s.die = nil
		}
		s.mu.Unlock()
	}()

	for {
		if s.shouldCooldown() {
			if died := s.interruptibleSleep(die, s.cfg.CooldownPeriod); died {
				s.setRunning(false, ExitNeverRan)
				return
			}
		}
		s.recordRestart()

		cmd, exitCh, startErr := s.spawn()
		if startErr != nil {
			s.lg.Error("failed to start program", dlog.KV("path", s.cfg.ProgramPath), dlog.KVErr(startErr))
			s.setRunning(false, ExitNoChild)
			if !s.cfg.AutoReload {
				return
			}
			if died := s.interruptibleSleep(die, s.cfg.AutoReloadDelay); died {
				return
			}
			continue
		}

		s.mu.Lock()
		s.cmd = cmd
		s.running = true
		s.exitCode = ExitRunning
		s.watchdogKilled = false
		s.mu.Unlock()

		if s.wd != nil {
			s.wd.SetChild(s)
		}
		if s.cfg.RTLevel > 0 {
			go s.applyScheduler(cmd, die)
		}

		select {
		case <-die:
			st := requestStop(cmd, exitCh, s.cfg.StopTimeout)
			s.setRunning(false, s.finalExitCode(st))
			return
		case st := <-exitCh:
			code := s.finalExitCode(st)
			s.lg.Info("program exited", dlog.KV("path", s.cfg.ProgramPath), dlog.KV("code", code), dlog.KVErr(st.err))
			s.setRunning(false, code)
			s.applyExitPolicy(code)
			if !s.cfg.AutoReload {
				return
			}
			if died := s.interruptibleSleep(die, s.cfg.AutoReloadDelay); died {
				return
			}
		}
	}
}

func (s *Supervisor) finalExitCode(st exitStatus) int {
	s.mu.Lock()
	killed := s.watchdogKilled
	s.mu.Unlock()
	if killed {
		return ExitWatchdogKilled
	}
	return st.code
}

func (s *Supervisor) applyExitPolicy(code int) {
	if code == 0 && s.cfg.ZeroOnExit {
		s.zeroImage()
	} else if code != 0 && s.cfg.ZeroOnError {
		s.zeroImage()
	}
	if code != 0 && s.cfg.ErrHandler != "" {
		s.fireErrHandler()
	}
}

func (s *Supervisor) fireErrHandler() {
	fields := strings.Fields(s.cfg.ErrHandler)
	if len(fields) == 0 {
		return
	}
	cmd := &exec.Cmd{Path: fields[0], Args: append(fields, s.cfg.ProgramPath)}
	if err := cmd.Run(); err != nil {
		s.lg.Warn("crash handler failed", dlog.KVErr(err))
	}
}

func (s *Supervisor) setRunning(running bool, code int) {
	s.mu.Lock()
	s.running = running
	s.exitCode = code
	s.mu.Unlock()
}

func (s *Supervisor) spawn() (*exec.Cmd, chan exitStatus, error) {
	args := append([]string{"/usr/bin/env", s.interpreter(), "-u", s.cfg.ProgramPath}, s.cfg.Args...)
	attr := &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.UID > 0 || s.cfg.GID > 0 {
		attr.Credential = &syscall.Credential{Uid: s.cfg.UID, Gid: s.cfg.GID}
	}
	cmd := &exec.Cmd{
		Path:        args[0],
		Args:        args,
		Dir:         dirOf(s.cfg.ProgramPath),
		Stdout:      s.pipe.WriteEnd(),
		Stderr:      s.pipe.WriteEnd(),
		SysProcAttr: attr,
	}
	s.lg.Info("starting program", dlog.KV("path", s.cfg.ProgramPath), dlog.KV("interpreter", s.interpreter()))

	exitCh := make(chan exitStatus, 1)
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	go func() {
		var st exitStatus
		if err := cmd.Wait(); err != nil {
			st.err = err
			if exitErr, ok := err.(*exec.ExitError); ok {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
					st.code = ws.ExitStatus()
				}
			}
		}
		exitCh <- st
	}()
	return cmd, exitCh, nil
}

// requestStop signals the child to terminate and waits for the spawn
// goroutine to report its exit, reading exitCh exactly once regardless of
// which branch below fires so the caller never blocks on a second receive.
func requestStop(cmd *exec.Cmd, exitCh chan exitStatus, stopTimeout time.Duration) exitStatus {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-time.After(stopTimeout):
			cmd.Process.Kill()
		case st := <-exitCh:
			return st
		}
	}
	return <-exitCh
}

func (s *Supervisor) shouldCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastRestarts) == 0 || s.lastRestarts[0].IsZero() {
		return false
	}
	oldest := s.lastRestarts[len(s.lastRestarts)-1]
	if oldest.IsZero() {
		return false
	}
	return time.Since(oldest) < s.cfg.RestartPeriod
}

func (s *Supervisor) recordRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.lastRestarts) - 1; i > 0; i-- {
		s.lastRestarts[i] = s.lastRestarts[i-1]
	}
	s.lastRestarts[0] = time.Now()
}

func (s *Supervisor) interruptibleSleep(die chan struct{}, d time.Duration) (died bool) {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-die:
		return true
	}
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
