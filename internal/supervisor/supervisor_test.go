package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revpi/revpiloadd/internal/dlog"
	"github.com/revpi/revpiloadd/internal/logpipe"
	"github.com/stretchr/testify/require"
)

type fakeImage struct {
	zeroed int
}

func (f *fakeImage) Zero() error {
	f.zeroed++
	return nil
}

type fakeNotifier struct {
	sets int
}

func (f *fakeNotifier) SetChild(k interface{ Kill() error }) { f.sets++ }

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func newTestSupervisor(t *testing.T, cfg Config, img Imager, wd ChildNotifier) (*Supervisor, *logpipe.Pipe, string) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	pipe, err := logpipe.New(logPath, 0640)
	require.NoError(t, err)
	t.Cleanup(func() { pipe.Stop() })

	lg := dlog.New(os.Stderr)
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.CooldownPeriod == 0 {
		cfg.CooldownPeriod = 10 * time.Millisecond
	}
	if cfg.RestartPeriod == 0 {
		cfg.RestartPeriod = time.Nanosecond
	}
	cfg.InterpreterVersion = 3
	if img == nil {
		img = &fakeImage{}
	}
	if wd == nil {
		wd = &fakeNotifier{}
	}
	sv := New(cfg, lg, pipe, img, wd)
	return sv, pipe, logPath
}

func TestExitCodeNeverRanInitially(t *testing.T) {
	sv, _, _ := newTestSupervisor(t, Config{ProgramPath: "/bin/true", AutoReload: false}, nil, nil)
	require.Equal(t, ExitNeverRan, sv.ExitCode())
	require.False(t, sv.Running())
}

// TestStartRunsProgramAndNotifiesWatchdog exercises the normal S1-adjacent
// path: a long-running script starts, SetChild is called with the
// supervisor as Killer, and the program's stdout reaches the log pipe file.
func TestStartRunsProgramAndNotifiesWatchdog(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py", "import time, sys\nprint('hello', flush=True)\ntime.sleep(5)\n")

	notifier := &fakeNotifier{}
	sv, _, logPath := newTestSupervisor(t, Config{ProgramPath: script}, nil, notifier)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	require.Eventually(t, func() bool { return sv.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ExitRunning, sv.ExitCode())
	require.Eventually(t, func() bool { return notifier.sets >= 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logPath)
		return err == nil && len(b) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

// TestProgramExitZeroWithZeroOnExit covers the restart-policy table
// (testable property 5): a clean (code 0) exit with ZeroOnExit set zeroes
// the image and, with AutoReload disabled, the loop terminates without
// respawning.
func TestProgramExitZeroWithZeroOnExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py", "pass\n")

	img := &fakeImage{}
	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath: script,
		ZeroOnExit:  true,
		AutoReload:  false,
	}, img, nil)
	require.NoError(t, sv.Start())

	require.Eventually(t, func() bool { return !sv.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sv.ExitCode())
	require.Equal(t, 1, img.zeroed)
}

// TestProgramExitNonZeroWithZeroOnError covers the error-exit branch of the
// same policy table: a nonzero exit with ZeroOnError set zeroes the image,
// while ZeroOnExit alone (unset here) would not have.
func TestProgramExitNonZeroWithZeroOnError(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py", "import sys\nsys.exit(7)\n")

	img := &fakeImage{}
	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath: script,
		ZeroOnError: true,
		AutoReload:  false,
	}, img, nil)
	require.NoError(t, sv.Start())

	require.Eventually(t, func() bool { return !sv.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 7, sv.ExitCode())
	require.Equal(t, 1, img.zeroed)
}

// TestAutoReloadRespawnsAfterCrash is the S6 scenario: with AutoReload set,
// a crashing program is respawned with a fresh PID rather than leaving the
// supervisor idle.
func TestAutoReloadRespawnsAfterCrash(t *testing.T) {
	dir := t.TempDir()
	// Each run appends its PID to a marker file so the test can tell runs
	// apart without relying on timing alone.
	marker := filepath.Join(dir, "pids")
	script := writeScript(t, dir, "prog.py",
		"import os\n"+
			"f = open('"+marker+"', 'a')\n"+
			"f.write(str(os.getpid()) + '\\n')\n"+
			"f.close()\n"+
			"raise SystemExit(7)\n")

	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath:     script,
		AutoReload:      true,
		AutoReloadDelay: 20 * time.Millisecond,
		RestartPeriod:   time.Nanosecond,
		CooldownPeriod:  time.Nanosecond,
	}, nil, nil)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(marker)
		if err != nil {
			return false
		}
		lines := 0
		for _, c := range b {
			if c == '\n' {
				lines++
			}
		}
		return lines >= 2
	}, 2500*time.Millisecond, 20*time.Millisecond)
}

// TestStopSendsSigtermAndWaits exercises the graceful Stop() path: a
// program that exits promptly on SIGTERM should bring the supervisor to a
// stopped state well within StopTimeout, without needing SIGKILL.
func TestStopSendsSigtermAndWaits(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py",
		"import signal, time, sys\n"+
			"def handler(signum, frame):\n"+
			"    sys.exit(0)\n"+
			"signal.signal(signal.SIGTERM, handler)\n"+
			"time.sleep(10)\n")

	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath: script,
		StopTimeout: 2 * time.Second,
	}, nil, nil)
	require.NoError(t, sv.Start())
	require.Eventually(t, func() bool { return sv.Running() }, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, sv.Stop())
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, sv.Running())
}

// TestStopForcesKillAfterTimeout covers the SIGKILL fallback: a program
// that ignores SIGTERM is still gone once StopTimeout elapses.
func TestStopForcesKillAfterTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py",
		"import signal, time\n"+
			"signal.signal(signal.SIGTERM, signal.SIG_IGN)\n"+
			"time.sleep(30)\n")

	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath: script,
		StopTimeout: 200 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, sv.Start())
	require.Eventually(t, func() bool { return sv.Running() }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return after SIGKILL fallback")
	}
	require.False(t, sv.Running())
}

// TestKillSetsWatchdogKilledExitCode exercises the Soft Watchdog
// interaction (spec §9): calling Kill() (as the watchdog would) must cause
// the observed exit code to be the ExitWatchdogKilled sentinel rather than
// the program's raw signal-death status.
func TestKillSetsWatchdogKilledExitCode(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "prog.py", "import time\ntime.sleep(30)\n")

	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath: script,
		AutoReload:  false,
	}, nil, nil)
	require.NoError(t, sv.Start())
	require.Eventually(t, func() bool { return sv.Running() }, time.Second, 10*time.Millisecond)

	require.NoError(t, sv.Kill())
	require.Eventually(t, func() bool { return !sv.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ExitWatchdogKilled, sv.ExitCode())
}

// TestCooldownDelaysRapidRestarts exercises shouldCooldown/recordRestart:
// once MaxRestarts restarts have happened inside RestartPeriod, the next
// spawn waits out CooldownPeriod before trying again.
func TestCooldownDelaysRapidRestarts(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "pids")
	script := writeScript(t, dir, "prog.py",
		"f = open('"+marker+"', 'a')\nf.write('x')\nf.close()\n")

	sv, _, _ := newTestSupervisor(t, Config{
		ProgramPath:     script,
		AutoReload:      true,
		AutoReloadDelay: time.Millisecond,
		RestartPeriod:   time.Hour,
		CooldownPeriod:  300 * time.Millisecond,
	}, nil, nil)
	sv.cfg.MaxRestarts = 2
	sv.lastRestarts = make([]time.Time, 2)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(marker)
		return err == nil && len(b) >= 2
	}, time.Second, 10*time.Millisecond)

	countAt := func() int {
		b, err := os.ReadFile(marker)
		if err != nil {
			return 0
		}
		return len(b)
	}
	n := countAt()
	time.Sleep(150 * time.Millisecond)
	// Cooldown should hold the count steady for a while once the ring of
	// MaxRestarts has filled within RestartPeriod.
	require.LessOrEqual(t, countAt(), n+1)
}
