//go:build linux

package supervisor

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/revpi/revpiloadd/internal/dlog"
)

// kernelThreadGroup pairs a kernel softirq/timer thread family with the
// fixed RT priority it should be raised to if found running below it,
// per spec §6.
type kernelThreadGroup struct {
	name       string
	targetPrio int
}

var errNoSuchThread = errorString("supervisor: no matching kernel thread")

type errorString string

func (e errorString) Error() string { return string(e) }

var kernelThreadGroups = []kernelThreadGroup{
	{"ksoftirqd/0", 10}, {"ksoftirqd/1", 10}, {"ksoftirqd/2", 10}, {"ksoftirqd/3", 10},
	{"ktimersoftd/0", 20}, {"ktimersoftd/1", 20}, {"ktimersoftd/2", 20}, {"ktimersoftd/3", 20},
}

// applyScheduler waits a 5-second warm-up then raises the priority of the
// kernel softirq/timer threads (if below threshold) and sets the child to
// SCHED_RR priority 1, per spec §6.
func (s *Supervisor) applyScheduler(cmd *exec.Cmd, die chan struct{}) {
	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
	case <-die:
		return
	}

	for _, g := range kernelThreadGroups {
		pid, rtprio, err := psLookup(g.name)
		if err != nil {
			continue
		}
		if rtprio < 10 {
			if err := chrtFifo(pid, g.targetPrio); err != nil {
				s.lg.Warn("failed to raise kernel thread priority", dlog.KV("thread", g.name), dlog.KVErr(err))
			}
		}
	}

	if cmd.Process == nil {
		return
	}
	if err := chrtRoundRobin(cmd.Process.Pid, 1); err != nil {
		s.lg.Warn("failed to set SCHED_RR on program", dlog.KVErr(err))
	}
}

// psLookup shells out to `ps -o pid=,rtprio= -C <name>`, mirroring the
// external-tool approach spec §6 describes rather than reading /proc
// directly, since the real daemon never assumes a particular psutil-style
// library is present on the device.
func psLookup(name string) (pid int, rtprio int, err error) {
	out, err := exec.Command("/bin/ps", "-o", "pid=,rtprio=", "-C", name).Output()
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return 0, 0, errNoSuchThread
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	if fields[1] == "-" {
		rtprio = 0
	} else {
		rtprio, err = strconv.Atoi(fields[1])
		if err != nil {
			rtprio = 0
		}
	}
	return pid, rtprio, nil
}

func chrtFifo(pid, prio int) error {
	return exec.Command("chrt", "-fp", strconv.Itoa(prio), strconv.Itoa(pid)).Run()
}

func chrtRoundRobin(pid, prio int) error {
	return exec.Command("chrt", "-rp", strconv.Itoa(prio), strconv.Itoa(pid)).Run()
}
