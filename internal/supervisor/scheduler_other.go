//go:build !linux

package supervisor

import "os/exec"

// applyScheduler is a no-op off Linux: the softirq/ktimer priority dance and
// SCHED_RR are Linux-specific, per spec §6.
func (s *Supervisor) applyScheduler(cmd *exec.Cmd, die chan struct{}) {
}
