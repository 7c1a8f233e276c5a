package config

import (
	"strings"
	"time"

	"github.com/revpi/revpiloadd/internal/plcserver"
	"github.com/revpi/revpiloadd/internal/supervisor"
)

// SupervisorConfig projects the DEFAULT section onto the Program
// Supervisor's configuration tuple (spec §3).
func (c *Config) SupervisorConfig() supervisor.Config {
	var args []string
	if a := strings.TrimSpace(c.Default.Program_Args); a != "" {
		args = strings.Fields(a)
	}
	return supervisor.Config{
		ProgramPath:        c.Default.Program,
		Args:               args,
		InterpreterVersion: c.Default.Interpreter_Version,
		UID:                uint32(c.Default.Uid),
		GID:                uint32(c.Default.Gid),
		RTLevel:            c.Default.Rt_Level,
		AutoReload:         c.Default.Auto_Reload,
		AutoReloadDelay:    time.Duration(c.Default.Auto_Reload_Delay) * time.Second,
		StopTimeout:        time.Duration(c.Default.Stop_Timeout) * time.Second,
		WatchdogTimeout:    time.Duration(c.Default.Watchdog_Timeout) * time.Second,
		ZeroOnError:        c.Default.Zero_On_Error,
		ZeroOnExit:         c.Default.Zero_On_Exit,
		ErrHandler:         c.Default.Err_Handler,
	}
}

// MustRestartSupervisor reports whether the Program Supervisor needs a
// full stop/respawn (as opposed to hot-applying the change) between two
// configurations. The process-identity fields -- what gets exec'd, as
// whom, at what scheduling class -- require a restart; restart-policy
// fields (autoReload*, zeroOn*, timeouts) are honored on the next
// natural exit and don't need one, per spec §4.8's must-restart
// predicate pattern (plcserver.Config.RestartFields is the same idea
// applied to the PLC-Server's bindIp/port/enabled).
func MustRestartSupervisor(o, n supervisor.Config) bool {
	if o.ProgramPath != n.ProgramPath || o.InterpreterVersion != n.InterpreterVersion {
		return true
	}
	if o.UID != n.UID || o.GID != n.GID || o.RTLevel != n.RTLevel {
		return true
	}
	if len(o.Args) != len(n.Args) {
		return true
	}
	for i := range o.Args {
		if o.Args[i] != n.Args[i] {
			return true
		}
	}
	return false
}

// PLCServerConfig projects the PLCSERVER section onto plcserver.Config.
func (c *Config) PLCServerConfig() plcserver.Config {
	maxLevel := c.PLCServer.Max_Level
	if c.PLCServer.Dev_Mode {
		maxLevel = 9
	}
	return plcserver.Config{
		BindIP:          c.PLCServer.Bind_Ip,
		Port:            c.PLCServer.Port,
		Enabled:         c.PLCServer.Enabled,
		MaxLevel:        maxLevel,
		DevMode:         c.PLCServer.Dev_Mode,
		WatchdogEnabled: c.PLCServer.Watchdog_Enabled,
	}
}
