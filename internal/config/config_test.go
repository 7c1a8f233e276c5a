package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validINI = `
[DEFAULT]
Program = /opt/pictory/myapp.py
Program_Args = --fast --verbose
Interpreter_Version = 3
Uid = 1000
Gid = 1000
Auto_Reload = true
Auto_Reload_Delay = 5
Stop_Timeout = 10
Watchdog_Timeout = 0
Zero_On_Exit = true
Zero_On_Error = true
Reset_Driver_Action = 1

[MQTT]
Enabled = false

[PLCSERVER]
Enabled = true
Bind_Ip =
Port = 55234
Max_Level = 1
Watchdog_Enabled = true

[XMLRPC]
Enabled = true
Port = 55123
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "revpipyload.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0640))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, validINI)
	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/opt/pictory/myapp.py", c.Default.Program)
	require.Equal(t, []string{"--fast", "--verbose"}, c.SupervisorConfig().Args)
	require.Equal(t, 3, c.Default.Interpreter_Version)
	require.True(t, c.Default.Auto_Reload)
	require.True(t, c.PLCServer.Enabled)
	require.Equal(t, 55234, c.PLCServer.Port)
	require.True(t, c.XMLRPC.Enabled)
	require.False(t, c.Migrated)
}

func TestLoadAppliesWellKnownDefaults(t *testing.T) {
	path := writeConfig(t, validINI)
	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/etc/revpi/config.rsc", c.Default.Config_Rsc)
	require.Equal(t, "/var/log/revpipyload", c.Default.Log_File)
	require.Equal(t, "/var/run/revpipyload.pid", c.Default.Pid_File)
}

func TestLoadRejectsMissingProgram(t *testing.T) {
	path := writeConfig(t, `
[DEFAULT]
Interpreter_Version = 3

[PLCSERVER]
[XMLRPC]
[MQTT]
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoProgram)
}

func TestLoadRejectsBadInterpreterVersion(t *testing.T) {
	path := writeConfig(t, `
[DEFAULT]
Program = /opt/x.py
Interpreter_Version = 4

[PLCSERVER]
[XMLRPC]
[MQTT]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMigratesLegacyPlcslaveSection(t *testing.T) {
	path := writeConfig(t, `
[DEFAULT]
Program = /opt/x.py
Interpreter_Version = 3

[PLCSLAVE]
Enabled = true
Port = 55234
Max_Level = 1

[XMLRPC]
[MQTT]
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.True(t, c.Migrated)
	require.True(t, c.PLCServer.Enabled)
	require.Equal(t, 55234, c.PLCServer.Port)
}

func TestPersistRewritesLegacyNamesOnDisk(t *testing.T) {
	path := writeConfig(t, `
[PLCSLAVE]
Port = 1234
`)
	require.NoError(t, Persist(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[plcserver]")
}

func TestMustRestartSupervisorDetectsIdentityChange(t *testing.T) {
	pathA := writeConfig(t, validINI)
	a, err := Load(pathA)
	require.NoError(t, err)

	b := *a
	b.Default.Program = "/opt/other.py"

	require.True(t, MustRestartSupervisor(a.SupervisorConfig(), b.SupervisorConfig()))
	require.False(t, MustRestartSupervisor(a.SupervisorConfig(), a.SupervisorConfig()))
}

func TestPLCServerConfigAppliesDevModeLevel(t *testing.T) {
	path := writeConfig(t, validINI)
	c, err := Load(path)
	require.NoError(t, err)

	c.PLCServer.Dev_Mode = true
	pc := c.PLCServerConfig()
	require.Equal(t, 9, pc.MaxLevel)
}
