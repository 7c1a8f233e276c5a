// Package config loads the daemon configuration file (spec §6:
// /etc/revpipyload/revpipyload.conf) with gcfg, the same INI-ish format
// the teacher uses for every ingester and for its own embedded process
// manager (manager/config.go). Sections map onto spec.md's DEFAULT,
// MQTT, PLCSERVER (with legacy PLCSLAVE auto-migration) and XMLRPC.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"regexp"
	"strings"

	"github.com/gravwell/gcfg"
)

// maxConfigSize is a sanity bound on the config file, matching the
// teacher's own GetConfig in manager/config.go.
const maxConfigSize int64 = 1024 * 1024 * 4

// ErrNoProgram is returned by Validate when DEFAULT.Program is empty:
// the daemon has nothing to supervise.
var ErrNoProgram = errors.New("config: DEFAULT.Program is not set")

// defaultSection holds the Program Supervisor's configuration (spec
// §4.5) plus the Daemon Core's reset-driver policy (spec §4.8) and the
// well-known filesystem locations (spec §6).
type defaultSection struct {
	Program             string
	Program_Args        string
	Working_Dir         string
	Interpreter_Version int
	Uid                 int
	Gid                 int
	Rt_Level            int
	Auto_Reload         bool
	Auto_Reload_Delay   int
	Stop_Timeout        int
	Watchdog_Timeout    int
	Zero_On_Exit        bool
	Zero_On_Error       bool
	Reset_Driver_Action int

	Config_Rsc      string
	Pictory_Rap     string
	Log_File        string
	App_Log_File    string
	Log_Level       string
	Pid_File        string
	Io_Overlay      string
	Proc_Image_Path string
	Proc_Image_Len  int
	Err_Handler     string
}

// mqttSection mirrors the upstream MQTT publisher's own config block.
// The publisher thread itself is an out-of-scope external collaborator
// (spec §1); the Daemon Core only needs enough of this section to
// answer the RPC Surface's mqttrunning/mqttstart/mqttstop calls and to
// decide whether to launch the collaborator at all.
type mqttSection struct {
	Enabled     bool
	Bind_String string
	User        string
	Password    string
	Topic       string
}

// plcserverSection configures the Binary PLC-Server (spec §4.6).
type plcserverSection struct {
	Enabled          bool
	Bind_Ip          string
	Port             int
	Max_Level        int
	Watchdog_Enabled bool
	Dev_Mode         bool
	Acl_File         string
}

// xmlrpcSection configures the RPC Surface (spec §4.7). The name keeps
// the origin protocol's label per SPEC_FULL §F even though the wire
// encoding here is JSON over HTTP.
type xmlrpcSection struct {
	Enabled   bool
	Bind_Ip   string
	Port      int
	Acl_File  string
}

// cfgFile is the gcfg-decoded shape of the on-disk INI file.
type cfgFile struct {
	Default   defaultSection
	Mqtt      mqttSection
	Plcserver plcserverSection
	Xmlrpc    xmlrpcSection
}

// Config is the daemon's fully decoded configuration.
type Config struct {
	Default   defaultSection
	MQTT      mqttSection
	PLCServer plcserverSection
	XMLRPC    xmlrpcSection

	// Migrated records whether Load found and auto-migrated a legacy
	// PLCSLAVE section; the caller persists the file once in response.
	Migrated bool
}

// legacySectionPattern matches the old `[plcslave]`/`[PLCSLAVE]` header,
// in any casing (gcfg section headers are themselves case-insensitive),
// so it can be rewritten to `plcserver` before parsing, per spec §9's
// legacy-naming note ("Config sections may appear with the old names
// PLCSLAVE/plcslave*").
var legacySectionPattern = regexp.MustCompile(`(?im)^(\s*\[\s*)plcslave(\s*\])`)

// migrateLegacyNames rewrites an old PLCSLAVE section header to
// PLCSERVER and reports whether anything changed.
func migrateLegacyNames(text string) (migrated string, changed bool) {
	migrated = legacySectionPattern.ReplaceAllString(text, "${1}plcserver${2}")
	return migrated, migrated != text
}

// Load reads and parses the config file at path, migrating legacy
// PLCSLAVE naming in memory (the caller is responsible for calling
// Persist once if Migrated is set, per spec §9: "persist the migrated
// file once").
func Load(path string) (*Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, fmt.Errorf("config: %s is implausibly large (%d bytes)", path, fi.Size())
	}
	data, err := ioutil.ReadAll(fin)
	if err != nil {
		return nil, err
	}

	text, migrated := migrateLegacyNames(string(data))

	var raw cfgFile
	if err := gcfg.ReadStringInto(&raw, text); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := &Config{
		Default:   raw.Default,
		MQTT:      raw.Mqtt,
		PLCServer: raw.Plcserver,
		XMLRPC:    raw.Xmlrpc,
		Migrated:  migrated,
	}
	applyDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults fills in the well-known filesystem locations from spec
// §6 when the config file leaves them blank, the same "zero value means
// use the default" convention the teacher's ingesters follow.
func applyDefaults(c *Config) {
	if c.Default.Config_Rsc == "" {
		c.Default.Config_Rsc = "/etc/revpi/config.rsc"
	}
	if c.Default.Log_File == "" {
		c.Default.Log_File = "/var/log/revpipyload"
	}
	if c.Default.App_Log_File == "" {
		c.Default.App_Log_File = "/var/log/revpipyloadapp"
	}
	if c.Default.Pid_File == "" {
		c.Default.Pid_File = "/var/run/revpipyload.pid"
	}
	if c.Default.Proc_Image_Path == "" {
		c.Default.Proc_Image_Path = "/dev/piControl0"
	}
	if c.Default.Proc_Image_Len == 0 {
		c.Default.Proc_Image_Len = 4096
	}
	if c.Default.Interpreter_Version == 0 {
		c.Default.Interpreter_Version = 3
	}
	if c.PLCServer.Max_Level == 0 {
		c.PLCServer.Max_Level = 1
	}
	if c.XMLRPC.Port == 0 {
		c.XMLRPC.Port = 55123
	}
	if c.PLCServer.Port == 0 {
		c.PLCServer.Port = 55234
	}
	if c.PLCServer.Acl_File == "" {
		c.PLCServer.Acl_File = "/etc/revpiload/plcserver.acl"
	}
	if c.XMLRPC.Acl_File == "" {
		c.XMLRPC.Acl_File = "/etc/revpiload/xmlrpc.acl"
	}
}

// Validate checks the fields the daemon cannot safely start without,
// matching the teacher's "fail configure() fatally" error-handling
// policy (spec §7: "Config file missing/corrupt at startup — fatal").
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Default.Program) == "" {
		return ErrNoProgram
	}
	if c.Default.Interpreter_Version != 2 && c.Default.Interpreter_Version != 3 {
		return fmt.Errorf("config: DEFAULT.Interpreter_Version must be 2 or 3, got %d", c.Default.Interpreter_Version)
	}
	if c.Default.Reset_Driver_Action < 0 || c.Default.Reset_Driver_Action > 2 {
		return fmt.Errorf("config: DEFAULT.Reset_Driver_Action must be 0, 1, or 2, got %d", c.Default.Reset_Driver_Action)
	}
	return nil
}

// Persist rewrites the config file at path with the legacy PLCSLAVE
// naming migrated away, matching the in-memory Config. Called once,
// only when Load reported Migrated.
func Persist(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	migrated, changed := migrateLegacyNames(string(data))
	if !changed {
		return nil
	}
	return ioutil.WriteFile(path, []byte(migrated), 0644)
}
