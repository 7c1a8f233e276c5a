package rpc

// canonicalLevels is the fixed name->minLevel table from spec §4.7. It
// exists purely to make Register fail closed against a mismatched level
// at the call site; the actual handler logic is supplied by the daemon
// layer that owns the Program Supervisor, PLC-Server, and Process Image
// Handle this RPC surface operates on.
var canonicalLevels = map[string]int{
	"version":         0,
	"xmlmodus":        0,
	"load_applog":     0,
	"load_plclog":     0,
	"plcexitcode":     0,
	"plcrunning":      0,
	"plcstart":        0,
	"plcstop":         0,
	"reload":          0,
	"mqttrunning":     0,
	"plcslaverunning": 0,

	"psstart": 1,
	"psstop":  1,

	"get_config":      2,
	"get_filelist":    2,
	"get_pictoryrsc":  2,
	"get_procimg":     2,
	"plcdownload":     2,

	"plcupload":          3,
	"plcuploadclean":     3,
	"resetpicontrol":     3,
	"mqttstart":          3,
	"mqttstop":           3,
	"plcslavestart":      3,
	"plcslavestop":       3,
	"plcdeletefile":      3,
	"plcdownload_file":   3,

	"set_config":     4,
	"set_pictoryrsc": 4,
}
