package daemon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/revpi/revpiloadd/internal/cfgwatch"
	"github.com/revpi/revpiloadd/internal/dlog"
	"github.com/revpi/revpiloadd/internal/rpc"
	"github.com/revpi/revpiloadd/internal/supervisor"
)

// registerRPCMethods builds the explicit method table spec §4.7 lists,
// at exactly the canonical levels internal/rpc.canonicalLevels enforces.
// Each handler closes over the Daemon so it can reach the Program
// Supervisor, the PLC-Server, and the Process Image Handle this surface
// is layered on top of, per spec §1's component description.
func (d *Daemon) registerRPCMethods() {
	must := func(name string, level int, h rpc.Handler) {
		if err := d.rp.Register(name, level, h); err != nil {
			panic(err)
		}
	}

	must("load_applog", 0, d.rpcLoadAppLog)
	must("load_plclog", 0, d.rpcLoadPLCLog)
	must("plcexitcode", 0, d.rpcPLCExitCode)
	must("plcrunning", 0, d.rpcPLCRunning)
	must("plcstart", 0, d.rpcPLCStart)
	must("plcstop", 0, d.rpcPLCStop)
	must("reload", 0, d.rpcReload)
	must("mqttrunning", 0, d.rpcMQTTRunning)
	must("plcslaverunning", 0, d.rpcPLCSlaveRunning)

	must("psstart", 1, d.rpcPLCStart)
	must("psstop", 1, d.rpcPLCStop)

	must("get_config", 2, d.rpcGetConfig)
	must("get_filelist", 2, d.rpcGetFileList)
	must("get_pictoryrsc", 2, d.rpcGetPictoryRsc)
	must("get_procimg", 2, d.rpcGetProcImg)
	must("plcdownload", 2, d.rpcPLCDownload)

	must("plcupload", 3, d.rpcPLCUpload)
	must("plcuploadclean", 3, d.rpcPLCUploadClean)
	must("resetpicontrol", 3, d.rpcResetPiControl)
	must("mqttstart", 3, d.rpcMQTTStart)
	must("mqttstop", 3, d.rpcMQTTStop)
	must("plcslavestart", 3, d.rpcPLCSlaveStart)
	must("plcslavestop", 3, d.rpcPLCSlaveStop)
	must("plcdeletefile", 3, d.rpcPLCDeleteFile)
	must("plcdownload_file", 3, d.rpcPLCDownloadFile)

	must("set_config", 4, d.rpcSetConfig)
	must("set_pictoryrsc", 4, d.rpcSetPictoryRsc)
}

func (d *Daemon) programDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Dir(d.cfg.Default.Program)
}

// tailLines returns the last n lines of the file at path (all of them
// when n <= 0 or n exceeds the count; trailing newlines are dropped),
// mirroring the incremental-log-read surface spec §1 describes for the
// RPC Surface ("read logs incrementally").
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n <= 0 || n > len(lines) {
		n = len(lines)
	}
	return lines[len(lines)-n:], nil
}

type linesParams struct {
	Lines int `json:"lines"`
}

func (d *Daemon) rpcLoadAppLog(_ int, params json.RawMessage) (interface{}, error) {
	var p linesParams
	json.Unmarshal(params, &p)
	d.mu.Lock()
	path := d.cfg.Default.App_Log_File
	d.mu.Unlock()
	return tailLines(path, p.Lines)
}

func (d *Daemon) rpcLoadPLCLog(_ int, params json.RawMessage) (interface{}, error) {
	var p linesParams
	json.Unmarshal(params, &p)
	d.mu.Lock()
	path := d.cfg.Default.Log_File
	d.mu.Unlock()
	return tailLines(path, p.Lines)
}

func (d *Daemon) rpcPLCExitCode(_ int, _ json.RawMessage) (interface{}, error) {
	return d.supervisorRef().ExitCode(), nil
}

func (d *Daemon) rpcPLCRunning(_ int, _ json.RawMessage) (interface{}, error) {
	return d.supervisorRef().Running(), nil
}

func (d *Daemon) rpcPLCStart(_ int, _ json.RawMessage) (interface{}, error) {
	sup := d.supervisorRef()
	if sup.Running() {
		return nil, supervisor.ErrAlreadyRunning
	}
	return nil, sup.Start()
}

func (d *Daemon) rpcPLCStop(_ int, _ json.RawMessage) (interface{}, error) {
	return nil, d.supervisorRef().Stop()
}

func (d *Daemon) rpcReload(_ int, _ json.RawMessage) (interface{}, error) {
	d.requestReload()
	return "reload scheduled", nil
}

func (d *Daemon) rpcMQTTRunning(_ int, _ json.RawMessage) (interface{}, error) {
	d.mqttMu.Lock()
	defer d.mqttMu.Unlock()
	return d.mqttRunning, nil
}

func (d *Daemon) rpcMQTTStart(_ int, _ json.RawMessage) (interface{}, error) {
	d.mqttMu.Lock()
	d.mqttRunning = true
	d.mqttMu.Unlock()
	return nil, nil
}

func (d *Daemon) rpcMQTTStop(_ int, _ json.RawMessage) (interface{}, error) {
	d.mqttMu.Lock()
	d.mqttRunning = false
	d.mqttMu.Unlock()
	return nil, nil
}

func (d *Daemon) rpcPLCSlaveRunning(_ int, _ json.RawMessage) (interface{}, error) {
	return d.plcServerRef().Listening(), nil
}

func (d *Daemon) rpcPLCSlaveStart(_ int, _ json.RawMessage) (interface{}, error) {
	return nil, d.plcServerRef().Start()
}

func (d *Daemon) rpcPLCSlaveStop(_ int, _ json.RawMessage) (interface{}, error) {
	d.plcServerRef().Stop()
	return nil, nil
}

func (d *Daemon) rpcGetConfig(_ int, _ json.RawMessage) (interface{}, error) {
	return string(d.cfgw.Config().Bytes()), nil
}

type fileEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

func (d *Daemon) rpcGetFileList(_ int, _ json.RawMessage) (interface{}, error) {
	entries, err := os.ReadDir(d.programDir())
	if err != nil {
		return nil, err
	}
	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (d *Daemon) rpcGetPictoryRsc(_ int, _ json.RawMessage) (interface{}, error) {
	d.mu.Lock()
	dir := d.cfg.Default.Pictory_Rap
	d.mu.Unlock()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *Daemon) rpcGetProcImg(_ int, _ json.RawMessage) (interface{}, error) {
	d.mu.Lock()
	length := d.cfg.Default.Proc_Image_Len
	d.mu.Unlock()
	raw, err := d.img.ReadAt(0, length)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (d *Daemon) rpcPLCDownload(_ int, _ json.RawMessage) (interface{}, error) {
	d.mu.Lock()
	path := d.cfg.Default.Program
	d.mu.Unlock()
	return readFileGzipped(path)
}

type filePathParams struct {
	Path string `json:"path"`
}

func (d *Daemon) rpcPLCDownloadFile(_ int, params json.RawMessage) (interface{}, error) {
	var p filePathParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	full, err := rpc.SafeJoin(d.programDir(), p.Path)
	if err != nil {
		return nil, err
	}
	return readFileGzipped(full)
}

func readFileGzipped(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	gz, err := rpc.Gzip(data)
	if err != nil {
		return "", err
	}
	// The wire format compresses uploads (spec §4.7); downloads mirror the
	// same envelope so a single client-side codec handles both directions.
	return base64.StdEncoding.EncodeToString(gz), nil
}

type uploadParams struct {
	Path string `json:"path"`
	Data string `json:"data"` // base64(gzip(bytes))
}

func (d *Daemon) rpcPLCUpload(_ int, params json.RawMessage) (interface{}, error) {
	var p uploadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return nil, d.writeUpload(p)
}

func (d *Daemon) rpcPLCUploadClean(_ int, params json.RawMessage) (interface{}, error) {
	dir := d.programDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}
	var p uploadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return nil, d.writeUpload(p)
}

func (d *Daemon) writeUpload(p uploadParams) error {
	full, err := rpc.SafeJoin(d.programDir(), p.Path)
	if err != nil {
		return err
	}
	gz, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return err
	}
	raw, err := rpc.Gunzip(gz)
	if err != nil {
		return err
	}
	d.mu.Lock()
	uid, gid := d.cfg.Default.Uid, d.cfg.Default.Gid
	d.mu.Unlock()
	if err := rpc.EnsureDir(filepath.Dir(full), uid, gid); err != nil {
		return err
	}
	return os.WriteFile(full, raw, 0640)
}

func (d *Daemon) rpcPLCDeleteFile(_ int, params json.RawMessage) (interface{}, error) {
	var p filePathParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	full, err := rpc.SafeJoin(d.programDir(), p.Path)
	if err != nil {
		return nil, err
	}
	return nil, os.Remove(full)
}

func (d *Daemon) rpcResetPiControl(_ int, _ json.RawMessage) (interface{}, error) {
	return nil, d.img.ResetNow()
}

type setConfigParams struct {
	Data string `json:"data"`
}

func (d *Daemon) rpcSetConfig(_ int, params json.RawMessage) (interface{}, error) {
	var p setConfigParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	doc, err := cfgwatch.ParseConfigDoc([]byte(p.Data))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	configPath, catalogDir := d.cfg.Default.Config_Rsc, d.cfg.Default.Pictory_Rap
	d.mu.Unlock()
	if err := validateAgainstCatalog(doc.Bytes(), catalogDir); err != nil {
		d.lg.Warn("daemon: set_config catalog validation failed", dlog.KVErr(err))
		return nil, err
	}
	if err := os.WriteFile(configPath, []byte(p.Data), 0640); err != nil {
		return nil, err
	}
	d.requestReload()
	return "config written, reload scheduled", nil
}

// validateAgainstCatalog implements spec §6's module catalog check:
// every Devices[*].id[7:-4] substring must appear in some catalog entry
// before a new hardware-config document may be persisted.
func validateAgainstCatalog(raw []byte, catalogDir string) error {
	var top struct {
		Devices []struct {
			ID string `json:"id"`
		} `json:"Devices"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	entries, err := os.ReadDir(catalogDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	for _, dev := range top.Devices {
		id := dev.ID
		if len(id) <= 11 {
			continue
		}
		needle := id[7 : len(id)-4]
		found := false
		for _, n := range names {
			if strings.Contains(n, needle) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("daemon: device id %q not found in module catalog %s", id, catalogDir)
		}
	}
	return nil
}

type pictoryRscParams struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (d *Daemon) rpcSetPictoryRsc(_ int, params json.RawMessage) (interface{}, error) {
	var p pictoryRscParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	d.mu.Lock()
	dir := d.cfg.Default.Pictory_Rap
	d.mu.Unlock()
	full, err := rpc.SafeJoin(dir, p.Name)
	if err != nil {
		return nil, err
	}
	return nil, os.WriteFile(full, []byte(p.Data), 0640)
}
