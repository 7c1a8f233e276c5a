package plcserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revpi/revpiloadd/internal/acl"
	"github.com/revpi/revpiloadd/internal/dlog"
)

// acceptTimeout bounds how long Accept() blocks, letting Stop() be
// serviced promptly without a dedicated wakeup socket, per spec §5 ("a
// 2-second accept timeout to permit shutdown polling").
const acceptTimeout = 2 * time.Second

// ImageOpener opens one process-image handle per accepted connection,
// matching spec §3's "each connection exclusively owns ... a process
// image handle."
type ImageOpener func() (Image, error)

// Config is the PLC-Server's restart-relevant configuration (spec §4.8:
// "the PLC-Server restarts only when bindIp, port, or enabled change").
type Config struct {
	BindIP          string
	Port            int
	Enabled         bool
	MaxLevel        int // 1 normally, 9 in developer mode
	DevMode         bool
	WatchdogEnabled bool
}

// RestartFields reports whether two configurations differ in a field that
// requires a listener restart, as opposed to one that can be hot-applied.
func (c Config) RestartFields(o Config) bool {
	return c.BindIP != o.BindIP || c.Port != o.Port || c.Enabled != o.Enabled
}

// opStats are the per-opcode request counters SPEC_FULL §E adds, read
// back through StatsSnapshot.
type opStats struct {
	requests  uint64
	bytesRead uint64
	bytesWrit uint64
}

// Stats is a snapshot of Server counters.
type Stats struct {
	Connections int
	PerOp       map[string]uint64
	BytesRead   uint64
	BytesWrit   uint64
}

// Server is the PLC-Server acceptor (spec §4.6): a listening socket, a
// connection table modeled on the teacher's SimpleRelay
// addConn/delConn/connClosers pattern, and the ACL Manager gating new
// connections and hot-reconfiguration.
type Server struct {
	cfg  Config
	acl  *acl.Manager
	lg   *dlog.Logger
	open ImageOpener
	cfgDoc ConfigDoc
	overlay OverlayDoc

	mu       sync.Mutex
	ln       net.Listener
	conns    map[int]*conn
	nextID   int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	statMu sync.Mutex
	stats  map[string]*opStats
}

func New(cfg Config, aclMgr *acl.Manager, lg *dlog.Logger, open ImageOpener, cfgDoc ConfigDoc, overlay OverlayDoc) *Server {
	return &Server{
		cfg:     cfg,
		acl:     aclMgr,
		lg:      lg,
		open:    open,
		cfgDoc:  cfgDoc,
		overlay: overlay,
		conns:   make(map[int]*conn),
		stats:   make(map[string]*opStats),
	}
}

// Start binds the listening socket and begins the acceptor loop in the
// background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindIP, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln, s.stopCh)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, stopCh chan struct{}) {
	defer s.wg.Done()
	var failCount int
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(acceptTimeout))
		}
		nc, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if strings.Contains(err.Error(), "closed") {
				return
			}
			failCount++
			s.lg.Warn("plcserver: accept failed", dlog.KVErr(err))
			if failCount > 3 {
				s.mu.Lock()
				if s.ln == ln {
					s.ln = nil
				}
				s.mu.Unlock()
				ln.Close()
				return
			}
			continue
		}
		failCount = 0
		go s.handleAccepted(nc)
	}
}

func (s *Server) handleAccepted(nc net.Conn) {
	peer, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	level := s.acl.LevelOf(peer)
	if level < 0 {
		s.lg.Info("plcserver: connection denied by ACL", dlog.KV("peer", peer))
		nc.Close()
		return
	}

	img, err := s.open()
	if err != nil {
		s.lg.Error("plcserver: failed to open process image for connection", dlog.KVErr(err))
		nc.Close()
		return
	}

	id, c := s.addConn(nc, peer, level, img)
	defer s.delConn(id)

	s.lg.Info("plcserver: connection accepted", dlog.KV("peer", peer), dlog.KV("level", level))

	abnormal := c.serve()
	if abnormal {
		if err := c.dirty.apply(img); err != nil {
			s.lg.Warn("plcserver: dirty-set apply failed", dlog.KV("peer", peer), dlog.KVErr(err))
		}
	}
}

func (s *Server) addConn(nc net.Conn, peer string, level int, img Image) (int, *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	deps := connDeps{
		img:             img,
		cfg:             s.cfgDoc,
		overlay:         s.overlay,
		watchdogEnabled: s.cfg.WatchdogEnabled,
		devMode:         s.cfg.DevMode,
		lg:              s.lg,
		onOp:            s.recordOp,
	}
	c := newConn(id, nc, peer, level, deps)
	s.conns[id] = c
	return id, c
}

func (s *Server) delConn(id int) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Listening reports whether the acceptor currently holds an open
// listening socket, letting the Daemon Core detect an unexpectedly dead
// acceptor goroutine (spec §4.8 step 3).
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// CheckConnectedACL recomputes each worker's level against the current
// ACL: workers that resolve below 0 are dropped, others have their level
// updated in place, per spec §4.6 reconfiguration.
func (s *Server) CheckConnectedACL() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		lvl := s.acl.LevelOf(c.peer)
		if lvl < 0 {
			c.nc.Close()
			delete(s.conns, id)
			continue
		}
		c.setLevel(lvl)
	}
}

// DisconnectAll forcibly closes every live connection.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		c.nc.Close()
		delete(s.conns, id)
	}
}

// DisconnectOverlayClients drops only connections that ever issued
// RH/RP (i.e. have seen the IO-overlay), per spec §4.6.
func (s *Server) DisconnectOverlayClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		if c.gotIoOverlay {
			c.nc.Close()
			delete(s.conns, id)
		}
	}
}

// Stop idempotently closes the listener and every live connection, then
// waits for the acceptor goroutine to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.stopCh != nil {
			close(s.stopCh)
		}
		if s.ln != nil {
			s.ln.Close()
			s.ln = nil
		}
		s.mu.Unlock()
		s.DisconnectAll()
		s.wg.Wait()
	})
}

func (s *Server) recordOp(name string, reqBytesRead, reqBytesWrit uint64) {
	s.statMu.Lock()
	st, ok := s.stats[name]
	if !ok {
		st = &opStats{}
		s.stats[name] = st
	}
	s.statMu.Unlock()
	atomic.AddUint64(&st.requests, 1)
	atomic.AddUint64(&st.bytesRead, reqBytesRead)
	atomic.AddUint64(&st.bytesWrit, reqBytesWrit)
}

// StatsSnapshot returns the current per-opcode counters for diagnostics
// (SPEC_FULL §E). No RPC method reports them; plcrunning returns only
// whether the program is running.
func (s *Server) StatsSnapshot() Stats {
	out := Stats{Connections: s.ConnCount(), PerOp: make(map[string]uint64)}
	s.statMu.Lock()
	defer s.statMu.Unlock()
	for name, st := range s.stats {
		out.PerOp[name] = atomic.LoadUint64(&st.requests)
		out.BytesRead += atomic.LoadUint64(&st.bytesRead)
		out.BytesWrit += atomic.LoadUint64(&st.bytesWrit)
	}
	return out
}
