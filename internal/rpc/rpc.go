// Package rpc implements the RPC Surface (spec §4.7): a request-reply
// endpoint gated by a per-method minimum ACL level. The teacher has no
// XML-RPC dependency anywhere in its graph (nor does any other example
// repo), so the wire encoding here is JSON over HTTP POST, modeled on
// HttpIngester/main.go's explicit http.Handler + http.Server shape
// (including its getRemoteAddr helper for X-Forwarded-For-aware peer
// lookup); method dispatch itself is the explicit, non-reflective method
// table design note §9 calls for.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/revpi/revpiloadd/internal/acl"
	"github.com/revpi/revpiloadd/internal/dlog"
)

// ErrUnknownMethod, ErrForbidden mirror the RPC-side half of spec §7's
// "Authorization -- reply 0x18 ... 401 for RPC" rule (opcode denial on
// the binary side, structured-error denial here).
var (
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrForbidden     = errors.New("rpc: insufficient access level")
	ErrUnauthorized  = errors.New("rpc: unrecognized caller")
)

// Handler is one registered method's implementation. level is the
// caller's resolved ACL level (xmlmodus's sole argument, per spec §4.7);
// params is the raw JSON params object from the request body.
type Handler func(level int, params json.RawMessage) (interface{}, error)

type methodEntry struct {
	minLevel int
	handler  Handler
}

// Server is the RPC Surface: an http.Handler plus the explicit method
// table, dispatched by name with no reflection.
type Server struct {
	aclMgr *acl.Manager
	lg     *dlog.Logger

	mu      sync.RWMutex
	methods map[string]methodEntry

	httpSrv *http.Server
}

// request/response wire shapes. No XML-RPC envelope exists in the
// dependency graph, so the wire format is the simplest JSON equivalent:
// {"method": "...", "params": {...}} in, {"result": ...} or
// {"error": "..."} out.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// New constructs a Server bound to aclMgr, registering the two methods
// every caller can always reach regardless of level: "version" (returns
// versionString) and "xmlmodus" (returns the caller's own level, letting
// clients discover their permitted surface, per spec §4.7).
func New(aclMgr *acl.Manager, lg *dlog.Logger, versionString string) *Server {
	s := &Server{
		aclMgr:  aclMgr,
		lg:      lg,
		methods: make(map[string]methodEntry),
	}
	s.mustRegister("version", 0, func(level int, _ json.RawMessage) (interface{}, error) {
		return versionString, nil
	})
	s.mustRegister("xmlmodus", 0, func(level int, _ json.RawMessage) (interface{}, error) {
		return level, nil
	})
	return s
}

// Register adds a method to the table. It fails closed: registering a
// name the spec assigns a different canonical level to is an error,
// since the whole point of the explicit table is that levels are never
// guessed at the call site.
func (s *Server) Register(name string, minLevel int, h Handler) error {
	if want, ok := canonicalLevels[name]; ok && want != minLevel {
		return fmt.Errorf("rpc: method %q must be registered at level %d, not %d", name, want, minLevel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = methodEntry{minLevel: minLevel, handler: h}
	return nil
}

func (s *Server) mustRegister(name string, minLevel int, h Handler) {
	if err := s.Register(name, minLevel, h); err != nil {
		panic(err)
	}
}

// Listen starts the HTTP server on addr in the background.
func (s *Server) Listen(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.lg.Error("rpc: server exited", dlog.KVErr(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP server down, if it was started via Listen.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// ServeHTTP implements http.Handler: resolve the caller's level,
// dispatch by method name, and write back a JSON response. Dispatch
// failures -- unrecognized caller, bad body, unknown method, insufficient
// level -- are reported as a structured {"error": "..."} body with a fixed
// message, matching spec §7's "neither leaks further information." A
// method's own failure is reported with that method's error text.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	peer := remoteIP(r)
	level := s.aclMgr.LevelOf(peer)
	if level < 0 {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(response{Error: ErrUnauthorized.Error()})
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(response{Error: "malformed request"})
		return
	}

	s.mu.RLock()
	entry, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(response{Error: ErrUnknownMethod.Error()})
		return
	}
	if level < entry.minLevel {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(response{Error: ErrForbidden.Error()})
		return
	}

	result, err := entry.handler(level, req.Params)
	if err != nil {
		s.lg.Warn("rpc: method failed", dlog.KV("method", req.Method), dlog.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(response{Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(response{Result: result})
}

// remoteIP extracts the caller's IP, preferring X-Forwarded-For the way
// HttpIngester/main.go's getRemoteAddr does, falling back to the raw
// connection address.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
