package rpc

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"github.com/google/uuid"

	"github.com/hsxvm/hsxd/internal/executive"
	"github.com/hsxvm/hsxd/internal/hxe"
	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
)

// maxLineSize bounds a single inbound JSON line, grounded on
// runtime_ipc.go's fixed ipcMaxRequestSize guard against an unbounded
// read off an untrusted socket.
const maxLineSize = 1 << 20

// Server is the HSX host's RPC front end: one TCP listener, dispatching
// line-delimited JSON commands into the executive/mailbox/registry/hxe
// singletons it's constructed with (spec.md §6).
//
// Grounded on runtime_ipc.go's IPCServer (bind once, accept loop spawns a
// goroutine per connection), generalized from a Unix socket serving one
// OPEN verb to a TCP listener serving the full command surface and from a
// single request/response exchange to a connection that can become an
// events.subscribe push stream.
type Server struct {
	Sched    *executive.Scheduler
	Debugger *executive.Debugger
	Sessions *executive.SessionManager
	Bus      *executive.EventBus
	Registry *registry.Registry
	Mailbox  *mailbox.Manager
	Log      *slog.Logger

	mu       sync.Mutex
	apps     map[string]bool // v2 app_name -> loaded, guards the app_exists check
	symtabs  map[uint32]*hxe.SymbolTable
	logBuf   []string // bounded ring backing the `dmesg` RPC verb

	listener net.Listener
	pool     *gopool.GoPool
}

const dmesgCapacity = 512

// appendLog records a host-side diagnostic line for the `dmesg` RPC verb
// in addition to the structured slog record callers already emit.
func (s *Server) appendLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logBuf = append(s.logBuf, line)
	if len(s.logBuf) > dmesgCapacity {
		s.logBuf = s.logBuf[len(s.logBuf)-dmesgCapacity:]
	}
}

// DrainLog returns a snapshot of the retained dmesg lines without
// clearing them — dmesg is a diagnostic read, not a consuming queue like
// the event bus's subscriptions.
func (s *Server) DrainLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logBuf))
	copy(out, s.logBuf)
	return out
}

// NewServer wires an RPC front end against an already-constructed
// executive. Every dependency is a process-wide singleton owned by
// cmd/hsxd; Server itself holds no VM/task state of its own.
func NewServer(sched *executive.Scheduler, dbg *executive.Debugger, sessions *executive.SessionManager, bus *executive.EventBus, reg *registry.Registry, mb *mailbox.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Sched:    sched,
		Debugger: dbg,
		Sessions: sessions,
		Bus:      bus,
		Registry: reg,
		Mailbox:  mb,
		Log:      log,
		apps:     make(map[string]bool),
		symtabs:  make(map[uint32]*hxe.SymbolTable),
		pool:     gopool.NewGoPool("hsxd-rpc", nil),
	}
}

// ListenAndServe binds addr and accepts connections until the listener is
// closed (e.g. via Close), handing each one to the connection pool.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.Log.Info("rpc listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.pool.Go(func() { s.handleConn(conn) })
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// conn is one accepted connection's dispatch-time state: its negotiated
// session (nil until session.open succeeds) and, once events.subscribe is
// called, the subscription it has turned the connection's outbound side
// into a push stream for.
type conn struct {
	id      string // google/uuid id tagging this connection's log lines and returned as its events.subscribe token, distinct from the rs/xid session id spec.md's session.open hands back to the client
	raw     net.Conn
	w       *bufio.Writer
	wmu     sync.Mutex
	session *executive.Session
	sub     *executive.Subscription
}

func (c *conn) writeResponse(r Response) {
	r.Version = ProtocolVersion
	c.wmu.Lock()
	defer c.wmu.Unlock()
	enc := json.NewEncoder(c.w)
	if err := enc.Encode(r); err != nil {
		return
	}
	c.w.Flush()
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()
	c := &conn{id: uuid.NewString(), raw: raw, w: bufio.NewWriter(raw)}
	s.Log.Info("rpc connection accepted", "conn", c.id, "remote", raw.RemoteAddr().String())
	s.appendLog("rpc: connection accepted from " + raw.RemoteAddr().String())
	defer func() {
		if c.sub != nil {
			s.Bus.Unsubscribe(c.sub.Token)
		}
		if c.session != nil {
			s.Sessions.Close(c.session.ID)
			s.Bus.UnsubscribeSession(c.session.ID)
		}
		s.Log.Info("rpc connection closed", "conn", c.id)
		s.appendLog("rpc: connection closed " + c.id)
	}()

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.writeResponse(errResponse("bad_request", "invalid json: %v", err))
			continue
		}
		resp := s.dispatch(c, req)
		c.writeResponse(resp)
		if c.sub != nil {
			// events.subscribe just turned this connection into a stream:
			// the ok acknowledgement above was the first line: subsequent
			// lines are event objects until the subscription closes or the
			// peer disconnects (spec.md §6).
			s.streamEvents(c)
			return
		}
	}
}

// streamEvents blocks delivering c.sub's queued events as wire lines until
// the subscription is closed (heartbeat expiry, events.ack-driven
// recovery does not end it, only explicit unsubscribe/backpressure drop
// does) or the peer goes away.
func (s *Server) streamEvents(c *conn) {
	for {
		events, alive := c.sub.Wait()
		for _, e := range events {
			wire := EventWire{Seq: e.Seq, TS: e.TS.UnixMilli(), Type: e.Type, PID: e.PID, Data: e.Data}
			c.wmu.Lock()
			enc := json.NewEncoder(c.w)
			err := enc.Encode(wire)
			c.w.Flush()
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
		if !alive {
			return
		}
	}
}
