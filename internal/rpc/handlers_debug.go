package rpc

import (
	"encoding/json"
	"strings"

	"github.com/hsxvm/hsxd/internal/executive"
	"github.com/hsxvm/hsxd/internal/hxe"
)

func handleAttach(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Debugger.Attach(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return ok(nil)
}

func handleDetach(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Debugger.Detach(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return ok(nil)
}

// bpArgs covers every `bp` sub-operation (spec.md §6): op selects
// add/clear/clear_all/list, addr is only meaningful for add/clear.
type bpArgs struct {
	PID  uint32 `json:"pid"`
	Op   string `json:"op"`
	Addr uint32 `json:"addr"`
}

func handleBp(s *Server, c *conn, raw json.RawMessage) Response {
	var a bpArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	switch a.Op {
	case "add":
		if !s.Debugger.SetBreakpoint(a.PID, a.Addr) {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(nil)
	case "clear":
		if !s.Debugger.ClearBreakpoint(a.PID, a.Addr) {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(nil)
	case "clear_all":
		if !s.Debugger.ClearAllBreakpoints(a.PID) {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(nil)
	case "list":
		return ok(map[string]any{"breakpoints": s.Debugger.ListBreakpoints(a.PID)})
	default:
		return errResponse("bad_request", "unknown bp op %q", a.Op)
	}
}

// traceArgs covers every `trace` sub-operation: control enables/disables
// the ring, records returns the retained records, export/import move a
// ring's contents across a reload, config is a synonym for control that
// also sets capacity (spec.md §4.6/§6).
type traceArgs struct {
	PID      uint32                  `json:"pid"`
	Op       string                  `json:"op"`
	Enabled  bool                    `json:"enabled"`
	Capacity int                     `json:"capacity"`
	Records  []executive.TraceRecord `json:"records"` // import only
	Replace  bool                    `json:"replace"` // import only
}

func handleTrace(s *Server, c *conn, raw json.RawMessage) Response {
	var a traceArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	switch a.Op {
	case "control", "config":
		if !s.Debugger.SetTrace(a.PID, a.Enabled, a.Capacity) {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(nil)
	case "records":
		return ok(map[string]any{"records": s.Debugger.TraceRecords(a.PID)})
	case "export":
		return ok(map[string]any{"records": s.Debugger.TraceRecords(a.PID)})
	case "import":
		if !s.Debugger.ImportTrace(a.PID, a.Records, a.Replace) {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(nil)
	default:
		return errResponse("bad_request", "unknown trace op %q", a.Op)
	}
}

// handleDisasm is out of scope for this build: the disassembler is an
// external collaborator (spec.md Non-goals), identified only by the wire
// interface it would need to satisfy. hxeinfo's own disassembly output is
// produced host-side, not through this RPC surface.
func handleDisasm(s *Server, c *conn, raw json.RawMessage) Response {
	return errResponse("unsupported", "disasm is produced by an external host-side tool, not this server")
}

func handleStack(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	t, found := s.Sched.Get(a.PID)
	if !found {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	s.mu.Lock()
	symtab := s.symtabs[a.PID]
	s.mu.Unlock()
	if symtab == nil {
		symtab = &hxe.SymbolTable{}
	}
	frames := executive.Unwind(t, symtab)
	return ok(map[string]any{"frames": frames})
}

type symbolsArgs struct {
	PID  uint32 `json:"pid"`
	Op   string `json:"op"`   // "list" or "load"
	Data string `json:"data"` // load only: the symbol file contents
}

func handleSymbols(s *Server, c *conn, raw json.RawMessage) Response {
	var a symbolsArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	switch a.Op {
	case "load":
		symtab, err := hxe.ParseSymbols(strings.NewReader(a.Data))
		if err != nil {
			return errResponse("bad_request", "%v", err)
		}
		s.mu.Lock()
		s.symtabs[a.PID] = symtab
		s.mu.Unlock()
		return ok(nil)
	case "list", "":
		s.mu.Lock()
		symtab := s.symtabs[a.PID]
		s.mu.Unlock()
		if symtab == nil {
			return ok(map[string]any{"symbols": []hxe.Symbol{}})
		}
		return ok(map[string]any{"symbols": symtab.All()})
	default:
		return errResponse("bad_request", "unknown symbols op %q", a.Op)
	}
}

type symArgs struct {
	PID  uint32 `json:"pid"`
	Name string `json:"name"` // lookup by name
	Addr uint32 `json:"addr"` // lookup by address
}

func handleSym(s *Server, c *conn, raw json.RawMessage) Response {
	var a symArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	s.mu.Lock()
	symtab := s.symtabs[a.PID]
	s.mu.Unlock()
	if symtab == nil {
		return errResponse("not_found", "no symbol table loaded for pid %d", a.PID)
	}
	if a.Name != "" {
		sym, found := symtab.ByName(a.Name)
		if !found {
			return errResponse("not_found", "%s", a.Name)
		}
		return ok(map[string]any{"symbol": sym})
	}
	sym, offset, found := symtab.Lookup(a.Addr)
	if !found {
		return errResponse("not_found", "no symbol covers addr %d", a.Addr)
	}
	return ok(map[string]any{"symbol": sym, "offset": offset})
}

// handleMemory reports a task's fixed address-space regions (spec.md §4.1:
// a flat 64 KiB space laid out as code, rodata, bss/heap, stack).
func handleMemory(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	t, found := s.Sched.Get(a.PID)
	if !found {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	regions := []map[string]any{
		{"name": "image", "start": uint32(0), "end": t.StackBase},
		{"name": "stack", "start": t.StackBase, "end": t.StackLimit},
	}
	return ok(map[string]any{"regions": regions})
}

type watchArgs struct {
	PID    uint32 `json:"pid"`
	Op     string `json:"op"` // add/remove/list
	Addr   uint32 `json:"addr"`
	Length uint32 `json:"length"`
	ID     uint32 `json:"id"`
}

func handleWatch(s *Server, c *conn, raw json.RawMessage) Response {
	var a watchArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if a.Op != "remove" {
		if r := s.checkPID(c, a.PID); r != nil {
			return *r
		}
	}
	switch a.Op {
	case "add":
		id := s.Debugger.AddWatch(a.PID, a.Addr, a.Length)
		if id == 0 {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(map[string]any{"watch_id": id})
	case "remove":
		if !s.Debugger.RemoveWatch(a.ID) {
			return errResponse("not_found", "%d", a.ID)
		}
		return ok(nil)
	case "list":
		return ok(map[string]any{"watches": s.Debugger.ListWatches(a.PID)})
	default:
		return errResponse("bad_request", "unknown watch op %q", a.Op)
	}
}
