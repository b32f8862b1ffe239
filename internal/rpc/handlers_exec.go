package rpc

import (
	"encoding/base64"
	"encoding/json"
	"math"

	"github.com/hsxvm/hsxd/internal/hxe"
	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
	"github.com/hsxvm/hsxd/internal/vm"
)

type loadArgs struct {
	Data string `json:"data"` // base64-encoded HXE image bytes
}

// handleLoad decodes and validates an HXE image, spawns a task for it, and
// — for v2 images — binds its pre-declared mailboxes and registers its
// value/command descriptors (spec.md §4.2: "the loader returns parsed
// metadata but does not bind mailboxes or register values — that is the
// executive's duty on successful task creation").
func handleLoad(s *Server, c *conn, raw json.RawMessage) Response {
	var a loadArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return errResponse("bad_request", "data is not valid base64: %v", err)
	}
	img, err := hxe.Load(data)
	if err != nil {
		if le, isLoadErr := err.(*hxe.LoadError); isLoadErr {
			return errResponse(string(le.Kind), "%s", le.Msg)
		}
		return errResponse("load", "%v", err)
	}

	if img.Header.Version == hxe.V2 && img.Header.AppName != "" && !img.Header.AllowMultiple() {
		s.mu.Lock()
		exists := s.apps[img.Header.AppName]
		if !exists {
			s.apps[img.Header.AppName] = true
		}
		s.mu.Unlock()
		if exists {
			return errResponse("app_exists", "%s", img.Header.AppName)
		}
	}

	task, err := s.Sched.Spawn(img.Header.Entry, img.Code, img.Rodata, img.Header.BssSize)
	if err != nil {
		return errResponse("load", "%v", err)
	}

	if img.Metadata != nil {
		for _, mb := range img.Metadata.Mailbox {
			id, perr := mailbox.ParseTarget(mb.Target, task.PID)
			if perr != nil {
				continue
			}
			s.Mailbox.Bind(id, mb.Capacity, mb.ModeMask)
		}
		for _, vd := range img.Metadata.Values {
			v := registry.Value{
				Group: vd.Group, ID: vd.ID, OwnerPID: task.PID, Flags: vd.Flags,
				AuthLevel: registry.AuthLevel(vd.AuthLevel), Name: vd.Name, Unit: vd.Unit,
				Epsilon: vd.Epsilon, Min: vd.Min, Max: vd.Max, PersistKey: vd.PersistKey,
			}
			s.Registry.RegisterValue(v)
			s.Registry.SetValue(vd.Group, vd.ID, task.PID, math.Float32frombits(uint32(vd.InitValue)), "")
		}
		for _, cd := range img.Metadata.Commands {
			flags := uint16(0)
			if cd.Flags&hxe.CommandFlagPin != 0 {
				flags |= registry.FlagPIN
			}
			if cd.Flags&hxe.CommandFlagAsync != 0 {
				flags |= registry.FlagAsync
			}
			c := registry.Command{
				Group: cd.Group, ID: cd.ID, OwnerPID: task.PID, Flags: flags,
				AuthLevel: registry.AuthLevel(cd.AuthLevel), Name: cd.Name, Help: cd.Help,
			}
			stub := func(callerPID uint32, args []byte) ([]byte, registry.Status) {
				return nil, registry.StatusEnosys
			}
			s.Registry.RegisterCommand(c, stub)
		}
	}

	return ok(map[string]any{
		"pid":      task.PID,
		"entry":    task.PC,
		"version":  img.Header.Version,
		"app_name": img.Header.AppName,
	})
}

func taskSummary(t *vm.Task) map[string]any {
	return map[string]any{
		"pid":             t.PID,
		"state":           t.State.String(),
		"pc":              t.PC,
		"sp":              t.SP,
		"accounted_steps": t.AccountedSteps,
		"priority":        t.Priority,
		"debug_attached":  t.DebugAttached,
	}
}

func handlePS(s *Server, c *conn, raw json.RawMessage) Response {
	tasks := s.Sched.List()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary(t))
	}
	return ok(map[string]any{"tasks": out})
}

type pidArgs struct {
	PID uint32 `json:"pid"`
}

func (s *Server) checkPID(c *conn, pid uint32) *Response {
	if err := s.Sessions.CheckPIDAccess(c.session.ID, pid); err != nil {
		r := errResponse("pid_locked", "%v", err)
		return &r
	}
	return nil
}

func handleStep(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if len(raw) > 0 {
		json.Unmarshal(raw, &a)
	}
	if a.PID != 0 {
		if r := s.checkPID(c, a.PID); r != nil {
			return *r
		}
		res, found := s.Debugger.Step(a.PID)
		if !found {
			return errResponse("unknown_pid", "%d", a.PID)
		}
		return ok(map[string]any{"reason": res.Reason})
	}
	pid := s.Sched.StepOne()
	return ok(map[string]any{"pid": pid})
}

func handlePause(s *Server, c *conn, raw json.RawMessage) Response {
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
	s.Sched.Pause(t.PID)
	return ok(nil)
}

func handleResume(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Sched.Resume(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return ok(nil)
}

func handleKill(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Sched.Kill(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return ok(nil)
}

func handleReload(s *Server, c *conn, raw json.RawMessage) Response {
	var a struct {
		PID  uint32 `json:"pid"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Sched.Kill(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return handleLoad(s, c, mustMarshal(loadArgs{Data: a.Data}))
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

type clockArgs struct {
	RateHz int `json:"rate_hz"`
}

func handleClock(s *Server, c *conn, raw json.RawMessage) Response {
	var a clockArgs
	if len(raw) > 0 {
		json.Unmarshal(raw, &a)
	}
	if a.RateHz > 0 {
		s.Sched.SetAutoClockRate(a.RateHz)
	}
	return ok(map[string]any{"rate_hz": s.Sched.AutoClockRate()})
}

type memArgs struct {
	PID  uint32 `json:"pid"`
	Addr uint32 `json:"addr"`
	Len  uint32 `json:"len"`
	Data string `json:"data"` // write_mem only: base64
}

func handleReadMem(s *Server, c *conn, raw json.RawMessage) Response {
	var a memArgs
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
	out := make([]byte, 0, a.Len)
	for i := uint32(0); i < a.Len; i++ {
		b, okRead := t.ReadMem8(a.Addr + i)
		if !okRead {
			return errResponse("mem_fault", "addr %d out of range", a.Addr+i)
		}
		out = append(out, b)
	}
	return ok(map[string]any{"data": base64.StdEncoding.EncodeToString(out)})
}

func handleWriteMem(s *Server, c *conn, raw json.RawMessage) Response {
	var a memArgs
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
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return errResponse("bad_request", "%v", err)
	}
	for i, b := range data {
		if !t.WriteMem8(a.Addr+uint32(i), b) {
			return errResponse("mem_fault", "addr %d out of range", a.Addr+uint32(i))
		}
	}
	return ok(nil)
}

func handleDumpregs(s *Server, c *conn, raw json.RawMessage) Response {
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
	return ok(map[string]any{
		"regs": t.Regs, "pc": t.PC, "sp": t.SP, "psw": t.PSW,
		"fault": t.Fault.String(), "exit_status": t.ExitStatus,
	})
}

func handleSched(s *Server, c *conn, raw json.RawMessage) Response {
	return ok(map[string]any{"rate_hz": s.Sched.AutoClockRate()})
}

func handleRestart(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if !s.Sched.Kill(a.PID) {
		return errResponse("unknown_pid", "%d", a.PID)
	}
	return ok(nil)
}

func handleShutdown(s *Server, c *conn, raw json.RawMessage) Response {
	for _, t := range s.Sched.List() {
		s.Sched.Kill(t.PID)
	}
	go s.Close()
	return ok(nil)
}

func handleDmesg(s *Server, c *conn, raw json.RawMessage) Response {
	return ok(map[string]any{"lines": s.DrainLog()})
}
