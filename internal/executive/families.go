package executive

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
	"github.com/hsxvm/hsxd/internal/vm"
)

// installFamilyHandlers registers the concrete EXEC/MAILBOX/VAL_CMD family
// bodies the vm.Dispatcher skeleton (internal/vm/svc.go) needs — the
// scheduler is the natural owner since these handlers need the task table,
// sleep bookkeeping, and access to the process-wide mailbox/registry
// singletons (spec.md §4.4 "SVC families").
func (s *Scheduler) installFamilyHandlers() {
	s.Disp.Register(vm.ModEXEC, s.handleExec)
	s.Disp.Register(vm.ModMailbox, s.handleMailbox)
	s.Disp.Register(vm.ModValCmd, s.handleValCmd)
	s.Disp.Register(vm.ModIO, s.handleIO)
	s.Disp.Register(vm.ModFS, s.handleFS)
}

// handleExec implements EXEC.yield/sleep_ms/exit (spec.md §4.4).
func (s *Scheduler) handleExec(t *vm.Task, fn uint8) bool {
	switch fn {
	case vm.FnYield:
		s.mu.Lock()
		s.transition(t, vm.StateReady, ReasonStepComplete, "yield")
		s.mu.Unlock()
		return true

	case vm.FnSleepMs:
		ms := t.Regs[1]
		s.mu.Lock()
		e := s.tasks[t.PID]
		e.sleepUntil = timeNow().Add(time.Duration(ms) * time.Millisecond)
		s.transition(t, vm.StateSleeping, ReasonSleep, "")
		s.mu.Unlock()
		return true

	case vm.FnExit:
		status := int32(t.Regs[0])
		t.ExitStatus = status
		s.mu.Lock()
		s.transition(t, vm.StateReturned, ReasonReturned, "")
		s.mu.Unlock()
		return true

	default:
		return false
	}
}

// Mailbox SVC sub-function selectors (mod=ModMailbox), this
// implementation's own numeric assignment (spec.md leaves them abstract).
const (
	MBFnBind uint8 = iota
	MBFnOpen
	MBFnClose
	MBFnSend
	MBFnRecv
	MBFnPeek
	MBFnTap
)

// handleMailbox implements the MAILBOX SVC family (spec.md §4.4, §4.5
// "Mailbox waker"). Target strings, handle IDs and payload bytes are read
// out of the task's own VM memory at addresses passed in registers — the
// calling convention (R1=ptr/len pairs) is this implementation's own,
// since spec.md intentionally leaves SVC argument marshalling abstract.
func (s *Scheduler) handleMailbox(t *vm.Task, fn uint8) bool {
	switch fn {
	case MBFnSend:
		handleID := readCString(t, t.Regs[1])
		payload := readBytes(t, t.Regs[2], t.Regs[3])
		channel := t.Regs[4]
		status, woken := s.Mailbox.Send(handleID, channel, payload)
		t.Regs[0] = uint32(status)
		s.deliverWakes(woken)
		return true

	case MBFnRecv:
		handleID := readCString(t, t.Regs[1])
		block := t.Regs[2] != 0
		msg, status := s.Mailbox.Recv(handleID, block)
		if status == mailbox.StatusWouldBlock {
			s.mu.Lock()
			s.transition(t, vm.StateWaitMailbox, ReasonMailboxWait, handleID)
			s.mu.Unlock()
		}
		writeRecvInfo(t, status, msg)
		return true

	case MBFnOpen:
		target := readCString(t, t.Regs[1])
		asSender := t.Regs[2] != 0
		h, status := s.Mailbox.Open(t.PID, target, asSender)
		t.Regs[0] = uint32(status)
		if h != nil {
			writeCString(t, t.Regs[3], h.ID)
		}
		return true

	case MBFnBind:
		target := readCString(t, t.Regs[1])
		id, err := mailbox.ParseTarget(target, t.PID)
		if err != nil {
			t.Regs[0] = uint32(mailbox.StatusInvalidHandle)
			return true
		}
		_, status := s.Mailbox.Bind(id, t.Regs[2], uint16(t.Regs[3]))
		t.Regs[0] = uint32(status)
		return true

	case MBFnClose:
		handleID := readCString(t, t.Regs[1])
		t.Regs[0] = uint32(s.Mailbox.Close(handleID))
		return true

	case MBFnPeek:
		handleID := readCString(t, t.Regs[1])
		info, status := s.Mailbox.Peek(handleID)
		t.Regs[0] = uint32(status)
		t.Regs[1] = uint32(info.Depth)
		t.Regs[2] = info.BytesUsed
		return true

	case MBFnTap:
		handleID := readCString(t, t.Regs[1])
		enable := t.Regs[2] != 0
		t.Regs[0] = uint32(s.Mailbox.Tap(handleID, enable))
		return true

	default:
		return false
	}
}

// deliverWakes performs the buffer-write + recv-info-struct write into
// each woken task's memory and transitions it back to Ready (spec.md
// §4.5 "Mailbox waker": "Each wake performs the buffer-write ... and sets
// R0..R4").
func (s *Scheduler) deliverWakes(woken []mailbox.WakeResult) {
	for _, w := range woken {
		s.mu.Lock()
		e, ok := s.tasks[w.PID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		writeRecvInfo(e.task, w.Status, w.Message)
		s.mu.Lock()
		detail := ""
		if w.Handle != nil {
			detail = w.Handle.ID
		}
		s.transition(e.task, vm.StateReady, ReasonMailboxWake, detail)
		s.mu.Unlock()
	}
}

// writeRecvInfo sets R0..R4 to (status, length, flags, channel, src_pid)
// and copies payload bytes to the address the task left in R5, per
// spec.md §4.5's recv-info-struct contract.
func writeRecvInfo(t *vm.Task, status mailbox.Status, msg mailbox.Message) {
	t.Regs[0] = uint32(status)
	t.Regs[1] = msg.Length
	t.Regs[2] = uint32(msg.Flags)
	t.Regs[3] = msg.Channel
	t.Regs[4] = msg.SrcPID
	if status == mailbox.StatusOK {
		writeBytes(t, t.Regs[5], msg.Payload)
	}
}

// Value/command SVC sub-function selectors (mod=ModValCmd).
const (
	VCFnRegisterValue uint8 = iota
	VCFnGetValue
	VCFnSetValue
	VCFnListValues
	VCFnRegisterCommand
	VCFnCall
)

// handleValCmd implements the VAL/CMD SVC family (spec.md §4.4).
func (s *Scheduler) handleValCmd(t *vm.Task, fn uint8) bool {
	switch fn {
	case VCFnGetValue:
		group, id := uint16(t.Regs[1]), uint16(t.Regs[2])
		v, status := s.Registry.GetValue(group, id)
		t.Regs[0] = uint32(status)
		t.Regs[2] = math.Float32bits(v)
		return true

	case VCFnSetValue:
		group, id := uint16(t.Regs[1]), uint16(t.Regs[2])
		f := math.Float32frombits(t.Regs[3])
		token := readCString(t, t.Regs[4])
		t.Regs[0] = uint32(s.Registry.SetValue(group, id, t.PID, f, token))
		return true

	case VCFnRegisterValue:
		group, id := uint16(t.Regs[1]), uint16(t.Regs[2])
		name := readCString(t, t.Regs[3])
		v := registry.Value{Group: group, ID: id, OwnerPID: t.PID, Name: name}
		t.Regs[0] = uint32(s.Registry.RegisterValue(v))
		return true

	case VCFnCall:
		group, id := uint16(t.Regs[1]), uint16(t.Regs[2])
		token := readCString(t, t.Regs[3])
		args := readBytes(t, t.Regs[4], t.Regs[5])
		result, status := s.Registry.Call(group, id, t.PID, token, args)
		t.Regs[0] = uint32(status)
		if status == registry.StatusOK {
			writeBytes(t, t.Regs[6], result)
		}
		return true

	case VCFnListValues:
		// Wire layout is this implementation's own convention (spec.md
		// leaves SVC argument marshalling abstract): each entry is 8 bytes,
		// group:u16 LE, id:u16 LE, current:f32 bits LE. R2=buffer addr,
		// R3=max entry capacity. Writes the entry count actually copied to
		// R1; R0 carries StatusOK even when the list is truncated to fit
		// the caller's buffer.
		values := s.Registry.ListValues()
		max := int(t.Regs[3])
		if max > len(values) {
			max = len(values)
		}
		buf := make([]byte, max*8)
		for i := 0; i < max; i++ {
			v := values[i]
			cur, _ := s.Registry.GetValue(v.Group, v.ID)
			off := i * 8
			binary.LittleEndian.PutUint16(buf[off:], v.Group)
			binary.LittleEndian.PutUint16(buf[off+2:], v.ID)
			binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(cur))
		}
		writeBytes(t, t.Regs[2], buf)
		t.Regs[0] = uint32(registry.StatusOK)
		t.Regs[1] = uint32(max)
		return true

	case VCFnRegisterCommand:
		// A task-owned command handler would need to synchronously call
		// back into the registering task's VM code while the single
		// cooperative scheduler goroutine is mid-dispatch for a different
		// caller — this implementation's scheduler has no such reentrant
		// call path (spec.md leaves the host-side command dispatch
		// mechanism unspecified). Registration succeeds so the command is
		// visible to cmd_list/cmd_help, but invoking it always reports
		// StatusEnosys until a real callback bridge exists.
		group, id := uint16(t.Regs[1]), uint16(t.Regs[2])
		name := readCString(t, t.Regs[3])
		help := readCString(t, t.Regs[4])
		c := registry.Command{Group: group, ID: id, OwnerPID: t.PID, Name: name, Help: help}
		stub := func(callerPID uint32, args []byte) ([]byte, registry.Status) {
			return nil, registry.StatusEnosys
		}
		t.Regs[0] = uint32(s.Registry.RegisterCommand(c, stub))
		return true

	default:
		return false
	}
}

// handleIO is a minimal stub for the IO/UART/CAN family: spec.md §4.4
// describes it as "kept intentionally minimal in the core", integrating
// with stdio mailbox fan-out rather than doing its own I/O. This
// implementation forwards the single log-line fn to the stdio mailbox
// (app:stdio) as a regular mailbox send.
const IOFnLog uint8 = 0

func (s *Scheduler) handleIO(t *vm.Task, fn uint8) bool {
	if fn != IOFnLog {
		return false
	}
	msg := readBytes(t, t.Regs[1], t.Regs[2])
	id, err := mailbox.ParseTarget("app:stdio", t.PID)
	if err != nil {
		t.Regs[0] = uint32(mailbox.StatusInvalidHandle)
		return true
	}
	s.Mailbox.Bind(id, 65536, mailbox.ModeRDWR|mailbox.ModeFANOUT|mailbox.ModeDROP)
	h, status := s.Mailbox.Open(t.PID, "app:stdio", true)
	if status != mailbox.StatusOK {
		t.Regs[0] = uint32(status)
		return true
	}
	sendStatus, woken := s.Mailbox.Send(h.ID, 0, msg)
	s.Mailbox.Close(h.ID)
	t.Regs[0] = uint32(sendStatus)
	s.deliverWakes(woken)
	return true
}

// handleFS recognises no FS function: it returns false for every
// (mod=FS, fn), so Task.Step writes ENOSYS to R0. No sandboxed file
// operations are implemented, and no host root directory is configured.
func (s *Scheduler) handleFS(t *vm.Task, fn uint8) bool {
	return false
}
