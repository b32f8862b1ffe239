package executive

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
	"github.com/hsxvm/hsxd/internal/vm"
)

func newScratchTask(t *testing.T, s *Scheduler) *vm.Task {
	t.Helper()
	code := encodeWords(encode(vm.OpBRK, 0, 0, 0, 0))
	task, err := s.Spawn(0, code, nil, 4096)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return task
}

func TestMailboxSVCRoundTrip(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	const targetAddr = 2000
	writeCString(task, targetAddr, "svc:chat")
	task.Regs[1] = targetAddr
	task.Regs[2] = 4096
	task.Regs[3] = uint32(mailbox.ModeRDWR)
	if !s.handleMailbox(task, MBFnBind) {
		t.Fatalf("bind not recognised")
	}
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Fatalf("bind status = %d, want OK", task.Regs[0])
	}

	const recvHandleAddr = 2100
	task.Regs[1] = targetAddr
	task.Regs[2] = 0 // asSender = false
	task.Regs[3] = recvHandleAddr
	s.handleMailbox(task, MBFnOpen)
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Fatalf("open(receiver) status = %d, want OK", task.Regs[0])
	}

	const sendHandleAddr = 2200
	task.Regs[1] = targetAddr
	task.Regs[2] = 1 // asSender = true
	task.Regs[3] = sendHandleAddr
	s.handleMailbox(task, MBFnOpen)
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Fatalf("open(sender) status = %d, want OK", task.Regs[0])
	}

	const payloadAddr = 2300
	writeBytes(task, payloadAddr, []byte("hi"))
	task.Regs[1] = sendHandleAddr
	task.Regs[2] = payloadAddr
	task.Regs[3] = 2
	task.Regs[4] = 0
	s.handleMailbox(task, MBFnSend)
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Fatalf("send status = %d, want OK", task.Regs[0])
	}

	const recvOutAddr = 2400
	task.Regs[1] = recvHandleAddr
	task.Regs[2] = 0 // block = false
	task.Regs[5] = recvOutAddr
	s.handleMailbox(task, MBFnRecv)
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Fatalf("recv status = %d, want OK", task.Regs[0])
	}
	if task.Regs[1] != 2 {
		t.Errorf("recv length = %d, want 2", task.Regs[1])
	}
	got := readBytes(task, recvOutAddr, 2)
	if string(got) != "hi" {
		t.Errorf("recv payload = %q, want %q", got, "hi")
	}
}

func TestMailboxRecvWouldBlockTransitionsToWaitMailbox(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	const targetAddr = 2000
	writeCString(task, targetAddr, "svc:empty")
	task.Regs[1] = targetAddr
	task.Regs[2] = 4096
	task.Regs[3] = uint32(mailbox.ModeRDWR)
	s.handleMailbox(task, MBFnBind)

	const handleAddr = 2100
	task.Regs[1] = targetAddr
	task.Regs[2] = 0
	task.Regs[3] = handleAddr
	s.handleMailbox(task, MBFnOpen)

	task.State = vm.StateRunning // Recv's WaitMailbox transition requires a valid source state
	task.Regs[1] = handleAddr
	task.Regs[2] = 1 // block = true
	task.Regs[5] = 2200
	s.handleMailbox(task, MBFnRecv)
	if task.Regs[0] != uint32(mailbox.StatusWouldBlock) {
		t.Fatalf("recv status = %d, want WouldBlock", task.Regs[0])
	}
	if task.State != vm.StateWaitMailbox {
		t.Errorf("state = %v, want WaitMailbox", task.State)
	}
}

func TestValCmdGetSetRoundTrip(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	const nameAddr = 3000
	writeCString(task, nameAddr, "gain")
	task.Regs[1] = 1 // group
	task.Regs[2] = 2 // id
	task.Regs[3] = nameAddr
	s.handleValCmd(task, VCFnRegisterValue)
	if task.Regs[0] != uint32(registry.StatusOK) {
		t.Fatalf("register status = %d, want OK", task.Regs[0])
	}

	task.Regs[1], task.Regs[2] = 1, 2
	task.Regs[3] = math.Float32bits(3.5)
	task.Regs[4] = 0 // no token needed, AuthNone
	s.handleValCmd(task, VCFnSetValue)
	if task.Regs[0] != uint32(registry.StatusOK) {
		t.Fatalf("set status = %d, want OK", task.Regs[0])
	}

	task.Regs[1], task.Regs[2] = 1, 2
	s.handleValCmd(task, VCFnGetValue)
	if task.Regs[0] != uint32(registry.StatusOK) {
		t.Fatalf("get status = %d, want OK", task.Regs[0])
	}
	if got := math.Float32frombits(task.Regs[2]); got != 3.5 {
		t.Errorf("got value = %v, want 3.5", got)
	}
}

func TestValCmdListValuesWritesRecords(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	for i, name := range []string{"a", "b"} {
		addr := uint32(3000 + i*16)
		writeCString(task, addr, name)
		task.Regs[1] = 1
		task.Regs[2] = uint32(i)
		task.Regs[3] = addr
		s.handleValCmd(task, VCFnRegisterValue)
	}

	const bufAddr = 4000
	task.Regs[2] = bufAddr
	task.Regs[3] = 10 // capacity
	s.handleValCmd(task, VCFnListValues)
	if task.Regs[0] != uint32(registry.StatusOK) {
		t.Fatalf("list status = %d, want OK", task.Regs[0])
	}
	if task.Regs[1] != 2 {
		t.Fatalf("list count = %d, want 2", task.Regs[1])
	}
	buf := readBytes(task, bufAddr, 16)
	g0 := binary.LittleEndian.Uint16(buf[0:])
	id0 := binary.LittleEndian.Uint16(buf[2:])
	if g0 != 1 || id0 != 0 {
		t.Errorf("first entry = group %d id %d, want 1,0", g0, id0)
	}
}

func TestValCmdRegisterCommandCallIsEnosysStub(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	const nameAddr, helpAddr = 3000, 3100
	writeCString(task, nameAddr, "reboot")
	writeCString(task, helpAddr, "reboots the device")
	task.Regs[1], task.Regs[2] = 1, 1
	task.Regs[3], task.Regs[4] = nameAddr, helpAddr
	s.handleValCmd(task, VCFnRegisterCommand)
	if task.Regs[0] != uint32(registry.StatusOK) {
		t.Fatalf("register command status = %d, want OK", task.Regs[0])
	}

	task.Regs[1], task.Regs[2] = 1, 1
	task.Regs[3] = 0 // token cstring at addr 0 -> empty
	task.Regs[4], task.Regs[5] = 0, 0
	s.handleValCmd(task, VCFnCall)
	if task.Regs[0] != uint32(registry.StatusEnosys) {
		t.Errorf("call status = %d, want Enosys (no VM callback bridge yet)", task.Regs[0])
	}
}

func TestHandleIOLogForwardsToStdioMailbox(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)

	const msgAddr = 5000
	writeBytes(task, msgAddr, []byte("boot ok"))
	task.Regs[1] = msgAddr
	task.Regs[2] = 7
	if !s.handleIO(task, IOFnLog) {
		t.Fatalf("handleIO should recognise IOFnLog")
	}
	if task.Regs[0] != uint32(mailbox.StatusOK) {
		t.Errorf("handleIO status = %d, want OK", task.Regs[0])
	}
}

func TestHandleExecExitSetsReturnedState(t *testing.T) {
	s := newTestScheduler()
	task := newScratchTask(t, s)
	task.State = vm.StateRunning
	task.Regs[0] = 42

	if !s.handleExec(task, vm.FnExit) {
		t.Fatalf("handleExec should recognise FnExit")
	}
	if task.State != vm.StateReturned {
		t.Errorf("state = %v, want Returned", task.State)
	}
	if task.ExitStatus != 42 {
		t.Errorf("ExitStatus = %d, want 42", task.ExitStatus)
	}
}
