package executive

import (
	"strconv"
	"sync"
	"time"

	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
	"github.com/hsxvm/hsxd/internal/vm"
)

// DefaultQuantum is the per-task instruction count at which StepOne reports
// ReasonQuantumExpired (spec.md GLOSSARY "Quantum"); StepOne rotates to the
// next Ready task after every instruction regardless.
const DefaultQuantum = 1000

// taskEntry is the executive's bookkeeping around one vm.Task, grounded on
// coprocessor_manager.go's worker-table entry shape (a handle to running
// state plus manager-owned metadata the worker itself doesn't carry).
type taskEntry struct {
	task        *vm.Task
	sleepUntil  time.Time
	quantum     uint32
	lastBatch   vm.TaskState // state observed at the start of the previous step batch
	mailboxWait struct {
		handleID string
		deadline time.Time
		hasDL    bool
	}
}

// Scheduler owns the task table, the round-robin rotation, the sleep waker
// (a linear scan of the rotation order for elapsed deadlines; there is no
// min-heap), and the bridge from VM SVC calls into the mailbox manager and
// the value/command registry (spec.md §4.4 SVC families, §4.5).
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[uint32]*taskEntry
	order    []uint32 // round-robin rotation order
	cursor   int
	nextPID  uint32

	Mailbox  *mailbox.Manager
	Registry *registry.Registry
	Bus      *EventBus
	Disp     *vm.Dispatcher

	traces map[uint32]*TraceRing

	rateHz int // 0 = auto-clock runs as fast as schedulable, per spec.md §5
}

// NewScheduler wires a scheduler against an existing mailbox manager and
// value/command registry (both process-wide singletons per spec.md §9).
func NewScheduler(mb *mailbox.Manager, reg *registry.Registry, bus *EventBus) *Scheduler {
	s := &Scheduler{
		tasks:    make(map[uint32]*taskEntry),
		nextPID:  1,
		Mailbox:  mb,
		Registry: reg,
		Bus:      bus,
		traces:   make(map[uint32]*TraceRing),
	}
	s.Disp = vm.NewDispatcher()
	s.installFamilyHandlers()
	return s
}

// Spawn creates a new task from a loaded image's code/rodata/bss and adds
// it to the rotation in Ready state.
func (s *Scheduler) Spawn(entry uint32, code, rodata []byte, bssSize uint32) (*vm.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := s.nextPID
	s.nextPID++
	t, err := vm.NewTask(pid, entry, code, rodata, bssSize)
	if err != nil {
		return nil, err
	}
	// vm.NewTask starts a task in StateReady directly (it has no concept of
	// the executive's transition table); reset to StateNone here so the
	// Loaded transition below is the one recorded source of truth.
	t.State = vm.StateNone
	t.QuantumBudget = DefaultQuantum
	entry2 := &taskEntry{task: t, quantum: DefaultQuantum, lastBatch: vm.StateNone}
	s.tasks[pid] = entry2
	s.order = append(s.order, pid)
	s.transition(t, vm.StateReady, ReasonLoaded, "")
	return t, nil
}

// Get returns the task for pid, or (nil, false).
func (s *Scheduler) Get(pid uint32) (*vm.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[pid]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// List returns a snapshot of every task, in no particular order, for the
// `ps` RPC command.
func (s *Scheduler) List() []*vm.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*vm.Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	return out
}

// transition validates and applies a TaskState change, emitting the
// task_state event. Callers must hold s.mu.
func (s *Scheduler) transition(t *vm.Task, next vm.TaskState, reason TransitionReason, details string) error {
	prev := t.State
	if prev != vm.StateNone && !allowedTransition(prev, next) {
		return &ErrBadTransition{PID: t.PID, Prev: prev, New: next}
	}
	t.State = next
	if s.Bus != nil {
		pid := t.PID
		s.Bus.Publish("task_state", &pid, TaskStateChange{PID: pid, Prev: prev, New: next, Reason: reason, Details: details})
	}
	return nil
}

// advanceSleepersLocked promotes every sleeping task whose deadline has
// elapsed to Ready (spec.md §4.5 "Sleep waker"). Callers must hold s.mu.
func (s *Scheduler) advanceSleepersLocked() {
	now := timeNow()
	for _, pid := range s.order {
		e := s.tasks[pid]
		if e.task.State == vm.StateSleeping && !e.sleepUntil.After(now) {
			s.transition(e.task, vm.StateReady, ReasonSleepWake, "")
		}
	}
}

// nextRunnableLocked picks the next Ready PID in round-robin order, or 0
// if none is runnable. Callers must hold s.mu.
func (s *Scheduler) nextRunnableLocked() (uint32, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		pid := s.order[idx]
		if s.tasks[pid].task.State == vm.StateReady {
			s.cursor = (idx + 1) % n
			return pid, true
		}
	}
	return 0, false
}

// StepOne advances scheduling: wakes elapsed sleepers, picks the next
// runnable task, executes one quantum-accounted step, and returns the
// PID stepped (0 if nothing was runnable).
func (s *Scheduler) StepOne() uint32 {
	s.mu.Lock()
	s.advanceSleepersLocked()
	pid, ok := s.nextRunnableLocked()
	if !ok {
		s.mu.Unlock()
		return 0
	}
	e := s.tasks[pid]
	t := e.task
	s.transition(t, vm.StateRunning, ReasonResume, "")
	s.mu.Unlock()

	s.stepTask(t)

	s.mu.Lock()
	if t.State == vm.StateRunning {
		t.AccountedSteps++
		// Rotation granularity is one instruction: StepOne already is the
		// unit the RPC `step`/`clock` commands and the cmd/hsxd auto-clock
		// drive, so every completed instruction yields the PID back to the
		// round-robin order. The quantum does not keep a task running for
		// more instructions; it only selects the reason reported for this
		// transition (ReasonQuantumExpired when AccountedSteps reaches a
		// multiple of it).
		reason := ReasonStepComplete
		if e.quantum != 0 && t.AccountedSteps%uint64(e.quantum) == 0 {
			reason = ReasonQuantumExpired
		}
		s.transition(t, vm.StateReady, reason, "")
	}
	s.mu.Unlock()
	return pid
}

// stepTask runs the breakpoint pre/post check and a single VM step for t
// (spec.md §4.4 "State machine transitions during a step").
func (s *Scheduler) stepTask(t *vm.Task) {
	if t.DebugAttached && t.Breakpoints[t.PC] {
		s.mu.Lock()
		s.transition(t, vm.StatePaused, ReasonDebugBreak, "pre")
		s.mu.Unlock()
		if s.Bus != nil {
			pid := t.PID
			s.Bus.Publish("debug_break", &pid, map[string]any{"phase": "pre", "pc": t.PC})
		}
		return
	}

	res := t.Step(s.Disp.Dispatch)

	s.mu.Lock()
	switch res.Reason {
	case vm.ReasonFault:
		s.transition(t, vm.StateTerminated, ReasonFault, res.Fault.String())
	case vm.ReasonHalt:
		s.transition(t, vm.StateTerminated, ReasonBreak, strconv.FormatUint(uint64(res.BRKCode), 10))
	}
	s.mu.Unlock()

	if t.TraceEnabled {
		s.recordTrace(t)
		if s.Bus != nil {
			pid := t.PID
			s.Bus.Publish("trace_step", &pid, map[string]any{"pc": t.PC})
		}
	}

	if t.DebugAttached && t.Breakpoints[t.PC] && s.Bus != nil {
		pid := t.PID
		s.Bus.Publish("debug_break", &pid, map[string]any{"phase": "post", "pc": t.PC})
	}
}

// EnableTrace turns a task's per-instruction trace ring on/off (spec.md
// §4.6 "trace enable/disable"). The ring is owned here rather than by the
// Debugger so both the auto-clock StepOne path and the debugger's explicit
// single-step path append to the same per-PID ring — spec.md §4.6 requires
// every executed instruction to append a canonical record regardless of
// which surface drove the step.
func (s *Scheduler) EnableTrace(pid uint32, enabled bool, capacity int) bool {
	t, ok := s.Get(pid)
	if !ok {
		return false
	}
	t.TraceEnabled = enabled
	if enabled {
		s.mu.Lock()
		if _, exists := s.traces[pid]; !exists {
			s.traces[pid] = NewTraceRing(capacity)
		}
		s.mu.Unlock()
	}
	return true
}

// recordTrace appends t's current PC/regs to its trace ring, lazily
// creating one at the hard-max capacity if EnableTrace was never called
// with an explicit capacity.
func (s *Scheduler) recordTrace(t *vm.Task) {
	s.mu.Lock()
	tr, ok := s.traces[t.PID]
	if !ok {
		tr = NewTraceRing(traceHardMax)
		s.traces[t.PID] = tr
	}
	s.mu.Unlock()
	tr.Append(TraceRecord{PID: t.PID, PC: t.PC, Regs: t.Regs})
}

// ImportTrace replaces or appends recs into pid's trace ring (the `trace
// import` RPC verb, spec.md §6), lazily creating the ring at the hard max
// capacity if EnableTrace was never called for this pid.
func (s *Scheduler) ImportTrace(pid uint32, recs []TraceRecord, replace bool) bool {
	if _, ok := s.Get(pid); !ok {
		return false
	}
	s.mu.Lock()
	tr, ok := s.traces[pid]
	if !ok {
		tr = NewTraceRing(traceHardMax)
		s.traces[pid] = tr
	}
	s.mu.Unlock()
	tr.Import(recs, replace)
	return true
}

// TraceRecords returns pid's retained trace records, oldest first.
func (s *Scheduler) TraceRecords(pid uint32) []TraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[pid]
	if !ok {
		return nil
	}
	return tr.Records()
}

// Kill unconditionally terminates pid regardless of state (spec.md §5
// "kill(pid) is unconditional"): it sets the task to Killed and publishes
// a task_state event. It does not close the task's mailbox handles or
// release its watches, trace ring or registry entries.
func (s *Scheduler) Kill(pid uint32) bool {
	s.mu.Lock()
	e, ok := s.tasks[pid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.task.State = vm.StateKilled
	if s.Bus != nil {
		p := pid
		s.Bus.Publish("task_state", &p, TaskStateChange{PID: pid, New: vm.StateKilled, Reason: ReasonKilled})
	}
	s.mu.Unlock()
	return true
}

// Pause transitions pid to Paused regardless of its current runnable
// state (spec.md §5 "(d) it is paused via RPC"), reporting false for an
// unknown pid.
func (s *Scheduler) Pause(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[pid]
	if !ok {
		return false
	}
	s.transition(e.task, vm.StatePaused, ReasonUserPause, "")
	return true
}

// Resume moves a Paused task back to Ready so the round-robin rotation
// picks it up again.
func (s *Scheduler) Resume(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[pid]
	if !ok {
		return false
	}
	s.transition(e.task, vm.StateReady, ReasonResume, "")
	return true
}

// SetAutoClockRate configures the instruction rate cmd/hsxd's auto-clock
// loop targets (spec.md §5 "the period implied by the configured
// instruction rate (if set)"); 0 means unthrottled.
func (s *Scheduler) SetAutoClockRate(hz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateHz = hz
}

// AutoClockRate reports the configured instruction rate.
func (s *Scheduler) AutoClockRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateHz
}
