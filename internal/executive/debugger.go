package executive

import (
	"bytes"
	"sync"

	"github.com/hsxvm/hsxd/internal/vm"
)

// Watch is an address/length observation that fires watch_update when the
// observed bytes change (spec.md §3 "Watch" / §4.6 "Watches").
type Watch struct {
	ID        uint32
	PID       uint32
	Addr      uint32
	Length    uint32
	lastBytes []byte
}

// Debugger owns per-PID breakpoints, step-mode/trace state, and watches,
// grounded on debug_interface.go's DebuggableCPU breakpoint/watchpoint
// surface (SetBreakpoint/ClearBreakpoint/ListBreakpoints/SetWatchpoint),
// generalized from a single focused CPU to per-PID attach/detach sessions.
type Debugger struct {
	sched *Scheduler

	mu      sync.Mutex
	watches map[uint32]*Watch
	nextWID uint32
}

func NewDebugger(sched *Scheduler) *Debugger {
	return &Debugger{
		sched:   sched,
		watches: make(map[uint32]*Watch),
	}
}

// Attach begins a debug session for pid (spec.md §4.6 "attach(pid)").
func (d *Debugger) Attach(pid uint32) bool {
	t, ok := d.sched.Get(pid)
	if !ok {
		return false
	}
	t.DebugAttached = true
	return true
}

// Detach ends pid's debug session and clears its breakpoints (spec.md
// §4.6 "detach(pid) ends it and clears state").
func (d *Debugger) Detach(pid uint32) bool {
	t, ok := d.sched.Get(pid)
	if !ok {
		return false
	}
	t.DebugAttached = false
	t.Breakpoints = make(map[uint32]bool)
	d.mu.Lock()
	for id, w := range d.watches {
		if w.PID == pid {
			delete(d.watches, id)
		}
	}
	d.mu.Unlock()
	return true
}

// SetBreakpoint/ClearBreakpoint/ClearAllBreakpoints/ListBreakpoints
// operate directly on the task's Breakpoints set (vm.Task owns it so the
// VM step loop can consult it without crossing back into the executive).

func (d *Debugger) SetBreakpoint(pid, addr uint32) bool {
	t, ok := d.sched.Get(pid)
	if !ok {
		return false
	}
	t.Breakpoints[addr] = true
	return true
}

func (d *Debugger) ClearBreakpoint(pid, addr uint32) bool {
	t, ok := d.sched.Get(pid)
	if !ok {
		return false
	}
	delete(t.Breakpoints, addr)
	return true
}

func (d *Debugger) ClearAllBreakpoints(pid uint32) bool {
	t, ok := d.sched.Get(pid)
	if !ok {
		return false
	}
	t.Breakpoints = make(map[uint32]bool)
	return true
}

func (d *Debugger) ListBreakpoints(pid uint32) []uint32 {
	t, ok := d.sched.Get(pid)
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(t.Breakpoints))
	for addr := range t.Breakpoints {
		out = append(out, addr)
	}
	return out
}

// Step single-steps pid exactly once regardless of scheduler rotation
// order, emitting a post-step debug_break with reason "step" (spec.md
// §4.6 "Step mode single-steps one instruction at a time").
func (d *Debugger) Step(pid uint32) (vm.StepResult, bool) {
	t, ok := d.sched.Get(pid)
	if !ok {
		return vm.StepResult{}, false
	}
	res := t.Step(d.sched.Disp.Dispatch)
	if d.sched.Bus != nil {
		p := pid
		d.sched.Bus.Publish("debug_break", &p, map[string]any{
			"reason": "step", "pc": t.PC, "regs": t.Regs,
		})
	}
	if t.TraceEnabled {
		d.sched.recordTrace(t)
	}
	d.evaluateWatches(pid)
	return res, true
}

// SetTrace enables/disables the per-task trace flag and lazily creates the
// task's trace ring at the given capacity. Delegates to the scheduler,
// which owns the ring so both this explicit single-step path and the
// auto-clock StepOne path append to the same per-PID ring.
func (d *Debugger) SetTrace(pid uint32, enabled bool, capacity int) bool {
	return d.sched.EnableTrace(pid, enabled, capacity)
}

// TraceRecords returns pid's retained trace records, oldest first.
func (d *Debugger) TraceRecords(pid uint32) []TraceRecord {
	return d.sched.TraceRecords(pid)
}

// ImportTrace replaces or appends records into pid's trace ring (the
// `trace import` RPC verb, spec.md §6).
func (d *Debugger) ImportTrace(pid uint32, recs []TraceRecord, replace bool) bool {
	return d.sched.ImportTrace(pid, recs, replace)
}

// AddWatch registers a new watch on pid's memory at addr/length (spec.md
// §3 "Watch").
func (d *Debugger) AddWatch(pid, addr, length uint32) uint32 {
	t, ok := d.sched.Get(pid)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextWID++
	w := &Watch{ID: d.nextWID, PID: pid, Addr: addr, Length: length}
	w.lastBytes = readBytes(t, addr, length)
	d.watches[w.ID] = w
	return w.ID
}

func (d *Debugger) RemoveWatch(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watches[id]; !ok {
		return false
	}
	delete(d.watches, id)
	return true
}

func (d *Debugger) ListWatches(pid uint32) []Watch {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Watch
	for _, w := range d.watches {
		if w.PID == pid {
			out = append(out, *w)
		}
	}
	return out
}

// evaluateWatches re-reads every watch on pid and publishes watch_update
// for any that changed (spec.md §4.6 "Watches are evaluated once per
// step").
func (d *Debugger) evaluateWatches(pid uint32) {
	t, ok := d.sched.Get(pid)
	if !ok {
		return
	}
	d.mu.Lock()
	var changed []*Watch
	for _, w := range d.watches {
		if w.PID != pid {
			continue
		}
		cur := readBytes(t, w.Addr, w.Length)
		if !bytes.Equal(w.lastBytes, cur) {
			changed = append(changed, w)
		}
	}
	d.mu.Unlock()

	for _, w := range changed {
		old := w.lastBytes
		d.mu.Lock()
		w.lastBytes = readBytes(t, w.Addr, w.Length)
		cur := w.lastBytes
		d.mu.Unlock()
		if d.sched.Bus != nil {
			p := pid
			d.sched.Bus.Publish("watch_update", &p, map[string]any{
				"watch_id": w.ID, "old": old, "new": cur,
			})
		}
	}
}
