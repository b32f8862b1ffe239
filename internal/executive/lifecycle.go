// Package executive owns the task table, scheduler, debugger, trace ring,
// event bus and session model: everything that drives the VM core and the
// mailbox manager from outside a single task (spec.md §4.5-4.7).
//
// Split along the teacher's file-per-concern convention, grounded on
// coprocessor_manager.go's worker table (scheduler.go), debug_commands.go
// and debug_interface.go (debugger.go, which also holds watches, and
// trace.go), and
// runtime_ipc.go's connection/session handling (eventbus.go/session.go).
package executive

import (
	"strconv"

	"github.com/hsxvm/hsxd/internal/vm"
)

// transitions is the allowed (prev, new) TaskState table (spec.md §3).
// Terminated and Killed are absorbing: no entry lists them as a source.
var transitions = map[vm.TaskState]map[vm.TaskState]bool{
	vm.StateNone: set(vm.StateReady, vm.StateRunning, vm.StatePaused,
		vm.StateSleeping, vm.StateWaitMailbox, vm.StateReturned, vm.StateTerminated),
	vm.StateRunning: set(vm.StateReady, vm.StateWaitMailbox, vm.StateSleeping,
		vm.StatePaused, vm.StateReturned, vm.StateTerminated, vm.StateKilled),
	vm.StateReady: set(vm.StateRunning, vm.StateWaitMailbox, vm.StateSleeping,
		vm.StatePaused, vm.StateTerminated, vm.StateKilled),
	vm.StateWaitMailbox: set(vm.StateReady, vm.StateRunning, vm.StatePaused,
		vm.StateTerminated, vm.StateKilled),
	vm.StateSleeping: set(vm.StateReady, vm.StateRunning, vm.StatePaused,
		vm.StateTerminated, vm.StateKilled),
	vm.StatePaused: set(vm.StateReady, vm.StateRunning, vm.StateTerminated, vm.StateKilled),
	vm.StateReturned: set(vm.StateTerminated, vm.StateKilled),
}

func set(states ...vm.TaskState) map[vm.TaskState]bool {
	m := make(map[vm.TaskState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// allowedTransition reports whether prev->new is in the spec.md §3 table.
// Terminated/Killed are absorbing: any transition away from them is
// disallowed regardless of target.
func allowedTransition(prev, next vm.TaskState) bool {
	if prev == vm.StateTerminated || prev == vm.StateKilled {
		return false
	}
	allowed, ok := transitions[prev]
	if !ok {
		return false
	}
	return allowed[next]
}

// TransitionReason names why a task_state event fired (spec.md §4.5).
type TransitionReason string

const (
	ReasonLoaded         TransitionReason = "loaded"
	ReasonMailboxWait    TransitionReason = "mailbox_wait"
	ReasonMailboxWake    TransitionReason = "mailbox_wake"
	ReasonTimeout        TransitionReason = "timeout"
	ReasonSleep          TransitionReason = "sleep"
	ReasonSleepWake      TransitionReason = "sleep_wake"
	ReasonQuantumExpired TransitionReason = "quantum_expired"
	ReasonReturned       TransitionReason = "returned"
	ReasonKilled         TransitionReason = "killed"
	ReasonUserPause      TransitionReason = "user_pause"
	ReasonResume         TransitionReason = "resume"
	ReasonDebugBreak     TransitionReason = "debug_break"
	ReasonFault          TransitionReason = "fault"
	ReasonBreak          TransitionReason = "brk"

	// ReasonStepComplete is this implementation's own addition: spec.md
	// §4.5 lists reasons as "inferred ... include", not an exhaustive set.
	// It fires when a task yields back to Ready after completing one
	// instruction without crossing a quantum boundary.
	ReasonStepComplete TransitionReason = "step_complete"
)

// TaskStateChange is the payload of a task_state event.
type TaskStateChange struct {
	PID     uint32
	Prev    vm.TaskState
	New     vm.TaskState
	Reason  TransitionReason
	Details string
}

// ErrBadTransition reports a disallowed TaskState change; this is a
// programmer/invariant error (spec.md §7), never silently repaired.
type ErrBadTransition struct {
	PID  uint32
	Prev vm.TaskState
	New  vm.TaskState
}

func (e *ErrBadTransition) Error() string {
	return "invalid task state transition for pid " + strconv.FormatUint(uint64(e.PID), 10) +
		": " + e.Prev.String() + " -> " + e.New.String()
}
