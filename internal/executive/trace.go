package executive

import (
	"strconv"

	cwring "github.com/cloudwego/gopkg/container/ring"
)

// traceHardMax is the hard ceiling on trace ring capacity (spec.md §3
// "Trace record ... hard max 4096").
const traceHardMax = 4096

// TraceRecord matches wire schema hsx.trace/1 (spec.md §3). Optional
// fields are zero-valued when not populated by the recording step. Field
// tags fix the wire's canonical snake_case keys, and ChangedRegs is
// carried as canonical uppercase register-name strings ("R3", not 3) —
// the form original_source/python/trace_format.py's _coerce_changed_regs
// normalises to, which the round-trip law (spec.md §8) is checked against.
type TraceRecord struct {
	Seq   uint64 `json:"seq"`
	PID   uint32 `json:"pid"`
	PC    uint32 `json:"pc"`
	Op    uint8  `json:"opcode"`
	valid bool

	NextPC      uint32     `json:"next_pc,omitempty"`
	Steps       uint64     `json:"steps,omitempty"`
	Flags       uint32     `json:"flags,omitempty"`
	Regs        [16]uint32 `json:"regs,omitempty"`
	ChangedRegs []string   `json:"changed_regs,omitempty"`
}

// regName renders register index i (0..15) as its canonical uppercase
// wire form, e.g. "R3".
func regName(i int) string {
	return "R" + strconv.Itoa(i)
}

// TraceRing is a per-task bounded "last N records" buffer. Backed by
// cloudwego/gopkg's container/ring — a fixed-slot-count structure that
// matches this "keep the last N" semantics exactly, unlike the mailbox
// descriptor's byte-accounted variable-slot queue (see DESIGN.md [MAILBOX]
// for why that one isn't ring-backed).
type TraceRing struct {
	r        *cwring.Ring[TraceRecord]
	writeIdx int
	count    int
}

// NewTraceRing creates a ring of the given capacity, clamped to
// traceHardMax.
func NewTraceRing(capacity int) *TraceRing {
	if capacity <= 0 || capacity > traceHardMax {
		capacity = traceHardMax
	}
	return &TraceRing{r: cwring.NewFromSlice(make([]TraceRecord, capacity))}
}

// Append overwrites the oldest slot with rec (spec.md §3: bounded ring,
// oldest evicted first).
func (tr *TraceRing) Append(rec TraceRecord) {
	item, ok := tr.r.Get(tr.writeIdx)
	if !ok {
		return
	}
	rec.valid = true
	*item.Pointer() = rec
	tr.writeIdx = (tr.writeIdx + 1) % tr.r.Len()
	if tr.count < tr.r.Len() {
		tr.count++
	}
}

// Records returns the retained records in oldest-to-newest order.
func (tr *TraceRing) Records() []TraceRecord {
	out := make([]TraceRecord, 0, tr.count)
	start := (tr.writeIdx - tr.count + tr.r.Len()) % tr.r.Len()
	for i := 0; i < tr.count; i++ {
		idx := (start + i) % tr.r.Len()
		item, ok := tr.r.Get(idx)
		if !ok || !item.Value().valid {
			continue
		}
		out = append(out, item.Value())
	}
	return out
}

// Capacity reports the ring's configured slot count.
func (tr *TraceRing) Capacity() int { return tr.r.Len() }

// Import replaces (replace=true) or appends (replace=false) records into
// the ring — the `trace import` RPC verb (spec.md §6).
func (tr *TraceRing) Import(recs []TraceRecord, replace bool) {
	if replace {
		*tr = *NewTraceRing(tr.r.Len())
	}
	for _, rec := range recs {
		tr.Append(rec)
	}
}

// changedRegs diffs cur against prev, returning the canonical
// uppercase register names that differ — spec.md §4.6 "Change tracking
// computes changed_regs by diff against the last-recorded snapshot".
func changedRegs(prev, cur [16]uint32) []string {
	var out []string
	for i := range cur {
		if cur[i] != prev[i] {
			out = append(out, regName(i))
		}
	}
	return out
}
