// Package mailbox implements the HSX mailbox subsystem: a descriptor-pool
// message bus with namespaced endpoints, bounded ring buffers, single-reader
// FIFO and fan-out delivery, sequence-numbered reclaim, tap observers,
// waiter queues and overrun signalling (spec.md §3/§4.3/§8).
//
// Grounded on the host's file_io.go/media_loader.go MMIO-device shape
// (mutex-guarded state machine driven by discrete operations returning
// status codes, never panicking across the device boundary).
package mailbox

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/xid"
)

// Namespace scopes a mailbox name.
type Namespace int

const (
	NamespacePID Namespace = iota
	NamespaceSVC
	NamespaceAPP
	NamespaceShared
)

func (n Namespace) String() string {
	switch n {
	case NamespacePID:
		return "pid"
	case NamespaceSVC:
		return "svc"
	case NamespaceAPP:
		return "app"
	case NamespaceShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Mode mask bits (spec.md §3).
const (
	ModeRDONLY uint16 = 1 << 0
	ModeRDWR   uint16 = 1 << 1
	ModeFANOUT uint16 = 1 << 2
	ModeDROP   uint16 = 1 << 3 // FANOUT_DROP, valid only with ModeFANOUT
	ModeBLOCK  uint16 = 1 << 4 // FANOUT_BLOCK, valid only with ModeFANOUT
	ModeTAP    uint16 = 1 << 5
)

// Status is the fixed mailbox status-code enum returned from every
// operation (spec.md §4.3/§7). Never an error value crossing the SVC
// boundary — status codes are data, not Go errors.
type Status int

const (
	StatusOK Status = iota
	StatusNoDescriptor
	StatusInvalidHandle
	StatusMsgTooLarge
	StatusWouldBlock
	StatusTimeout
	StatusNoData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoDescriptor:
		return "no_descriptor"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusMsgTooLarge:
		return "msg_too_large"
	case StatusWouldBlock:
		return "would_block"
	case StatusTimeout:
		return "timeout"
	case StatusNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// Message flags.
const (
	FlagOverrun uint32 = 1 << 0
)

// Message is one enqueued mailbox payload.
type Message struct {
	Length  uint32
	Flags   uint32
	SrcPID  uint32
	Channel uint32
	Payload []byte
	SeqNo   uint64
}

// msgCost is the ring-accounting cost of a message: payload length plus the
// fixed 8-byte header overhead (spec.md §3).
func msgCost(payloadLen int) uint32 { return uint32(payloadLen) + 8 }

// Identity names a descriptor.
type Identity struct {
	Namespace Namespace
	Name      string
	OwnerPID  uint32 // meaningful only when HasOwner
	HasOwner  bool
}

func (id Identity) key() string {
	if id.HasOwner {
		return fmt.Sprintf("%s:%s@%d", id.Namespace, id.Name, id.OwnerPID)
	}
	return fmt.Sprintf("%s:%s", id.Namespace, id.Name)
}

// Descriptor is the backing object for a named mailbox endpoint.
type Descriptor struct {
	ID       string // stable opaque external id (xid), for RPC/snapshot responses
	Identity Identity
	Capacity uint32
	ModeMask uint16

	queue    []Message // FIFO order, oldest first
	bytesUsed uint32
	nextSeq  uint64

	// readerHandles is the set of open reader handle IDs, used for fanout reclaim
	// and overrun marking. Non-fanout mode shares a single logical queue
	// across all readers; fanout tracks each reader's lastSeq here via the
	// Manager's handle table.
	readerHandles map[string]bool
	waiters       []uint32 // PID FIFO, recv-blocked
	taps          map[uint32]bool

	overrunCount     uint64
	exhaustionEvents uint64
}

func (d *Descriptor) headSeq() uint64 {
	if len(d.queue) == 0 {
		return d.nextSeq
	}
	return d.queue[0].SeqNo
}

// Handle is a per-PID reference to a descriptor.
type Handle struct {
	ID             string
	PID            uint32
	Descriptor     *Descriptor
	IsSender       bool
	LastSeq        int64 // fanout readers only; -1 means "nothing consumed yet"
	PendingOverrun bool
}

// WakeResult describes one task woken by a Send; the executive must write
// Message into the waiter's VM memory and populate registers per spec.md
// §4.5, then resume it from WaitMailbox.
type WakeResult struct {
	PID     uint32
	Handle  *Handle
	Message Message
	Status  Status
}

// Manager owns the descriptor pool, handle tables and wake queues.
type Manager struct {
	mu          sync.Mutex
	descriptors map[string]*Descriptor
	handles     map[string]*Handle
	maxDescriptors int
}

// NewManager creates a mailbox manager with a bounded descriptor pool.
func NewManager(maxDescriptors int) *Manager {
	return &Manager{
		descriptors:    make(map[string]*Descriptor),
		handles:        make(map[string]*Handle),
		maxDescriptors: maxDescriptors,
	}
}

// ParseTarget resolves the `<prefix>:<name>[@<owner_pid>]` name grammar
// (spec.md §4.3).
func ParseTarget(target string, callerPID uint32) (Identity, error) {
	name := target
	prefix := "svc" // bare names default to SVC, caller-owned
	if idx := strings.Index(target, ":"); idx >= 0 {
		prefix = target[:idx]
		name = target[idx+1:]
	}

	ownerOverride, hasOverride := uint32(0), false
	if at := strings.LastIndex(name, "@"); at >= 0 {
		var n int
		if _, err := fmt.Sscanf(name[at+1:], "%d", &n); err != nil {
			return Identity{}, fmt.Errorf("invalid owner pid in target %q: %w", target, err)
		}
		ownerOverride, hasOverride = uint32(n), true
		name = name[:at]
	}

	switch prefix {
	case "pid":
		owner := callerPID
		if hasOverride {
			owner = ownerOverride
		}
		return Identity{Namespace: NamespacePID, Name: name, OwnerPID: owner, HasOwner: true}, nil
	case "svc":
		owner := callerPID
		if hasOverride {
			owner = ownerOverride
		}
		return Identity{Namespace: NamespaceSVC, Name: name, OwnerPID: owner, HasOwner: true}, nil
	case "app":
		if hasOverride {
			return Identity{Namespace: NamespaceAPP, Name: name, OwnerPID: ownerOverride, HasOwner: true}, nil
		}
		return Identity{Namespace: NamespaceAPP, Name: name, HasOwner: false}, nil
	case "shared":
		return Identity{Namespace: NamespaceShared, Name: name, HasOwner: false}, nil
	default:
		// Bare name (no recognised prefix): SVC namespace, caller-owned.
		return Identity{Namespace: NamespaceSVC, Name: target, OwnerPID: callerPID, HasOwner: true}, nil
	}
}

// Bind allocates (idempotently) or updates a descriptor (spec.md §4.3).
func (m *Manager) Bind(id Identity, capacity uint32, modeMask uint16) (*Descriptor, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.key()
	d, exists := m.descriptors[key]
	if !exists {
		if len(m.descriptors) >= m.maxDescriptors {
			return nil, StatusNoDescriptor
		}
		if capacity == 0 {
			capacity = 4096
		}
		d = &Descriptor{
			ID:            xid.New().String(),
			Identity:      id,
			Capacity:      capacity,
			ModeMask:      modeMask,
			readerHandles: make(map[string]bool),
			taps:          make(map[uint32]bool),
		}
		m.descriptors[key] = d
		return d, StatusOK
	}

	modeChanged := modeMask != 0 && modeMask != d.ModeMask
	if capacity != 0 && capacity != d.Capacity {
		d.Capacity = capacity
		m.evictToFitLocked(d)
	}
	if modeMask != 0 {
		d.ModeMask = modeMask
	}
	if modeChanged {
		// Re-initialise fanout readers' cursors on mode change, per spec.
		for hid := range d.readerHandles {
			if h, ok := m.handles[hid]; ok {
				h.LastSeq = int64(d.nextSeq) - 1
				h.PendingOverrun = false
			}
		}
	}
	m.reclaimLocked(d)
	return d, StatusOK
}

// Open allocates a per-PID handle referencing the named descriptor.
func (m *Manager) Open(pid uint32, target string, asSender bool) (*Handle, Status) {
	id, err := ParseTarget(target, pid)
	if err != nil {
		return nil, StatusInvalidHandle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, exists := m.descriptors[id.key()]
	if !exists {
		return nil, StatusNoDescriptor
	}

	h := &Handle{
		ID:         xid.New().String(),
		PID:        pid,
		Descriptor: d,
		IsSender:   asSender,
		LastSeq:    -1,
	}
	if !asSender && d.ModeMask&ModeFANOUT != 0 {
		// New messages are visible, already-queued ones are not.
		h.LastSeq = int64(d.nextSeq) - 1
	}
	m.handles[h.ID] = h
	if !asSender {
		d.readerHandles[h.ID] = true
	}
	return h, StatusOK
}

// Close removes a handle and runs reclaim.
func (m *Manager) Close(handleID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[handleID]
	if !ok {
		return StatusInvalidHandle
	}
	delete(m.handles, handleID)
	d := h.Descriptor
	delete(d.readerHandles, handleID)
	delete(d.taps, h.PID)
	filtered := d.waiters[:0]
	for _, pid := range d.waiters {
		if pid != h.PID {
			filtered = append(filtered, pid)
		}
	}
	d.waiters = filtered
	m.reclaimLocked(d)
	return StatusOK
}

// Tap toggles tap-set membership for pid on the descriptor referenced by handleID.
func (m *Manager) Tap(handleID string, enable bool) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleID]
	if !ok {
		return StatusInvalidHandle
	}
	if enable {
		h.Descriptor.taps[h.PID] = true
	} else {
		delete(h.Descriptor.taps, h.PID)
	}
	return StatusOK
}

// PeekInfo is returned by Peek.
type PeekInfo struct {
	Depth    int
	BytesUsed uint32
	Capacity uint32
	NextLen  uint32
	HeadSeq  uint64
	NextSeq  uint64
	ModeMask uint16
}

// Peek reports descriptor occupancy without consuming.
func (m *Manager) Peek(handleID string) (PeekInfo, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleID]
	if !ok {
		return PeekInfo{}, StatusInvalidHandle
	}
	d := h.Descriptor
	info := PeekInfo{
		Depth:    len(d.queue),
		BytesUsed: d.bytesUsed,
		Capacity: d.Capacity,
		HeadSeq:  d.headSeq(),
		NextSeq:  d.nextSeq,
		ModeMask: d.ModeMask,
	}
	if msg, ok := m.nextVisibleLocked(d, h); ok {
		info.NextLen = msg.Length
	}
	return info, StatusOK
}

// Stats summarises pool-wide resource usage (spec.md §4.3).
type Stats struct {
	MaxDescriptors    int
	ActiveDescriptors int
	FreeDescriptors   int
	TotalBytesUsed    uint32
	TotalQueueDepth   int
	HandleCountByPID  map[uint32]int
	OverrunCount      uint64
	ExhaustionEvents  uint64
}

// Stats reports aggregate resource usage across the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		MaxDescriptors:    m.maxDescriptors,
		ActiveDescriptors: len(m.descriptors),
		HandleCountByPID:  make(map[uint32]int),
	}
	s.FreeDescriptors = m.maxDescriptors - s.ActiveDescriptors
	for _, d := range m.descriptors {
		s.TotalBytesUsed += d.bytesUsed
		s.TotalQueueDepth += len(d.queue)
		s.OverrunCount += d.overrunCount
		s.ExhaustionEvents += d.exhaustionEvents
	}
	for _, h := range m.handles {
		s.HandleCountByPID[h.PID]++
	}
	return s
}
