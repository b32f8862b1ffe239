// Package registry implements the HSX value/command registry: a small
// per-owner keyed store of named values and RPC-callable commands, driving
// the VAL/CMD SVC family (spec.md §2 item 4, §4.4).
//
// Grounded on the teacher's debug_commands.go command-table dispatch shape
// (a registered-name -> handler map guarded by a single mutex, looked up by
// string key rather than reflection).
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Flag bits shared by value and command descriptors.
const (
	FlagPersist uint16 = 1 << 0 // value survives across task reloads (host-managed)
	FlagPIN     uint16 = 1 << 1 // command requires a validated auth token
	FlagAsync   uint16 = 1 << 2 // command posts its result to a mailbox rather than blocking
)

// AuthLevel gates PIN-flagged commands and value writes.
type AuthLevel uint8

const (
	AuthNone AuthLevel = iota
	AuthUser
	AuthAdmin
)

// Status is the fixed registry status-code enum (spec.md §4.4/§7).
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusAlreadyExists
	StatusAuthDenied
	StatusBadValue
	StatusEnosys
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusAuthDenied:
		return "auth_denied"
	case StatusBadValue:
		return "bad_value"
	case StatusEnosys:
		return "enosys"
	default:
		return "unknown"
	}
}

// Value is a registered key-value slot (spec.md §3/§4.2 value descriptors).
type Value struct {
	Group      uint16
	ID         uint16
	OwnerPID   uint32
	Flags      uint16
	AuthLevel  AuthLevel
	Name       string
	Unit       string
	Epsilon    float32
	Min        float32
	Max        float32
	PersistKey string

	current float32
	subs    map[uint64]chan float32 // subscription id -> update channel
}

func (v *Value) clamp(f float32) float32 {
	if v.Max > v.Min {
		if f < v.Min {
			return v.Min
		}
		if f > v.Max {
			return v.Max
		}
	}
	return f
}

// HandlerFunc is a registered command's implementation. args/result are
// opaque to the registry — the VM/RPC layer defines their shape per
// command; the registry only routes by (group, id) and enforces auth.
type HandlerFunc func(callerPID uint32, args []byte) (result []byte, status Status)

// Command is a registered RPC-callable handler (spec.md §4.2 command
// descriptors).
type Command struct {
	Group     uint16
	ID        uint16
	OwnerPID  uint32
	Flags     uint16
	AuthLevel AuthLevel
	Name      string
	Help      string

	handler HandlerFunc
}

// TokenValidator is the host-installed callback that authorizes a PIN
// command call or a write to an auth-gated value (spec.md §4.4).
type TokenValidator func(callerPID uint32, level AuthLevel, token string) bool

type valueKey struct {
	group uint16
	id    uint16
}

type cmdKey struct {
	group uint16
	id    uint16
}

// Registry owns the value and command tables.
type Registry struct {
	mu       sync.Mutex
	values   map[valueKey]*Value
	commands map[cmdKey]*Command
	validate TokenValidator
	nextSub  uint64
}

// New creates an empty registry. validate may be nil, in which case every
// PIN-flagged command call and auth-gated value write fails with
// StatusAuthDenied (fail-closed default, spec.md §4.4).
func New(validate TokenValidator) *Registry {
	return &Registry{
		values:   make(map[valueKey]*Value),
		commands: make(map[cmdKey]*Command),
		validate: validate,
	}
}

// RegisterValue registers a new value slot. Fails StatusAlreadyExists if
// (group, id) is taken.
func (r *Registry) RegisterValue(v Value) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := valueKey{v.Group, v.ID}
	if _, exists := r.values[key]; exists {
		return StatusAlreadyExists
	}
	vv := v
	vv.current = vv.clamp(v.current)
	vv.subs = make(map[uint64]chan float32)
	r.values[key] = &vv
	return StatusOK
}

// LookupValue resolves (group, id) to its descriptor without exposing the
// live value or subscription internals.
func (r *Registry) LookupValue(group, id uint16) (Value, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[valueKey{group, id}]
	if !ok {
		return Value{}, StatusNotFound
	}
	cp := *v
	cp.subs = nil
	return cp, StatusOK
}

// GetValue reads the current value.
func (r *Registry) GetValue(group, id uint16) (float32, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[valueKey{group, id}]
	if !ok {
		return 0, StatusNotFound
	}
	return v.current, StatusOK
}

// SetValue writes a new value, clamping to [min, max] when max > min, and
// fans the update out to every active subscription channel. When epsilon
// is positive, a change smaller than epsilon is discarded: the stored
// value stays as it was, nothing is fanned out, and StatusOK is returned.
// token is validated only when the value carries an auth_level above
// AuthNone.
func (r *Registry) SetValue(group, id uint16, callerPID uint32, f float32, token string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[valueKey{group, id}]
	if !ok {
		return StatusNotFound
	}
	if v.AuthLevel > AuthNone && !r.authorizeLocked(callerPID, v.AuthLevel, token) {
		return StatusAuthDenied
	}
	newVal := v.clamp(f)
	delta := newVal - v.current
	if delta < 0 {
		delta = -delta
	}
	if delta < v.Epsilon && v.Epsilon > 0 {
		return StatusOK
	}
	v.current = newVal
	for _, ch := range v.subs {
		select {
		case ch <- newVal:
		default:
			// Best-effort fanout: a full subscriber channel is the
			// subscriber's problem, not the writer's.
		}
	}
	return StatusOK
}

// Subscribe returns a channel that receives every accepted SetValue update
// for (group, id), and a cancel function that unregisters it.
func (r *Registry) Subscribe(group, id uint16, buffer int) (ch <-chan float32, cancel func(), status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[valueKey{group, id}]
	if !ok {
		return nil, nil, StatusNotFound
	}
	r.nextSub++
	subID := r.nextSub
	c := make(chan float32, buffer)
	v.subs[subID] = c
	cancelFn := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(v.subs, subID)
		close(c)
	}
	return c, cancelFn, StatusOK
}

// ListValues returns every registered value descriptor, sorted by
// (group, id).
func (r *Registry) ListValues() []Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Value, 0, len(r.values))
	for _, v := range r.values {
		cp := *v
		cp.subs = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RegisterCommand registers a command handler. Fails StatusAlreadyExists if
// (group, id) is taken.
func (r *Registry) RegisterCommand(c Command, handler HandlerFunc) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cmdKey{c.Group, c.ID}
	if _, exists := r.commands[key]; exists {
		return StatusAlreadyExists
	}
	cc := c
	cc.handler = handler
	r.commands[key] = &cc
	return StatusOK
}

// LookupCommand resolves (group, id) to its descriptor.
func (r *Registry) LookupCommand(group, id uint16) (Command, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[cmdKey{group, id}]
	if !ok {
		return Command{}, StatusNotFound
	}
	cp := *c
	cp.handler = nil
	return cp, StatusOK
}

// ListCommands returns every registered command descriptor, sorted by
// (group, id).
func (r *Registry) ListCommands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cp := *c
		cp.handler = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Call invokes a registered command synchronously. PIN-flagged commands
// require token to pass the installed TokenValidator.
func (r *Registry) Call(group, id uint16, callerPID uint32, token string, args []byte) ([]byte, Status) {
	r.mu.Lock()
	c, ok := r.commands[cmdKey{group, id}]
	if !ok {
		r.mu.Unlock()
		return nil, StatusEnosys
	}
	if c.Flags&FlagPIN != 0 && !r.authorizeLocked(callerPID, c.AuthLevel, token) {
		r.mu.Unlock()
		return nil, StatusAuthDenied
	}
	handler := c.handler
	r.mu.Unlock()

	return handler(callerPID, args)
}

// authorizeLocked must be called with r.mu held.
func (r *Registry) authorizeLocked(callerPID uint32, level AuthLevel, token string) bool {
	if r.validate == nil {
		return false
	}
	return r.validate(callerPID, level, token)
}

// Help returns a one-line human-readable description, grounded on the
// command's registered Name/Help fields (used by the `cmd_help` RPC verb).
func Help(c Command) string {
	if c.Help == "" {
		return fmt.Sprintf("%s (group=%d id=%d)", c.Name, c.Group, c.ID)
	}
	return fmt.Sprintf("%s: %s", c.Name, c.Help)
}
