package hxe

import (
	"encoding/binary"
	"math"
)

// Metadata table section types (spec.md §3/§4.2).
const (
	SectionValues   uint8 = 1
	SectionCommands uint8 = 2
	SectionMailbox  uint8 = 3
)

const metaEntryLen = 13 // section_type u8, offset u32, length u32, entry_count u32

// ValueFlags / CommandFlags are the image's own flag bits. ValueFlagPersist
// shares its bit with internal/registry's FlagPersist; the command bits do
// not match registry's FlagPIN/FlagAsync, and the RPC load handler maps
// them across.
const (
	ValueFlagPersist uint16 = 1 << 0
	ValueFlagReadOnly uint16 = 1 << 1
)

const (
	CommandFlagPin   uint16 = 1 << 0
	CommandFlagAsync uint16 = 1 << 1
)

// ValueDescriptor is one entry of the v2 value-descriptor metadata section.
type ValueDescriptor struct {
	Group      uint16
	ID         uint16
	Flags      uint16
	AuthLevel  uint8
	InitValue  int32
	Name       string
	Unit       string
	Epsilon    float32
	Min        float32
	Max        float32
	PersistKey string
}

// CommandDescriptor is one entry of the v2 command-descriptor section.
type CommandDescriptor struct {
	Group         uint16
	ID            uint16
	Flags         uint16
	AuthLevel     uint8
	HandlerOffset uint32
	Name          string
	Help          string
}

// MailboxBinding is a pre-binding request evaluated by the executive on
// successful task creation (the loader itself never binds mailboxes).
type MailboxBinding struct {
	Target   string
	Capacity uint32 // 0 means "use the manager's default"
	ModeMask uint16
	Flags    uint16
}

// Metadata is the decoded v2 metadata table.
type Metadata struct {
	Values   []ValueDescriptor
	Commands []CommandDescriptor
	Mailbox  []MailboxBinding
}

func parseMetadata(data []byte, tableOffset, count uint32) (*Metadata, error) {
	m := &Metadata{}
	off := uint64(tableOffset)
	for i := uint32(0); i < count; i++ {
		if off+metaEntryLen > uint64(len(data)) {
			return nil, fail(ErrSectionsExceedFile, "metadata entry %d truncated", i)
		}
		sectionType := data[off]
		entryOffset := binary.BigEndian.Uint32(data[off+1 : off+5])
		entryLen := binary.BigEndian.Uint32(data[off+5 : off+9])
		entryCount := binary.BigEndian.Uint32(data[off+9 : off+13])
		off += metaEntryLen

		body, err := sliceSection(data, entryOffset, entryLen)
		if err != nil {
			return nil, err
		}

		switch sectionType {
		case SectionValues:
			vals, err := parseValueDescriptors(body, entryCount)
			if err != nil {
				return nil, err
			}
			m.Values = append(m.Values, vals...)
		case SectionCommands:
			cmds, err := parseCommandDescriptors(body, entryCount)
			if err != nil {
				return nil, err
			}
			m.Commands = append(m.Commands, cmds...)
		case SectionMailbox:
			binds, err := parseMailboxBindings(body, entryCount)
			if err != nil {
				return nil, err
			}
			m.Mailbox = append(m.Mailbox, binds...)
		}
	}
	return m, nil
}

func sliceSection(data []byte, offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		return nil, fail(ErrSectionsExceedFile, "metadata section at %d+%d exceeds file", offset, length)
	}
	return data[offset:end], nil
}

const valueDescriptorFixedLen = 2 + 2 + 2 + 1 + 4 + 4 + 4 + 4 // group,id,flags,auth,init,epsilon,min,max
const nameFieldLen = 32
const unitFieldLen = 16
const persistKeyFieldLen = 32

func parseValueDescriptors(body []byte, count uint32) ([]ValueDescriptor, error) {
	entryLen := valueDescriptorFixedLen + nameFieldLen + unitFieldLen + persistKeyFieldLen
	out := make([]ValueDescriptor, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(body) {
			return nil, fail(ErrSectionsExceedFile, "value descriptor %d truncated", i)
		}
		b := body[off : off+entryLen]
		v := ValueDescriptor{
			Group:     binary.BigEndian.Uint16(b[0:2]),
			ID:        binary.BigEndian.Uint16(b[2:4]),
			Flags:     binary.BigEndian.Uint16(b[4:6]),
			AuthLevel: b[6],
			InitValue: int32(binary.BigEndian.Uint32(b[7:11])),
			Epsilon:   math.Float32frombits(binary.BigEndian.Uint32(b[11:15])),
			Min:       math.Float32frombits(binary.BigEndian.Uint32(b[15:19])),
			Max:       math.Float32frombits(binary.BigEndian.Uint32(b[19:23])),
		}
		p := 23
		v.Name = parsePaddedString(b[p : p+nameFieldLen])
		p += nameFieldLen
		v.Unit = parsePaddedString(b[p : p+unitFieldLen])
		p += unitFieldLen
		v.PersistKey = parsePaddedString(b[p : p+persistKeyFieldLen])
		out = append(out, v)
		off += entryLen
	}
	return out, nil
}

const commandDescriptorFixedLen = 2 + 2 + 2 + 1 + 4 // group,id,flags,auth,handler_offset
const helpFieldLen = 64

func parseCommandDescriptors(body []byte, count uint32) ([]CommandDescriptor, error) {
	entryLen := commandDescriptorFixedLen + nameFieldLen + helpFieldLen
	out := make([]CommandDescriptor, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(body) {
			return nil, fail(ErrSectionsExceedFile, "command descriptor %d truncated", i)
		}
		b := body[off : off+entryLen]
		c := CommandDescriptor{
			Group:         binary.BigEndian.Uint16(b[0:2]),
			ID:            binary.BigEndian.Uint16(b[2:4]),
			Flags:         binary.BigEndian.Uint16(b[4:6]),
			AuthLevel:     b[6],
			HandlerOffset: binary.BigEndian.Uint32(b[7:11]),
		}
		p := 11
		c.Name = parsePaddedString(b[p : p+nameFieldLen])
		p += nameFieldLen
		c.Help = parsePaddedString(b[p : p+helpFieldLen])
		out = append(out, c)
		off += entryLen
	}
	return out, nil
}

const targetFieldLen = 48
const mailboxBindingFixedLen = 4 + 2 + 2 // capacity, mode_mask, flags

func parseMailboxBindings(body []byte, count uint32) ([]MailboxBinding, error) {
	entryLen := targetFieldLen + mailboxBindingFixedLen
	out := make([]MailboxBinding, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(body) {
			return nil, fail(ErrSectionsExceedFile, "mailbox binding %d truncated", i)
		}
		b := body[off : off+entryLen]
		mb := MailboxBinding{
			Target: parsePaddedString(b[0:targetFieldLen]),
		}
		p := targetFieldLen
		mb.Capacity = binary.BigEndian.Uint32(b[p : p+4])
		p += 4
		mb.ModeMask = binary.BigEndian.Uint16(b[p : p+2])
		p += 2
		mb.Flags = binary.BigEndian.Uint16(b[p : p+2])
		out = append(out, mb)
		off += entryLen
	}
	return out, nil
}
