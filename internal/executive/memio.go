package executive

import "github.com/hsxvm/hsxd/internal/vm"

// readCString reads a NUL-terminated string out of task memory at addr,
// the marshalling convention SVC argument handles/targets use in this
// implementation (spec.md leaves argument marshalling abstract; see
// families.go's package doc).
func readCString(t *vm.Task, addr uint32) string {
	var buf []byte
	for a := addr; a < vm.AddressSpaceSize; a++ {
		b, ok := t.ReadMem8(a)
		if !ok || b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// writeCString writes s plus a NUL terminator into task memory at addr.
func writeCString(t *vm.Task, addr uint32, s string) {
	writeBytes(t, addr, append([]byte(s), 0))
}

// readBytes copies length bytes out of task memory starting at addr.
func readBytes(t *vm.Task, addr, length uint32) []byte {
	out := make([]byte, 0, length)
	for i := uint32(0); i < length; i++ {
		b, ok := t.ReadMem8(addr + i)
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}

// writeBytes copies data into task memory starting at addr, stopping
// early (silently) if it would run past the address space — the SVC
// caller is responsible for sizing its buffer via a prior peek/length
// query, matching the recv-info contract's documented length field.
func writeBytes(t *vm.Task, addr uint32, data []byte) {
	for i, b := range data {
		if !t.WriteMem8(addr+uint32(i), b) {
			return
		}
	}
}
