package hxe

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Symbol is one resolved (address, function, source-location) entry.
type Symbol struct {
	Addr uint32
	Func string
	File string
	Line int
}

// SymbolTable is a sorted-by-address symbol table loaded from a host-produced
// symbol file, used by the executive's stack unwinder and `sym` RPC command
// (spec.md §4.6/§6). Production of this file is out of scope; this package
// only consumes it.
type SymbolTable struct {
	syms []Symbol
}

// ParseSymbols reads a line-oriented symbol file:
//
//	<hex addr> <func> [<file>:<line>]
//
// Blank lines and lines starting with '#' are ignored.
func ParseSymbols(r io.Reader) (*SymbolTable, error) {
	var syms []Symbol
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("symbol file line %d: expected at least 2 fields", lineNo)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("symbol file line %d: bad address %q: %w", lineNo, fields[0], err)
		}
		s := Symbol{Addr: uint32(addr), Func: fields[1]}
		if len(fields) >= 3 {
			if file, lineStr, ok := strings.Cut(fields[2], ":"); ok {
				s.File = file
				if n, err := strconv.Atoi(lineStr); err == nil {
					s.Line = n
				}
			}
		}
		syms = append(syms, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	return &SymbolTable{syms: syms}, nil
}

// Lookup resolves an address to the nearest preceding symbol and the byte
// offset into it, the shape the `stack` RPC command needs for frame labels.
func (t *SymbolTable) Lookup(addr uint32) (sym Symbol, offset uint32, ok bool) {
	if t == nil || len(t.syms) == 0 {
		return Symbol{}, 0, false
	}
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr }) - 1
	if i < 0 {
		return Symbol{}, 0, false
	}
	return t.syms[i], addr - t.syms[i].Addr, true
}

// ByName finds a symbol with an exact function-name match (`sym lookup name`).
func (t *SymbolTable) ByName(name string) (Symbol, bool) {
	if t == nil {
		return Symbol{}, false
	}
	for _, s := range t.syms {
		if s.Func == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// All returns every symbol in address order (`symbols list`).
func (t *SymbolTable) All() []Symbol {
	if t == nil {
		return nil
	}
	return t.syms
}
