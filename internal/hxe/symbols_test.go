package hxe

import (
	"strings"
	"testing"
)

func TestParseSymbolsAndLookup(t *testing.T) {
	input := `# comment
0x0000 _start main.s:1
0x0010 helper main.s:10
0x0040 loop_body main.s:40
`
	tbl, err := ParseSymbols(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}

	sym, off, ok := tbl.Lookup(0x0014)
	if !ok {
		t.Fatalf("lookup 0x14 failed")
	}
	if sym.Func != "helper" || off != 4 {
		t.Errorf("got %+v off=%d", sym, off)
	}

	if _, ok := tbl.ByName("loop_body"); !ok {
		t.Errorf("ByName(loop_body) not found")
	}
	if len(tbl.All()) != 3 {
		t.Errorf("All() len = %d", len(tbl.All()))
	}

	if _, _, ok := tbl.Lookup(0); !ok {
		t.Errorf("lookup at exact symbol address should succeed")
	}
}
