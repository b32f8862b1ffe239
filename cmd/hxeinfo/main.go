// Command hxeinfo inspects an HXE image file: header fields, and, for v2
// images, the value/command/mailbox descriptors and any loaded symbol
// table. It never starts a task — hxeinfo is a host-side static inspector,
// not a way to run a program (that's hsxd's `load` RPC verb).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/hsxvm/hsxd/internal/hxe"
)

func main() {
	symbolsPath := flag.String("symbols", "", "path to a symbol file to resolve against (optional)")
	asJSON := flag.Bool("json", false, "print machine-readable JSON instead of a text report")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hxeinfo [options] image.hxe\n\nReports an HXE image's header and metadata.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hxeinfo: %v\n", err)
		os.Exit(1)
	}

	img, err := hxe.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hxeinfo: %v\n", err)
		os.Exit(1)
	}

	var symtab *hxe.SymbolTable
	if *symbolsPath != "" {
		f, err := os.Open(*symbolsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hxeinfo: %v\n", err)
			os.Exit(1)
		}
		symtab, err = hxe.ParseSymbols(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "hxeinfo: %v\n", err)
			os.Exit(1)
		}
	}

	if *asJSON {
		printJSON(img, symtab)
		return
	}
	printReport(img, symtab)
}

func printJSON(img *hxe.Image, symtab *hxe.SymbolTable) {
	out := map[string]any{
		"version":    img.Header.Version,
		"entry":      img.Header.Entry,
		"code_len":   len(img.Code),
		"rodata_len": len(img.Rodata),
		"bss_size":   img.Header.BssSize,
		"app_name":   img.Header.AppName,
	}
	if img.Metadata != nil {
		out["values"] = img.Metadata.Values
		out["commands"] = img.Metadata.Commands
		out["mailbox"] = img.Metadata.Mailbox
	}
	if symtab != nil {
		out["symbols"] = symtab.All()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

func printReport(img *hxe.Image, symtab *hxe.SymbolTable) {
	fmt.Printf("version:    %d\n", img.Header.Version)
	fmt.Printf("entry:      0x%04x\n", img.Header.Entry)
	fmt.Printf("code_len:   %d\n", len(img.Code))
	fmt.Printf("rodata_len: %d\n", len(img.Rodata))
	fmt.Printf("bss_size:   %d\n", img.Header.BssSize)
	if img.Header.AppName != "" {
		fmt.Printf("app_name:   %s\n", img.Header.AppName)
	}

	if img.Metadata != nil {
		if len(img.Metadata.Values) > 0 {
			fmt.Printf("\nvalues:\n")
			for _, v := range img.Metadata.Values {
				fmt.Printf("  group=%d id=%d name=%q unit=%q min=%g max=%g\n",
					v.Group, v.ID, v.Name, v.Unit, v.Min, v.Max)
			}
		}
		if len(img.Metadata.Commands) > 0 {
			fmt.Printf("\ncommands:\n")
			for _, cmd := range img.Metadata.Commands {
				fmt.Printf("  group=%d id=%d name=%q help=%q\n", cmd.Group, cmd.ID, cmd.Name, cmd.Help)
			}
		}
		if len(img.Metadata.Mailbox) > 0 {
			fmt.Printf("\nmailbox bindings:\n")
			for _, mb := range img.Metadata.Mailbox {
				fmt.Printf("  target=%q capacity=%d mode_mask=0x%x\n", mb.Target, mb.Capacity, mb.ModeMask)
			}
		}
	}

	if symtab != nil {
		fmt.Printf("\nsymbols:\n")
		for _, sym := range symtab.All() {
			fmt.Printf("  0x%04x %s (%s:%d)\n", sym.Addr, sym.Func, sym.File, sym.Line)
		}
	}
}
