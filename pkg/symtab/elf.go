package symtab

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"sort"

	"github.com/spf13/afero"
)

// FromELF builds a table from the symbol table of an ELF twin of the image
// (u-boot next to u-boot.bin). Local symbols lose to a global of the same
// name; names that still resolve to several addresses are kept as ambiguous.
func FromELF(f *elf.File) (Arch, *Table, error) {
	arch, err := elfArch(f)
	if err != nil {
		return Arch{}, nil, err
	}

	elfSymbols, err := f.Symbols()
	if err != nil {
		return Arch{}, nil, fmt.Errorf("failed to read symbols from ELF file: %w", err)
	}

	type candidate struct {
		sym    Symbol
		global bool
	}
	byName := make(map[string][]candidate)
	for _, es := range elfSymbols {
		if es.Name == "" || es.Section == elf.SHN_UNDEF || es.Section == elf.SHN_ABS {
			continue
		}
		var kind Kind
		switch elf.ST_TYPE(es.Info) {
		case elf.STT_FUNC:
			kind = KindFunction
		case elf.STT_OBJECT:
			kind = KindData
		default:
			continue
		}
		s := Symbol{Name: es.Name, Address: es.Value, Size: es.Size, Kind: kind}
		if kind == KindFunction && f.Machine == elf.EM_ARM && es.Value&1 == 1 {
			s.Address &^= 1
			s.Thumb = true
		}
		byName[es.Name] = append(byName[es.Name], candidate{sym: s, global: elf.ST_BIND(es.Info) != elf.STB_LOCAL})
	}

	var (
		symbols   []Symbol
		ambiguous = make(map[string][]uint64)
	)
	for name, cands := range byName {
		var globals []candidate
		for _, c := range cands {
			if c.global {
				globals = append(globals, c)
			}
		}
		if len(globals) > 0 {
			cands = globals
		}
		addrs := distinctAddresses(cands, func(c candidate) uint64 { return c.sym.Address })
		if len(addrs) > 1 {
			ambiguous[name] = addrs
			continue
		}
		symbols = append(symbols, cands[0].sym)
	}

	// Functions sharing an address are aliases of the first of them by name.
	// Data symbols at the same address do not break the chain.
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Address != symbols[j].Address {
			return symbols[i].Address < symbols[j].Address
		}
		return symbols[i].Name < symbols[j].Name
	})
	roots := make(map[uint64]string)
	for i, s := range symbols {
		if s.Kind != KindFunction {
			continue
		}
		if root, ok := roots[s.Address]; ok {
			symbols[i].AliasOf = root
			continue
		}
		roots[s.Address] = s.Name
	}

	t, err := newTable(symbols, ambiguous)
	if err != nil {
		return Arch{}, nil, err
	}
	return arch, t, nil
}

func distinctAddresses[T any](items []T, addr func(T) uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(items))
	var res []uint64
	for _, it := range items {
		a := addr(it)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func elfArch(f *elf.File) (Arch, error) {
	a := Arch{Endianness: "little"}
	switch f.Machine {
	case elf.EM_ARM:
		a.ISA = "arm"
	case elf.EM_AARCH64:
		a.ISA = "aarch64"
	default:
		a.ISA = f.Machine.String()
	}
	switch f.Class {
	case elf.ELFCLASS32:
		a.Bits = 32
	case elf.ELFCLASS64:
		a.Bits = 64
	default:
		return Arch{}, fmt.Errorf("unknown ELF class %v", f.Class)
	}
	if f.Data == elf.ELFDATA2MSB {
		a.Endianness = "big"
	}
	return a, nil
}

// ELFAnalyzer reads symbols from an ELF file linked from the same sources as
// the flat image.
type ELFAnalyzer struct {
	FS   afero.Fs
	Path string
}

func (a *ELFAnalyzer) Analyze(_ context.Context, _ []byte) (Arch, *Table, error) {
	data, err := afero.ReadFile(a.FS, a.Path)
	if err != nil {
		return Arch{}, nil, fmt.Errorf("read ELF symbols: %w", err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Arch{}, nil, &MalformedArtifactError{Source: a.Path, Err: err}
	}
	defer f.Close()
	return FromELF(f)
}
