// Package linkable keeps the names patch code may reference in the image it
// is injected into.
//
// Patch sources call existing firmware functions by name ("printf"); the
// registry supplies the address found by analysis when the patch is linked.
package linkable

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
)

// SymbolRedefinitionError is returned when a name is defined twice with a
// different location.
type SymbolRedefinitionError struct {
	Name     string
	Existing Symbol
	New      Symbol
}

func (e *SymbolRedefinitionError) Error() string {
	return fmt.Sprintf("linkable symbol %s already defined at 0x%x (%s), cannot redefine at 0x%x (%s)",
		e.Name, e.Existing.Address, e.Existing.Kind, e.New.Address, e.New.Kind)
}

type UndefinedSymbolError struct {
	Name string
}

func (e *UndefinedSymbolError) Error() string {
	return fmt.Sprintf("linkable symbol %s is not defined", e.Name)
}

type Symbol struct {
	Address uint64
	Kind    symtab.Kind
}

// Registry is write-once per name. It is not safe for concurrent use.
type Registry struct {
	symbols map[string]Symbol
}

func NewRegistry() *Registry {
	return &Registry{symbols: make(map[string]Symbol)}
}

// Define registers name. Defining the same name again with the same address
// and kind is a no-op.
func (r *Registry) Define(name string, addr uint64, kind symtab.Kind) error {
	if err := validate(name, kind); err != nil {
		return err
	}
	s := Symbol{Address: addr, Kind: kind}
	if existing, ok := r.symbols[name]; ok {
		if existing != s {
			return &SymbolRedefinitionError{Name: name, Existing: existing, New: s}
		}
		return nil
	}
	r.symbols[name] = s
	return nil
}

// DefineSymbols defines every symbol or none of them. Thumb functions are
// registered with their call address so that branches switch instruction
// set.
func (r *Registry) DefineSymbols(symbols ...symtab.Symbol) error {
	staged := make(map[string]Symbol, len(symbols))
	for _, s := range symbols {
		if err := validate(s.Name, s.Kind); err != nil {
			return err
		}
		ls := Symbol{Address: s.CallAddress(), Kind: s.Kind}
		if prev, ok := staged[s.Name]; ok && prev != ls {
			return &SymbolRedefinitionError{Name: s.Name, Existing: prev, New: ls}
		}
		if existing, ok := r.symbols[s.Name]; ok && existing != ls {
			return &SymbolRedefinitionError{Name: s.Name, Existing: existing, New: ls}
		}
		staged[s.Name] = ls
	}
	for name, s := range staged {
		if err := r.Define(name, s.Address, s.Kind); err != nil {
			return err
		}
	}
	return nil
}

func validate(name string, kind symtab.Kind) error {
	if name == "" {
		return fmt.Errorf("linkable symbol without a name")
	}
	if kind != symtab.KindFunction && kind != symtab.KindData {
		return fmt.Errorf("linkable symbol %s: invalid kind %s", name, kind)
	}
	return nil
}

func (r *Registry) Lookup(name string) (uint64, symtab.Kind, error) {
	s, ok := r.symbols[name]
	if !ok {
		return 0, 0, &UndefinedSymbolError{Name: name}
	}
	return s.Address, s.Kind, nil
}

// Names returns the defined names sorted.
func (r *Registry) Names() []string {
	names := lo.Keys(r.symbols)
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int { return len(r.symbols) }
