package symtab

import (
	"fmt"
	"strings"
)

// UnknownSymbolError lists every requested name the table does not know.
type UnknownSymbolError struct {
	Names []string
}

func (e *UnknownSymbolError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("unknown symbol: %s", e.Names[0])
	}
	return fmt.Sprintf("unknown symbols: %s", strings.Join(e.Names, ", "))
}

// AmbiguousSymbolError is returned when the analysis reported several
// distinct locations for one name.
type AmbiguousSymbolError struct {
	Name      string
	Addresses []uint64
}

func (e *AmbiguousSymbolError) Error() string {
	addrs := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		addrs[i] = fmt.Sprintf("0x%x", a)
	}
	return fmt.Sprintf("symbol %s is ambiguous: %s", e.Name, strings.Join(addrs, ", "))
}

type DuplicateSymbolError struct {
	Name string
}

func (e *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate symbol: %s", e.Name)
}

// OverlapError reports two functions claiming the same bytes.
type OverlapError struct {
	A, B Symbol
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("function %s overlaps %s", e.A, e.B)
}

// MalformedArtifactError is returned when an analysis artifact cannot be
// decoded or fails validation.
type MalformedArtifactError struct {
	Source string
	Err    error
}

func (e *MalformedArtifactError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("malformed analysis artifact: %v", e.Err)
	}
	return fmt.Sprintf("malformed analysis artifact %s: %v", e.Source, e.Err)
}

func (e *MalformedArtifactError) Unwrap() error { return e.Err }
