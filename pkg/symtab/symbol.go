// Package symtab maps function and data names discovered by an external
// analysis engine to their location in a firmware image.
package symtab

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindFunction Kind = iota + 1
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "FUNCTION"
	case KindData:
		return "DATA"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "function", "func":
		return KindFunction, nil
	case "data", "object":
		return KindData, nil
	}
	return 0, fmt.Errorf("unknown symbol kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindFunction, KindData:
		return []byte(strings.ToLower(k.String())), nil
	}
	return nil, fmt.Errorf("invalid symbol kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Symbol is a named location in the image. Size is 0 when the analysis could
// not determine it.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
	Kind    Kind
	// Thumb marks ARM functions encoded in the Thumb instruction set. Callers
	// branching to such a function need the low address bit set.
	Thumb bool
	// AliasOf names another symbol this one is allowed to overlap with.
	AliasOf string
}

// End returns the first address past the symbol.
func (s Symbol) End() uint64 {
	return s.Address + s.Size
}

// CallAddress is the address a branch-with-exchange should target.
func (s Symbol) CallAddress() uint64 {
	if s.Kind == KindFunction && s.Thumb {
		return s.Address | 1
	}
	return s.Address
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s@0x%x+0x%x(%s)", s.Name, s.Address, s.Size, s.Kind)
}

func (s Symbol) aliasRoot() string {
	if s.AliasOf != "" {
		return s.AliasOf
	}
	return s.Name
}
