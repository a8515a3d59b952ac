// Package segment describes the byte ranges of an image that compiled patch
// code is placed into, and plans them against the symbol table.
package segment

import (
	"fmt"
	"sort"
	"strings"
)

// Perms is a set of memory access capabilities.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
)

const (
	R   = PermRead
	RW  = PermRead | PermWrite
	RX  = PermRead | PermExec
	RWX = PermRead | PermWrite | PermExec
)

func (p Perms) Has(q Perms) bool { return p&q == q }

// String renders p the way ld and /proc/self/maps do, "r-x".
func (p Perms) String() string {
	b := []byte("---")
	if p.Has(PermRead) {
		b[0] = 'r'
	}
	if p.Has(PermWrite) {
		b[1] = 'w'
	}
	if p.Has(PermExec) {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerms accepts "rx", "r-x" and "RX" style permission strings.
func ParsePerms(s string) (Perms, error) {
	var p Perms
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		var bit Perms
		switch c {
		case 'r':
			bit = PermRead
		case 'w':
			bit = PermWrite
		case 'x':
			bit = PermExec
		case '-':
			continue
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
		if p.Has(bit) {
			return 0, fmt.Errorf("repeated permission %q in %q", c, s)
		}
		p |= bit
	}
	if p == 0 {
		return 0, fmt.Errorf("empty permission set %q", s)
	}
	return p, nil
}

func (p Perms) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Perms) UnmarshalText(text []byte) error {
	parsed, err := ParsePerms(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Role tells whether a segment reuses the body of an existing function or
// lives in the region appended to the image.
type Role string

const (
	RoleExisting Role = "existing"
	RoleNew      Role = "new"
)

type Purpose string

const (
	PurposeCode Purpose = "code"
	PurposeData Purpose = "data"
)

// Segment is a named, contiguous range of the image that receives patch
// bytes.
type Segment struct {
	Name      string
	VMAddress uint64
	// Offset is the file offset of VMAddress in the image.
	Offset  uint64
	Length  uint64
	IsEntry bool
	Perms   Perms
	Role    Role
	Purpose Purpose
	// Symbol is the function whose body an existing segment reuses.
	Symbol        string
	AllowExecData bool
}

func (s Segment) End() uint64 { return s.VMAddress + s.Length }

func (s Segment) Overlaps(o Segment) bool {
	return s.VMAddress < o.End() && o.VMAddress < s.End()
}

func (s Segment) String() string {
	return fmt.Sprintf("%s[0x%x-0x%x %s]", s.Name, s.VMAddress, s.End(), s.Perms)
}

// Validate checks the invariants every planned segment must hold.
func (s Segment) Validate() error {
	if s.Name == "" {
		return &InvalidSegmentError{Segment: s, Reason: "segment has no name"}
	}
	if s.Length == 0 {
		return &InvalidSegmentError{Segment: s, Reason: "length must be positive"}
	}
	if s.Perms == 0 {
		return &PermissionError{Segment: s, Reason: "no access permissions"}
	}
	switch s.Purpose {
	case PurposeCode:
		if !s.Perms.Has(PermExec) {
			return &PermissionError{Segment: s, Reason: "code segment is not executable"}
		}
	case PurposeData:
		if s.IsEntry {
			return &PermissionError{Segment: s, Reason: "data segment cannot be an entry point"}
		}
		if s.Perms.Has(PermExec) && !s.AllowExecData {
			return &PermissionError{Segment: s, Reason: "data segment is executable"}
		}
	default:
		return &InvalidSegmentError{Segment: s, Reason: fmt.Sprintf("unknown purpose %q", s.Purpose)}
	}
	return nil
}

// FirstOverlap returns the first pair of overlapping segments in address
// order.
func FirstOverlap(segments []Segment) (Segment, Segment, bool) {
	sorted := append([]Segment(nil), segments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VMAddress < sorted[j].VMAddress
	})
	for i := 1; i < len(sorted); i++ {
		for j := i - 1; j >= 0; j-- {
			if sorted[j].Overlaps(sorted[i]) {
				return sorted[j], sorted[i], true
			}
		}
	}
	return Segment{}, Segment{}, false
}
