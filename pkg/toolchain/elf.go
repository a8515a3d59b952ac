package toolchain

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/whyitfor/ofrak-u-boot/pkg/inject"
	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
)

// ExtractELF returns the contents of the sections of f named after the
// segments of unit. Each section must be allocated and linked at its
// segment's address.
func ExtractELF(f *elf.File, unit inject.Unit) (map[string][]byte, error) {
	out := make(map[string][]byte, len(unit.Segments))
	for _, s := range unit.Segments {
		sec := f.Section(s.Name)
		if sec == nil {
			return nil, &SectionError{Unit: unit.Name, Segment: s.Name, Reason: "no such section"}
		}
		if sec.Flags&elf.SHF_ALLOC == 0 {
			return nil, &SectionError{Unit: unit.Name, Segment: s.Name, Reason: "section is not allocated"}
		}
		if sec.Addr != s.VMAddress {
			return nil, &SectionError{
				Unit:    unit.Name,
				Segment: s.Name,
				Reason:  fmt.Sprintf("linked at 0x%x, planned at 0x%x", sec.Addr, s.VMAddress),
			}
		}

		switch sec.Type {
		case elf.SHT_PROGBITS:
			data, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("read section %s of unit %s: %w", s.Name, unit.Name, err)
			}
			out[s.Name] = data
		case elf.SHT_NOBITS:
			out[s.Name] = make([]byte, sec.Size)
		default:
			return nil, &SectionError{Unit: unit.Name, Segment: s.Name, Reason: fmt.Sprintf("unsupported section type %s", sec.Type)}
		}
	}
	return out, nil
}

// LinkedELF reads <Dir>/<unit>.elf for every unit, as left behind by a build
// that used the session's linker script.
type LinkedELF struct {
	FS  afero.Fs
	Dir string
}

func (l *LinkedELF) Compile(ctx context.Context, req Request) (Artifacts, error) {
	artifacts := make(Artifacts, len(req.Units))
	for _, unit := range req.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(l.Dir, unit.Name+".elf")
		data, err := afero.ReadFile(l.FS, path)
		if err != nil {
			return nil, fmt.Errorf("read linked unit %s: %w", unit.Name, err)
		}
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, &symtab.MalformedArtifactError{Source: path, Err: err}
		}
		if f.Machine != elf.EM_ARM || f.Class != elf.ELFCLASS32 {
			return nil, &symtab.MalformedArtifactError{Source: path, Err: fmt.Errorf("expected a 32-bit ARM ELF, got %s %s", f.Class, f.Machine)}
		}
		sections, err := ExtractELF(f, unit)
		if err != nil {
			return nil, err
		}
		artifacts[unit.Name] = sections
	}
	return artifacts, nil
}
