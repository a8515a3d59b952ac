// Package elftest writes small 32-bit little-endian ARM ELF files for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint32
	Data  []byte
}

type Symbol struct {
	Name    string
	Value   uint32
	Size    uint32
	Type    elf.SymType
	Bind    elf.SymBind
	Section string // empty for SHN_UNDEF
}

const (
	ehdrSize = 52
	shdrSize = 40
	symSize  = 16
)

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

type shdr struct {
	name, typ, flags, addr, offset, size, link, info, align, entsize uint32
}

// Build lays out an ET_EXEC ARM ELF with the given sections followed by
// .symtab, .strtab and .shstrtab.
func Build(t testing.TB, sections []Section, symbols []Symbol) []byte {
	t.Helper()

	shstr := newStrtab()
	str := newStrtab()
	index := make(map[string]uint16, len(sections))

	var (
		body    bytes.Buffer
		headers = []shdr{{}}
	)
	offset := func() uint32 { return uint32(ehdrSize + body.Len()) }

	for i, s := range sections {
		typ := s.Type
		if typ == elf.SHT_NULL {
			typ = elf.SHT_PROGBITS
		}
		h := shdr{
			name:  shstr.add(s.Name),
			typ:   uint32(typ),
			flags: uint32(s.Flags),
			addr:  s.Addr,
			size:  uint32(len(s.Data)),
			align: 4,
		}
		h.offset = offset()
		if typ != elf.SHT_NOBITS {
			body.Write(s.Data)
		}
		headers = append(headers, h)
		index[s.Name] = uint16(i + 1)
	}

	var syms bytes.Buffer
	syms.Write(make([]byte, symSize))
	locals := uint32(1)
	for _, s := range symbols {
		if s.Bind == elf.STB_LOCAL {
			locals++
		}
	}
	for _, local := range []bool{true, false} {
		for _, s := range symbols {
			if (s.Bind == elf.STB_LOCAL) != local {
				continue
			}
			shndx := uint16(elf.SHN_UNDEF)
			if s.Section != "" {
				idx, ok := index[s.Section]
				if !ok {
					t.Fatalf("symbol %s refers to unknown section %s", s.Name, s.Section)
				}
				shndx = idx
			}
			write(t, &syms, str.add(s.Name), s.Value, s.Size, elf.ST_INFO(s.Bind, s.Type), uint8(0), shndx)
		}
	}

	symtabIdx := uint32(len(headers))
	headers = append(headers, shdr{
		name:    shstr.add(".symtab"),
		typ:     uint32(elf.SHT_SYMTAB),
		offset:  offset(),
		size:    uint32(syms.Len()),
		link:    symtabIdx + 1,
		info:    locals,
		align:   4,
		entsize: symSize,
	})
	body.Write(syms.Bytes())

	headers = append(headers, shdr{
		name:   shstr.add(".strtab"),
		typ:    uint32(elf.SHT_STRTAB),
		offset: offset(),
		size:   uint32(str.buf.Len()),
		align:  1,
	})
	body.Write(str.buf.Bytes())

	shstrtabName := shstr.add(".shstrtab")
	headers = append(headers, shdr{
		name:   shstrtabName,
		typ:    uint32(elf.SHT_STRTAB),
		offset: offset(),
		size:   uint32(shstr.buf.Len()),
		align:  1,
	})
	body.Write(shstr.buf.Bytes())

	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}
	shoff := offset()

	var out bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	out.Write(ident[:])
	write(t, &out,
		uint16(elf.ET_EXEC),
		uint16(elf.EM_ARM),
		uint32(elf.EV_CURRENT),
		uint32(0),          // entry
		uint32(0),          // phoff
		shoff,              // shoff
		uint32(0x05000000), // EABI5
		uint16(ehdrSize),
		uint16(32), // phentsize
		uint16(0),  // phnum
		uint16(shdrSize),
		uint16(len(headers)),
		uint16(len(headers)-1), // shstrndx
	)
	out.Write(body.Bytes())
	for _, h := range headers {
		write(t, &out, h.name, h.typ, h.flags, h.addr, h.offset, h.size, h.link, h.info, h.align, h.entsize)
	}
	return out.Bytes()
}

func write(t testing.TB, buf *bytes.Buffer, values ...any) {
	t.Helper()
	for _, v := range values {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("write ELF field: %v", err)
		}
	}
}
