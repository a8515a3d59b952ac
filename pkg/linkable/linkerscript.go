package linkable

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
)

// WriteLinkerScript renders a GNU ld script placing each output section of a
// patch into its planned segment, and providing every linkable symbol at its
// firmware address.
func (r *Registry) WriteLinkerScript(w io.Writer, segments []segment.Segment) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "MEMORY")
	fmt.Fprintln(bw, "{")
	for _, s := range segments {
		fmt.Fprintf(bw, "    %s (%s) : ORIGIN = 0x%x, LENGTH = 0x%x\n",
			regionName(s), strings.ReplaceAll(s.Perms.String(), "-", ""), s.VMAddress, s.Length)
	}
	fmt.Fprintln(bw, "}")
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "SECTIONS")
	fmt.Fprintln(bw, "{")
	for _, s := range segments {
		fmt.Fprintf(bw, "    %s : { *(%s %s.*) } > %s\n", s.Name, s.Name, s.Name, regionName(s))
	}
	fmt.Fprintln(bw, "    /DISCARD/ : { *(.comment) *(.ARM.attributes) *(.note*) }")
	fmt.Fprintln(bw, "}")

	if len(r.symbols) > 0 {
		fmt.Fprintln(bw)
	}
	for _, name := range r.Names() {
		s := r.symbols[name]
		fmt.Fprintf(bw, "PROVIDE(%s = 0x%x);\n", name, s.Address)
	}
	return bw.Flush()
}

func regionName(s segment.Segment) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, strings.TrimLeft(s.Name, "."))
	return fmt.Sprintf("%s_%x", name, s.VMAddress)
}
