package symtab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Arch describes the instruction set an image was built for.
type Arch struct {
	ISA        string `yaml:"isa" json:"isa"`
	Bits       int    `yaml:"bits" json:"bits"`
	Endianness string `yaml:"endianness" json:"endianness"`
}

// ARM32 is the only architecture patches can be applied to.
var ARM32 = Arch{ISA: "arm", Bits: 32, Endianness: "little"}

func (a Arch) String() string {
	return fmt.Sprintf("%s/%d/%s-endian", a.ISA, a.Bits, a.Endianness)
}

func (a Arch) normalize() Arch {
	return Arch{
		ISA:        strings.ToLower(strings.TrimSpace(a.ISA)),
		Bits:       a.Bits,
		Endianness: strings.TrimSuffix(strings.ToLower(strings.TrimSpace(a.Endianness)), "_endian"),
	}
}

// Equal compares two architectures ignoring case.
func (a Arch) Equal(b Arch) bool {
	return a.normalize() == b.normalize()
}

// Validate rejects architectures other than 32-bit little-endian ARM.
func (a Arch) Validate() error {
	if !a.Equal(ARM32) {
		return fmt.Errorf("unsupported architecture %s, only %s is supported", a, ARM32)
	}
	return nil
}

// Artifact is the document produced by the external analysis engine.
//
//	arch: {isa: arm, bits: 32, endianness: little}
//	symbols:
//	  - {name: do_version, address: 0x1040, size: 0x80, kind: function}
//	  - {name: version_string, address: 0x7000, size: 0x40, kind: data}
type Artifact struct {
	Arch    Arch             `yaml:"arch" json:"arch"`
	Symbols []ArtifactSymbol `yaml:"symbols" json:"symbols"`
}

type ArtifactSymbol struct {
	Name    string `yaml:"name" json:"name"`
	Address uint64 `yaml:"address" json:"address"`
	Size    uint64 `yaml:"size" json:"size"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Thumb   bool   `yaml:"thumb,omitempty" json:"thumb,omitempty"`
	AliasOf string `yaml:"alias_of,omitempty" json:"alias_of,omitempty"`
}

// LoadArtifact decodes a YAML or JSON analysis artifact. Unknown fields are
// rejected.
func LoadArtifact(r io.Reader) (*Artifact, *Table, error) {
	return loadArtifact(r, "")
}

// LoadArtifactFile reads an analysis artifact from fs.
func LoadArtifactFile(fs afero.Fs, path string) (*Artifact, *Table, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, fmt.Errorf("read analysis artifact: %w", err)
	}
	return loadArtifact(bytes.NewReader(data), path)
}

func loadArtifact(r io.Reader, source string) (*Artifact, *Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var a Artifact
	if err := dec.Decode(&a); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
		return nil, nil, &MalformedArtifactError{Source: source, Err: err}
	}
	if err := a.Arch.Validate(); err != nil {
		return nil, nil, &MalformedArtifactError{Source: source, Err: err}
	}
	if len(a.Symbols) == 0 {
		return nil, nil, &MalformedArtifactError{Source: source, Err: errors.New("no symbols")}
	}

	symbols := make([]Symbol, 0, len(a.Symbols))
	for _, s := range a.Symbols {
		if a.Arch.Bits == 32 && (s.Address > 0xffffffff || s.End() > 1<<32) {
			return nil, nil, &MalformedArtifactError{Source: source, Err: fmt.Errorf("symbol %s at 0x%x does not fit a 32-bit address space", s.Name, s.Address)}
		}
		symbols = append(symbols, Symbol{
			Name:    s.Name,
			Address: s.Address,
			Size:    s.Size,
			Kind:    s.Kind,
			Thumb:   s.Thumb,
			AliasOf: s.AliasOf,
		})
	}

	t, err := NewTable(symbols...)
	if err != nil {
		return nil, nil, &MalformedArtifactError{Source: source, Err: err}
	}
	return &a, t, nil
}

func (s ArtifactSymbol) End() uint64 { return s.Address + s.Size }

// ArtifactAnalyzer serves a pre-computed analysis artifact stored next to the
// image.
type ArtifactAnalyzer struct {
	FS   afero.Fs
	Path string
}

func (a *ArtifactAnalyzer) Analyze(_ context.Context, _ []byte) (Arch, *Table, error) {
	art, t, err := LoadArtifactFile(a.FS, a.Path)
	if err != nil {
		return Arch{}, nil, err
	}
	return art.Arch, t, nil
}
