package patchmap

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a Map.
type Document struct {
	Patch   string  `yaml:"patch" json:"patch"`
	Entries []Entry `yaml:"segments" json:"segments"`
}

func (m *Map) Document() Document {
	return Document{Patch: m.Patch, Entries: m.Emit()}
}

// Map rebuilds the map a document was written from.
func (d Document) Map() *Map {
	m := New(d.Patch)
	m.Record(d.Entries...)
	return m
}

func (m *Map) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.Document()); err != nil {
		return fmt.Errorf("encode patch map: %w", err)
	}
	return enc.Close()
}

func (m *Map) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m.Document())
}

// ReadDocument decodes a map written by WriteYAML or WriteJSON.
func ReadDocument(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode patch map: %w", err)
	}
	return doc, nil
}

// WriteTable prints the map for humans.
func (m *Map) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Unit", "Segment", "VM Address", "Offset", "Length", "Written", "Perms", "Entry", "Digest"})
	for _, e := range m.entries {
		table.Append([]string{
			e.Unit,
			e.Segment,
			e.VMAddress.String(),
			e.Offset.String(),
			e.Length.String(),
			humanize.IBytes(uint64(e.Written)),
			e.Perms,
			fmt.Sprintf("%t", e.Entry),
			e.Digest,
		})
	}
	table.Render()
}
