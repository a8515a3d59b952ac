// Package patchmap records where every injected segment ended up.
package patchmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
)

// Hex is an address or length rendered as 0x-prefixed hex in documents.
type Hex uint64

func (h Hex) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

func (h Hex) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hex) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return err
	}
	*h = Hex(v)
	return nil
}

// Entry describes one segment written into the image.
type Entry struct {
	Unit      string `yaml:"unit" json:"unit"`
	Source    string `yaml:"source,omitempty" json:"source,omitempty"`
	Segment   string `yaml:"segment" json:"segment"`
	VMAddress Hex    `yaml:"vm_address" json:"vm_address"`
	Offset    Hex    `yaml:"offset" json:"offset"`
	Length    Hex    `yaml:"length" json:"length"`
	// Written is the number of bytes the artifact provided, at most Length.
	Written Hex    `yaml:"written" json:"written"`
	Perms   string `yaml:"perms" json:"perms"`
	Entry   bool   `yaml:"entry" json:"entry"`
	Digest  string `yaml:"digest" json:"digest"`
}

// Digest hashes the bytes written for an entry.
func Digest(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Map is the append-only record of a patch session.
type Map struct {
	Patch   string
	entries []Entry
}

func New(patch string) *Map {
	return &Map{Patch: patch}
}

func (m *Map) Record(entries ...Entry) {
	m.entries = append(m.entries, entries...)
}

// Emit returns a copy of the recorded entries in injection order.
func (m *Map) Emit() []Entry {
	return append([]Entry(nil), m.entries...)
}

func (m *Map) Len() int { return len(m.entries) }

// DigestMismatchError reports an entry whose bytes in the image differ from
// what was injected.
type DigestMismatchError struct {
	Entry Entry
	Got   string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("segment %s of %s at %s: digest %s, expected %s", e.Entry.Segment, e.Entry.Unit, e.Entry.VMAddress, e.Got, e.Entry.Digest)
}

// Verify checks that image still holds the recorded bytes of every entry.
// Entries overwritten by a later overlapping entry fail verification.
func Verify(image []byte, entries []Entry) error {
	var errs error
	for _, e := range entries {
		start, end := uint64(e.Offset), uint64(e.Offset)+uint64(e.Written)
		if end > uint64(len(image)) || end < start {
			errs = multierror.Append(errs, fmt.Errorf("segment %s of %s: range [%s, 0x%x) is outside of the image", e.Segment, e.Unit, e.Offset, end))
			continue
		}
		if got := Digest(image[start:end]); got != e.Digest {
			errs = multierror.Append(errs, &DigestMismatchError{Entry: e, Got: got})
		}
	}
	return errs
}
