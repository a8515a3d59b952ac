// Package toolchain connects a patch session to the external build that turns
// patch sources into per-segment bytes.
package toolchain

import (
	"context"
	"fmt"

	"github.com/whyitfor/ofrak-u-boot/pkg/inject"
)

// Request is one build of every planned unit of a session.
type Request struct {
	Units []inject.Unit
	// LinkerScripts holds one script per unit name. A unit's script places
	// only that unit's output sections at their planned segments and provides
	// the linkable firmware symbols.
	LinkerScripts map[string][]byte
}

// Artifacts holds compiled bytes by unit name, then by segment name.
type Artifacts map[string]map[string][]byte

// Size returns the total number of compiled bytes.
func (a Artifacts) Size() int {
	var n int
	for _, unit := range a {
		for _, b := range unit {
			n += len(b)
		}
	}
	return n
}

type Compiler interface {
	Compile(ctx context.Context, req Request) (Artifacts, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, req Request) (Artifacts, error)

func (f CompilerFunc) Compile(ctx context.Context, req Request) (Artifacts, error) {
	return f(ctx, req)
}

// SectionError is returned when a linked unit does not provide a usable
// section for one of its segments.
type SectionError struct {
	Unit    string
	Segment string
	Reason  string
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("unit %s, section %s: %s", e.Unit, e.Segment, e.Reason)
}

// BuildError is returned when the external build command fails.
type BuildError struct {
	Command string
	Output  string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("build %q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("build %q: %v\n%s", e.Command, e.Err, e.Output)
}

func (e *BuildError) Unwrap() error { return e.Err }
