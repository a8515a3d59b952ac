package toolchain

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Prebuilt serves raw binaries built ahead of time, one file per segment at
// <Dir>/<unit>/<segment>.bin.
type Prebuilt struct {
	FS  afero.Fs
	Dir string
}

func (p *Prebuilt) Compile(ctx context.Context, req Request) (Artifacts, error) {
	artifacts := make(Artifacts, len(req.Units))
	for _, unit := range req.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		segments := make(map[string][]byte, len(unit.Segments))
		for _, s := range unit.Segments {
			path := filepath.Join(p.Dir, unit.Name, s.Name+".bin")
			data, err := afero.ReadFile(p.FS, path)
			if err != nil {
				return nil, fmt.Errorf("read prebuilt segment %s of unit %s: %w", s.Name, unit.Name, err)
			}
			segments[s.Name] = data
		}
		artifacts[unit.Name] = segments
	}
	return artifacts, nil
}
