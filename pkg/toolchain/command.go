package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// LinkerScriptName is the file name of a unit's linker script in the work
// directory.
func LinkerScriptName(unit string) string { return unit + ".ld" }

// Command runs an external build in WorkDir, once per unit. Every unit's
// linker script is written to WorkDir/<unit>.ld first. Each run gets the unit
// name in PATCH_UNIT, its source in PATCH_SOURCE and its script path in
// PATCH_LINKER_SCRIPT, and must leave WorkDir/<unit>.elf behind, read back
// with LinkedELF.
type Command struct {
	Path    string
	Args    []string
	WorkDir string
	Logger  log.Logger
}

func (c *Command) Compile(ctx context.Context, req Request) (Artifacts, error) {
	fs := afero.NewOsFs()
	scripts := make(map[string]string, len(req.Units))
	for _, u := range req.Units {
		script, ok := req.LinkerScripts[u.Name]
		if !ok {
			return nil, fmt.Errorf("no linker script for unit %s", u.Name)
		}
		path := filepath.Join(c.WorkDir, LinkerScriptName(u.Name))
		if err := afero.WriteFile(fs, path, script, 0o644); err != nil {
			return nil, err
		}
		scripts[u.Name] = path
	}

	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	for _, u := range req.Units {
		cmd := exec.CommandContext(ctx, c.Path, c.Args...)
		cmd.Dir = c.WorkDir
		cmd.Env = append(os.Environ(),
			"PATCH_UNIT="+u.Name,
			"PATCH_SOURCE="+u.Source,
			"PATCH_LINKER_SCRIPT="+scripts[u.Name],
		)
		level.Debug(logger).Log("msg", "running build", "unit", u.Name, "cmd", cmd.String(), "dir", c.WorkDir)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return nil, &BuildError{Command: cmd.String(), Output: strings.TrimSpace(string(out)), Err: err}
		}
	}

	return (&LinkedELF{FS: fs, Dir: c.WorkDir}).Compile(ctx, req)
}
