package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/whyitfor/ofrak-u-boot/pkg/objstore"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchcontext"
	"github.com/whyitfor/ofrak-u-boot/pkg/session"
	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
	"github.com/whyitfor/ofrak-u-boot/pkg/toolchain"
)

type patchParams struct {
	plan      string
	image     string
	analysis  string
	elf       string
	prebuilt  string
	build     string
	workDir   string
	output    string
	outputDir string
}

func addPatchParams(cmd *kingpin.CmdClause) *patchParams {
	p := new(patchParams)
	cmd.Arg("plan", "Patch plan (YAML).").Required().StringVar(&p.plan)
	cmd.Arg("image", "Flat image to patch.").Required().StringVar(&p.image)
	cmd.Flag("analysis", "Analysis artifact (YAML or JSON) listing the functions of the image.").StringVar(&p.analysis)
	cmd.Flag("elf", "ELF the image was produced from, used instead of an analysis artifact.").StringVar(&p.elf)
	cmd.Flag("prebuilt", "Directory holding <unit>/<segment>.bin for every planned segment.").StringVar(&p.prebuilt)
	cmd.Flag("build", "Build command leaving <unit>.elf in the work directory, run with sh -c.").StringVar(&p.build)
	cmd.Flag("work-dir", "Work directory of the build command.").Default(".").StringVar(&p.workDir)
	cmd.Flag("output", "Object name of the patched image. Defaults to the image name with a .patched suffix.").StringVar(&p.output)
	cmd.Flag("output-dir", "Overrides the filesystem storage directory of the plan.").StringVar(&p.outputDir)
	return p
}

func (p *patchParams) analyzer(fs afero.Fs) (session.Analyzer, error) {
	switch {
	case p.analysis != "" && p.elf != "":
		return nil, errors.New("--analysis and --elf are mutually exclusive")
	case p.analysis != "":
		return &symtab.ArtifactAnalyzer{FS: fs, Path: p.analysis}, nil
	case p.elf != "":
		return &symtab.ELFAnalyzer{FS: fs, Path: p.elf}, nil
	}
	return nil, errors.New("one of --analysis or --elf is required")
}

func (p *patchParams) compiler(ctx context.Context, fs afero.Fs) (toolchain.Compiler, error) {
	switch {
	case p.prebuilt != "" && p.build != "":
		return nil, errors.New("--prebuilt and --build are mutually exclusive")
	case p.prebuilt != "":
		return &toolchain.Prebuilt{FS: fs, Dir: p.prebuilt}, nil
	case p.build != "":
		return &toolchain.Command{Path: "sh", Args: []string{"-c", p.build}, WorkDir: p.workDir, Logger: patchcontext.Logger(ctx)}, nil
	}
	return nil, errors.New("one of --prebuilt or --build is required")
}

func (p *patchParams) objectName() string {
	if p.output != "" {
		return p.output
	}
	base := filepath.Base(p.image)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ".patched" + ext
}

func loadPlan(fs afero.Fs, path string) (session.Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return session.Config{}, err
	}
	defer f.Close()
	return session.LoadConfig(f)
}

// planSession runs a session up to PLANNED.
func (p *patchParams) planSession(ctx context.Context, fs afero.Fs) (*session.Session, session.Config, error) {
	cfg, err := loadPlan(fs, p.plan)
	if err != nil {
		return nil, cfg, err
	}
	if p.outputDir != "" {
		cfg.Storage.Backend = objstore.Filesystem
		cfg.Storage.Filesystem.Directory = p.outputDir
	}
	analyzer, err := p.analyzer(fs)
	if err != nil {
		return nil, cfg, err
	}

	s, err := session.Open(ctx, cfg, fs, p.image)
	if err != nil {
		return nil, cfg, err
	}
	if err := s.SetAttributes(symtab.ARM32); err != nil {
		return nil, cfg, err
	}
	if err := s.Analyze(ctx, analyzer); err != nil {
		return nil, cfg, err
	}
	if err := s.Extend(cfg.ExtendLength); err != nil {
		return nil, cfg, err
	}
	if err := s.ResolveSymbols(); err != nil {
		return nil, cfg, err
	}
	if err := s.Plan(cfg.Units); err != nil {
		return nil, cfg, err
	}
	return s, cfg, nil
}

func patch(ctx context.Context, p *patchParams) error {
	fs := afero.NewOsFs()
	compiler, err := p.compiler(ctx, fs)
	if err != nil {
		return err
	}
	s, cfg, err := p.planSession(ctx, fs)
	if err != nil {
		return err
	}

	artifacts, err := s.Compile(ctx, compiler)
	if err != nil {
		return err
	}
	if err := s.Inject(ctx, artifacts); err != nil {
		return err
	}

	bkt, err := objstore.NewBucket(ctx, cfg.Storage, "ubootpatch")
	if err != nil {
		return err
	}
	defer bkt.Close()
	if err := s.Flush(ctx, bkt, p.objectName()); err != nil {
		return err
	}

	s.Map().WriteTable(output(ctx))
	return nil
}

// linkerScript prints the script of every planned unit, each under a comment
// naming the file the build receives it as.
func linkerScript(ctx context.Context, p *patchParams) error {
	s, _, err := p.planSession(ctx, afero.NewOsFs())
	if err != nil {
		return err
	}
	scripts, err := s.LinkerScripts()
	if err != nil {
		return err
	}
	w := output(ctx)
	for i, u := range s.Units() {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "/* %s */\n", toolchain.LinkerScriptName(u.Name))
		if _, err := w.Write(scripts[u.Name]); err != nil {
			return err
		}
	}
	return nil
}
