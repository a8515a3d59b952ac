package session

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/whyitfor/ofrak-u-boot/pkg/image"
	"github.com/whyitfor/ofrak-u-boot/pkg/objstore"
	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
)

// SegmentConfig describes one segment of a patch unit in the plan.
type SegmentConfig struct {
	Name string       `yaml:"name"`
	Role segment.Role `yaml:"role"`
	// Symbol is the function whose body an existing segment reuses.
	Symbol string `yaml:"symbol,omitempty"`
	// BufferOffset places a new segment relative to the end of the original
	// image.
	BufferOffset uint64 `yaml:"buffer_offset,omitempty"`
	// ForceLengthOverride replaces the symbol size of an existing segment and
	// is the length of a new one.
	ForceLengthOverride uint64          `yaml:"force_length_override,omitempty"`
	EntryFlag           bool            `yaml:"entry_flag,omitempty"`
	AccessPermissions   segment.Perms   `yaml:"access_permissions"`
	Purpose             segment.Purpose `yaml:"purpose,omitempty"`
	AllowExecData       bool            `yaml:"allow_exec_data,omitempty"`
}

func (c SegmentConfig) spec() segment.Spec {
	return segment.Spec{
		Name:          c.Name,
		Length:        c.ForceLengthOverride,
		IsEntry:       c.EntryFlag,
		Perms:         c.AccessPermissions,
		Purpose:       c.Purpose,
		AllowExecData: c.AllowExecData,
	}
}

func (c SegmentConfig) Validate() error {
	if c.Name == "" {
		return errors.New("segment name is required")
	}
	if c.AccessPermissions == 0 {
		return fmt.Errorf("segment %s: access_permissions is required", c.Name)
	}
	switch c.Role {
	case segment.RoleExisting:
		if c.Symbol == "" {
			return fmt.Errorf("segment %s: existing segments need a symbol", c.Name)
		}
		if c.BufferOffset != 0 {
			return fmt.Errorf("segment %s: buffer_offset only applies to new segments", c.Name)
		}
	case segment.RoleNew:
		if c.Symbol != "" {
			return fmt.Errorf("segment %s: new segments cannot reuse symbol %s", c.Name, c.Symbol)
		}
		if c.ForceLengthOverride == 0 {
			return fmt.Errorf("segment %s: new segments need force_length_override", c.Name)
		}
	default:
		return fmt.Errorf("segment %s: unknown role %q", c.Name, c.Role)
	}
	return nil
}

type UnitConfig struct {
	Name     string          `yaml:"name"`
	Source   string          `yaml:"source,omitempty"`
	Segments []SegmentConfig `yaml:"segments"`
}

func (c UnitConfig) Validate() error {
	if c.Name == "" {
		return errors.New("unit name is required")
	}
	if len(c.Segments) == 0 {
		return fmt.Errorf("unit %s has no segments", c.Name)
	}
	var errs error
	for _, s := range c.Segments {
		if err := s.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unit %s: %w", c.Name, err))
		}
	}
	names := lo.Map(c.Segments, func(s SegmentConfig, _ int) string { return s.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		errs = multierror.Append(errs, fmt.Errorf("unit %s: repeated segments %s", c.Name, strings.Join(dups, ", ")))
	}
	return errs
}

type Config struct {
	PatchName      string         `yaml:"patch_name"`
	ExtendLength   uint64         `yaml:"extend_length"`
	CheckOverlap   bool           `yaml:"check_overlap"`
	BaseAddress    uint64         `yaml:"base_address"`
	CompileTimeout time.Duration  `yaml:"compile_timeout"`
	CompileBackoff backoff.Config `yaml:"compile_backoff"`
	// LinkableSymbols are resolved and exposed to patch code by name.
	LinkableSymbols []string        `yaml:"linkable_symbols"`
	Units           []UnitConfig    `yaml:"units"`
	Storage         objstore.Config `yaml:"storage"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.PatchName, "patch-name", "patch", "Name of the patch, recorded in the patch map.")
	f.Uint64Var(&cfg.ExtendLength, "extend-length", 0, "Number of zero bytes appended to the image for new segments.")
	f.BoolVar(&cfg.CheckOverlap, "check-overlap", true, "Reject overlapping segments. Only disable for plans verified by hand.")
	f.Uint64Var(&cfg.BaseAddress, "base-address", 0, "Virtual address of the first byte of the image.")
	f.DurationVar(&cfg.CompileTimeout, "compile-timeout", 5*time.Minute, "Timeout of a single compile attempt. 0 to disable.")
	cfg.CompileBackoff.RegisterFlagsWithPrefix("compile", f)
	cfg.Storage.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	var errs error
	if cfg.PatchName == "" || strings.ContainsAny(cfg.PatchName, "/\\") {
		errs = multierror.Append(errs, fmt.Errorf("invalid patch_name %q", cfg.PatchName))
	}
	if cfg.CompileTimeout < 0 {
		errs = multierror.Append(errs, errors.New("compile_timeout must not be negative"))
	}
	if cfg.ExtendLength > image.MaxLength {
		errs = multierror.Append(errs, fmt.Errorf("extend_length 0x%x exceeds the addressable range", cfg.ExtendLength))
	}
	for _, u := range cfg.Units {
		if err := u.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	names := lo.Map(cfg.Units, func(u UnitConfig, _ int) string { return u.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		errs = multierror.Append(errs, fmt.Errorf("repeated units %s", strings.Join(dups, ", ")))
	}
	if err := cfg.Storage.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// LoadConfig reads a patch plan. Fields missing from the document keep their
// flag defaults.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	flagext.DefaultValues(&cfg)

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode patch plan: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
