// Package objstore creates the buckets patched images and patch maps are
// flushed to.
package objstore

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const (
	Filesystem = "filesystem"
	Memory     = "memory"
)

var (
	SupportedBackends = []string{Filesystem, Memory}

	ErrUnsupportedStorageBackend = errors.New("unsupported storage backend")
	errMissingDirectory          = errors.New("filesystem backend requires a directory")
	errInvalidPrefix             = errors.New("storage prefix must be a relative path without '..'")
)

type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

func (cfg *FilesystemConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, "storage.filesystem.dir", "./out", "Directory patched images are written to.")
}

type Config struct {
	Backend       string           `yaml:"backend"`
	Filesystem    FilesystemConfig `yaml:"filesystem"`
	StoragePrefix string           `yaml:"prefix"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "storage.backend", Filesystem, fmt.Sprintf("Backend storage to use. Supported backends are: %s.", strings.Join(SupportedBackends, ", ")))
	f.StringVar(&cfg.StoragePrefix, "storage.prefix", "", "Prefix for all objects written by a patch session.")
	cfg.Filesystem.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if !lo.Contains(SupportedBackends, cfg.Backend) {
		return fmt.Errorf("%w: %q", ErrUnsupportedStorageBackend, cfg.Backend)
	}
	if cfg.Backend == Filesystem && cfg.Filesystem.Directory == "" {
		return errMissingDirectory
	}
	if strings.HasPrefix(cfg.StoragePrefix, "/") || lo.Contains(strings.Split(cfg.StoragePrefix, "/"), "..") {
		return errInvalidPrefix
	}
	return nil
}
