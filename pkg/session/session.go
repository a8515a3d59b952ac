// Package session drives one firmware patch from the loaded image to the
// flushed image and patch map.
//
// Every step moves the session to the next State. Calling a step out of order
// returns *InvalidSessionStateError. Any failure other than a failed compile
// aborts the session, after which nothing can be flushed.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/thanos-io/objstore"

	"github.com/whyitfor/ofrak-u-boot/pkg/image"
	"github.com/whyitfor/ofrak-u-boot/pkg/inject"
	"github.com/whyitfor/ofrak-u-boot/pkg/linkable"
	phobjstore "github.com/whyitfor/ofrak-u-boot/pkg/objstore"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchcontext"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchmap"
	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
	"github.com/whyitfor/ofrak-u-boot/pkg/toolchain"
)

// MapSuffix is appended to the image object name to name the patch map.
const MapSuffix = ".map.yaml"

// Analyzer is the external analysis engine that discovers the functions of an
// image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (symtab.Arch, *symtab.Table, error)
}

// Region is a range of virtual addresses.
type Region struct {
	VMAddress uint64
	Length    uint64
}

type Session struct {
	mu sync.Mutex

	cfg     Config
	logger  log.Logger
	metrics *metrics

	state    State
	abortErr error

	img      *image.Buffer
	arch     symtab.Arch
	table    *symtab.Table
	registry *linkable.Registry
	planner  *segment.Planner
	units    []inject.Unit
	patchMap *patchmap.Map
}

// New starts a session over a copy of data.
func New(ctx context.Context, cfg Config, data []byte) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	if uint64(len(data)) > image.MaxLength {
		return nil, &image.CapacityError{Length: len(data), Max: image.MaxLength}
	}

	ctx = patchcontext.WithPatch(ctx, cfg.PatchName)
	s := &Session{
		cfg:      cfg,
		logger:   patchcontext.Logger(ctx),
		metrics:  newMetrics(patchcontext.Registry(ctx)),
		state:    StateLoaded,
		img:      image.New(bytes.Clone(data)),
		registry: linkable.NewRegistry(),
		patchMap: patchmap.New(cfg.PatchName),
	}
	level.Info(s.logger).Log("msg", "image loaded", "size", humanize.IBytes(uint64(len(data))))
	return s, nil
}

// Open starts a session over the image stored at path.
func Open(ctx context.Context, cfg Config, fs afero.Fs, path string) (*Session, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return New(ctx, cfg, data)
}

// expect must be called with s.mu held.
func (s *Session) expect(op string, state State) error {
	if s.state != state {
		return &InvalidSessionStateError{Op: op, State: s.state, Expected: state, Cause: s.abortErr}
	}
	return nil
}

// abort must be called with s.mu held.
func (s *Session) abort(op string, err error) error {
	s.state = StateAborted
	s.abortErr = err
	level.Error(s.logger).Log("msg", "patch session aborted", "op", op, "err", err)
	return err
}

// timer starts timing stage. The returned func records the duration with
// the status of *err.
func (s *Session) timer(stage string) func(err *error) {
	start := time.Now()
	return func(err *error) {
		s.metrics.stageDuration.WithLabelValues(stage, status(*err)).Observe(time.Since(start).Seconds())
	}
}

// SetAttributes records the architecture of the image. Only 32-bit
// little-endian ARM is accepted.
func (s *Session) SetAttributes(arch symtab.Arch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("set attributes", StateLoaded); err != nil {
		return err
	}
	if err := arch.Validate(); err != nil {
		return s.abort("set attributes", err)
	}
	s.arch = arch
	s.state = StateAttributed
	return nil
}

// Analyze runs the analysis engine over the image and keeps the symbol table
// it returns.
func (s *Session) Analyze(ctx context.Context, analyzer Analyzer) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("analyze", StateAttributed); err != nil {
		return err
	}
	defer s.timer("analyze")(&err)

	arch, table, err := analyzer.Analyze(ctx, s.img.Bytes())
	switch {
	case err != nil:
		return s.abort("analyze", fmt.Errorf("analyze image: %w", err))
	case table == nil:
		return s.abort("analyze", errors.New("analysis returned no symbol table"))
	case !arch.Equal(s.arch):
		return s.abort("analyze", fmt.Errorf("analysis reports architecture %s, image is %s", arch, s.arch))
	}
	s.table = table
	s.state = StateAnalyzed
	level.Info(s.logger).Log("msg", "image analyzed", "symbols", table.Len())
	return nil
}

// Extend appends n zero bytes to the image for new segments. Extending by 0
// keeps the image as is.
func (s *Session) Extend(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("extend", StateAnalyzed); err != nil {
		return err
	}
	if n > 0 {
		if n > image.MaxLength {
			return s.abort("extend", fmt.Errorf("extend length 0x%x exceeds the addressable range", n))
		}
		if _, err := s.img.Extend(int(n)); err != nil {
			return s.abort("extend", err)
		}
	}
	s.state = StateExtended
	level.Info(s.logger).Log("msg", "image extended", "by", humanize.IBytes(n), "size", humanize.IBytes(uint64(s.img.Len())))
	return nil
}

// CodeRegion covers the whole image, appended bytes included.
func (s *Session) CodeRegion() (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.reached(StateExtended) {
		return Region{}, &InvalidSessionStateError{Op: "get code region", State: s.state, Expected: StateExtended, Cause: s.abortErr}
	}
	return Region{VMAddress: s.cfg.BaseAddress, Length: uint64(s.img.Len())}, nil
}

// ResolveSymbols resolves the configured linkable symbols and names, and
// makes them linkable by patch code. Either all of them resolve or the
// session aborts.
func (s *Session) ResolveSymbols(names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("resolve symbols", StateExtended); err != nil {
		return err
	}
	names = lo.Uniq(append(append([]string(nil), s.cfg.LinkableSymbols...), names...))

	resolved, err := s.table.ResolveMany(names...)
	if err != nil {
		return s.abort("resolve symbols", err)
	}
	if err := s.registry.DefineSymbols(lo.Values(resolved)...); err != nil {
		return s.abort("resolve symbols", err)
	}
	s.state = StateSymbolsResolved
	level.Info(s.logger).Log("msg", "linkable symbols defined", "count", s.registry.Len())
	return nil
}

// Plan places the segments of every unit.
func (s *Session) Plan(units []UnitConfig) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("plan", StateSymbolsResolved); err != nil {
		return err
	}
	defer s.timer("plan")(&err)

	if len(units) == 0 {
		return s.abort("plan", errors.New("nothing to plan"))
	}
	planned, err := s.plan(units)
	if err != nil {
		return s.abort("plan", err)
	}
	s.units = planned
	s.state = StatePlanned
	return nil
}

func (s *Session) plan(units []UnitConfig) ([]inject.Unit, error) {
	names := lo.Map(units, func(u UnitConfig, _ int) string { return u.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, fmt.Errorf("repeated units %v", dups)
	}

	s.planner = segment.NewPlanner(s.logger, segment.Options{
		BaseAddress:  s.cfg.BaseAddress,
		OriginLength: uint64(s.img.OriginLen()),
		ImageLength:  uint64(s.img.Len()),
		CheckOverlap: s.cfg.CheckOverlap,
	})
	planned := make([]inject.Unit, 0, len(units))
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return nil, err
		}
		unit := inject.Unit{Name: u.Name, Source: u.Source}
		for _, sc := range u.Segments {
			seg, err := s.planSegment(sc)
			if err != nil {
				return nil, fmt.Errorf("plan unit %s: %w", u.Name, err)
			}
			unit.Segments = append(unit.Segments, seg)
			s.metrics.segmentsPlanned.Inc()
		}
		planned = append(planned, unit)
	}
	return planned, nil
}

func (s *Session) planSegment(sc SegmentConfig) (segment.Segment, error) {
	if sc.Role == segment.RoleNew {
		return s.planner.PlanNew(sc.spec(), sc.BufferOffset)
	}
	sym, err := s.table.Resolve(sc.Symbol)
	if err != nil {
		return segment.Segment{}, err
	}
	return s.planner.PlanExisting(sym, sc.spec())
}

// LinkerScripts renders one linker script per planned unit, keyed by unit
// name. A unit's script only places that unit's segments, so units sharing
// section names link independently. Every script provides all linkable
// symbols.
func (s *Session) LinkerScripts() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.reached(StatePlanned) {
		return nil, &InvalidSessionStateError{Op: "render linker scripts", State: s.state, Expected: StatePlanned, Cause: s.abortErr}
	}
	return s.linkerScripts()
}

func (s *Session) linkerScripts() (map[string][]byte, error) {
	scripts := make(map[string][]byte, len(s.units))
	for _, u := range s.units {
		var buf bytes.Buffer
		if err := s.registry.WriteLinkerScript(&buf, u.Segments); err != nil {
			return nil, fmt.Errorf("linker script of unit %s: %w", u.Name, err)
		}
		scripts[u.Name] = buf.Bytes()
	}
	return scripts, nil
}

// Compile runs the external build of every planned unit. Each attempt is
// bounded by the compile timeout and failed attempts are retried with
// backoff. A failed compile leaves the session planned so it can be retried.
func (s *Session) Compile(ctx context.Context, compiler toolchain.Compiler) (_ toolchain.Artifacts, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("compile", StatePlanned); err != nil {
		return nil, err
	}
	defer s.timer("compile")(&err)

	scripts, err := s.linkerScripts()
	if err != nil {
		return nil, err
	}
	req := toolchain.Request{
		Units:         append([]inject.Unit(nil), s.units...),
		LinkerScripts: scripts,
	}

	b := backoff.New(ctx, s.cfg.CompileBackoff)
	var lastErr error
	for b.Ongoing() {
		artifacts, err := s.compileOnce(ctx, compiler, req)
		s.metrics.compileAttempts.WithLabelValues(status(err)).Inc()
		if err == nil {
			level.Info(s.logger).Log("msg", "units compiled", "units", len(artifacts), "size", humanize.IBytes(uint64(artifacts.Size())))
			return artifacts, nil
		}
		lastErr = err
		level.Warn(s.logger).Log("msg", "compile attempt failed", "attempt", b.NumRetries()+1, "err", err)
		b.Wait()
	}
	if lastErr == nil {
		return nil, fmt.Errorf("compile not attempted: %w", b.Err())
	}
	return nil, fmt.Errorf("compile failed after %d attempts: %w", b.NumRetries(), lastErr)
}

func (s *Session) compileOnce(ctx context.Context, compiler toolchain.Compiler, req toolchain.Request) (toolchain.Artifacts, error) {
	if s.cfg.CompileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CompileTimeout)
		defer cancel()
	}
	return compiler.Compile(ctx, req)
}

// Inject writes the compiled artifacts of every unit, one unit at a time, and
// records them in the patch map. A unit that fails leaves its bytes
// untouched and aborts the session.
//
// Injection is not cancellable; ctx is unused once the session lock is held.
func (s *Session) Inject(_ context.Context, artifacts toolchain.Artifacts) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("inject", StatePlanned); err != nil {
		return err
	}
	defer s.timer("inject")(&err)

	for name := range artifacts {
		if !lo.ContainsBy(s.units, func(u inject.Unit) bool { return u.Name == name }) {
			return s.abort("inject", &inject.UnitError{Unit: name, Err: errors.New("unit was not planned")})
		}
	}

	injector := inject.New(s.logger, s.img, inject.Options{
		BaseAddress:  s.cfg.BaseAddress,
		CheckOverlap: s.cfg.CheckOverlap,
	})
	for _, unit := range s.units {
		entries, err := injector.Inject(unit, artifacts[unit.Name])
		if err != nil {
			return s.abort("inject", err)
		}
		s.patchMap.Record(entries...)
		s.metrics.bytesInjected.Add(float64(lo.SumBy(entries, func(e patchmap.Entry) uint64 { return uint64(e.Written) })))
	}
	s.state = StateInjected
	return nil
}

// Flush uploads the patched image as name and the patch map as
// name+MapSuffix. The map is only written once the image is stored; if it
// cannot be written the image is removed again.
func (s *Session) Flush(ctx context.Context, bkt objstore.Bucket, name string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("flush", StateInjected); err != nil {
		return err
	}
	defer s.timer("flush")(&err)

	var doc bytes.Buffer
	if err := s.patchMap.WriteYAML(&doc); err != nil {
		return s.abort("flush", err)
	}
	if err := phobjstore.Upload(ctx, bkt, name, s.img.Bytes()); err != nil {
		return s.abort("flush", err)
	}
	if err := phobjstore.Upload(ctx, bkt, name+MapSuffix, doc.Bytes()); err != nil {
		if derr := bkt.Delete(ctx, name); derr != nil {
			level.Warn(s.logger).Log("msg", "failed to remove image after patch map upload failed", "object", name, "err", derr)
		}
		return s.abort("flush", err)
	}
	s.state = StateFlushed
	level.Info(s.logger).Log("msg", "patched image flushed", "object", name, "size", humanize.IBytes(uint64(s.img.Len())), "segments", s.patchMap.Len())
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that aborted the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

func (s *Session) Image() *image.Buffer { return s.img }

func (s *Session) Map() *patchmap.Map { return s.patchMap }

func (s *Session) Registry() *linkable.Registry { return s.registry }

// Table returns the symbol table found by Analyze.
func (s *Session) Table() *symtab.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Units returns the planned units.
func (s *Session) Units() []inject.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inject.Unit(nil), s.units...)
}
