package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/whyitfor/ofrak-u-boot/pkg/inject"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchcontext"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchmap"
	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
	"github.com/whyitfor/ofrak-u-boot/pkg/test"
	"github.com/whyitfor/ofrak-u-boot/pkg/toolchain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const analysis = `
arch: {isa: arm, bits: 32, endianness: little}
symbols:
  - {name: do_version, address: 0x1040, size: 0x80, kind: function}
  - {name: printf, address: 0x2000, size: 0x120, kind: function, thumb: true}
  - {name: do_help, address: 0x3000, size: 0x60, kind: function}
  - {name: version_string, address: 0x7000, size: 0x40, kind: data}
`

const plan = `
patch_name: do_version_patch
extend_length: 0x2000
compile_timeout: 1s
compile_backoff:
  min_period: 1ms
  max_period: 1ms
  max_retries: 3
linkable_symbols: [printf]
units:
  - name: do_version
    source: src/do_version.c
    segments:
      - name: .text
        role: existing
        symbol: do_version
        force_length_override: 0x40
        entry_flag: true
        access_permissions: rx
      - name: .rodata
        role: new
        buffer_offset: 0x1000
        force_length_override: 0x1000
        access_permissions: r
storage:
  backend: memory
`

var (
	code = bytes.Repeat([]byte{0x00, 0x00, 0xa0, 0xe1}, 0x10)
	data = bytes.Repeat([]byte("U-Boot\x00\x00"), 0x200)
)

type mockCompiler struct {
	mock.Mock
}

func (m *mockCompiler) Compile(ctx context.Context, req toolchain.Request) (toolchain.Artifacts, error) {
	args := m.Called(ctx, req)
	artifacts, _ := args.Get(0).(toolchain.Artifacts)
	return artifacts, args.Error(1)
}

type analyzerFunc func(ctx context.Context, image []byte) (symtab.Arch, *symtab.Table, error)

func (f analyzerFunc) Analyze(ctx context.Context, image []byte) (symtab.Arch, *symtab.Table, error) {
	return f(ctx, image)
}

type fixture struct {
	cfg      Config
	fs       afero.Fs
	reg      *prometheus.Registry
	logger   *test.CapturingLogger
	analyzer Analyzer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := LoadConfig(strings.NewReader(plan))
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "u-boot.bin", bytes.Repeat([]byte{0xff}, 0x8000), 0o644))
	require.NoError(t, afero.WriteFile(fs, "u-boot.analysis.yaml", []byte(analysis), 0o644))

	return &fixture{
		cfg:      cfg,
		fs:       fs,
		reg:      prometheus.NewRegistry(),
		logger:   test.NewCapturingLogger(),
		analyzer: &symtab.ArtifactAnalyzer{FS: fs, Path: "u-boot.analysis.yaml"},
	}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	ctx := patchcontext.WithLogger(context.Background(), f.logger)
	ctx = patchcontext.WithRegistry(ctx, f.reg)
	s, err := Open(ctx, f.cfg, f.fs, "u-boot.bin")
	require.NoError(t, err)
	return s
}

// planned runs a session up to PLANNED.
func (f *fixture) planned(t *testing.T) *Session {
	t.Helper()
	s := f.open(t)
	require.NoError(t, s.SetAttributes(symtab.ARM32))
	require.NoError(t, s.Analyze(context.Background(), f.analyzer))
	require.NoError(t, s.Extend(f.cfg.ExtendLength))
	require.NoError(t, s.ResolveSymbols())
	require.NoError(t, s.Plan(f.cfg.Units))
	require.Equal(t, StatePlanned, s.State())
	return s
}

func artifacts() toolchain.Artifacts {
	return toolchain.Artifacts{"do_version": {".text": code, ".rodata": data}}
}

func TestSession(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)

	region, err := s.CodeRegion()
	require.NoError(t, err)
	require.Equal(t, Region{VMAddress: 0, Length: 0xa000}, region)

	units := s.Units()
	require.Len(t, units, 1)
	require.Equal(t, []segment.Segment{
		{
			Name: ".text", VMAddress: 0x1040, Offset: 0x1040, Length: 0x40, IsEntry: true,
			Perms: segment.RX, Role: segment.RoleExisting, Purpose: segment.PurposeCode, Symbol: "do_version",
		},
		{
			Name: ".rodata", VMAddress: 0x9000, Offset: 0x9000, Length: 0x1000,
			Perms: segment.R, Role: segment.RoleNew, Purpose: segment.PurposeData,
		},
	}, units[0].Segments)

	compiler := new(mockCompiler)
	compiler.On("Compile", mock.Anything, mock.MatchedBy(func(req toolchain.Request) bool {
		return len(req.Units) == 1 && bytes.Contains(req.LinkerScripts["do_version"], []byte("PROVIDE(printf = 0x2001);"))
	})).Return(artifacts(), nil).Once()

	compiled, err := s.Compile(context.Background(), compiler)
	require.NoError(t, err)
	compiler.AssertExpectations(t)

	require.NoError(t, s.Inject(context.Background(), compiled))
	require.Equal(t, StateInjected, s.State())

	bkt := objstore.NewInMemBucket()
	require.NoError(t, s.Flush(context.Background(), bkt, "u-boot.patched.bin"))
	require.Equal(t, StateFlushed, s.State())

	objects := bkt.Objects()
	require.Len(t, objects, 2)
	img := objects["u-boot.patched.bin"]
	require.Len(t, img, 0xa000)
	require.Equal(t, code, img[0x1040:0x1080])
	require.Equal(t, data, img[0x9000:0xa000])
	require.Equal(t, bytes.Repeat([]byte{0xff}, 0x40), img[0x1000:0x1040])
	require.Equal(t, make([]byte, 0x1000), img[0x8000:0x9000])

	doc, err := patchmap.ReadDocument(bytes.NewReader(objects["u-boot.patched.bin"+MapSuffix]))
	require.NoError(t, err)
	require.Equal(t, "do_version_patch", doc.Patch)
	require.Len(t, doc.Entries, 2)
	require.Equal(t, patchmap.Hex(0x1040), doc.Entries[0].VMAddress)
	require.Equal(t, patchmap.Hex(0x40), doc.Entries[0].Length)
	require.Equal(t, patchmap.Hex(0x9000), doc.Entries[1].VMAddress)
	require.Equal(t, patchmap.Hex(0x1000), doc.Entries[1].Length)
	require.NoError(t, patchmap.Verify(img, doc.Entries))
	require.Equal(t, s.Map().Emit(), doc.Entries)

	require.Equal(t, float64(0x1040), testutil.ToFloat64(s.metrics.bytesInjected))
	require.Equal(t, float64(2), testutil.ToFloat64(s.metrics.segmentsPlanned))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.compileAttempts.WithLabelValues(statusSuccess)))
	n, err := testutil.GatherAndCount(f.reg, "ubootpatch_session_stage_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestInvalidSessionState(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	var stateErr *InvalidSessionStateError
	require.ErrorAs(t, s.Extend(0x2000), &stateErr)
	require.Equal(t, StateLoaded, stateErr.State)
	require.Equal(t, StateAnalyzed, stateErr.Expected)
	require.Equal(t, StateLoaded, s.State(), "state errors do not abort")

	require.ErrorAs(t, s.Inject(context.Background(), artifacts()), &stateErr)
	require.ErrorAs(t, s.Flush(context.Background(), objstore.NewInMemBucket(), "out.bin"), &stateErr)
	_, err := s.CodeRegion()
	require.ErrorAs(t, err, &stateErr)
	_, err = s.Compile(context.Background(), new(mockCompiler))
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, s.SetAttributes(symtab.ARM32))
	require.ErrorAs(t, s.SetAttributes(symtab.ARM32), &stateErr)
	require.Equal(t, StateAttributed, stateErr.State)
}

func TestAbort(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, f *fixture, s *Session) error
	}{
		{
			name: "unsupported architecture",
			run: func(t *testing.T, f *fixture, s *Session) error {
				return s.SetAttributes(symtab.Arch{ISA: "arm", Bits: 32, Endianness: "big"})
			},
		},
		{
			name: "analysis fails",
			run: func(t *testing.T, f *fixture, s *Session) error {
				require.NoError(t, s.SetAttributes(symtab.ARM32))
				return s.Analyze(context.Background(), &symtab.ArtifactAnalyzer{FS: f.fs, Path: "missing.yaml"})
			},
		},
		{
			name: "analysis reports another architecture",
			run: func(t *testing.T, f *fixture, s *Session) error {
				require.NoError(t, s.SetAttributes(symtab.ARM32))
				return s.Analyze(context.Background(), analyzerFunc(func(context.Context, []byte) (symtab.Arch, *symtab.Table, error) {
					tbl, err := symtab.NewTable(symtab.Symbol{Name: "f", Address: 0x10, Size: 4, Kind: symtab.KindFunction})
					return symtab.Arch{ISA: "mips", Bits: 32, Endianness: "little"}, tbl, err
				}))
			},
		},
		{
			name: "unknown linkable symbol",
			run: func(t *testing.T, f *fixture, s *Session) error {
				require.NoError(t, s.SetAttributes(symtab.ARM32))
				require.NoError(t, s.Analyze(context.Background(), f.analyzer))
				require.NoError(t, s.Extend(0x2000))
				err := s.ResolveSymbols("puts", "memcpy")
				var unknown *symtab.UnknownSymbolError
				require.ErrorAs(t, err, &unknown)
				require.Equal(t, []string{"memcpy", "puts"}, unknown.Names)
				require.Zero(t, s.Registry().Len(), "nothing is defined when resolution fails")
				return err
			},
		},
		{
			name: "new segment without growth",
			run: func(t *testing.T, f *fixture, s *Session) error {
				require.NoError(t, s.SetAttributes(symtab.ARM32))
				require.NoError(t, s.Analyze(context.Background(), f.analyzer))
				require.NoError(t, s.Extend(0))
				require.Equal(t, 0x8000, s.Image().Len())
				require.NoError(t, s.ResolveSymbols())
				err := s.Plan(f.cfg.Units)
				var outOfRange *segment.SegmentOutOfRangeError
				require.ErrorAs(t, err, &outOfRange)
				return err
			},
		},
		{
			name: "overlapping plan",
			run: func(t *testing.T, f *fixture, s *Session) error {
				require.NoError(t, s.SetAttributes(symtab.ARM32))
				require.NoError(t, s.Analyze(context.Background(), f.analyzer))
				require.NoError(t, s.Extend(0x2000))
				require.NoError(t, s.ResolveSymbols())
				units := append(f.cfg.Units, UnitConfig{Name: "other", Segments: []SegmentConfig{
					{Name: ".data", Role: segment.RoleNew, BufferOffset: 0x1800, ForceLengthOverride: 0x100, AccessPermissions: segment.RW},
				}})
				err := s.Plan(units)
				var overlap *segment.SegmentOverlapError
				require.ErrorAs(t, err, &overlap)
				require.Equal(t, ".rodata", overlap.A.Name)
				require.Equal(t, ".data", overlap.B.Name)
				return err
			},
		},
		{
			name: "oversized artifact",
			run: func(t *testing.T, f *fixture, s *Session) error {
				s = f.plannedInto(t, s)
				before := s.Image().Bytes()
				err := s.Inject(context.Background(), toolchain.Artifacts{"do_version": {
					".text":   code,
					".rodata": bytes.Repeat([]byte{1}, 0x1001),
				}})
				var tooLarge *inject.ArtifactTooLargeError
				require.ErrorAs(t, err, &tooLarge)
				require.Equal(t, before, s.Image().Bytes())
				require.Zero(t, s.Map().Len())
				return err
			},
		},
		{
			name: "artifacts of an unknown unit",
			run: func(t *testing.T, f *fixture, s *Session) error {
				s = f.plannedInto(t, s)
				a := artifacts()
				a["do_help"] = map[string][]byte{".text": {1}}
				return s.Inject(context.Background(), a)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.open(t)

			err := tt.run(t, f, s)
			require.Error(t, err)
			require.Equal(t, StateAborted, s.State())
			require.Equal(t, err, s.Err())
			require.NotEmpty(t, f.logger.Lines("msg", "patch session aborted"))

			bkt := objstore.NewInMemBucket()
			var stateErr *InvalidSessionStateError
			require.ErrorAs(t, s.Flush(context.Background(), bkt, "out.bin"), &stateErr)
			require.Equal(t, StateAborted, stateErr.State)
			require.ErrorContains(t, stateErr, "session aborted")
			require.Empty(t, bkt.Objects(), "aborted sessions persist nothing")
		})
	}
}

// plannedInto runs s up to PLANNED.
func (f *fixture) plannedInto(t *testing.T, s *Session) *Session {
	t.Helper()
	require.NoError(t, s.SetAttributes(symtab.ARM32))
	require.NoError(t, s.Analyze(context.Background(), f.analyzer))
	require.NoError(t, s.Extend(f.cfg.ExtendLength))
	require.NoError(t, s.ResolveSymbols())
	require.NoError(t, s.Plan(f.cfg.Units))
	return s
}

func TestCompileRetries(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)

	compiler := new(mockCompiler)
	compiler.On("Compile", mock.Anything, mock.Anything).Return(nil, errors.New("linker busy")).Twice()
	compiler.On("Compile", mock.Anything, mock.Anything).Return(artifacts(), nil).Once()

	compiled, err := s.Compile(context.Background(), compiler)
	require.NoError(t, err)
	require.Equal(t, artifacts(), compiled)
	compiler.AssertExpectations(t)
	require.Equal(t, float64(2), testutil.ToFloat64(s.metrics.compileAttempts.WithLabelValues(statusFailure)))
	require.Len(t, f.logger.Lines("msg", "compile attempt failed"), 2)
}

func TestCompileFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)

	failing := new(mockCompiler)
	failing.On("Compile", mock.Anything, mock.Anything).Return(nil, errors.New("undefined reference to `puts'"))
	_, err := s.Compile(context.Background(), failing)
	require.ErrorContains(t, err, "compile failed after 3 attempts")
	require.ErrorContains(t, err, "undefined reference")
	failing.AssertNumberOfCalls(t, "Compile", 3)
	require.Equal(t, StatePlanned, s.State())

	fixed := new(mockCompiler)
	fixed.On("Compile", mock.Anything, mock.Anything).Return(artifacts(), nil)
	compiled, err := s.Compile(context.Background(), fixed)
	require.NoError(t, err)
	require.NoError(t, s.Inject(context.Background(), compiled))
}

func TestCompileTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.CompileTimeout = 10 * time.Millisecond
	f.cfg.CompileBackoff = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 2}
	s := f.planned(t)

	hanging := toolchain.CompilerFunc(func(ctx context.Context, _ toolchain.Request) (toolchain.Artifacts, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := s.Compile(context.Background(), hanging)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatePlanned, s.State())
}

func TestCompileCanceled(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Compile(ctx, new(mockCompiler))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatePlanned, s.State())
}

type failingBucket struct {
	objstore.Bucket
	failSuffix string
}

func (b *failingBucket) Upload(ctx context.Context, name string, r io.Reader, opts ...objstore.ObjectUploadOption) error {
	if strings.HasSuffix(name, b.failSuffix) {
		return errors.New("bucket is read-only")
	}
	return b.Bucket.Upload(ctx, name, r, opts...)
}

func TestFlushRemovesImageWhenMapFails(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)
	require.NoError(t, s.Inject(context.Background(), artifacts()))

	mem := objstore.NewInMemBucket()
	err := s.Flush(context.Background(), &failingBucket{Bucket: mem, failSuffix: MapSuffix}, "out.bin")
	require.ErrorContains(t, err, "read-only")
	require.Equal(t, StateAborted, s.State())
	require.Empty(t, mem.Objects())
}

func TestOverlapCheckDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.CheckOverlap = false
	f.cfg.Units = append(f.cfg.Units, UnitConfig{Name: "banner", Segments: []SegmentConfig{
		{Name: ".banner", Role: segment.RoleNew, BufferOffset: 0x1800, ForceLengthOverride: 0x10, AccessPermissions: segment.R},
	}})
	s := f.planned(t)

	a := artifacts()
	a["banner"] = map[string][]byte{".banner": bytes.Repeat([]byte{0xbb}, 0x10)}
	require.NoError(t, s.Inject(context.Background(), a))

	got, err := s.Image().Read(0x9800, 0x10)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xbb}, 0x10), got, "later unit wins")
	require.NotEmpty(t, f.logger.Lines("msg", "accepting overlapping segment, overlap check disabled"))
	require.Error(t, patchmap.Verify(s.Image().Bytes(), s.Map().Emit()))
}

func TestLinkerScripts(t *testing.T) {
	f := newFixture(t)
	f.cfg.Units = append(f.cfg.Units, UnitConfig{Name: "do_help", Segments: []SegmentConfig{
		{Name: ".text", Role: segment.RoleExisting, Symbol: "do_help", ForceLengthOverride: 0x40, EntryFlag: true, AccessPermissions: segment.RX},
	}})
	s := f.planned(t)

	scripts, err := s.LinkerScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	version := string(scripts["do_version"])
	require.Contains(t, version, "text_1040 (rx) : ORIGIN = 0x1040, LENGTH = 0x40")
	require.Contains(t, version, "rodata_9000 (r) : ORIGIN = 0x9000, LENGTH = 0x1000")
	require.Equal(t, 1, strings.Count(version, ".text :"))
	require.Contains(t, version, ".text : { *(.text .text.*) } > text_1040")
	require.NotContains(t, version, "text_3000")

	help := string(scripts["do_help"])
	require.Equal(t, 1, strings.Count(help, ".text :"))
	require.Contains(t, help, ".text : { *(.text .text.*) } > text_3000")
	require.NotContains(t, help, "text_1040")
	require.NotContains(t, help, "rodata_9000")

	for _, script := range scripts {
		require.Contains(t, string(script), "PROVIDE(printf = 0x2001);")
	}

	compiler := new(mockCompiler)
	compiler.On("Compile", mock.Anything, mock.MatchedBy(func(req toolchain.Request) bool {
		return len(req.LinkerScripts) == 2 && bytes.Equal(req.LinkerScripts["do_help"], scripts["do_help"])
	})).Return(toolchain.Artifacts{
		"do_version": {".text": code, ".rodata": data},
		"do_help":    {".text": code[:0x10]},
	}, nil).Once()
	compiled, err := s.Compile(context.Background(), compiler)
	require.NoError(t, err)
	compiler.AssertExpectations(t)
	require.NoError(t, s.Inject(context.Background(), compiled))
	require.Equal(t, 3, s.Map().Len())
}

func TestConcurrentStepsAreSerialized(t *testing.T) {
	f := newFixture(t)
	s := f.planned(t)

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := toolchain.CompilerFunc(func(context.Context, toolchain.Request) (toolchain.Artifacts, error) {
		close(started)
		<-release
		return artifacts(), nil
	})

	done := make(chan error)
	go func() {
		_, err := s.Compile(context.Background(), blocking)
		done <- err
	}()
	<-started

	injected := make(chan error)
	go func() { injected <- s.Inject(context.Background(), artifacts()) }()

	select {
	case <-injected:
		t.Fatal("inject ran while compile was in progress")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-injected)
	require.Equal(t, StateInjected, s.State())
}
