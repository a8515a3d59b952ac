// Package inject writes compiled patch code into an image buffer.
package inject

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/whyitfor/ofrak-u-boot/pkg/image"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchmap"
	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
)

// Unit is one compiled artifact and the segments it is injected into.
type Unit struct {
	Name     string
	Source   string
	Segments []segment.Segment
}

type Options struct {
	// BaseAddress is subtracted from segment addresses to get image offsets.
	BaseAddress uint64
	// CheckOverlap rejects units whose segments overlap each other.
	CheckOverlap bool
}

type Injector struct {
	logger log.Logger
	img    *image.Buffer
	opts   Options
}

func New(logger log.Logger, img *image.Buffer, opts Options) *Injector {
	return &Injector{logger: logger, img: img, opts: opts}
}

// Inject writes artifacts, keyed by segment name, into the segments of unit.
// Either every segment is written or the image is restored to its state
// before the call.
func (i *Injector) Inject(unit Unit, artifacts map[string][]byte) ([]patchmap.Entry, error) {
	if err := i.validateUnit(unit, artifacts); err != nil {
		return nil, &UnitError{Unit: unit.Name, Err: err}
	}

	ranges := make([]image.Range, 0, len(unit.Segments))
	for _, s := range unit.Segments {
		if off, err := i.offset(s); err == nil {
			ranges = append(ranges, image.Range{Offset: off, Size: len(artifacts[s.Name])})
		}
	}
	snapshot := i.img.Snapshot(ranges...)

	entries := make([]patchmap.Entry, 0, len(unit.Segments))
	for _, s := range unit.Segments {
		entry, err := i.write(unit, s, artifacts)
		if err != nil {
			i.img.Restore(snapshot)
			level.Error(i.logger).Log("msg", "patch unit aborted, image restored", "unit", unit.Name, "segment", s.Name, "err", err)
			return nil, &UnitError{Unit: unit.Name, Segment: s.Name, Err: err}
		}
		entries = append(entries, entry)
	}

	level.Info(i.logger).Log("msg", "patch unit injected", "unit", unit.Name, "segments", len(entries))
	return entries, nil
}

func (i *Injector) validateUnit(unit Unit, artifacts map[string][]byte) error {
	if len(unit.Segments) == 0 {
		return errors.New("unit has no segments")
	}
	names := lo.Map(unit.Segments, func(s segment.Segment, _ int) string { return s.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("segment names must be unique within a unit, repeated: %v", dups)
	}

	unexpected := lo.Filter(lo.Keys(artifacts), func(name string, _ int) bool {
		return !lo.Contains(names, name)
	})
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return &UnexpectedArtifactError{Name: unexpected[0]}
	}

	if a, b, ok := segment.FirstOverlap(unit.Segments); ok {
		if i.opts.CheckOverlap {
			return &segment.SegmentOverlapError{A: a, B: b}
		}
		level.Warn(i.logger).Log("msg", "injecting overlapping segments, overlap check disabled", "unit", unit.Name, "segment", a.String(), "overlaps", b.String())
	}
	return nil
}

func (i *Injector) write(unit Unit, s segment.Segment, artifacts map[string][]byte) (patchmap.Entry, error) {
	data, ok := artifacts[s.Name]
	if !ok {
		return patchmap.Entry{}, &MissingArtifactError{Segment: s}
	}
	if uint64(len(data)) > s.Length {
		return patchmap.Entry{}, &ArtifactTooLargeError{Segment: s, Size: len(data)}
	}
	off, err := i.offset(s)
	if err != nil {
		return patchmap.Entry{}, err
	}
	if err := i.img.Write(off, data); err != nil {
		return patchmap.Entry{}, err
	}
	level.Debug(i.logger).Log("msg", "segment written", "unit", unit.Name, "segment", s.String(), "offset", off, "size", len(data))

	return patchmap.Entry{
		Unit:      unit.Name,
		Source:    unit.Source,
		Segment:   s.Name,
		VMAddress: patchmap.Hex(s.VMAddress),
		Offset:    patchmap.Hex(off),
		Length:    patchmap.Hex(s.Length),
		Written:   patchmap.Hex(len(data)),
		Perms:     s.Perms.String(),
		Entry:     s.IsEntry,
		Digest:    patchmap.Digest(data),
	}, nil
}

// offset maps a segment address to an image offset.
func (i *Injector) offset(s segment.Segment) (int, error) {
	if s.VMAddress < i.opts.BaseAddress {
		return 0, fmt.Errorf("segment %s is below base address 0x%x", s, i.opts.BaseAddress)
	}
	if s.VMAddress-i.opts.BaseAddress > math.MaxInt {
		return 0, fmt.Errorf("segment %s does not map to an image offset", s)
	}
	return int(s.VMAddress - i.opts.BaseAddress), nil
}
