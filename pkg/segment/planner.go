package segment

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
)

// Spec is what the caller asks of a segment. For segments reusing an existing
// function Length optionally overrides the symbol size; for new regions it is
// required.
type Spec struct {
	Name          string
	Length        uint64
	IsEntry       bool
	Perms         Perms
	Purpose       Purpose
	AllowExecData bool
}

type Options struct {
	// BaseAddress is the virtual address of the first image byte.
	BaseAddress uint64
	// OriginLength is the image length before growth.
	OriginLength uint64
	// ImageLength is the image length after growth.
	ImageLength uint64
	// CheckOverlap rejects segments sharing virtual addresses. Disabling it is
	// an expert override for plans whose safety was verified by hand.
	CheckOverlap bool
}

// Planner computes segments for one patch session and keeps every segment it
// handed out so later ones can be checked against them.
type Planner struct {
	logger  log.Logger
	opts    Options
	planned []Segment
}

func NewPlanner(logger log.Logger, opts Options) *Planner {
	if !opts.CheckOverlap {
		level.Warn(logger).Log("msg", "segment overlap check disabled")
	}
	return &Planner{logger: logger, opts: opts}
}

// PlanExisting places a segment over the body of sym. The segment length is
// the symbol size unless spec.Length overrides it, which is how a plan
// replaces only part of a function or copes with an unreliable size.
func (p *Planner) PlanExisting(sym symtab.Symbol, spec Spec) (Segment, error) {
	length := sym.Size
	if spec.Length != 0 {
		length = spec.Length
	}
	purpose := spec.Purpose
	if purpose == "" {
		purpose = PurposeData
		if sym.Kind == symtab.KindFunction {
			purpose = PurposeCode
		}
	}
	s := Segment{
		Name:          spec.Name,
		VMAddress:     sym.Address,
		Length:        length,
		IsEntry:       spec.IsEntry,
		Perms:         spec.Perms,
		Role:          RoleExisting,
		Purpose:       purpose,
		Symbol:        sym.Name,
		AllowExecData: spec.AllowExecData,
	}
	if err := s.Validate(); err != nil {
		return Segment{}, err
	}
	if err := p.place(&s, p.opts.BaseAddress, p.opts.BaseAddress+p.opts.OriginLength); err != nil {
		return Segment{}, err
	}
	return s, nil
}

// PlanNew places a segment bufferOffset bytes into the region appended to
// the image. Callers pick offsets that keep their new segments apart.
func (p *Planner) PlanNew(spec Spec, bufferOffset uint64) (Segment, error) {
	purpose := spec.Purpose
	if purpose == "" {
		purpose = PurposeData
		if spec.IsEntry || spec.Perms.Has(PermExec) {
			purpose = PurposeCode
		}
	}
	s := Segment{
		Name:          spec.Name,
		VMAddress:     p.opts.BaseAddress + p.opts.OriginLength + bufferOffset,
		Length:        spec.Length,
		IsEntry:       spec.IsEntry,
		Perms:         spec.Perms,
		Role:          RoleNew,
		Purpose:       purpose,
		AllowExecData: spec.AllowExecData,
	}
	if err := s.Validate(); err != nil {
		return Segment{}, err
	}
	if err := p.place(&s, p.opts.BaseAddress+p.opts.OriginLength, p.opts.BaseAddress+p.opts.ImageLength); err != nil {
		return Segment{}, err
	}
	return s, nil
}

func (p *Planner) place(s *Segment, start, end uint64) error {
	if s.VMAddress < start || s.End() > end || s.End() < s.VMAddress {
		return &SegmentOutOfRangeError{Segment: *s, RangeStart: start, RangeEnd: end}
	}
	s.Offset = s.VMAddress - p.opts.BaseAddress

	for _, other := range p.planned {
		if !other.Overlaps(*s) {
			continue
		}
		if p.opts.CheckOverlap {
			return &SegmentOverlapError{A: other, B: *s}
		}
		level.Warn(p.logger).Log(
			"msg", "accepting overlapping segment, overlap check disabled",
			"segment", s.String(),
			"overlaps", other.String(),
		)
	}
	p.planned = append(p.planned, *s)
	level.Debug(p.logger).Log("msg", "planned segment", "segment", s.String(), "role", s.Role, "offset", s.Offset)
	return nil
}

// Planned returns the segments accepted so far in planning order.
func (p *Planner) Planned() []Segment {
	return append([]Segment(nil), p.planned...)
}

func (p *Planner) Options() Options { return p.opts }
