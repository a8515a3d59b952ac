package segment

import "fmt"

// SegmentOverlapError reports two planned segments sharing virtual addresses.
type SegmentOverlapError struct {
	A, B Segment
}

func (e *SegmentOverlapError) Error() string {
	return fmt.Sprintf("segment %s overlaps segment %s", e.A, e.B)
}

// SegmentOutOfRangeError is returned when a segment does not fit the part of
// the image its role allows.
type SegmentOutOfRangeError struct {
	Segment    Segment
	RangeStart uint64
	RangeEnd   uint64
}

func (e *SegmentOutOfRangeError) Error() string {
	return fmt.Sprintf("segment %s is outside of [0x%x-0x%x)", e.Segment, e.RangeStart, e.RangeEnd)
}

type InvalidSegmentError struct {
	Segment Segment
	Reason  string
}

func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("invalid segment %s: %s", e.Segment.Name, e.Reason)
}

// PermissionError reports access permissions that do not match what the
// segment holds.
type PermissionError struct {
	Segment Segment
	Reason  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("segment %s: %s", e.Segment, e.Reason)
}
