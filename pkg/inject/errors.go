package inject

import (
	"fmt"

	"github.com/whyitfor/ofrak-u-boot/pkg/segment"
)

// ArtifactTooLargeError is returned when compiled bytes do not fit their
// segment. Segments never grow during injection; plan a longer one instead.
type ArtifactTooLargeError struct {
	Segment segment.Segment
	Size    int
}

func (e *ArtifactTooLargeError) Error() string {
	return fmt.Sprintf("artifact of 0x%x bytes does not fit segment %s of 0x%x bytes", e.Size, e.Segment, e.Segment.Length)
}

type MissingArtifactError struct {
	Segment segment.Segment
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("no compiled artifact for segment %s", e.Segment)
}

type UnexpectedArtifactError struct {
	Name string
}

func (e *UnexpectedArtifactError) Error() string {
	return fmt.Sprintf("artifact %s does not match any segment of the unit", e.Name)
}

// UnitError wraps the failure that aborted a patch unit. The image is left as
// it was before the unit started.
type UnitError struct {
	Unit    string
	Segment string
	Err     error
}

func (e *UnitError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("patch unit %s: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("patch unit %s, segment %s: %v", e.Unit, e.Segment, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }
