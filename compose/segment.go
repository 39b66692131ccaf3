package compose

import "fmt"

// SegmentKind identifies what backs a range of a composed stream.
type SegmentKind uint8

const (
	// SegmentFile is a window onto a physical file.
	SegmentFile SegmentKind = iota + 1

	// SegmentPadding is zero fill up to an alignment boundary.
	SegmentPadding

	// SegmentHeader is the trailing in-memory header.
	SegmentHeader
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentFile:
		return "file"
	case SegmentPadding:
		return "padding"
	case SegmentHeader:
		return "header"
	default:
		return fmt.Sprintf("SegmentKind(%d)", uint8(k))
	}
}

// Block is one file placed into a container.
//
// Start is the logical offset of the file inside the container. The first
// Length bytes of the physical file at Path are exposed there.
type Block struct {
	Path   string
	Start  int64
	Length int64
}

// Segment describes one contiguous range of a composed stream.
type Segment struct {
	Kind   SegmentKind
	Offset int64
	Length int64

	// Path is the backing file for SegmentFile, empty otherwise.
	Path string
}

// End returns the offset just past the segment.
func (s Segment) End() int64 {
	return s.Offset + s.Length
}
