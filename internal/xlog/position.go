// Package xlog implements the small pieces of data modeling shared by the
// base-backup and WAL-receiver engines: WAL byte positions, timelines, and
// the fixed-width segment filename format.
//
// The segment-name parsing here mirrors the approach widely used by Go
// PostgreSQL tooling (timeline/log/segment triple, 24 uppercase hex
// characters, `%08X%08X%08X` formatting): a regex-free split keyed on the
// fixed field widths, since the filename has no delimiters.
package xlog

import (
	"fmt"
	"strconv"

	"github.com/vbp1/replstream/internal/xerrors"
)

// DefaultSegmentSize is the build-time WAL segment size, 16 MiB, matching
// PostgreSQL's default wal_segment_size.
const DefaultSegmentSize int64 = 16 * 1024 * 1024

// Position is a 64-bit logical byte offset into the WAL, conventionally
// displayed as two 32-bit hex fields hi/lo.
type Position uint64

// NewPosition builds a Position from its hi/lo halves.
func NewPosition(hi, lo uint32) Position {
	return Position(uint64(hi)<<32 | uint64(lo))
}

// Hi returns the upper 32 bits.
func (p Position) Hi() uint32 { return uint32(p >> 32) }

// Lo returns the lower 32 bits.
func (p Position) Lo() uint32 { return uint32(p) }

// String renders the position as "hi/lo" in uppercase hex, e.g. "0/1800000".
func (p Position) String() string {
	return fmt.Sprintf("%X/%X", p.Hi(), p.Lo())
}

// ParsePosition parses a "hi/lo" hex string as produced by IDENTIFY_SYSTEM
// or START_REPLICATION.
func ParsePosition(s string) (Position, error) {
	var hi, lo uint64
	n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo)
	if err != nil || n != 2 {
		return 0, xerrors.NewProtocol("malformed xlog position %q", s)
	}
	return NewPosition(uint32(hi), uint32(lo)), nil
}

// AlignedDown returns p rounded down to the nearest multiple of segSize.
func (p Position) AlignedDown(segSize int64) Position {
	return Position(uint64(p) - uint64(p)%uint64(segSize))
}

// IsSegmentAligned reports whether p sits exactly on a segment boundary.
func (p Position) IsSegmentAligned(segSize int64) bool {
	return uint64(p)%uint64(segSize) == 0
}

// Add returns p+n.
func (p Position) Add(n int64) Position { return Position(int64(p) + n) }

// Sub returns p-q as a byte count.
func (p Position) Sub(q Position) int64 { return int64(p) - int64(q) }

// Timeline is a 32-bit positive integer naming a branch of the WAL.
type Timeline uint32

// Segment names a single WAL segment file by (timeline, logId, segNo).
type Segment struct {
	Timeline Timeline
	LogID    uint32
	SegNo    uint32
}

// SegmentOf computes the Segment containing position p, given segSize.
func SegmentOf(tli Timeline, p Position, segSize int64) Segment {
	segsPerLog := uint32(0x100000000 / uint64(segSize))
	segIdx := uint32(uint64(p) / uint64(segSize))
	return Segment{
		Timeline: tli,
		LogID:    segIdx / segsPerLog,
		SegNo:    segIdx % segsPerLog,
	}
}

// StartPosition returns the byte position of the first byte of s.
func (s Segment) StartPosition(segSize int64) Position {
	segsPerLog := uint64(0x100000000 / uint64(segSize))
	segIdx := uint64(s.LogID)*segsPerLog + uint64(s.SegNo)
	return Position(segIdx * uint64(segSize))
}

// EndPosition returns the byte position just past the last byte of s.
func (s Segment) EndPosition(segSize int64) Position {
	return s.StartPosition(segSize).Add(segSize)
}

// Name renders the fixed 24-character uppercase hex filename
// TTTTTTTTLLLLLLLLSSSSSSSS.
func (s Segment) Name() string {
	return fmt.Sprintf("%08X%08X%08X", uint32(s.Timeline), s.LogID, s.SegNo)
}

// segmentNameLen is the exact length of a completed-segment filename.
const segmentNameLen = 24

// IsSegmentName reports whether name has the shape of a completed WAL
// segment filename: exactly 24 hex-uppercase characters.
func IsSegmentName(name string) bool {
	if len(name) != segmentNameLen {
		return false
	}
	for _, c := range name {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseSegmentName parses a 24-character segment filename into its
// (timeline, logId, segNo) triple.
func ParseSegmentName(name string) (Segment, error) {
	if !IsSegmentName(name) {
		return Segment{}, xerrors.NewProtocol("invalid WAL segment name %q", name)
	}
	tli, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return Segment{}, xerrors.NewProtocol("invalid WAL segment name %q: %v", name, err)
	}
	logID, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return Segment{}, xerrors.NewProtocol("invalid WAL segment name %q: %v", name, err)
	}
	segNo, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return Segment{}, xerrors.NewProtocol("invalid WAL segment name %q: %v", name, err)
	}
	return Segment{Timeline: Timeline(tli), LogID: uint32(logID), SegNo: uint32(segNo)}, nil
}

// Less reports whether s sorts strictly before o. Segment names compare
// lexicographically as hex strings, which is the same ordering as
// comparing (LogID, SegNo) as integers within a timeline.
func (s Segment) Less(o Segment) bool {
	if s.LogID != o.LogID {
		return s.LogID < o.LogID
	}
	return s.SegNo < o.SegNo
}
