package walreceive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

// discoverResume scans baseDir for segment files belonging to tli and
// reports the byte offset just past the highest completed segment. found
// is false when no completed segment for this timeline exists, in which
// case the caller falls back to the server's current xlogpos.
//
// A segment shorter than a full SegmentSize is a stale partial left by a
// prior run: it is renamed to its ".partial" form and scanning stops,
// mirroring the "at most one partial segment at a time" invariant.
func discoverResume(baseDir string, tli xlog.Timeline, segSize int64) (pos xlog.Position, found bool, err error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, false, xerrors.NewIo("readdir", baseDir, err)
	}

	var maxSeg xlog.Segment
	for _, e := range entries {
		name := e.Name()
		if !xlog.IsSegmentName(name) {
			continue
		}
		seg, perr := xlog.ParseSegmentName(name)
		if perr != nil {
			continue
		}
		if seg.Timeline != tli {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			return 0, false, xerrors.NewIo("stat", name, ierr)
		}

		switch {
		case info.Size() == segSize:
			if !found || maxSeg.Less(seg) {
				maxSeg = seg
				found = true
			}
		case info.Size() < segSize:
			partialName := filepath.Join(baseDir, name+partialSuffix)
			if _, serr := os.Stat(partialName); serr == nil {
				return 0, false, xerrors.NewIo("rename", name, fmt.Errorf("%s already exists", partialName))
			}
			if rerr := os.Rename(filepath.Join(baseDir, name), partialName); rerr != nil {
				return 0, false, xerrors.NewIo("rename", name, rerr)
			}
			// Scanning stops here; the resume point comes from the
			// completed segments seen before this one.
			if !found {
				return 0, false, nil
			}
			return maxSeg.EndPosition(segSize), true, nil
		default:
			continue
		}
	}

	if !found {
		return 0, false, nil
	}
	return maxSeg.EndPosition(segSize), true, nil
}

const partialSuffix = ".partial"
