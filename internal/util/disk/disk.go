// Package disk checks free filesystem space before a base backup commits
// to writing a possibly-large cluster copy to a target directory.
package disk

import (
	"syscall"

	"github.com/vbp1/replstream/internal/postgres"
	"github.com/vbp1/replstream/internal/xerrors"
)

// Space holds free and total bytes for a filesystem, as reported by
// statfs(2). On Linux, Statfs uses the fragment size in Bsize.
type Space struct {
	Free  uint64
	Total uint64
}

// FreeBytes returns available (for an unprivileged user) and total bytes
// on the filesystem containing path.
func FreeBytes(path string) (Space, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Space{}, xerrors.NewIo("statfs", path, err)
	}
	free := st.Bavail * uint64(st.Bsize)
	total := st.Blocks * uint64(st.Bsize)
	return Space{Free: free, Total: total}, nil
}

// headroomNumerator/headroomDenominator pad each requirement by 15%: the
// estimate EnsureSpace is checked against (pg_database_size summed across
// databases) excludes WAL generated during the copy and any temporary
// files the source writes while the backup runs, so a raw byte-for-byte
// requirement runs tight in practice.
const (
	headroomNumerator   = 115
	headroomDenominator = 100
)

// EnsureSpace checks that each path in need has at least its required
// bytes free, plus headroom. Keys are directory paths (typically the
// base backup's target directory and each tablespace's target
// location); values are the estimated bytes that will be written there.
func EnsureSpace(need map[string]uint64) error {
	for p, req := range need {
		sp, err := FreeBytes(p)
		if err != nil {
			return err
		}
		padded := req * headroomNumerator / headroomDenominator
		if sp.Free < padded {
			return xerrors.NewConfig("insufficient space on %s: free %s, need %s (including 15%% headroom)",
				p, postgres.PrettyBytes(int64(sp.Free)), postgres.PrettyBytes(int64(padded)))
		}
	}
	return nil
}
