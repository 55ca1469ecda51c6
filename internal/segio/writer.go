// Package segio implements crash-safe, append-only writes to WAL segment
// files: open, append, fsync, close, and the rename-from-.partial dance.
package segio

import (
	"os"
	"path/filepath"

	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

const partialSuffix = ".partial"

// Writer owns exactly one open segment file from the first byte destined
// for it until FinishSegment or AbortOpen. It is never reopened.
type Writer struct {
	segment     xlog.Segment
	baseDir     string
	segSize     int64
	partial     bool
	finalName   string
	openName    string
	f           *os.File
	bytesWritten int64
}

// Open creates the target file exclusively (O_CREAT|O_EXCL) and returns a
// Writer ready to accept bytes. When expectPartial is true the file is
// created with a ".partial" suffix; the caller is responsible for
// eventually calling FinishSegment (which renames it) or AbortOpen.
func Open(seg xlog.Segment, baseDir string, segSize int64, expectPartial bool) (*Writer, error) {
	finalName := filepath.Join(baseDir, seg.Name())
	openName := finalName
	if expectPartial {
		openName = finalName + partialSuffix
		// A ".partial" file already at this path is stale: either a prior
		// crashed run's in-progress write of this same segment, or the
		// caller's own discovery step renaming an undersized leftover
		// segment file here. Either way the caller is about to rewrite
		// this segment in full from the server's retransmission, so the
		// leftover bytes are superseded and must not collide with the
		// O_EXCL create below.
		if err := os.Remove(openName); err != nil && !os.IsNotExist(err) {
			return nil, xerrors.NewIo("remove", openName, err)
		}
	}

	f, err := os.OpenFile(openName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, xerrors.NewIo("open", openName, err)
	}

	return &Writer{
		segment:   seg,
		baseDir:   baseDir,
		segSize:   segSize,
		partial:   expectPartial,
		finalName: finalName,
		openName:  openName,
		f:         f,
	}, nil
}

// Segment returns the segment this writer targets.
func (w *Writer) Segment() xlog.Segment { return w.segment }

// BytesWritten returns the running in-memory offset into the segment.
func (w *Writer) BytesWritten() int64 { return w.bytesWritten }

// Remaining returns how many bytes are left before the segment is full.
func (w *Writer) Remaining() int64 { return w.segSize - w.bytesWritten }

// Write appends buf to the segment. A short write from the OS is retried
// until all bytes are consumed or an error is raised. The caller must not
// write more bytes than Remaining() allows; such a write is rejected with
// a ProtocolError and nothing is written.
func (w *Writer) Write(buf []byte) error {
	if int64(len(buf)) > w.Remaining() {
		return xerrors.NewProtocol("write would overflow segment %s: %d bytes, %d remaining",
			w.segment.Name(), len(buf), w.Remaining())
	}
	for len(buf) > 0 {
		n, err := w.f.Write(buf)
		if err != nil {
			return xerrors.NewIo("write", w.openName, err)
		}
		w.bytesWritten += int64(n)
		buf = buf[n:]
	}
	return nil
}

// FinishSegment must be called exactly once, when BytesWritten() ==
// segSize. It fsyncs the file, closes it, and — if the writer was opened
// as partial — renames it to its final name and fsyncs the containing
// directory.
func (w *Writer) FinishSegment() error {
	if w.bytesWritten != w.segSize {
		return xerrors.NewProtocol("FinishSegment called with %d/%d bytes written for %s",
			w.bytesWritten, w.segSize, w.segment.Name())
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return xerrors.NewIo("fsync", w.openName, err)
	}
	if err := w.f.Close(); err != nil {
		return xerrors.NewIo("close", w.openName, err)
	}
	if w.partial {
		if err := os.Rename(w.openName, w.finalName); err != nil {
			return xerrors.NewIo("rename", w.openName, err)
		}
		if err := fsyncDir(w.baseDir); err != nil {
			return err
		}
	}
	return nil
}

// AbortOpen is called on unexpected termination: it closes the file
// without fsyncing and without renaming, leaving whatever was written on
// disk for diagnosis or for a subsequent run's discovery procedure.
func (w *Writer) AbortOpen() error {
	if err := w.f.Close(); err != nil {
		return xerrors.NewIo("close", w.openName, err)
	}
	return nil
}

// fsyncDir fsyncs a directory so that a preceding rename is durable.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return xerrors.NewIo("open", dir, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return xerrors.NewIo("fsync", dir, err)
	}
	return nil
}
