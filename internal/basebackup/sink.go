package basebackup

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/vbp1/replstream/internal/replconn"
	"github.com/vbp1/replstream/internal/tarstream"
	"github.com/vbp1/replstream/internal/util/fs"
	"github.com/vbp1/replstream/internal/xerrors"
)

// zeroBlock is one all-zero 512-byte tar block, reused as a scratch
// buffer when writing the end-of-archive sentinel.
var zeroBlock [512]byte

// Sink receives the bytes of one tablespace's archive: Open is called
// once per tablespace, Write zero or more times, Close exactly once
// before the next tablespace's Open.
type Sink interface {
	Open(ts replconn.TablespaceRow, isFirst bool) error
	Write(chunk []byte) error
	Close() error
}

// TarFileSink writes each tablespace's archive through verbatim into its
// own tar file (or, when configured for stdout, a single shared stream),
// optionally gzip-compressed, and appends the two all-zero 512-byte
// blocks (1024 bytes) PostgreSQL's base backup protocol omits from the
// wire but a valid tar file requires.
type TarFileSink struct {
	OutDir    string
	GzipLevel int
	Stdout    io.Writer // non-nil selects stdout mode; OutDir is ignored

	f  *os.File
	gz *gzip.Writer
	w  io.Writer
}

func (s *TarFileSink) Open(ts replconn.TablespaceRow, isFirst bool) error {
	if s.Stdout != nil {
		s.w = s.Stdout
		if s.GzipLevel > 0 {
			gz, err := gzip.NewWriterLevel(s.Stdout, s.GzipLevel)
			if err != nil {
				return xerrors.NewConfig("gzip level %d: %v", s.GzipLevel, err)
			}
			s.gz = gz
			s.w = gz
		}
		return nil
	}

	name := "base"
	if !isFirst {
		name = ts.SpcOID
	}
	if s.GzipLevel > 0 {
		name += ".tar.gz"
	} else {
		name += ".tar"
	}
	f, err := os.OpenFile(filepath.Join(s.OutDir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return xerrors.NewIo("open", name, err)
	}
	s.f = f
	s.w = f
	if s.GzipLevel > 0 {
		gz, err := gzip.NewWriterLevel(f, s.GzipLevel)
		if err != nil {
			f.Close()
			return xerrors.NewConfig("gzip level %d: %v", s.GzipLevel, err)
		}
		s.gz = gz
		s.w = gz
	}
	return nil
}

func (s *TarFileSink) Write(chunk []byte) error {
	if _, err := s.w.Write(chunk); err != nil {
		return xerrors.NewIo("write", "", err)
	}
	return nil
}

// Close appends the end-of-archive sentinel and releases this
// tablespace's file handle. For stdout mode the underlying writer is
// left open across tablespaces; only the gzip wrapper, if any, is
// finalized.
func (s *TarFileSink) Close() error {
	if _, err := s.w.Write(zeroBlock[:]); err != nil {
		return xerrors.NewIo("write", "", err)
	}
	if _, err := s.w.Write(zeroBlock[:]); err != nil {
		return xerrors.NewIo("write", "", err)
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return xerrors.NewIo("close", "", err)
		}
		s.gz = nil
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return xerrors.NewIo("close", "", err)
		}
		s.f = nil
	}
	s.w = nil
	return nil
}

// TreeSink materializes one tablespace's tar archive as files,
// directories, and directory symlinks under a target directory, driving
// a tarstream.Parser and implementing its Handler.
type TreeSink struct {
	TargetDir string

	parser  *tarstream.Parser
	curFile *os.File
}

func (s *TreeSink) Open(ts replconn.TablespaceRow, isFirst bool) error {
	dir := s.TargetDir
	if !isFirst {
		dir = ts.Location
	}
	s.TargetDir = dir
	s.parser = tarstream.NewParser(s)
	return nil
}

func (s *TreeSink) Write(chunk []byte) error {
	if _, err := s.parser.Write(chunk); err != nil {
		return err
	}
	return nil
}

func (s *TreeSink) Close() error {
	if s.curFile != nil {
		f := s.curFile
		s.curFile = nil
		if err := f.Close(); err != nil {
			return xerrors.NewIo("close", "", err)
		}
	}
	if !s.parser.Done() {
		return xerrors.NewProtocol("tar stream ended before the archive terminator")
	}
	return nil
}

// Header implements tarstream.Handler.
func (s *TreeSink) Header(entry tarstream.Entry) error {
	path := filepath.Join(s.TargetDir, entry.Name)
	switch entry.Kind {
	case tarstream.KindDirectory:
		if err := fs.MkdirP(path, 0o700); err != nil {
			return xerrors.NewIo("mkdir", path, err)
		}
	case tarstream.KindSymlinkDir:
		if err := os.Symlink(entry.LinkTarget, path); err != nil {
			return xerrors.NewIo("symlink", path, err)
		}
	case tarstream.KindRegular:
		if err := fs.MkdirP(filepath.Dir(path), 0o700); err != nil {
			return xerrors.NewIo("mkdir", filepath.Dir(path), err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(entry.Mode)&0o777)
		if err != nil {
			return xerrors.NewIo("open", path, err)
		}
		s.curFile = f
	}
	return nil
}

// Body implements tarstream.Handler.
func (s *TreeSink) Body(chunk []byte) error {
	if s.curFile == nil {
		return xerrors.NewProtocol("tar body bytes with no open file")
	}
	if _, err := s.curFile.Write(chunk); err != nil {
		return xerrors.NewIo("write", "", err)
	}
	return nil
}

// EndOfEntry implements tarstream.Handler.
func (s *TreeSink) EndOfEntry() error {
	if s.curFile == nil {
		return nil
	}
	f := s.curFile
	s.curFile = nil
	if err := f.Close(); err != nil {
		return xerrors.NewIo("close", "", err)
	}
	return nil
}
