// Package basebackup drives the base-backup protocol: it issues
// BASE_BACKUP, reads the tablespace manifest, and for each tablespace
// routes the COPY OUT archive to either a tar file or a materialized
// directory tree.
package basebackup

import (
	"github.com/vbp1/replstream/internal/replconn"
)

// FrameSource is the subset of replconn.WireReader the engine consumes.
// replconn.BaseBackupSession.Reader satisfies this interface; tests supply
// a fake.
type FrameSource interface {
	NextFrame() (replconn.Frame, error)
	Finalize() (replconn.FinalizeStatus, error)
}

// Session is the engine's view of a started BASE_BACKUP: the tablespace
// manifest plus a frame source positioned at the first archive.
type Session struct {
	Tablespaces []replconn.TablespaceRow
	Reader      FrameSource
}

// Conn is the subset of *replconn.Conn the engine needs to start a base
// backup. Defining it here, rather than depending on *replconn.Conn
// directly, lets tests exercise the engine without a live connection.
type Conn interface {
	BaseBackup(replconn.BaseBackupOptions) (Session, error)
}

type connAdapter struct{ c *replconn.Conn }

// WrapConn adapts a live replication connection to the Conn interface.
func WrapConn(c *replconn.Conn) Conn {
	return connAdapter{c: c}
}

func (a connAdapter) BaseBackup(opts replconn.BaseBackupOptions) (Session, error) {
	s, err := a.c.BaseBackup(opts)
	if err != nil {
		return Session{}, err
	}
	return Session{Tablespaces: s.Tablespaces, Reader: s.Reader}, nil
}
