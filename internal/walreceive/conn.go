// Package walreceive drives the replication protocol end to end: it
// discovers where a previous run left off, issues START_REPLICATION, and
// writes the incoming WAL stream to segment files via segio, invoking a
// caller-supplied hook at every segment boundary.
package walreceive

import (
	"github.com/vbp1/replstream/internal/replconn"
)

// FrameSource is the subset of replconn.WireReader the engine consumes.
type FrameSource interface {
	NextFrame() (replconn.Frame, error)
	Finalize() (replconn.FinalizeStatus, error)
}

// Conn is the subset of *replconn.Conn the engine needs. Defining it here
// rather than depending on *replconn.Conn directly lets tests drive the
// engine without a live connection.
type Conn interface {
	IdentifySystem() (replconn.SystemIdent, error)
	StartReplication(replconn.StartReplicationOptions) (FrameSource, error)
	SendStandbyStatusUpdate([]byte) error
}

type connAdapter struct{ c *replconn.Conn }

// WrapConn adapts a live replication connection to the Conn interface.
func WrapConn(c *replconn.Conn) Conn {
	return connAdapter{c: c}
}

func (a connAdapter) IdentifySystem() (replconn.SystemIdent, error) {
	return a.c.IdentifySystem()
}

func (a connAdapter) StartReplication(opts replconn.StartReplicationOptions) (FrameSource, error) {
	return a.c.StartReplication(opts)
}

func (a connAdapter) SendStandbyStatusUpdate(buf []byte) error {
	return a.c.SendStandbyStatusUpdate(buf)
}
