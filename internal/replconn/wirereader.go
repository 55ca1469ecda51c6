package replconn

import (
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vbp1/replstream/internal/xerrors"
)

// FrameKind discriminates the two outcomes of NextFrame.
type FrameKind int

const (
	// FrameData carries one CopyData payload.
	FrameData FrameKind = iota
	// FrameEnd signals CopyDone: this COPY sub-stream has ended.
	FrameEnd
)

// Frame is one event from WireReader.NextFrame.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// FinalizeStatus is the outcome of WireReader.Finalize.
type FinalizeStatus int

const (
	// FinalizeDone means CommandComplete and ReadyForQuery were seen:
	// the server has nothing more to send on this connection cycle.
	FinalizeDone FinalizeStatus = iota
	// FinalizeMore means another CopyOutResponse immediately followed,
	// i.e. the next tablespace archive in a multi-tablespace base
	// backup is about to start.
	FinalizeMore
)

// WireReader yields one COPY payload frame at a time from the connection
// it was created over, and, once the stream ends, the terminating
// command status.
//
// Partial frames are impossible: pgproto3.Frontend delivers whole
// protocol messages or reports an error, so NextFrame never has to
// reassemble one.
type WireReader struct {
	conn *Conn
}

// NextFrame blocks until one complete COPY payload arrives, or the COPY
// sub-stream ends.
func (w *WireReader) NextFrame() (Frame, error) {
	msg, err := w.conn.fe.Receive()
	if err != nil {
		return Frame{}, xerrors.NewIo("receive", "", err)
	}
	switch m := msg.(type) {
	case *pgproto3.CopyData:
		return Frame{Kind: FrameData, Data: m.Data}, nil
	case *pgproto3.CopyDone:
		return Frame{Kind: FrameEnd}, nil
	case *pgproto3.ErrorResponse:
		return Frame{}, xerrors.NewServer("%s", m.Message)
	default:
		return Frame{}, xerrors.NewProtocol("unexpected message %T while streaming COPY data", msg)
	}
}

// SetDeadline applies a read deadline to the connection this WireReader
// streams from, for callers implementing the advisory standby message
// timeout. A zero duration clears any deadline.
func (w *WireReader) SetDeadline(d time.Duration) error {
	return w.conn.SetFrameDeadline(d)
}

// Finalize must be called exactly once after NextFrame reports FrameEnd.
// It consumes the server's wrap-up messages and reports whether another
// COPY archive is about to start (base backup, multiple tablespaces) or
// the command cycle is fully complete.
func (w *WireReader) Finalize() (FinalizeStatus, error) {
	for {
		msg, err := w.conn.fe.Receive()
		if err != nil {
			return 0, xerrors.NewIo("receive", "", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyOutResponse, *pgproto3.CopyBothResponse:
			return FinalizeMore, nil
		case *pgproto3.CommandComplete, *pgproto3.RowDescription, *pgproto3.DataRow, *pgproto3.NoticeResponse:
			continue
		case *pgproto3.ReadyForQuery:
			return FinalizeDone, nil
		case *pgproto3.ErrorResponse:
			return 0, xerrors.NewServer("%s", m.Message)
		default:
			continue
		}
	}
}
