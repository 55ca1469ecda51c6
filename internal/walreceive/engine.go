package walreceive

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vbp1/replstream/internal/replconn"
	"github.com/vbp1/replstream/internal/segio"
	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

// HookResult is returned by a SegmentHook to tell the engine whether to
// keep streaming.
type HookResult int

const (
	// HookContinue keeps the stream running.
	HookContinue HookResult = iota
	// HookStop ends the stream cleanly; the engine returns the position
	// of the segment that just completed.
	HookStop
)

// SegmentHook is invoked once per completed segment, after fsync, close,
// and any rename. endPos is the position just past the segment's last
// byte. A hook implementing a WAL receiver typically deletes the stale
// ".partial" predecessor of this segment here.
type SegmentHook func(endPos xlog.Position, tli xlog.Timeline) (HookResult, error)

// Options configures one WalStreamEngine.Run invocation.
type Options struct {
	BaseDir       string
	SegmentSize   int64 // 0 selects xlog.DefaultSegmentSize
	RenamePartial bool
	Hook          SegmentHook
	// OnBytes, if set, is called with the length of every WAL payload
	// chunk written to disk. Callers use it to drive a progress reporter.
	OnBytes func(n int64)
	// StatusTimeout is the advisory standby message timeout: a read
	// deadline applied before each frame read. If it elapses without a
	// frame, the engine sends an unsolicited standby status update and
	// resumes reading; a second consecutive elapse with still nothing
	// from the server is fatal. Zero disables the deadline entirely.
	StatusTimeout time.Duration
}

// deadlineSetter is implemented by a FrameSource that streams over a real
// connection (replconn.WireReader); fakes used in tests need not
// implement it, since StatusTimeout is simply inert without it.
type deadlineSetter interface {
	SetDeadline(d time.Duration) error
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Engine drives one WAL streaming session over a single connection.
type Engine struct {
	conn Conn
}

// NewEngine wraps a Conn (a live connection via WrapConn, or a fake in
// tests).
func NewEngine(conn Conn) *Engine {
	return &Engine{conn: conn}
}

type streamState struct {
	writer  *segio.Writer
	lastPos xlog.Position
	tli     xlog.Timeline
	stopped bool
}

// Run executes IDENTIFY_SYSTEM, resume-position discovery,
// START_REPLICATION, and the frame-handling loop until the stream ends,
// the context is cancelled, or the SegmentHook requests a stop. It
// returns the last position streamed to disk.
func (e *Engine) Run(ctx context.Context, opts Options) (xlog.Position, error) {
	segSize := opts.SegmentSize
	if segSize == 0 {
		segSize = xlog.DefaultSegmentSize
	}

	ident, err := e.conn.IdentifySystem()
	if err != nil {
		return 0, err
	}

	start, found, err := discoverResume(opts.BaseDir, ident.Timeline, segSize)
	if err != nil {
		return 0, err
	}
	if !found {
		start = ident.XLogPos
	}
	start = start.AlignedDown(segSize)

	reader, err := e.conn.StartReplication(replconn.StartReplicationOptions{
		Timeline:          ident.Timeline,
		Pos:               start,
		ServerHasTimeline: true,
	})
	if err != nil {
		return 0, err
	}

	st := &streamState{lastPos: start, tli: ident.Timeline}
	defer func() {
		if st.writer != nil {
			_ = st.writer.AbortOpen()
		}
	}()

	deadlines, _ := reader.(deadlineSetter)
	timedOutOnce := false

	for {
		if ctx.Err() != nil {
			return st.lastPos, nil
		}

		if deadlines != nil && opts.StatusTimeout > 0 {
			if err := deadlines.SetDeadline(opts.StatusTimeout); err != nil {
				return st.lastPos, err
			}
		}

		frame, err := reader.NextFrame()
		if err != nil {
			if opts.StatusTimeout > 0 && isTimeout(err) {
				if timedOutOnce {
					return st.lastPos, xerrors.NewProtocol("no message from primary for two consecutive status timeouts")
				}
				timedOutOnce = true
				if err := e.conn.SendStandbyStatusUpdate(replconn.EncodeStandbyStatusUpdate(st.lastPos, replconn.NowMicros())); err != nil {
					return st.lastPos, err
				}
				continue
			}
			return st.lastPos, err
		}
		timedOutOnce = false

		if frame.Kind == replconn.FrameEnd {
			if deadlines != nil && opts.StatusTimeout > 0 {
				if err := deadlines.SetDeadline(0); err != nil {
					return st.lastPos, err
				}
			}
			status, err := reader.Finalize()
			if err != nil {
				return st.lastPos, err
			}
			if status != replconn.FinalizeDone {
				return st.lastPos, xerrors.NewProtocol("server started another stream after WAL streaming ended")
			}
			return st.lastPos, nil
		}

		raw := frame.Data
		typ, err := replconn.FrameType(raw)
		if err != nil {
			return st.lastPos, err
		}

		switch typ {
		case replconn.KeepaliveType:
			ka, err := replconn.ParseKeepalive(raw)
			if err != nil {
				return st.lastPos, err
			}
			if ka.ReplyRequested {
				if err := e.conn.SendStandbyStatusUpdate(replconn.EncodeStandbyStatusUpdate(st.lastPos, replconn.NowMicros())); err != nil {
					return st.lastPos, err
				}
			}
			continue
		case replconn.WALDataType:
			sf, err := replconn.ParseWALFrame(raw)
			if err != nil {
				return st.lastPos, err
			}
			if len(sf.Body) == 0 {
				return st.lastPos, xerrors.NewProtocol("WAL frame carries zero payload bytes")
			}
			if err := e.handleDataFrame(opts, segSize, sf, st); err != nil {
				return st.lastPos, err
			}
			if st.stopped {
				return st.lastPos, nil
			}
		default:
			return st.lastPos, xerrors.NewProtocol("unexpected COPY BOTH frame type %q", typ)
		}
	}
}

func (e *Engine) handleDataFrame(opts Options, segSize int64, sf replconn.StreamFrame, st *streamState) error {
	if st.writer == nil {
		if !sf.StartPos.IsSegmentAligned(segSize) {
			return xerrors.NewProtocol("first WAL frame starts at %s, not segment-aligned", sf.StartPos)
		}
	} else {
		expected := st.writer.Segment().StartPosition(segSize).Add(st.writer.BytesWritten())
		if sf.StartPos != expected {
			return xerrors.NewProtocol("WAL frame starts at %s, expected %s", sf.StartPos, expected)
		}
	}

	pos := sf.StartPos
	body := sf.Body
	for len(body) > 0 {
		if st.writer == nil {
			seg := xlog.SegmentOf(st.tli, pos, segSize)
			w, err := segio.Open(seg, opts.BaseDir, segSize, opts.RenamePartial)
			if err != nil {
				return err
			}
			st.writer = w
		}

		n := min(int64(len(body)), st.writer.Remaining())
		if err := st.writer.Write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
		pos = pos.Add(n)
		if opts.OnBytes != nil {
			opts.OnBytes(n)
		}

		if st.writer.Remaining() == 0 {
			seg := st.writer.Segment()
			if err := st.writer.FinishSegment(); err != nil {
				return err
			}
			st.writer = nil
			endPos := seg.EndPosition(segSize)
			if opts.Hook != nil {
				res, err := opts.Hook(endPos, seg.Timeline)
				if err != nil {
					return err
				}
				if res == HookStop {
					st.stopped = true
					st.lastPos = pos
					return nil
				}
			}
		}
	}
	st.lastPos = pos
	return nil
}
