package replconn

import (
	"encoding/binary"
	"time"

	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

// walFrameHeaderSize is the fixed 25-byte header preceding a WAL data
// frame's body: type(1) | startPos(8) | walEnd(8) | sendTime(8).
const walFrameHeaderSize = 1 + 8 + 8 + 8

// WALDataType is the CopyData type byte identifying a WAL data message.
const WALDataType = 'w'

// KeepaliveType is the CopyData type byte identifying a primary keepalive
// message.
const KeepaliveType = 'k'

// StreamFrame is the decoded payload of one COPY BOTH data message whose
// first byte is 'w'.
type StreamFrame struct {
	StartPos xlog.Position
	WalEnd   xlog.Position
	SendTime int64
	Body     []byte
}

// ParseWALFrame decodes raw CopyData bytes as a StreamFrame. It enforces
// the minimum frame size (the 25-byte header) and the leading type byte;
// a frame with an empty body is not rejected here.
func ParseWALFrame(raw []byte) (StreamFrame, error) {
	if len(raw) < walFrameHeaderSize {
		return StreamFrame{}, xerrors.NewProtocol("WAL frame too short: %d bytes, want >= %d", len(raw), walFrameHeaderSize)
	}
	if raw[0] != WALDataType {
		return StreamFrame{}, xerrors.NewProtocol("WAL frame has unexpected type byte %q, want 'w'", raw[0])
	}
	startPos := binary.BigEndian.Uint64(raw[1:9])
	walEnd := binary.BigEndian.Uint64(raw[9:17])
	sendTime := binary.BigEndian.Uint64(raw[17:25])
	return StreamFrame{
		StartPos: xlog.Position(startPos),
		WalEnd:   xlog.Position(walEnd),
		SendTime: int64(sendTime),
		Body:     raw[walFrameHeaderSize:],
	}, nil
}

// FrameType returns the first byte of a raw CopyData payload, used by the
// caller to dispatch between WAL data ('w') and keepalive ('k') frames
// before attempting ParseWALFrame.
func FrameType(raw []byte) (byte, error) {
	if len(raw) < 1 {
		return 0, xerrors.NewProtocol("empty COPY BOTH frame")
	}
	return raw[0], nil
}

// keepaliveSize is the wire size of a primary keepalive message: type(1) +
// walEnd(8) + sendTime(8) + replyRequested(1).
const keepaliveSize = 1 + 8 + 8 + 1

// Keepalive is the decoded payload of a primary keepalive message (type
// 'k'): the server's own write position, its clock, and whether it wants
// an immediate standby status update in reply.
type Keepalive struct {
	WalEnd         xlog.Position
	SendTime       int64
	ReplyRequested bool
}

// ParseKeepalive decodes raw CopyData bytes as a Keepalive message.
func ParseKeepalive(raw []byte) (Keepalive, error) {
	if len(raw) < keepaliveSize {
		return Keepalive{}, xerrors.NewProtocol("keepalive frame too short: %d bytes, want >= %d", len(raw), keepaliveSize)
	}
	if raw[0] != KeepaliveType {
		return Keepalive{}, xerrors.NewProtocol("keepalive frame has unexpected type byte %q, want 'k'", raw[0])
	}
	walEnd := binary.BigEndian.Uint64(raw[1:9])
	sendTime := binary.BigEndian.Uint64(raw[9:17])
	return Keepalive{
		WalEnd:         xlog.Position(walEnd),
		SendTime:       int64(sendTime),
		ReplyRequested: raw[17] != 0,
	}, nil
}

// standbyStatusUpdateSize is the wire size of a standby status update
// message: type(1) + written(8) + flushed(8) + applied(8) + clock(8) +
// replyRequested(1).
const standbyStatusUpdateSize = 1 + 8 + 8 + 8 + 8 + 1

// pgEpoch is the PostgreSQL epoch (2000-01-01 00:00:00 UTC); replication
// protocol timestamps are microseconds since this instant, not Unix time.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// NowMicros returns the current time as microseconds since the PostgreSQL
// epoch, the clock format used in standby status updates and keepalives.
func NowMicros() int64 {
	return time.Since(pgEpoch).Microseconds()
}

// EncodeStandbyStatusUpdate builds the CopyData payload for a standby
// status update (type 'r'), reporting the same position as written,
// flushed, and applied since this client does not apply WAL itself.
func EncodeStandbyStatusUpdate(pos xlog.Position, sendTimeMicros int64) []byte {
	buf := make([]byte, standbyStatusUpdateSize)
	buf[0] = 'r'
	binary.BigEndian.PutUint64(buf[1:9], uint64(pos))
	binary.BigEndian.PutUint64(buf[9:17], uint64(pos))
	binary.BigEndian.PutUint64(buf[17:25], uint64(pos))
	binary.BigEndian.PutUint64(buf[25:33], uint64(sendTimeMicros))
	buf[33] = 0
	return buf
}
