package walreceive

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vbp1/replstream/internal/replconn"
	"github.com/vbp1/replstream/internal/xlog"
)

const engineSegSize = 16 * 1024 * 1024

func encodeWALFrame(start, walEnd xlog.Position, sendTime int64, body []byte) []byte {
	buf := make([]byte, 25+len(body))
	buf[0] = replconn.WALDataType
	binary.BigEndian.PutUint64(buf[1:9], uint64(start))
	binary.BigEndian.PutUint64(buf[9:17], uint64(walEnd))
	binary.BigEndian.PutUint64(buf[17:25], uint64(sendTime))
	copy(buf[25:], body)
	return buf
}

func encodeKeepaliveFrame(walEnd xlog.Position, sendTime int64, replyRequested bool) []byte {
	buf := make([]byte, 18)
	buf[0] = replconn.KeepaliveType
	binary.BigEndian.PutUint64(buf[1:9], uint64(walEnd))
	binary.BigEndian.PutUint64(buf[9:17], uint64(sendTime))
	if replyRequested {
		buf[17] = 1
	}
	return buf
}

type fakeConn struct {
	ident         replconn.SystemIdent
	frames        []replconn.Frame
	gotOpt        replconn.StartReplicationOptions
	reader        *fakeReader
	statusUpdates [][]byte
}

func (c *fakeConn) IdentifySystem() (replconn.SystemIdent, error) { return c.ident, nil }

func (c *fakeConn) StartReplication(opts replconn.StartReplicationOptions) (FrameSource, error) {
	c.gotOpt = opts
	if c.reader != nil {
		return c.reader, nil
	}
	return &fakeReader{frames: c.frames}, nil
}

func (c *fakeConn) SendStandbyStatusUpdate(buf []byte) error {
	c.statusUpdates = append(c.statusUpdates, buf)
	return nil
}

type fakeReader struct {
	frames         []replconn.Frame
	idx            int
	timeoutOnCalls map[int]bool // 1-based NextFrame call numbers that return a timeout error
	callCount      int
	deadlines      []time.Duration
}

// fakeTimeoutErr satisfies net.Error the way a real deadline-exceeded error
// from the underlying TCP connection would.
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

var _ net.Error = fakeTimeoutErr{}

func (r *fakeReader) SetDeadline(d time.Duration) error {
	r.deadlines = append(r.deadlines, d)
	return nil
}

func (r *fakeReader) NextFrame() (replconn.Frame, error) {
	r.callCount++
	if r.timeoutOnCalls[r.callCount] {
		return replconn.Frame{}, fakeTimeoutErr{}
	}
	if r.idx >= len(r.frames) {
		return replconn.Frame{Kind: replconn.FrameEnd}, nil
	}
	f := r.frames[r.idx]
	r.idx++
	return f, nil
}

func (r *fakeReader) Finalize() (replconn.FinalizeStatus, error) {
	return replconn.FinalizeDone, nil
}

func TestEngineRunSingleSegmentS1(t *testing.T) {
	dir := t.TempDir()
	startPos := xlog.NewPosition(0, 0x01000000)
	body := make([]byte, engineSegSize)
	for i := range body {
		body[i] = byte(i)
	}

	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0x01800000)},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeWALFrame(startPos, startPos.Add(engineSegSize), 1, body)},
		},
	}

	var hookCalls int
	var hookEnd xlog.Position
	opts := Options{
		BaseDir:       dir,
		SegmentSize:   engineSegSize,
		RenamePartial: false,
		Hook: func(endPos xlog.Position, tli xlog.Timeline) (HookResult, error) {
			hookCalls++
			hookEnd = endPos
			return HookContinue, nil
		},
	}

	eng := NewEngine(conn)
	last, err := eng.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hookCalls != 1 {
		t.Fatalf("hookCalls=%d want 1", hookCalls)
	}
	wantEnd := xlog.NewPosition(0, 0x02000000)
	if hookEnd != wantEnd {
		t.Fatalf("hookEnd=%s want %s", hookEnd, wantEnd)
	}
	if last != wantEnd {
		t.Fatalf("last=%s want %s", last, wantEnd)
	}

	segPath := filepath.Join(dir, "000000010000000000000001")
	info, err := os.Stat(segPath)
	if err != nil {
		t.Fatalf("stat segment file: %v", err)
	}
	if info.Size() != engineSegSize {
		t.Fatalf("segment size=%d want %d", info.Size(), engineSegSize)
	}
	if conn.gotOpt.Pos != startPos {
		t.Fatalf("START_REPLICATION pos=%s want %s", conn.gotOpt.Pos, startPos)
	}
}

func TestEngineRunTwoFramesOneSegmentS3(t *testing.T) {
	dir := t.TempDir()
	half := engineSegSize / 2
	p0 := xlog.NewPosition(0, 0x01000000)
	p1 := p0.Add(int64(half))
	body1 := make([]byte, half)
	body2 := make([]byte, half)
	for i := range body2 {
		body2[i] = 0xAB
	}

	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: p0},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeWALFrame(p0, p1, 1, body1)},
			{Kind: replconn.FrameData, Data: encodeWALFrame(p1, p1.Add(int64(half)), 2, body2)},
		},
	}

	opts := Options{BaseDir: dir, SegmentSize: engineSegSize}
	eng := NewEngine(conn)
	last, err := eng.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := p0.Add(engineSegSize)
	if last != want {
		t.Fatalf("last=%s want %s", last, want)
	}

	got, err := os.ReadFile(filepath.Join(dir, "000000010000000000000001"))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(got) != engineSegSize {
		t.Fatalf("segment size=%d want %d", len(got), engineSegSize)
	}
	for i := half; i < engineSegSize; i++ {
		if got[i] != 0xAB {
			t.Fatalf("byte %d = %x, want 0xAB", i, got[i])
		}
	}
}

func TestEngineRunKeepaliveFrameIgnored(t *testing.T) {
	dir := t.TempDir()
	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0)},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeKeepaliveFrame(xlog.NewPosition(0, 0), 1, false)},
		},
	}
	eng := NewEngine(conn)
	last, err := eng.Run(context.Background(), Options{BaseDir: dir, SegmentSize: engineSegSize})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != xlog.NewPosition(0, 0) {
		t.Fatalf("last=%s want 0/0", last)
	}
	if len(conn.statusUpdates) != 0 {
		t.Fatalf("statusUpdates=%d want 0 (reply not requested)", len(conn.statusUpdates))
	}
}

func TestEngineRunKeepaliveReplyRequested(t *testing.T) {
	dir := t.TempDir()
	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0x01000000)},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeKeepaliveFrame(xlog.NewPosition(0, 0x01000000), 42, true)},
		},
	}
	eng := NewEngine(conn)
	last, err := eng.Run(context.Background(), Options{BaseDir: dir, SegmentSize: engineSegSize})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != xlog.NewPosition(0, 0x01000000) {
		t.Fatalf("last=%s want 0/1000000", last)
	}
	if len(conn.statusUpdates) != 1 {
		t.Fatalf("statusUpdates=%d want 1", len(conn.statusUpdates))
	}
	want := replconn.EncodeStandbyStatusUpdate(last, replconn.NowMicros())
	got := conn.statusUpdates[0]
	// Compare the type byte and the three positions; the clock field that
	// follows them ticks between encodes.
	if len(got) != len(want) || string(got[:25]) != string(want[:25]) {
		t.Fatalf("status update mismatch: got %x want %x", got, want)
	}
}

func TestEngineRunStatusTimeoutSendsUpdateThenFails(t *testing.T) {
	dir := t.TempDir()
	reader := &fakeReader{timeoutOnCalls: map[int]bool{1: true, 2: true}}
	conn := &fakeConn{
		ident:  replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0)},
		reader: reader,
	}
	eng := NewEngine(conn)
	_, err := eng.Run(context.Background(), Options{
		BaseDir: dir, SegmentSize: engineSegSize, StatusTimeout: 5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected fatal error after two consecutive status timeouts")
	}
	if len(conn.statusUpdates) != 1 {
		t.Fatalf("statusUpdates=%d want 1 (sent only on the first timeout)", len(conn.statusUpdates))
	}
	if len(reader.deadlines) == 0 || reader.deadlines[0] != 5*time.Second {
		t.Fatalf("deadlines=%v want first entry 5s", reader.deadlines)
	}
}

func TestEngineRunRejectsMisalignedFirstFrame(t *testing.T) {
	dir := t.TempDir()
	badPos := xlog.NewPosition(0, 123)
	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0)},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeWALFrame(badPos, badPos.Add(4), 1, []byte{1, 2, 3, 4})},
		},
	}
	eng := NewEngine(conn)
	if _, err := eng.Run(context.Background(), Options{BaseDir: dir, SegmentSize: engineSegSize}); err == nil {
		t.Fatal("expected protocol error for misaligned first frame")
	}
}

func TestEngineRunResumesFromDiscoveredPosition(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000010000000000000001", engineSegSize)

	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0x03000000)},
	}
	eng := NewEngine(conn)
	if _, err := eng.Run(context.Background(), Options{BaseDir: dir, SegmentSize: engineSegSize}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := xlog.NewPosition(0, 2*engineSegSize)
	if conn.gotOpt.Pos != want {
		t.Fatalf("START_REPLICATION pos=%s want %s", conn.gotOpt.Pos, want)
	}
}

func TestEngineRunResumeClearsStalePartial(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000010000000000000001", engineSegSize)
	// A ".partial" leftover for the segment we are about to (re)write, as
	// a crashed prior run would leave behind.
	writeSegmentFile(t, dir, "000000010000000000000002.partial", 4096)

	startPos := xlog.NewPosition(0, 2*engineSegSize)
	body := make([]byte, engineSegSize)
	for i := range body {
		body[i] = 0xCD
	}
	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0x03000000)},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeWALFrame(startPos, startPos.Add(engineSegSize), 1, body)},
		},
	}

	eng := NewEngine(conn)
	opts := Options{BaseDir: dir, SegmentSize: engineSegSize, RenamePartial: true}
	last, err := eng.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := startPos.Add(engineSegSize)
	if last != want {
		t.Fatalf("last=%s want %s", last, want)
	}

	got, err := os.ReadFile(filepath.Join(dir, "000000010000000000000002"))
	if err != nil {
		t.Fatalf("read completed segment: %v", err)
	}
	if len(got) != engineSegSize || got[0] != 0xCD {
		t.Fatalf("segment content not freshly written: len=%d first=%x", len(got), got[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "000000010000000000000002.partial")); !os.IsNotExist(err) {
		t.Fatal("expected stale .partial file to be gone after resume")
	}
}

func TestEngineRunHookStopEndsCleanly(t *testing.T) {
	dir := t.TempDir()
	startPos := xlog.NewPosition(0, 0)
	body := make([]byte, engineSegSize)

	conn := &fakeConn{
		ident: replconn.SystemIdent{Timeline: 1, XLogPos: startPos},
		frames: []replconn.Frame{
			{Kind: replconn.FrameData, Data: encodeWALFrame(startPos, startPos.Add(engineSegSize), 1, body)},
			// a further frame that must never be read, since the hook stops the engine first
			{Kind: replconn.FrameData, Data: encodeWALFrame(startPos.Add(engineSegSize), startPos.Add(2*engineSegSize), 2, body)},
		},
	}
	opts := Options{
		BaseDir: dir, SegmentSize: engineSegSize,
		Hook: func(xlog.Position, xlog.Timeline) (HookResult, error) { return HookStop, nil },
	}
	eng := NewEngine(conn)
	last, err := eng.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != xlog.NewPosition(0, engineSegSize) {
		t.Fatalf("last=%s want %s", last, xlog.NewPosition(0, engineSegSize))
	}
}

func TestEngineRunCancelledContextStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &fakeConn{ident: replconn.SystemIdent{Timeline: 1, XLogPos: xlog.NewPosition(0, 0)}}
	eng := NewEngine(conn)
	if _, err := eng.Run(ctx, Options{BaseDir: dir, SegmentSize: engineSegSize}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
