package walreceive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vbp1/replstream/internal/xlog"
)

const testSegSize = 16 * 1024 * 1024

func writeSegmentFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDiscoverResumeNoSegments(t *testing.T) {
	dir := t.TempDir()
	pos, found, err := discoverResume(dir, 1, testSegSize)
	if err != nil {
		t.Fatalf("discoverResume: %v", err)
	}
	if found {
		t.Fatalf("found=true pos=%s, want false", pos)
	}
}

func TestDiscoverResumeCompletedSegments(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000010000000000000001", testSegSize)
	writeSegmentFile(t, dir, "000000010000000000000002", testSegSize)

	pos, found, err := discoverResume(dir, 1, testSegSize)
	if err != nil {
		t.Fatalf("discoverResume: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	want := xlog.NewPosition(0, 3*16*1024*1024)
	if pos != want {
		t.Fatalf("pos=%s want %s", pos, want)
	}
}

func TestDiscoverResumeIgnoresOtherTimeline(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000020000000000000001", testSegSize)

	_, found, err := discoverResume(dir, 1, testSegSize)
	if err != nil {
		t.Fatalf("discoverResume: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a different timeline's segment")
	}
}

func TestDiscoverResumeRenamesStalePartial(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000010000000000000001", testSegSize)
	writeSegmentFile(t, dir, "000000010000000000000002", 8*1024*1024)

	pos, found, err := discoverResume(dir, 1, testSegSize)
	if err != nil {
		t.Fatalf("discoverResume: %v", err)
	}
	if !found {
		t.Fatal("expected found=true from the completed segment before the partial")
	}
	want := xlog.NewPosition(0, 2*16*1024*1024)
	if pos != want {
		t.Fatalf("pos=%s want %s", pos, want)
	}

	if _, err := os.Stat(filepath.Join(dir, "000000010000000000000002.partial")); err != nil {
		t.Fatalf("expected renamed partial file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "000000010000000000000002")); !os.IsNotExist(err) {
		t.Fatal("expected original partial filename to be gone")
	}
}

func TestDiscoverResumeFailsWhenPartialTargetExists(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, "000000010000000000000001", 4*1024*1024)
	writeSegmentFile(t, dir, "000000010000000000000001.partial", 1024)

	if _, _, err := discoverResume(dir, 1, testSegSize); err == nil {
		t.Fatal("expected error when the .partial rename target already exists")
	}
}
