package xlog

import "testing"

func TestPositionStringAndParse(t *testing.T) {
	p := NewPosition(0, 0x01800000)
	if got, want := p.String(), "0/1800000"; got != want {
		t.Fatalf("String()=%s want %s", got, want)
	}
	back, err := ParsePosition("0/1800000")
	if err != nil {
		t.Fatalf("ParsePosition: %v", err)
	}
	if back != p {
		t.Fatalf("round trip mismatch: %v != %v", back, p)
	}
}

func TestParsePositionMalformed(t *testing.T) {
	if _, err := ParsePosition("not-a-position"); err == nil {
		t.Fatal("expected error for malformed position")
	}
}

func TestAlignedDown(t *testing.T) {
	p := NewPosition(0, 0x01800000)
	aligned := p.AlignedDown(DefaultSegmentSize)
	if want := NewPosition(0, 0x01000000); aligned != want {
		t.Fatalf("AlignedDown=%v want %v", aligned, want)
	}
	if !aligned.IsSegmentAligned(DefaultSegmentSize) {
		t.Fatal("expected aligned position to report aligned")
	}
	if p.IsSegmentAligned(DefaultSegmentSize) {
		t.Fatal("expected unaligned position to report unaligned")
	}
}

func TestSegmentOfAndRoundTrip(t *testing.T) {
	p := NewPosition(0, 0x01000000)
	seg := SegmentOf(1, p, DefaultSegmentSize)
	if want := (Segment{Timeline: 1, LogID: 0, SegNo: 1}); seg != want {
		t.Fatalf("SegmentOf=%+v want %+v", seg, want)
	}
	if got, want := seg.Name(), "000000010000000000000001"; got != want {
		t.Fatalf("Name()=%s want %s", got, want)
	}
	if got := seg.StartPosition(DefaultSegmentSize); got != p {
		t.Fatalf("StartPosition=%v want %v", got, p)
	}
	if got, want := seg.EndPosition(DefaultSegmentSize), NewPosition(0, 0x02000000); got != want {
		t.Fatalf("EndPosition=%v want %v", got, want)
	}
}

func TestParseSegmentName(t *testing.T) {
	seg, err := ParseSegmentName("000000010000000000000002")
	if err != nil {
		t.Fatalf("ParseSegmentName: %v", err)
	}
	want := Segment{Timeline: 1, LogID: 0, SegNo: 2}
	if seg != want {
		t.Fatalf("parsed=%+v want %+v", seg, want)
	}

	if _, err := ParseSegmentName("tooshort"); err == nil {
		t.Fatal("expected error for short name")
	}
	if _, err := ParseSegmentName("00000001000000000000000Z"); err == nil {
		t.Fatal("expected error for non-hex name")
	}
}

func TestIsSegmentNameRejectsPartial(t *testing.T) {
	if IsSegmentName("000000010000000000000001.partial") {
		t.Fatal(".partial suffix must not match")
	}
	if !IsSegmentName("000000010000000000000001") {
		t.Fatal("expected valid 24-char hex name to match")
	}
}

func TestSegmentLess(t *testing.T) {
	a := Segment{Timeline: 1, LogID: 0, SegNo: 1}
	b := Segment{Timeline: 1, LogID: 0, SegNo: 2}
	c := Segment{Timeline: 1, LogID: 1, SegNo: 0}
	if !a.Less(b) {
		t.Fatal("a should be less than b")
	}
	if !b.Less(c) {
		t.Fatal("b should be less than c")
	}
	if c.Less(a) {
		t.Fatal("c should not be less than a")
	}
}
