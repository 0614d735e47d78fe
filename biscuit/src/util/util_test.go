package util

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("Min(3, 5) != 3")
	}
	if Max(3, 5) != 5 {
		t.Fatalf("Max(3, 5) != 5")
	}
}

func TestCeilDivAndRounding(t *testing.T) {
	if got := CeilDiv(10, 4); got != 3 {
		t.Fatalf("CeilDiv(10, 4) = %d, want 3", got)
	}
	if got := Rounddown(13, 4); got != 12 {
		t.Fatalf("Rounddown(13, 4) = %d, want 12", got)
	}
	if got := Roundup(13, 4); got != 16 {
		t.Fatalf("Roundup(13, 4) = %d, want 16", got)
	}
	if got := Roundup(16, 4); got != 16 {
		t.Fatalf("Roundup(16, 4) = %d, want 16 (already aligned)", got)
	}
}

func TestReadnWritenRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	Writen(buf, 4, 2, 0xdeadbeef)
	if got := Readn(buf, 4, 2); got != int(uint32(0xdeadbeef)) {
		t.Fatalf("Readn after Writen = %#x, want %#x", got, uint32(0xdeadbeef))
	}
}

func TestBigEndianRoundTrip(t *testing.T) {
	buf := make([]byte, 3)
	BEPutUint(buf, 3, 0x010203)
	if got := BEGetUint(buf, 3); got != 0x010203 {
		t.Fatalf("BEGetUint after BEPutUint = %#x, want 0x010203", got)
	}
}
