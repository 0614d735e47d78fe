package trap

import "testing"

func TestNonFatalTraps(t *testing.T) {
	if !Breakpoint.IsNonFatalInUserMode() {
		t.Fatal("expected Breakpoint to be non-fatal")
	}
	if !Overflow.IsNonFatalInUserMode() {
		t.Fatal("expected Overflow to be non-fatal")
	}
	if GeneralProtection.IsNonFatalInUserMode() {
		t.Fatal("expected GeneralProtection to be fatal")
	}
}

func TestHasErrorCode(t *testing.T) {
	if !PageFault.HasErrorCode() {
		t.Fatal("expected PageFault to carry an error code")
	}
	if Breakpoint.HasErrorCode() {
		t.Fatal("expected Breakpoint to carry no error code")
	}
}

func TestIRQVectorsFollowPICBase(t *testing.T) {
	if Pit != PICBase {
		t.Fatalf("expected Pit at PICBase, got %#x vs %#x", Pit, PICBase)
	}
	if ATA2 != PICBase+14 {
		t.Fatalf("expected ATA2 at PICBase+14, got %#x", ATA2)
	}
}
