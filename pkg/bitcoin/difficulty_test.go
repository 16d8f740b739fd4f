package bitcoin

import "testing"

func TestBitsFromDifficultyInverse(t *testing.T) {
	cases := []float64{1, 2, 10, 1000, 10000, 1e6, 1e9, 1e12}

	for _, d := range cases {
		bits, err := BitsFromDifficulty(d)
		if err != nil {
			t.Fatalf("BitsFromDifficulty(%v): %v", d, err)
		}

		got := DifficultyFromBits(bits)
		tolerance := d * 0.001
		if diff := got - d; diff > tolerance || diff < -tolerance {
			t.Errorf("DifficultyFromBits(BitsFromDifficulty(%v)) = %v, want within 0.1%% of %v", d, got, d)
		}
	}
}

func TestBitsFromDifficultyRejectsInvalid(t *testing.T) {
	if _, err := BitsFromDifficulty(-1); err == nil {
		t.Error("expected EncodingError for negative difficulty")
	}
	nan := 0.0
	nan = nan / nan
	if _, err := BitsFromDifficulty(nan); err == nil {
		t.Error("expected EncodingError for NaN difficulty")
	}
}

func TestCompactToBigRoundTrip(t *testing.T) {
	if CompactToBig(Diff1Bits).Cmp(Diff1Target) != 0 {
		t.Fatalf("CompactToBig(Diff1Bits) does not match Diff1Target")
	}

	bits := []uint32{Diff1Bits, 0x1b0404cb, 0x207fffff}
	for _, b := range bits {
		target := CompactToBig(b)
		got := BigToCompact(target)
		if got != b {
			t.Errorf("BigToCompact(CompactToBig(%08x)) = %08x", b, got)
		}
	}
}

func TestDifficultyToTargetMonotonic(t *testing.T) {
	low := DifficultyToTarget(1)
	high := DifficultyToTarget(1000)
	if low.Cmp(high) <= 0 {
		t.Error("higher difficulty must produce a smaller (harder) target")
	}
}
