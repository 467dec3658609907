package fixedpoint

import "testing"

// S1 in the design notes: round-to-nearest on both sides of zero.
func TestRoundNearest(t *testing.T) {
	three := FromInt(3)
	two := FromInt(2)
	if got := three.Div(two).ToIntRound(); got != 2 {
		t.Fatalf("round(3/2) = %d, want 2", got)
	}

	negThree := FromInt(-3)
	if got := negThree.Div(two).ToIntRound(); got != -2 {
		t.Fatalf("round(-3/2) = %d, want -2", got)
	}

	quarter := FromInt(1).Div(FromInt(4))
	if got := quarter.Mul(FromInt(4)).ToIntRound(); got != 1 {
		t.Fatalf("round((1/4)*4) = %d, want 1", got)
	}
}

func TestTruncTowardZero(t *testing.T) {
	if got := FromInt(-3).Div(FromInt(2)).ToIntTrunc(); got != -1 {
		t.Fatalf("trunc(-3/2) = %d, want -1", got)
	}
	if got := FromInt(3).Div(FromInt(2)).ToIntTrunc(); got != 1 {
		t.Fatalf("trunc(3/2) = %d, want 1", got)
	}
}

func TestRoundScaled(t *testing.T) {
	// Rounding at a coarser integer scale (2^3 = 8) divides by 8 first:
	// 11/8 = 1.375 rounds to 1.
	v := FromInt(11)
	if got := v.ToIntRoundScaled(3); got != 1 {
		t.Fatalf("roundScaled(11, 3) = %d, want 1", got)
	}
}

func TestAddSub(t *testing.T) {
	a := FromInt(5)
	b := FromInt(2)
	if got := a.Add(b).ToIntTrunc(); got != 7 {
		t.Fatalf("5+2 = %d, want 7", got)
	}
	if got := a.Sub(b).ToIntTrunc(); got != 3 {
		t.Fatalf("5-2 = %d, want 3", got)
	}
}
