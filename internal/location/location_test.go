package location

import "testing"

func TestDistanceWraps(t *testing.T) {
	cases := []struct {
		a, b Location
		want float64
	}{
		{0.1, 0.9, 0.2},
		{0.0, 0.5, 0.5},
		{0.25, 0.25, 0},
		{0.0, 0.99, 0.01},
	}
	for _, c := range cases {
		got := Distance(c.a, c.b)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("Distance(%v,%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(1.5); got != Location(0.5) {
		t.Errorf("Normalize(1.5) = %v, want 0.5", got)
	}
	if got := Normalize(-0.25); got != Location(0.75) {
		t.Errorf("Normalize(-0.25) = %v, want 0.75", got)
	}
}

func TestCloserOfIDTieBreak(t *testing.T) {
	target := Location(0.5)
	// both peers equidistant from target
	if !CloserOfID(target, 0.4, 1, 0.6, 2) {
		t.Errorf("expected peer 1 (lower id) to win an exact tie")
	}
	if CloserOfID(target, 0.6, 2, 0.4, 1) {
		t.Errorf("expected peer 1 (lower id) to win regardless of argument order")
	}
}
