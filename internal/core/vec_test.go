package core

import (
	"math"
	"testing"
)

// TestVec2Arithmetic verifies the component-wise operations.
func TestVec2Arithmetic(t *testing.T) {
	a := Vec2{X: 3, Y: 4}
	b := Vec2{X: 1, Y: -2}

	if got := a.Add(b); got != (Vec2{X: 4, Y: 2}) {
		t.Errorf("Add: got %+v", got)
	}
	if got := a.Sub(b); got != (Vec2{X: 2, Y: 6}) {
		t.Errorf("Sub: got %+v", got)
	}
	if got := a.Scale(2); got != (Vec2{X: 6, Y: 8}) {
		t.Errorf("Scale: got %+v", got)
	}
	if got := a.Len(); got != 5 {
		t.Errorf("Len: got %v, want 5", got)
	}
}

// TestVec2Lerp verifies endpoint behavior and the midpoint.
func TestVec2Lerp(t *testing.T) {
	a := Vec2{X: 0, Y: 10}
	b := Vec2{X: 10, Y: 0}

	if got := a.Lerp(b, 0); got != a {
		t.Errorf("Lerp 0: got %+v, want %+v", got, a)
	}
	if got := a.Lerp(b, 1); got != b {
		t.Errorf("Lerp 1: got %+v, want %+v", got, b)
	}
	mid := a.Lerp(b, 0.5)
	if math.Abs(mid.X-5) > 1e-9 || math.Abs(mid.Y-5) > 1e-9 {
		t.Errorf("Lerp 0.5: got %+v, want {5 5}", mid)
	}
}

// TestVec2LerpConverges verifies that repeated fractional lerps approach the
// target monotonically, the property remote smoothing relies on.
func TestVec2LerpConverges(t *testing.T) {
	pos := Vec2{X: 0, Y: 0}
	target := Vec2{X: 100, Y: -40}

	prev := pos.Sub(target).Len()
	for i := 0; i < 50; i++ {
		pos = pos.Lerp(target, 0.25)
		d := pos.Sub(target).Len()
		if d > prev {
			t.Fatalf("distance grew on step %d: %v -> %v", i, prev, d)
		}
		prev = d
	}
	if prev > 0.01 {
		t.Errorf("distance after 50 steps: got %v, want < 0.01", prev)
	}
}
