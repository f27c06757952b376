package seqnum

import "testing"

func TestLess(t *testing.T) {
	cases := []struct {
		a, b Value
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{0xffffffff, 0, true},
		{0, 0xffffffff, false},
		{1 << 31, 0, false},
		{0, 1 << 31, false},
	}
	for _, c := range cases {
		got := Less(c.a, c.b)
		if got != c.want {
			t.Errorf("Less(%d,%d)=%v want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestInBetween(t *testing.T) {
	if !InBetween(10, 15, 20) {
		t.Error("expected 15 in (10,20)")
	}
	if InBetween(10, 10, 20) {
		t.Error("start is not in-between")
	}
	if InBetween(10, 20, 20) {
		t.Error("end is not in-between")
	}
	// Wraparound case.
	const near = Value(0xfffffff0)
	if !InBetween(near, Add(near, 20), Add(near, 40)) {
		t.Error("expected wrap-around containment")
	}
}

func TestInWindow(t *testing.T) {
	if !InWindow(100, 100, 10) {
		t.Error("window start should be in window")
	}
	if InWindow(111, 100, 10) {
		t.Error("one past window end should not be in window")
	}
	if InWindow(50, 100, 0) {
		t.Error("zero window only accepts seq==wl")
	}
	if !InWindow(100, 100, 0) {
		t.Error("zero window must accept seq==wl")
	}
}

func TestAddSubWrap(t *testing.T) {
	v := Add(0xfffffffe, 4)
	if v != 2 {
		t.Errorf("wanted wraparound add to equal 2, got %d", v)
	}
	if Sub(v, 4) != 0xfffffffe {
		t.Errorf("Sub did not invert Add")
	}
}
