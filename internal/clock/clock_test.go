package clock

import "testing"

func TestNowNsIsMonotonicNonNegative(t *testing.T) {
	c := New()
	a := c.NowNs()
	b := c.NowNs()
	if a < 0 || b < 0 {
		t.Fatalf("expected non-negative timestamps, got a=%d b=%d", a, b)
	}
	if b < a {
		t.Fatalf("expected non-decreasing timestamps, got a=%d then b=%d", a, b)
	}
}

func TestSinceMsComputesElapsed(t *testing.T) {
	c := New()
	past := c.NowNs() - int64(250*1_000_000) // 250ms ago
	if got := c.SinceMs(past); got < 249 || got > 260 {
		t.Errorf("expected SinceMs to read back ~250ms, got %dms", got)
	}
}

func TestSkew(t *testing.T) {
	cases := []struct {
		a, b, want int64
	}{
		{100, 40, 60},
		{40, 100, -60},
		{50, 50, 0},
	}
	for _, tc := range cases {
		if got := Skew(tc.a, tc.b); got != tc.want {
			t.Errorf("Skew(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
