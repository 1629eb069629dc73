package nvwal

import (
	"math"
	"testing"
)

func TestIsAfter(t *testing.T) {
	cases := []struct {
		a, b Epoch
		want bool
	}{
		{1, 0, true},
		{2, 1, true},
		{1, 2, false},
		{5, 5, false},
		{0, 0, false},
		// Cyclic wraparound: a small epoch is "after" a huge one once the gap
		// exceeds half the space, the same way TCP sequence numbers compare.
		{1, Epoch(math.MaxUint64), true},
		{Epoch(math.MaxUint64), 1, false},
	}
	for _, c := range cases {
		if got := IsAfter(c.a, c.b); got != c.want {
			t.Errorf("IsAfter(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIsAfterOrEqual(t *testing.T) {
	if !IsAfterOrEqual(3, 3) {
		t.Error("expected equal epochs to be AfterOrEqual")
	}
	if !IsAfterOrEqual(4, 3) {
		t.Error("expected 4 to be AfterOrEqual 3")
	}
	if IsAfterOrEqual(3, 4) {
		t.Error("expected 3 to not be AfterOrEqual 4")
	}
}

func TestIncrement(t *testing.T) {
	n, err := Increment(InvalidEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Increment(InvalidEpoch) = %d, want 1", n)
	}

	n, err = Increment(41)
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("Increment(41) = %d, want 42", n)
	}
}

func TestIncrementExhausted(t *testing.T) {
	if _, err := Increment(maxValidEpoch); err == nil {
		t.Fatal("expected an error incrementing past maxValidEpoch")
	}
}

func TestIncrementNeverProducesInvalidEpoch(t *testing.T) {
	for e := Epoch(1); e < 10000; e++ {
		n, err := Increment(e)
		if err != nil {
			t.Fatal(err)
		}
		if n == InvalidEpoch {
			t.Fatalf("Increment(%d) produced InvalidEpoch", e)
		}
		if !IsAfter(n, e) {
			t.Fatalf("Increment(%d) = %d is not after %d", e, n, e)
		}
	}
}
