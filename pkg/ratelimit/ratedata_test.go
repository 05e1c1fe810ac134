package ratelimit

import "testing"

func TestRateGiveSecondAllocatesAndReuses(t *testing.T) {
	d := newRateData()

	s1 := rateGiveSecond(&d, 100)
	*s1 = 5
	s2 := rateGiveSecond(&d, 100)
	if *s2 != 5 {
		t.Errorf("expected the same slot to be returned for the same second, got %d", *s2)
	}

	// Fill the remaining slots, then request one more second: the
	// smallest timestamp (the oldest) must be evicted.
	rateGiveSecond(&d, 101)
	rateGiveSecond(&d, 102)
	rateGiveSecond(&d, 103)
	s5 := rateGiveSecond(&d, 104)
	if *s5 != 0 {
		t.Errorf("recycled slot should start at 0, got %d", *s5)
	}

	if _, ok := rateGetSecond(&d, 100); ok {
		t.Error("second 100 should have been evicted to make room for 104")
	}
}

func TestRateGetSecondDoesNotAllocate(t *testing.T) {
	d := newRateData()
	if _, ok := rateGetSecond(&d, 5); ok {
		t.Error("rateGetSecond on an empty RateData should report not found")
	}

	rateGiveSecond(&d, 5)
	if _, ok := rateGetSecond(&d, 5); !ok {
		t.Error("rateGetSecond should find a slot created by rateGiveSecond")
	}
}

func TestRateMaxBackoffWindow(t *testing.T) {
	d := newRateData()
	*rateGiveSecond(&d, 10) = 3
	*rateGiveSecond(&d, 11) = 7
	*rateGiveSecond(&d, 12) = 2

	if got := rateMax(&d, 12, true); got != 7 {
		t.Errorf("rateMax(backoff) = %d, want 7 (max within window)", got)
	}
	if got := rateMax(&d, 12, false); got != 2 {
		t.Errorf("rateMax(no backoff) = %d, want 2 (current second only)", got)
	}
}

func TestRateMaxSecondZeroIsReal(t *testing.T) {
	d := newRateData()
	*rateGiveSecond(&d, 0) = 9
	if got := rateMax(&d, 0, false); got != 9 {
		t.Errorf("rateMax at now=0 = %d, want 9 (second 0 must not read as unused)", got)
	}
}
