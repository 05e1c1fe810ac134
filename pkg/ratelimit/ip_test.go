package ratelimit

import (
	"net/netip"
	"testing"

	"infracache/pkg/logging"
)

func TestIPLimiterRisingEdge(t *testing.T) {
	ip := NewIPLimiter(1<<20, 4, 5, logging.NewDefault())
	addr := netip.MustParseAddr("203.0.113.7")

	want := []bool{true, true, true, true, true, false}
	for i, w := range want {
		if got := ip.Inc(addr, 2000, false); got != w {
			t.Errorf("call %d: Inc() = %v, want %v", i+1, got, w)
		}
	}
}

func TestIPLimiterIgnoresPort(t *testing.T) {
	ip := NewIPLimiter(1<<20, 4, 1, logging.NewDefault())
	a1 := netip.MustParseAddrPort("203.0.113.7:53").Addr()
	a2 := netip.MustParseAddrPort("203.0.113.7:9999").Addr()

	if !ip.Inc(a1, 2000, false) {
		t.Fatal("first call should be allowed")
	}
	if ip.Inc(a2, 2000, false) {
		t.Error("same address on a different port should share the same limiter bucket")
	}
}

func TestIPLimiterZeroDisables(t *testing.T) {
	ip := NewIPLimiter(1<<20, 4, 0, logging.NewDefault())
	addr := netip.MustParseAddr("198.51.100.1")
	for i := 0; i < 50; i++ {
		if !ip.Inc(addr, 2000, false) {
			t.Fatal("a zero limit must always allow")
		}
	}
}

func TestIPLimiterAdjust(t *testing.T) {
	ip := NewIPLimiter(1<<20, 4, 1, logging.NewDefault())
	addr := netip.MustParseAddr("198.51.100.2")

	if !ip.Inc(addr, 3000, false) {
		t.Fatal("first call under limit 1 should be allowed")
	}
	if ip.Inc(addr, 3000, false) {
		t.Fatal("second call in the same second should exceed limit 1")
	}

	ip.Adjust(100)
	if !ip.Inc(addr, 3001, false) {
		t.Fatal("after raising the limit, a new second should be allowed")
	}
}
