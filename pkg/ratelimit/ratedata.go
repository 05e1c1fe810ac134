// Package ratelimit implements the domain (§4.4) and client-IP (§4.5)
// sliding-window query-rate limiters, and the name-prefix policy tree
// (§4.6) that assigns domain limits. Both limiters share the RateData
// sliding-window counter defined here and are backed by pkg/shardmap.
package ratelimit

import "math"

// RateWindow is the number of one-second slots tracked per key. A slot
// holds the count for the second named by its paired timestamp; stale
// slots are recycled for new seconds by evicting the slot with the
// smallest timestamp.
const RateWindow = 4

// unusedTimestamp marks a slot that has never been assigned a second, so
// that second 0 itself can be tracked unambiguously.
const unusedTimestamp = math.MinInt64

// RateData is a sparse sliding-window counter: Qps[i] is the query count
// observed during the second Timestamp[i].
type RateData struct {
	Qps       [RateWindow]int
	Timestamp [RateWindow]int64
}

// newRateData returns a RateData with every slot marked unused.
func newRateData() RateData {
	var d RateData
	for i := range d.Timestamp {
		d.Timestamp[i] = unusedTimestamp
	}
	return d
}

// rateMax implements rate_max: with backoff, the maximum count over any
// slot whose timestamp falls within the last RateWindow seconds of now;
// without backoff, just the count for the current second (0 if that
// second has no slot).
func rateMax(d *RateData, now int64, backoff bool) int {
	if !backoff {
		for i := 0; i < RateWindow; i++ {
			if d.Timestamp[i] == now {
				return d.Qps[i]
			}
		}
		return 0
	}

	max := 0
	for i := 0; i < RateWindow; i++ {
		if d.Timestamp[i] == unusedTimestamp {
			continue
		}
		if age := now - d.Timestamp[i]; age >= 0 && age < RateWindow && d.Qps[i] > max {
			max = d.Qps[i]
		}
	}
	return max
}

// rateGiveSecond implements rate_give_second: returns a pointer to the
// slot for now, allocating one (by evicting the slot with the smallest
// timestamp) if none matches yet.
func rateGiveSecond(d *RateData, now int64) *int {
	for i := 0; i < RateWindow; i++ {
		if d.Timestamp[i] == now {
			return &d.Qps[i]
		}
	}

	victim := 0
	for i := 1; i < RateWindow; i++ {
		if d.Timestamp[i] < d.Timestamp[victim] {
			victim = i
		}
	}
	d.Timestamp[victim] = now
	d.Qps[victim] = 0
	return &d.Qps[victim]
}

// rateGetSecond implements rate_get_second: like rateGiveSecond but never
// allocates a slot.
func rateGetSecond(d *RateData, now int64) (*int, bool) {
	for i := 0; i < RateWindow; i++ {
		if d.Timestamp[i] == now {
			return &d.Qps[i], true
		}
	}
	return nil, false
}
