package ratelimit

import (
	"context"
	"net/netip"
	"sync/atomic"

	"infracache/pkg/logging"
	"infracache/pkg/shardmap"
	"infracache/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IPLimiter enforces the per-client-address sliding-window query rate
// limit (§4.5). Unlike DomainLimiter it has no policy tree: a single
// global limit applies to every client address, and the port is ignored
// (IpRateKey = address, address-length).
type IPLimiter struct {
	m       *shardmap.Map[netip.Addr, RateData]
	limit   atomic.Int64
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// SetMetrics attaches the telemetry instruments Inc records against.
func (ip *IPLimiter) SetMetrics(metrics *telemetry.Metrics) {
	ip.metrics = metrics
}

// NewIPLimiter creates a client-IP rate limiter (ip_ratelimit,
// ip_ratelimit_size, ip_ratelimit_slabs).
func NewIPLimiter(byteBudget, slabs, defaultLimit int, logger *logging.Logger) *IPLimiter {
	ip := &IPLimiter{
		m:      shardmap.New[netip.Addr, RateData](slabs, byteBudget, hashAddr),
		logger: logger,
	}
	ip.limit.Store(int64(defaultLimit))
	return ip
}

func hashAddr(a netip.Addr) uint64 {
	return shardmap.StringHash(a.String())
}

// Adjust atomically replaces the global limit.
func (ip *IPLimiter) Adjust(defaultLimit int) {
	ip.limit.Store(int64(defaultLimit))
}

// Inc implements ip_ratelimit_inc.
func (ip *IPLimiter) Inc(addr netip.Addr, now int64, backoff bool) (allow bool) {
	limit := int(ip.limit.Load())
	if limit == 0 {
		return true
	}

	key := addr.Unmap()
	h, ok := ip.m.Lookup(key, true)
	if !ok {
		h = ip.m.Insert(key, newRateData(), func(netip.Addr, RateData) int { return rateEntrySize })
	}
	defer h.Release()

	d := h.Value()
	pre := rateMax(d, now, backoff)
	slot := rateGiveSecond(d, now)
	*slot++
	post := rateMax(d, now, backoff)

	allow = post <= limit

	if ip.metrics != nil {
		action := "allow"
		if !allow {
			action = "block"
		}
		ip.metrics.IPRateLimitDecisions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", action)))
	}

	if pre <= limit && limit < post && ip.logger != nil {
		ip.logger.Warn("client rate limit exceeded",
			"client", key.String(), "limit", limit, "count", post)
	}

	return allow
}

// Dec implements the IP-limiter analogue of ratelimit_dec.
func (ip *IPLimiter) Dec(addr netip.Addr, now int64) {
	key := addr.Unmap()
	h, ok := ip.m.Lookup(key, true)
	if !ok {
		return
	}
	defer h.Release()

	d := h.Value()
	if slot, ok := rateGetSecond(d, now); ok && *slot > 0 {
		*slot--
	}
}

// GetMem reports the bytes tracked by the underlying sharded map.
func (ip *IPLimiter) GetMem() int {
	return ip.m.GetMem()
}

// Evictions reports the number of entries the underlying sharded map has
// evicted to stay within its byte budget.
func (ip *IPLimiter) Evictions() uint64 {
	return ip.m.Evictions()
}
