package ratelimit

import (
	"context"
	"strings"
	"sync/atomic"

	"infracache/pkg/logging"
	"infracache/pkg/shardmap"
	"infracache/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DomainLimiter enforces the per-domain sliding-window query rate limit
// (§4.4), keyed by lowercased fully-qualified name with limits assigned by a
// DomainLimitTree. The global default limit is stored as a plain atomic
// so Adjust can replace it without readers taking a lock (§9: "every
// thread reads the currently-active limit cheaply").
type DomainLimiter struct {
	m       *shardmap.Map[string, RateData]
	tree    atomic.Pointer[DomainLimitTree]
	limit   atomic.Int64
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// SetMetrics attaches the telemetry instruments Inc records against. A nil
// or never-called SetMetrics leaves recording disabled, matching the
// donor's handler.SetMetrics(metrics) wiring pattern.
func (dl *DomainLimiter) SetMetrics(metrics *telemetry.Metrics) {
	dl.metrics = metrics
}

const rateEntrySize = 96 // two [4]int/[4]int64 arrays + map/lock overhead

// NewDomainLimiter creates a domain rate limiter. byteBudget and slabs
// size the underlying sharded map (ratelimit_size, ratelimit_slabs);
// defaultLimit is the global dp_ratelimit QPS limit (0 disables limiting).
func NewDomainLimiter(byteBudget, slabs, defaultLimit int, tree *DomainLimitTree, logger *logging.Logger) *DomainLimiter {
	if tree == nil {
		tree = NewDomainLimitTree(nil, nil)
	}
	dl := &DomainLimiter{
		m:      shardmap.New[string, RateData](slabs, byteBudget, shardmap.StringHash),
		logger: logger,
	}
	dl.tree.Store(tree)
	dl.limit.Store(int64(defaultLimit))
	return dl
}

// Adjust atomically replaces the global default limit and policy tree,
// e.g. on a configuration reload.
func (dl *DomainLimiter) Adjust(defaultLimit int, tree *DomainLimitTree) {
	dl.limit.Store(int64(defaultLimit))
	if tree != nil {
		dl.tree.Store(tree)
	}
}

func (dl *DomainLimiter) limitFor(name string) int {
	return dl.tree.Load().FindRateLimit(name, int(dl.limit.Load()))
}

func canonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// Inc implements ratelimit_inc: increments the current-second slot for
// name and reports whether the query should be allowed. A rising-edge
// crossing of the limit (pre <= limit < post) is logged exactly once per
// crossing, not on every subsequent call while still over the limit.
func (dl *DomainLimiter) Inc(name string, now int64, backoff bool) (allow bool) {
	limit := dl.limitFor(name)
	if limit == 0 {
		return true
	}

	key := canonicalName(name)
	h, ok := dl.m.Lookup(key, true)
	if !ok {
		h = dl.m.Insert(key, newRateData(), func(string, RateData) int { return rateEntrySize })
	}
	defer h.Release()

	d := h.Value()
	pre := rateMax(d, now, backoff)
	slot := rateGiveSecond(d, now)
	*slot++
	post := rateMax(d, now, backoff)

	allow = post <= limit

	if dl.metrics != nil {
		action := "allow"
		if !allow {
			action = "block"
		}
		dl.metrics.DomainRateLimitDecisions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", action)))
	}

	if pre <= limit && limit < post {
		if dl.logger != nil {
			dl.logger.Warn("domain rate limit exceeded",
				"domain", key, "limit", limit, "count", post)
		}
		if dl.metrics != nil {
			dl.metrics.DomainRateLimitEdge.Add(context.Background(), 1, metric.WithAttributes(attribute.String("domain", key)))
		}
	}

	return allow
}

// Dec implements ratelimit_dec: refunds one query from the current
// second's slot, clamped at zero. It is a no-op if the current second has
// no slot yet.
func (dl *DomainLimiter) Dec(name string, now int64) {
	key := canonicalName(name)
	h, ok := dl.m.Lookup(key, true)
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
func (dl *DomainLimiter) GetMem() int {
	return dl.m.GetMem()
}

// Evictions reports the number of entries the underlying sharded map has
// evicted to stay within its byte budget.
func (dl *DomainLimiter) Evictions() uint64 {
	return dl.m.Evictions()
}
