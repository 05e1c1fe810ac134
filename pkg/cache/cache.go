// Package cache wires the host-info store and the two rate limiters into a
// single unit that cmd/infracached can construct, hot-reload, and report
// memory usage for.
package cache

import (
	"infracache/pkg/config"
	"infracache/pkg/infra"
	"infracache/pkg/logging"
	"infracache/pkg/ratelimit"
	"infracache/pkg/telemetry"
)

// Cache is the infrastructure cache: the host-info store plus the domain
// and client-IP rate limiters that gate queries before they reach it.
type Cache struct {
	Infra       *infra.Store
	DomainLimit *ratelimit.DomainLimiter
	IPLimit     *ratelimit.IPLimiter

	logger  *logging.Logger
	metrics *telemetry.Metrics

	shape shapeKey
}

// shapeKey captures the sizing parameters that determine shard and slice
// layout. A config change that alters any of these can't be applied in
// place; Adjust rebuilds the affected store from scratch instead.
type shapeKey struct {
	infraSlabs, infraNumHosts int
	domainSize, domainSlabs   int
	ipSize, ipSlabs           int
}

// New builds a Cache from cfg, sized per its Infra/RateLimit/IPRateLimit
// sections.
func New(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics) *Cache {
	tree := ratelimit.NewDomainLimitTree(cfg.RateLimit.ForDomain, cfg.RateLimit.BelowDomain)

	c := &Cache{
		Infra: infra.NewStore(infra.Config{
			NumHosts:    cfg.Infra.NumHosts,
			Slabs:       cfg.Infra.Slabs,
			HostTTLSecs: int64(cfg.Infra.HostTTL),
			KeepProbing: cfg.Infra.KeepProbing,
		}),
		DomainLimit: ratelimit.NewDomainLimiter(cfg.RateLimit.Size, cfg.RateLimit.Slabs, cfg.RateLimit.Default, tree, logger),
		IPLimit:     ratelimit.NewIPLimiter(cfg.IPRateLimit.Size, cfg.IPRateLimit.Slabs, cfg.IPRateLimit.Default, logger),
		logger:      logger,
		metrics:     metrics,
		shape:       shapeOf(cfg),
	}
	c.Infra.SetMetrics(metrics)
	c.DomainLimit.SetMetrics(metrics)
	c.IPLimit.SetMetrics(metrics)
	return c
}

func shapeOf(cfg *config.Config) shapeKey {
	return shapeKey{
		infraSlabs:    cfg.Infra.Slabs,
		infraNumHosts: cfg.Infra.NumHosts,
		domainSize:    cfg.RateLimit.Size,
		domainSlabs:   cfg.RateLimit.Slabs,
		ipSize:        cfg.IPRateLimit.Size,
		ipSlabs:       cfg.IPRateLimit.Slabs,
	}
}

// Adjust reconfigures the cache for a hot-reloaded cfg. Limits and the
// domain policy tree are swapped in place atomically. A shard
// count or size change is treated as incompatible with the live shard
// layout and triggers a full rebuild of the affected store, discarding its
// contents — reshaping a sharded map in place would require moving every
// entry across shard boundaries under lock, which costs as much as a
// rebuild and is harder to get right.
func (c *Cache) Adjust(cfg *config.Config) {
	newShape := shapeOf(cfg)

	if newShape.infraSlabs != c.shape.infraSlabs || newShape.infraNumHosts != c.shape.infraNumHosts {
		c.logger.Info("host-info store shape changed, rebuilding",
			"old_slabs", c.shape.infraSlabs, "new_slabs", newShape.infraSlabs,
			"old_numhosts", c.shape.infraNumHosts, "new_numhosts", newShape.infraNumHosts)
		c.Infra = infra.NewStore(infra.Config{
			NumHosts:    cfg.Infra.NumHosts,
			Slabs:       cfg.Infra.Slabs,
			HostTTLSecs: int64(cfg.Infra.HostTTL),
			KeepProbing: cfg.Infra.KeepProbing,
		})
		c.Infra.SetMetrics(c.metrics)
	}

	tree := ratelimit.NewDomainLimitTree(cfg.RateLimit.ForDomain, cfg.RateLimit.BelowDomain)

	if newShape.domainSize != c.shape.domainSize || newShape.domainSlabs != c.shape.domainSlabs {
		c.logger.Info("domain rate limiter shape changed, rebuilding")
		c.DomainLimit = ratelimit.NewDomainLimiter(cfg.RateLimit.Size, cfg.RateLimit.Slabs, cfg.RateLimit.Default, tree, c.logger)
		c.DomainLimit.SetMetrics(c.metrics)
	} else {
		c.DomainLimit.Adjust(cfg.RateLimit.Default, tree)
	}

	if newShape.ipSize != c.shape.ipSize || newShape.ipSlabs != c.shape.ipSlabs {
		c.logger.Info("IP rate limiter shape changed, rebuilding")
		c.IPLimit = ratelimit.NewIPLimiter(cfg.IPRateLimit.Size, cfg.IPRateLimit.Slabs, cfg.IPRateLimit.Default, c.logger)
		c.IPLimit.SetMetrics(c.metrics)
	} else {
		c.IPLimit.Adjust(cfg.IPRateLimit.Default)
	}

	c.shape = newShape
}

// GetMem returns the combined tracked byte usage of the host store and
// both rate limiters.
func (c *Cache) GetMem() int {
	return c.Infra.GetMem() + c.DomainLimit.GetMem() + c.IPLimit.GetMem()
}

// Evictions returns the combined eviction count across the host store and
// both rate limiters, for the infra.map.evictions counter.
func (c *Cache) Evictions() uint64 {
	return c.Infra.Evictions() + c.DomainLimit.Evictions() + c.IPLimit.Evictions()
}
