package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"infracache/pkg/cache"
	"infracache/pkg/config"
	"infracache/pkg/logging"
	"infracache/pkg/telemetry"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	// Build-time variables set via ldflags, e.g.
	// go build -ldflags "-X main.version=$(git describe --tags) -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("infracached\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize config watcher: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	// Reopen the watcher now that a logger exists; Start logs through the
	// watcher's *slog.Logger, so it must not be nil.
	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize config watcher with logger: %v\n", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	go func() {
		if watcherErr := cfgWatcher.Start(watcherCtx); watcherErr != nil {
			logger.Error("Config watcher stopped", "error", watcherErr)
		}
	}()

	logger.Info("infracached starting",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	c := cache.New(cfg, logger, metrics)

	logger.Info("infrastructure cache ready",
		"infra_numhosts", cfg.Infra.NumHosts,
		"infra_slabs", cfg.Infra.Slabs,
		"host_ttl", cfg.Infra.HostTTL,
		"ratelimit_default", cfg.RateLimit.Default,
		"ip_ratelimit_default", cfg.IPRateLimit.Default,
	)

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		logger.Info("Configuration reloaded, applying to cache",
			"infra_numhosts", newCfg.Infra.NumHosts,
			"infra_slabs", newCfg.Infra.Slabs,
			"ratelimit_default", newCfg.RateLimit.Default,
			"ip_ratelimit_default", newCfg.IPRateLimit.Default,
		)
		c.Adjust(newCfg)
		cfg = newCfg
	})

	sampleCtx, sampleCancel := context.WithCancel(ctx)
	defer sampleCancel()
	go sampleProcessRSS(sampleCtx, metrics, logger)

	reportCtx, reportCancel := context.WithCancel(ctx)
	defer reportCancel()
	go reportCacheGauges(reportCtx, c, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("infracached is running")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	sampleCancel()
	reportCancel()
	watcherCancel()

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("infracached stopped",
		"host_entries", c.Infra.Len(),
		"evictions", c.Evictions(),
	)
}

// sampleProcessRSS periodically samples this process's resident set size
// via gopsutil and reports the delta to the process.rss_bytes gauge, which
// is an UpDownCounter and so only tracks relative changes between samples.
func sampleProcessRSS(ctx context.Context, metrics *telemetry.Metrics, logger *logging.Logger) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		logger.Error("Failed to open process handle for RSS sampling", "error", err)
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			memInfo, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				logger.Error("Failed to sample process memory", "error", err)
				continue
			}
			current := int64(memInfo.RSS)
			metrics.ProcessRSSBytes.Add(ctx, current-last)
			last = current
		}
	}
}

// reportCacheGauges periodically reconciles the entries/bytes gauges with
// the cache's actual sharded-map sizes.
func reportCacheGauges(ctx context.Context, c *cache.Cache, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastEntries, lastBytes, lastEvictions int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := int64(c.Infra.Len())
			bytes := int64(c.GetMem())
			evictions := int64(c.Evictions())
			metrics.HostEntries.Add(ctx, entries-lastEntries)
			metrics.MapBytes.Add(ctx, bytes-lastBytes)
			metrics.MapEvictions.Add(ctx, evictions-lastEvictions)
			lastEntries, lastBytes, lastEvictions = entries, bytes, evictions
		}
	}
}
