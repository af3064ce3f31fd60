// Command phishwall runs the filtering DNS forwarder.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"phishwall/pkg/blocklist"
	"phishwall/pkg/cache"
	"phishwall/pkg/config"
	"phishwall/pkg/dns"
	"phishwall/pkg/errcoll"
	"phishwall/pkg/forwarder"
	"phishwall/pkg/logging"
	"phishwall/pkg/policy"
	"phishwall/pkg/ratelimit"
	"phishwall/pkg/resolver"
	"phishwall/pkg/storage"
	"phishwall/pkg/telemetry"

	goFlags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// shutdownTimeout bounds the whole graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	opts := &Options{}
	parser := goFlags.NewParser(opts, goFlags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *goFlags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.Version {
		fmt.Printf("phishwall %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	os.Exit(run(opts))
}

func run(opts *Options) int {
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load env file %s: %v\n", opts.EnvFile, err)
		return 1
	}

	cfg, usedDefaults, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("phishwall starting",
		"version", version,
		"build_time", buildTime)
	if usedDefaults {
		logger.Warn("Config file not found, using defaults", "path", opts.ConfigPath)
	}

	listenAddr, err := resolveListenAddress(cfg.Server.ListenAddress, opts.Host, opts.Port, detectLocalIP)
	if err != nil {
		logger.Error("Invalid listen address", "address", cfg.Server.ListenAddress, "error", err)
		return 1
	}
	cfg.Server.ListenAddress = listenAddr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.shutdown(shutdownCtx)
		return 1
	}

	logger.Info("phishwall is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", app.forwarder.Endpoints())

	serveErr := app.server.Start(ctx)
	if serveErr != nil {
		logger.Error("DNS server error", "error", serveErr)
	} else {
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(shutdownCtx)

	logger.Info("phishwall stopped")
	if serveErr != nil {
		return 1
	}
	return 0
}

// app holds every long-lived component so they can be shut down in order.
type app struct {
	logger      *logging.Logger
	server      *dns.Server
	forwarder   *forwarder.Forwarder
	queryLogger *dns.QueryLogger
	store       storage.Storage
	limiter     *ratelimit.Limiter
	telemetry   *telemetry.Telemetry
	errColl     errcoll.Interface

	stopRetention context.CancelFunc
	retention     sync.WaitGroup
}

// statsTimeout bounds the audit queries behind the stats endpoint.
const statsTimeout = 2 * time.Second

// newApp wires every component. On error it still returns the partially
// built app so the caller can release what was opened.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{logger: logger}

	errColl, err := errcoll.New(&cfg.Errors, version, logger)
	if err != nil {
		return a, err
	}
	a.errColl = errColl

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return a, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = telem

	metrics, err := telem.InitMetrics()
	if err != nil {
		return a, fmt.Errorf("metrics: %w", err)
	}

	boot := resolver.New(cfg.Upstream.BootstrapDNS, logger)

	// List downloads get their own client; the DoH timeout is far too short
	// for a large list.
	loader := blocklist.NewLoader(logger, boot.NewHTTPClient(0))
	blocked := loader.LoadAll(ctx, "blocklist", cfg.Policy.Blocklists)
	trusted := loader.LoadAll(ctx, "trusted", cfg.Policy.TrustedLists)
	pol := policy.New(blocked, trusted, cfg.Policy.Threshold())

	resolutionCache, err := cache.New(&cfg.Cache, cfg.Policy.CacheTTL, pol, logger)
	if err != nil {
		return a, fmt.Errorf("cache: %w", err)
	}

	limiter, err := ratelimit.New(&cfg.Policy, &cfg.RateLimit, logger)
	if err != nil {
		return a, fmt.Errorf("rate limiter: %w", err)
	}
	a.limiter = limiter

	fwd, err := forwarder.New(&cfg.Upstream, boot.NewHTTPClient(cfg.Upstream.Timeout), logger)
	if err != nil {
		return a, fmt.Errorf("forwarder: %w", err)
	}
	a.forwarder = fwd

	store, err := storage.New(&cfg.Audit, metrics)
	if err != nil {
		return a, fmt.Errorf("audit storage: %w", err)
	}
	a.store = store

	handler := dns.NewHandler()
	handler.Logger = logger
	handler.Policy = pol
	handler.Cache = resolutionCache
	handler.Resolver = fwd
	handler.Metrics = metrics
	handler.ErrColl = errColl
	handler.SinkholeTTL = cfg.Policy.SinkholeTTL
	handler.CacheTTL = cfg.Policy.CacheTTL
	if limiter.Enabled() {
		handler.RateLimiter = limiter
	}
	if cfg.AuditEnabled() {
		a.queryLogger = dns.NewQueryLogger(store, logger, metrics, errColl, cfg.Audit.BufferSize, cfg.Audit.Workers)
		handler.QueryLogger = a.queryLogger
	}

	server, err := dns.NewServer(cfg.Server, handler, logger, metrics, errColl)
	if err != nil {
		return a, fmt.Errorf("dns server: %w", err)
	}
	a.server = server

	if err := metrics.RegisterGauge("cache.size", "Number of cached domains", func() int64 {
		return int64(resolutionCache.Len())
	}); err != nil {
		return a, err
	}
	if err := metrics.RegisterGauge("blocklist.size", "Number of blocklisted domains", func() int64 {
		return int64(pol.BlockedCount())
	}); err != nil {
		return a, err
	}

	if pruner, ok := store.(storage.Pruner); ok && cfg.Audit.Retention > 0 {
		rctx, cancel := context.WithCancel(ctx)
		a.stopRetention = cancel
		a.retention.Add(1)
		go func() {
			defer a.retention.Done()
			storage.RunRetention(rctx, pruner, cfg.Audit.Retention, cfg.Audit.RetentionInterval, logger)
		}()
		logger.Info("Audit retention enabled",
			"retention", cfg.Audit.Retention,
			"interval", cfg.Audit.RetentionInterval)
	}

	reporter, _ := store.(storage.Reporter)
	err = telem.Serve(func() any {
		stats := map[string]any{
			"dispatcher": server.Stats(),
			"cache":      resolutionCache.Stats(),
			"upstream":   fwd.Stats(),
			"policy": map[string]any{
				"blocked":            pol.BlockedCount(),
				"trusted":            pol.TrustedCount(),
				"phishing_threshold": pol.Threshold(),
			},
		}
		if limiter.Enabled() {
			stats["rate_limit"] = limiter.Stats()
		}
		if a.queryLogger != nil {
			stats["audit"] = a.queryLogger.Stats()
		}
		if reporter != nil {
			rctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
			defer cancel()
			report, err := storage.Summarize(rctx, reporter, 24*time.Hour, 10)
			if err != nil {
				logger.Warn("Failed to summarize audit log", "error", err)
			} else {
				stats["audit_log"] = report
			}
		}
		return stats
	})
	if err != nil {
		return a, err
	}

	return a, nil
}

// shutdown releases components in dependency order. The DNS server has
// already drained its queue when Start returns.
func (a *app) shutdown(ctx context.Context) {
	if a.stopRetention != nil {
		a.stopRetention()
	}
	a.retention.Wait()

	if a.queryLogger != nil {
		if err := a.queryLogger.Close(); err != nil {
			a.logger.Error("Failed to close query logger", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close audit storage", "error", err)
		}
	}
	if a.limiter.Enabled() {
		if err := a.limiter.Close(); err != nil {
			a.logger.Error("Failed to close rate limiter", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to shut down telemetry", "error", err)
		}
	}
	if f, ok := a.errColl.(errcoll.Flusher); ok {
		f.Flush()
	}
}
