// Package ratelimit implements per-client fixed-window admission control.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"

	"github.com/yl2chen/cidranger"
	"golang.org/x/time/rate"
)

// Store counts requests per client within a fixed window.
type Store interface {
	// Admit records one request from key and reports whether it is within
	// the limit for the current window.
	Admit(ctx context.Context, key string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}

// Limiter decides whether a client may be served. A nil *Limiter admits
// everything.
type Limiter struct {
	store         Store
	exempt        cidranger.Ranger
	logger        *logging.Logger
	logViolations bool
	violationLog  rate.Sometimes

	admitted   atomic.Uint64
	denied     atomic.Uint64
	storeFails atomic.Uint64
}

// Stats holds limiter counters.
type Stats struct {
	Admitted      uint64 `json:"admitted"`
	Denied        uint64 `json:"denied"`
	StoreFailures uint64 `json:"store_failures"`
}

// New builds a limiter from the policy limit/window and the storage settings.
// When either the limit or the window is unset it logs a warning and returns
// nil, which admits every request.
func New(policy *config.PolicyConfig, cfg *config.RateLimitConfig, logger *logging.Logger) (*Limiter, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if policy == nil || cfg == nil {
		return nil, fmt.Errorf("rate limit config cannot be nil")
	}
	if !policy.RateLimitEnabled() {
		logger.Warn("Rate limiting disabled: rate_limit and time_window must both be set",
			"rate_limit", policy.RateLimit,
			"time_window", policy.TimeWindow)
		return nil, nil
	}

	var store Store
	switch cfg.Backend {
	case "", config.RateLimitBackendMemory:
		store = NewMemoryStore(policy.RateLimit, policy.TimeWindow, MemoryOptions{
			MaxTrackedClients: cfg.MaxTrackedClients,
			CleanupInterval:   cfg.CleanupInterval,
		})
	case config.RateLimitBackendRedis:
		rs, err := NewRedisStore(context.Background(), cfg.Redis, policy.RateLimit, policy.TimeWindow)
		if err != nil {
			return nil, err
		}
		store = rs
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}

	l, err := NewWithStore(store, cfg.ExemptCIDRs, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	l.logViolations = cfg.ViolationLogging()

	logger.Info("Rate limiting enabled",
		"backend", cfg.Backend,
		"rate_limit", policy.RateLimit,
		"time_window", policy.TimeWindow,
		"exempt_cidrs", len(cfg.ExemptCIDRs))

	return l, nil
}

// NewWithStore wraps an existing store. Clients inside any of exemptCIDRs are
// never counted.
func NewWithStore(store Store, exemptCIDRs []string, logger *logging.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range exemptCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt CIDR %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("failed to add exempt CIDR %q: %w", cidr, err)
		}
	}

	return &Limiter{
		store:         store,
		exempt:        ranger,
		logger:        logger,
		logViolations: true,
		violationLog:  rate.Sometimes{Interval: time.Second},
	}, nil
}

// Admit reports whether clientIP may be served now. A store failure admits
// the request.
func (l *Limiter) Admit(ctx context.Context, clientIP string) bool {
	if l == nil || clientIP == "" {
		return true
	}

	if l.isExempt(clientIP) {
		l.admitted.Add(1)
		return true
	}

	ok, err := l.store.Admit(ctx, clientIP)
	if err != nil {
		l.storeFails.Add(1)
		l.logger.Warn("Rate limit store failed, admitting request",
			"client_ip", clientIP,
			"error", err)
		l.admitted.Add(1)
		return true
	}

	if !ok {
		l.denied.Add(1)
		if l.logViolations {
			l.violationLog.Do(func() {
				l.logger.Warn("Rate limit exceeded",
					"client_ip", clientIP,
					"denied_total", l.denied.Load())
			})
		}
		return false
	}

	l.admitted.Add(1)
	return true
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		Admitted:      l.admitted.Load(),
		Denied:        l.denied.Load(),
		StoreFailures: l.storeFails.Load(),
	}
}

// Close stops background work and closes the store.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.store.Close()
}

func (l *Limiter) isExempt(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	ok, err := l.exempt.Contains(ip)
	return err == nil && ok
}

// windowExpired reports whether a window that began at start has rolled over
// at now. A request exactly window after start still belongs to the old one.
func windowExpired(now, start time.Time, window time.Duration) bool {
	return now.Sub(start) > window
}
