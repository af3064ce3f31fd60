// Package forwarder resolves raw DNS queries through DNS-over-HTTPS
// endpoints (RFC 8484 GET).
package forwarder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"
)

// MediaType is the DoH content type.
const MediaType = "application/dns-message"

// maxMessageSize is the largest DNS message a DoH body may carry.
const maxMessageSize = 65535

// Forwarder sends DNS queries to DoH endpoints. It is safe for concurrent use.
type Forwarder struct {
	client      *http.Client
	logger      *logging.Logger
	selector    Selector
	endpoints   []string
	breakers    []*CircuitBreaker
	headers     map[string]string
	timeout     time.Duration
	maxAttempts int

	requests atomic.Uint64
	failures atomic.Uint64
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithSelector overrides the configured endpoint selector.
func WithSelector(s Selector) Option {
	return func(f *Forwarder) { f.selector = s }
}

// EndpointStats describes one endpoint.
type EndpointStats struct {
	URL      string `json:"url"`
	State    string `json:"state"`
	Failures int64  `json:"consecutive_failures"`
}

// Stats holds forwarder counters.
type Stats struct {
	Requests  uint64          `json:"requests"`
	Failures  uint64          `json:"failures"`
	Endpoints []EndpointStats `json:"endpoints"`
}

// New creates a DoH forwarder. client should come from the bootstrap
// resolver; if nil a default client is used.
func New(cfg *config.UpstreamConfig, client *http.Client, logger *logging.Logger, opts ...Option) (*Forwarder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("upstream config cannot be nil")
	}
	if len(cfg.DoHServers) == 0 {
		return nil, ErrNoUpstreams
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if client == nil {
		client = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	f := &Forwarder{
		client:      client,
		logger:      logger,
		selector:    NewSelector(cfg.Selector),
		endpoints:   append([]string(nil), cfg.DoHServers...),
		headers:     cfg.DoHHeaders,
		timeout:     timeout,
		maxAttempts: min(attempts, len(cfg.DoHServers)),
	}
	for _, opt := range opts {
		opt(f)
	}

	cb := cfg.CircuitBreaker
	for range f.endpoints {
		var breaker *CircuitBreaker
		if cb.FailureThreshold > 0 {
			breaker = NewCircuitBreaker(cb.FailureThreshold, max(cb.SuccessThreshold, 1), cb.Timeout)
		}
		f.breakers = append(f.breakers, breaker)
	}

	logger.Info("DoH forwarder initialized",
		"endpoints", f.endpoints,
		"timeout", f.timeout,
		"max_attempts", f.maxAttempts,
		"selector", cfg.Selector)

	return f, nil
}

// Resolve sends the raw query to one endpoint and returns the raw response.
// With max_attempts above one, a failed exchange is retried on the next
// endpoint, never on the same one. Endpoints with an open circuit are
// skipped without an HTTP call.
func (f *Forwarder) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	body, _, err := f.ResolveFrom(ctx, query)
	return body, err
}

// ResolveFrom is Resolve that also reports the endpoint that answered.
func (f *Forwarder) ResolveFrom(ctx context.Context, query []byte) ([]byte, string, error) {
	n := len(f.endpoints)
	start := f.selector.Pick(n)
	f.requests.Add(1)

	var lastErr error
	attempts := 0
	for i := 0; i < n && attempts < f.maxAttempts; i++ {
		idx := (start + i) % n
		endpoint := f.endpoints[idx]

		var body []byte
		call := func() error {
			var err error
			body, err = f.exchange(ctx, endpoint, query)
			return err
		}

		var err error
		if breaker := f.breakers[idx]; breaker != nil {
			err = breaker.Call(call)
		} else {
			err = call()
		}

		if errors.Is(err, ErrCircuitOpen) {
			f.logger.Debug("Skipping upstream with open circuit", "upstream", endpoint)
			lastErr = fmt.Errorf("%w: %s: %w", ErrUpstreamFailure, endpoint, err)
			continue
		}
		attempts++

		if err == nil {
			return body, endpoint, nil
		}

		lastErr = err
		f.logger.Warn("Upstream query failed",
			"upstream", endpoint,
			"attempt", attempts,
			"timeout", IsTimeout(err),
			"error", err)

		if ctx.Err() != nil {
			break
		}
	}

	f.failures.Add(1)
	return nil, "", lastErr
}

// exchange performs a single DoH GET.
func (f *Forwarder) exchange(ctx context.Context, endpoint string, query []byte) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: err}
	}
	params := u.Query()
	params.Set("dns", base64.RawURLEncoding.EncodeToString(query))
	u.RawQuery = params.Encode()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: err}
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)

	startTime := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMessageSize))
		return nil, &UpstreamError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize+1))
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if len(body) > maxMessageSize {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: ErrResponseTooLarge}
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", endpoint,
		"rtt", time.Since(startTime),
		"bytes", len(body))

	return body, nil
}

// Endpoints returns the configured DoH endpoints
func (f *Forwarder) Endpoints() []string {
	return f.endpoints
}

// Stats returns forwarder counters and per-endpoint circuit state.
func (f *Forwarder) Stats() Stats {
	s := Stats{
		Requests: f.requests.Load(),
		Failures: f.failures.Load(),
	}
	for i, ep := range f.endpoints {
		es := EndpointStats{URL: ep, State: StateClosed.String()}
		if b := f.breakers[i]; b != nil {
			es.State = b.State().String()
			es.Failures = b.Failures()
		}
		s.Endpoints = append(s.Endpoints, es)
	}
	return s
}
