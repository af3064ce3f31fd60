// Package blocklist loads newline-delimited domain lists from local files or
// HTTP(S) URLs. It is used for both the blocklist and the trusted list.
package blocklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"phishwall/pkg/logging"
	"phishwall/pkg/policy"

	"golang.org/x/sync/errgroup"
)

// Loader reads domain lists once at startup.
type Loader struct {
	client  *http.Client
	logger  *logging.Logger
	timeout time.Duration
}

// NewLoader creates a list loader. The HTTP client is only used for URL
// sources and should resolve names through pkg/resolver. Downloads are bounded
// by the loader's own 60s deadline, so a client-wide Timeout (such as the
// short one used for DoH) is dropped from a copy of client.
func NewLoader(logger *logging.Logger, client *http.Client) *Loader {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	switch {
	case client == nil:
		client = &http.Client{}
	case client.Timeout != 0:
		unbounded := *client
		unbounded.Timeout = 0
		client = &unbounded
	}

	return &Loader{
		client:  client,
		logger:  logger,
		timeout: 60 * time.Second,
	}
}

// Load reads a single source. A missing local file is reported as an error
// wrapping fs.ErrNotExist.
func (l *Loader) Load(ctx context.Context, source string) (map[string]struct{}, error) {
	if isURL(source) {
		return l.download(ctx, source)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	domains, err := l.parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	return domains, nil
}

// LoadAll reads every source concurrently and merges the results. A source
// that is missing or fails is logged and skipped, so the merged set may be
// empty but LoadAll never fails because of one bad list.
func (l *Loader) LoadAll(ctx context.Context, kind string, sources []string) map[string]struct{} {
	merged := make(map[string]struct{})
	if len(sources) == 0 {
		return merged
	}

	startTime := time.Now()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, source := range sources {
		g.Go(func() error {
			domains, err := l.Load(gctx, source)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				l.logger.Warn("Domain list file not found, continuing without it",
					"kind", kind,
					"source", source)
				return nil
			case err != nil:
				l.logger.Warn("Failed to load domain list",
					"kind", kind,
					"source", source,
					"error", err)
				return nil
			}

			mu.Lock()
			for d := range domains {
				merged[d] = struct{}{}
			}
			mu.Unlock()

			l.logger.Info("Loaded domain list",
				"kind", kind,
				"source", source,
				"domains", len(domains))
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info("Domain lists loaded",
		"kind", kind,
		"sources", len(sources),
		"total_domains", len(merged),
		"duration", time.Since(startTime))

	return merged
}

func (l *Loader) download(ctx context.Context, url string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := l.parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse list: %w", err)
	}
	return domains, nil
}

// parse reads one domain per line. Supported line formats:
//   - domain.com (plain list)
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts file)
//   - ||domain.com^ (adblock)
//
// Blank lines and # or ! comments are skipped.
func (l *Loader) parse(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	lineCount := 0

	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		domain := policy.Normalize(extractDomain(line))
		if domain == "" {
			continue
		}
		domains[domain] = struct{}{}

		if lineCount%100000 == 0 {
			l.logger.Debug("Parsing domain list", "lines", lineCount, "domains", len(domains))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading list: %w", err)
	}

	return domains, nil
}

// extractDomain extracts a domain from one of the supported line formats
func extractDomain(line string) string {
	if strings.HasPrefix(line, "||") && strings.Contains(line, "^") {
		domain := strings.TrimPrefix(line, "||")
		return strings.TrimSpace(strings.Split(domain, "^")[0])
	}

	// Strip trailing inline comments.
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}

	var domain string
	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2 && (strings.Contains(fields[0], ".") || strings.Contains(fields[0], ":")):
		domain = fields[1]
	case len(fields) == 1:
		domain = fields[0]
	default:
		return ""
	}

	if domain == "localhost" || domain == "localhost.localdomain" {
		return ""
	}
	return domain
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
