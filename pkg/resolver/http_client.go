package resolver

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewHTTPClient creates an HTTP client whose connections resolve host names
// through the bootstrap servers. The transport speaks HTTP/2.
//
// Example:
//
//	r := resolver.New([]string{"1.1.1.1:53"}, logger)
//	client := r.NewHTTPClient(5 * time.Second)
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		r.logger.Warn("Failed to enable HTTP/2 on upstream transport", "error", err)
	}

	r.logger.Debug("Created HTTP client with bootstrap resolver",
		"servers", r.servers,
		"timeout", timeout)

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
