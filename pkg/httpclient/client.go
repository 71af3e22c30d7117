// Package httpclient builds the HTTP clients lattice uses to talk to
// remote workers and HTTP asset locations.
//
// Clients compose two transport layers over a pooled base transport:
//   - logging with sanitized URLs, User-Agent injection and trace
//     context propagation
//   - retries with exponential backoff and jitter
//
// Example usage:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "lattice-worker/1.0"
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// New creates an HTTP client with the given configuration.
//
// Returns an error if the configuration is invalid.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseTransport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},

		// One entry per worker address; workers are few and long-lived.
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var finalTransport http.RoundTripper = newLoggingTransport(baseTransport, cfg.UserAgent)
	if cfg.RetryAttempts > 0 {
		finalTransport = newRetryTransport(finalTransport, cfg)
	}

	return &http.Client{
		Transport: finalTransport,
		Timeout:   cfg.Timeout,
	}, nil
}
