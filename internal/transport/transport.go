// Package transport builds the shared *http.Client used by the ingest
// pipeline and the SignalFlow SSE fallback transport.
package transport

import (
	"net/http"
	"time"
)

// NewHTTPClient builds an *http.Client with the given timeout and
// reasonable connection pooling defaults for a long-lived client library.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
