// Package httpx holds the HTTP plumbing shared by the outbound API clients.
package httpx

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single outbound call when the caller does not choose one.
const DefaultTimeout = 60 * time.Second

// SharedHTTPClient returns an HTTP client with connection pooling whose
// overall timeout bounds every call, even when the caller's context does not.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
