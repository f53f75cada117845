package httpstore

import (
	"net/http"
	"time"
)

// Config holds the connection settings for a storage REST endpoint.
type Config struct {
	// BaseURL is the project origin, e.g. https://xyz.example.co.
	BaseURL string

	// APIKey is sent in the apikey header on every request.
	APIKey string

	// CacheControl is sent with object writes. Default: 3600
	CacheControl string

	// ComposeURL is an optional server-side endpoint that concatenates
	// objects. Without it ComposeObject returns ErrComposeUnsupported.
	ComposeURL string

	// HTTPClient performs object writes. If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultHTTPClient creates an HTTP client for object writes.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - each attempt carries its own deadline via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
