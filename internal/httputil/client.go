package httputil

import (
	"context"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// UserAgent identifies the collectors to NRCS and CW3E.
const UserAgent = "skiverify/1.0 (+https://github.com/lox/skiverify)"

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// NewRequest builds a GET request carrying the collector user agent.
func NewRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	return req, nil
}
