// Package nuget queries the upstream search endpoint for the current total
// download count and icon of a package. Failures are classified so the
// download worker can tell a missing package from an upstream outage.
package nuget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// ErrPackageNotFound means the upstream does not know the id (404 or an
// empty result set). The caller skips the id; it is not an outage signal.
var ErrPackageNotFound = errors.New("package not found upstream")

// TransientError marks failures that indicate the upstream itself is
// unhealthy: network errors, DNS, 5xx. A burst of these trips the
// availability gate.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient upstream error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err signals general upstream unavailability.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PackageStats is the lookup result for one package id.
type PackageStats struct {
	TotalDownloads int64
	IconURL        string
}

// Client queries the search endpoint. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewClient builds a search client. requestTimeout bounds each lookup; rps
// limits outbound request rate, 0 means unlimited (the worker already bounds
// concurrency).
func NewClient(baseURL string, requestTimeout time.Duration, rps float64) *Client {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type searchResponse struct {
	TotalHits int64 `json:"totalHits"`
	Data      []struct {
		ID             string `json:"id"`
		TotalDownloads int64  `json:"totalDownloads"`
		IconURL        string `json:"iconUrl"`
	} `json:"data"`
}

// GetPackageStats looks up the current totals for a lowercase package id.
func (c *Client) GetPackageStats(ctx context.Context, idLower string) (*PackageStats, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Err: err}
	}

	q := url.Values{}
	q.Set("q", "packageid:"+idLower)
	q.Set("prerelease", "true")
	q.Set("semVerLevel", "2.0.0")
	q.Set("take", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("lookup %s: %w", idLower, ErrPackageNotFound)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransientError{Err: fmt.Errorf("lookup %s: status %d", idLower, resp.StatusCode)}
	default:
		// 4xx other than 404: the request is wrong, not the upstream. Surface
		// it as permanent so the batch does not nack forever.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("lookup %s: unexpected status %d", idLower, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("lookup %s: decode: %w", idLower, err)}
	}

	if len(body.Data) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", idLower, ErrPackageNotFound)
	}

	return &PackageStats{
		TotalDownloads: body.Data[0].TotalDownloads,
		IconURL:        body.Data[0].IconURL,
	}, nil
}
