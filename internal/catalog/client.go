// Package catalog fetches the upstream catalog's documents: the service
// index, the catalog index, pages, and individual leaves. The client never
// retries on its own; the processor owns that decision.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrorKind classifies a fetch failure so the processor can decide whether
// to retry the page or give up on the run.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindStatus
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by every client method.
type Error struct {
	URL    string
	Kind   ErrorKind
	Status int // non-zero for KindStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("catalog fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("catalog fetch %s: %s error: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the catalog over plain HTTPS+JSON.
type Client struct {
	http            *http.Client
	serviceIndexURL string
	limiter         *rate.Limiter

	// Resolved once from the service index and cached for the process lifetime.
	catalogIndexURL string
}

// NewClient builds a catalog client. requestTimeout bounds every individual
// document fetch. rps limits outbound request rate; 0 means unlimited.
func NewClient(serviceIndexURL string, requestTimeout time.Duration, rps float64) *Client {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		http:            &http.Client{Timeout: requestTimeout},
		serviceIndexURL: serviceIndexURL,
		limiter:         rate.NewLimiter(limit, 1),
	}
}

// GetCatalogIndexURL resolves (and caches) the catalog index location from
// the service index.
func (c *Client) GetCatalogIndexURL(ctx context.Context) (string, error) {
	if c.catalogIndexURL != "" {
		return c.catalogIndexURL, nil
	}
	var index ServiceIndex
	if err := c.getJSON(ctx, c.serviceIndexURL, &index); err != nil {
		return "", err
	}
	url := index.CatalogIndexURL()
	if url == "" {
		return "", &Error{URL: c.serviceIndexURL, Kind: KindParse, Err: fmt.Errorf("service index has no %s resource", catalogResourceType)}
	}
	c.catalogIndexURL = url
	return url, nil
}

// GetIndex fetches the catalog index (the page list).
func (c *Client) GetIndex(ctx context.Context, url string) (*CatalogIndex, error) {
	var index CatalogIndex
	if err := c.getJSON(ctx, url, &index); err != nil {
		return nil, err
	}
	return &index, nil
}

// GetPage fetches one catalog page (the leaf list).
func (c *Client) GetPage(ctx context.Context, url string) (*CatalogPage, error) {
	var page CatalogPage
	if err := c.getJSON(ctx, url, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetDetailsLeaf fetches one package-details leaf document.
func (c *Client) GetDetailsLeaf(ctx context.Context, url string) (*DetailsLeaf, error) {
	var leaf DetailsLeaf
	if err := c.getJSON(ctx, url, &leaf); err != nil {
		return nil, err
	}
	return &leaf, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{URL: url, Kind: KindNetwork, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{URL: url, Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{URL: url, Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &Error{URL: url, Kind: KindStatus, Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{URL: url, Kind: KindParse, Err: err}
	}
	return nil
}
