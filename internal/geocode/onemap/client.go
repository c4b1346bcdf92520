// Package onemap implements the Geocoder contract against a OneMap-style
// search API: a GET endpoint keyed by a single free-text address, returning
// ranked candidate matches with coordinates.
package onemap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sgproperty/geobatch/internal/geocode"
	"github.com/sgproperty/geobatch/pkg/pipeline/core"
)

const searchPath = "api/common/elastic/search"

type Config struct {
	// BaseURL of the lookup service, e.g. "https://www.onemap.gov.sg".
	BaseURL string

	// Token is an optional bearer token. Redacted from all errors and logs.
	Token string

	// Timeout is a backstop on the underlying HTTP client. Per-request
	// deadlines come from the caller's context; this only catches requests
	// that hang at the transport level.
	Timeout time.Duration
}

// Client is a minimal HTTP client for the search endpoint used by the
// pipeline. The service's rate limits are enforced by the caller's dispatch
// gate, not here.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("lookup service base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse lookup service base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("lookup service base URL must include a host (got %q)", raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: u,
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type candidate struct {
	SearchVal string `json:"SEARCHVAL"`
	Address   string `json:"ADDRESS"`
	Postal    string `json:"POSTAL"`
	Latitude  string `json:"LATITUDE"`
	Longitude string `json:"LONGITUDE"`
	Score     string `json:"SCORE"`
}

type searchResponse struct {
	Found   int         `json:"found"`
	Results []candidate `json:"results"`
}

// Geocode resolves one address via the search endpoint. The highest-ranked
// candidate is authoritative; the rest are discarded. Zero candidates is a
// permanent ErrNoMatch. Throttling (429) and server errors are wrapped as
// transient so the worker pool retries them with backoff.
func (c *Client) Geocode(ctx context.Context, address string) (geocode.Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return geocode.Result{}, fmt.Errorf("empty address")
	}

	rel := &url.URL{Path: searchPath}
	u := c.baseURL.ResolveReference(rel)
	q := url.Values{}
	q.Set("searchVal", address)
	q.Set("returnGeom", "Y")
	q.Set("getAddrDetails", "Y")
	q.Set("pageNum", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return geocode.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Worker retry classification handles net.Error and deadline cases.
		return geocode.Result{}, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return geocode.Result{}, &core.LimitedTransientError{
			Err:           fmt.Errorf("read search response: %w", err),
			ExtraAttempts: 1,
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return geocode.Result{}, &core.TransientError{Err: newHTTPError("search", resp, b)}
	}
	if resp.StatusCode/100 != 2 {
		return geocode.Result{}, newHTTPError("search", resp, b)
	}

	var out searchResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return geocode.Result{}, fmt.Errorf("parse search response: %w", err)
	}
	if out.Found == 0 || len(out.Results) == 0 {
		return geocode.Result{}, fmt.Errorf("%q: %w", address, geocode.ErrNoMatch)
	}

	top := out.Results[0]
	lat, err := strconv.ParseFloat(strings.TrimSpace(top.Latitude), 64)
	if err != nil {
		return geocode.Result{}, fmt.Errorf("parse candidate latitude %q: %w", top.Latitude, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(top.Longitude), 64)
	if err != nil {
		return geocode.Result{}, fmt.Errorf("parse candidate longitude %q: %w", top.Longitude, err)
	}

	res := geocode.Result{
		Latitude:  lat,
		Longitude: lng,
		Matched:   firstNonEmpty(top.SearchVal, top.Address),
		Postal:    strings.TrimSpace(top.Postal),
	}
	if s := strings.TrimSpace(top.Score); s != "" {
		if score, err := strconv.ParseFloat(s, 64); err == nil {
			res.Score = score
		}
	}
	return res, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
