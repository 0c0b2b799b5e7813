// Package openfoodfacts provides a client for the OpenFoodFacts
// product-by-barcode API.
package openfoodfacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the world OpenFoodFacts endpoint root.
const DefaultBaseURL = "https://world.openfoodfacts.org"

// Client looks up products by barcode.
type Client interface {
	// Product fetches a product record. Unknown barcodes return (nil, nil).
	Product(ctx context.Context, barcode string) (*Product, error)
}

// Product is the subset of the OFF record the resolver consumes. Nutriment
// values are kept raw (numbers or numeric strings) for the caller to parse.
type Product struct {
	Code        string         `json:"code"`
	ProductName string         `json:"product_name"`
	Brands      string         `json:"brands"`
	Nutriments  map[string]any `json:"nutriments"`
}

type productResponse struct {
	Status  int      `json:"status"`
	Product *Product `json:"product"`
}

// APIError is returned for non-2xx responses so callers can classify the
// status (429 trips the run-scoped gate; 5xx is retried).
type APIError struct {
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openfoodfacts: api returned status %d", e.Status)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the API endpoint root (used in tests).
func WithBaseURL(base string) Option {
	return func(c *client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit and burst for API calls.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header. OFF asks API consumers to
// identify themselves.
func WithUserAgent(ua string) Option {
	return func(c *client) {
		c.userAgent = ua
	}
}

type client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates an OpenFoodFacts client.
func NewClient(opts ...Option) Client {
	c := &client{
		baseURL:    DefaultBaseURL,
		userAgent:  "nutrition-autopilot/1.0",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(4, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Product(ctx context.Context, barcode string) (*Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: rate limit wait")
	}

	reqURL := fmt.Sprintf("%s/api/v2/product/%s.json", c.baseURL, barcode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: read body")
	}

	var pr productResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: parse response")
	}
	// status 0 means the barcode is not in the database.
	if pr.Status != 1 || pr.Product == nil {
		return nil, nil
	}
	return pr.Product, nil
}
