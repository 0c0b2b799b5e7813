// Package fdc provides a typed client for the USDA FoodData Central API
// (search + food detail).
package fdc

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

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public FoodData Central endpoint root.
const DefaultBaseURL = "https://api.nal.usda.gov/fdc"

// Client searches FoodData Central and fetches full food records.
type Client interface {
	// Search runs /v1/foods/search and returns the hits. An empty result is
	// not an error.
	Search(ctx context.Context, req SearchRequest) ([]Food, error)

	// Food fetches /v1/food/{id}. A 404 returns (nil, nil).
	Food(ctx context.Context, fdcID int64) (*FoodDetail, error)
}

// SearchRequest mirrors the search query surface the resolver uses.
type SearchRequest struct {
	Query           string
	DataTypes       []string // "Branded", "Foundation", "SR Legacy", "Survey (FNDDS)"
	PageSize        int
	RequireAllWords bool
}

// Food is one hit from the search endpoint.
type Food struct {
	FDCID       int64  `json:"fdcId"`
	Description string `json:"description"`
	DataType    string `json:"dataType"`
	BrandOwner  string `json:"brandOwner"`
	BrandName   string `json:"brandName"`
	GTINUPC     string `json:"gtinUpc"`
}

// FoodDetail is the full record from the food endpoint.
type FoodDetail struct {
	FDCID         int64          `json:"fdcId"`
	Description   string         `json:"description"`
	DataType      string         `json:"dataType"`
	GTINUPC       string         `json:"gtinUpc"`
	FoodNutrients []FoodNutrient `json:"foodNutrients"`
}

// FoodNutrient is one nutrient row. Detail responses nest the nutrient
// metadata under "nutrient" and carry the quantity in "amount"; abbreviated
// responses flatten the metadata and use "value". Both shapes are kept so
// accessors can read either.
type FoodNutrient struct {
	Nutrient       NutrientRef `json:"nutrient"`
	Amount         *float64    `json:"amount"`
	NutrientNumber string      `json:"nutrientNumber"`
	NutrientName   string      `json:"nutrientName"`
	UnitName       string      `json:"unitName"`
	Value          *float64    `json:"value"`
}

// NutrientRef is the nested nutrient metadata in detail responses.
type NutrientRef struct {
	Number   string `json:"number"`
	Name     string `json:"name"`
	UnitName string `json:"unitName"`
}

// Number returns the FDC nutrient number from whichever shape is populated.
func (n FoodNutrient) Number() string {
	if n.Nutrient.Number != "" {
		return n.Nutrient.Number
	}
	return n.NutrientNumber
}

// Name returns the nutrient name from whichever shape is populated.
func (n FoodNutrient) Name() string {
	if n.Nutrient.Name != "" {
		return n.Nutrient.Name
	}
	return n.NutrientName
}

// Unit returns the unit name from whichever shape is populated.
func (n FoodNutrient) Unit() string {
	if n.Nutrient.UnitName != "" {
		return n.Nutrient.UnitName
	}
	return n.UnitName
}

// Quantity returns the row's amount, preferring the detail-shape field.
func (n FoodNutrient) Quantity() (float64, bool) {
	if n.Amount != nil {
		return *n.Amount, true
	}
	if n.Value != nil {
		return *n.Value, true
	}
	return 0, false
}

// APIError is returned for non-2xx responses so callers can classify the
// status (429 trips the run-scoped gate; 5xx is retried).
type APIError struct {
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fdc: api returned status %d", e.Status)
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

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a FoodData Central client. An empty key falls back to
// the API's shared DEMO_KEY quota.
func NewClient(apiKey string, opts ...Option) Client {
	if apiKey == "" {
		apiKey = "DEMO_KEY"
	}
	c := &client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(2, 1), // documented default quota is small
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	Foods []Food `json:"foods"`
}

func (c *client) Search(ctx context.Context, req SearchRequest) ([]Food, error) {
	params := url.Values{
		"api_key": {c.apiKey},
		"query":   {req.Query},
	}
	if req.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(req.PageSize))
	}
	if len(req.DataTypes) > 0 {
		params.Set("dataType", strings.Join(req.DataTypes, ","))
	}
	params.Set("requireAllWords", strconv.FormatBool(req.RequireAllWords))

	body, err := c.get(ctx, c.baseURL+"/v1/foods/search?"+params.Encode())
	if err != nil || body == nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "fdc: parse search response")
	}
	return resp.Foods, nil
}

func (c *client) Food(ctx context.Context, fdcID int64) (*FoodDetail, error) {
	params := url.Values{"api_key": {c.apiKey}}
	body, err := c.get(ctx, fmt.Sprintf("%s/v1/food/%d?%s", c.baseURL, fdcID, params.Encode()))
	if err != nil || body == nil {
		return nil, err
	}

	var detail FoodDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, eris.Wrap(err, "fdc: parse food response")
	}
	return &detail, nil
}

// get performs a rate-limited GET. 404 returns (nil, nil); other non-2xx
// statuses return *APIError.
func (c *client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fdc: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fdc: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fdc: request")
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
		return nil, eris.Wrap(err, "fdc: read body")
	}
	return body, nil
}
