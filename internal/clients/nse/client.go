// Package nse provides a session-based quote client for the NSE India website API.
package nse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

const (
	DefaultBaseURL    = "https://www.nseindia.com"
	DefaultTimeout    = 5 * time.Second
	DefaultRateLimit  = 3 // requests per second
	DefaultSessionTTL = 10 * time.Minute

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// lastUpdateLayout is the timestamp format of metadata.lastUpdateTime.
const lastUpdateLayout = "02-Jan-2006 15:04:05"

var istLocation = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// Client implements interfaces.PrimarySource.
// The website API only answers requests that carry the cookies set by a prior
// page visit, so the client keeps a cookie jar and re-primes it when it ages
// out or the API rejects the session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
	timeout    time.Duration
	sessionTTL time.Duration
	now        func() time.Time

	mu        sync.Mutex
	sessionAt time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the per-call bound. It covers session priming and the
// quote request together.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
			c.httpClient.Timeout = timeout
		}
	}
}

// WithSessionTTL sets how long a primed session is reused
func WithSessionTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.sessionTTL = ttl
	}
}

// NewClient creates a new NSE quote client.
func NewClient(opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     common.NewSilentLogger(),
		timeout:    DefaultTimeout,
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the source name recorded on stored prices.
func (c *Client) Name() string {
	return models.SourcePrimary
}

// APIError represents a non-OK API response
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("NSE API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// sessionRejected reports whether the status means the cookies are missing or stale.
func (e *APIError) sessionRejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// flexFloat handles values the API sends either as numbers or as strings ("-" for none).
type flexFloat struct {
	Value *float64
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.Value = nil
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.Value = &num
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" || s == "-" || strings.EqualFold(s, "NA") {
			f.Value = nil
			return nil
		}
		if num, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
			f.Value = &num
		}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

// quoteResponse is the subset of /api/quote-equity used here.
type quoteResponse struct {
	Info struct {
		Symbol string `json:"symbol"`
		ISIN   string `json:"isin"`
	} `json:"info"`
	Metadata struct {
		LastUpdateTime string    `json:"lastUpdateTime"`
		PdSectorPe     flexFloat `json:"pdSectorPe"`
		PdSymbolPe     flexFloat `json:"pdSymbolPe"`
	} `json:"metadata"`
	IndustryInfo struct {
		Sector   string `json:"sector"`
		Industry string `json:"industry"`
	} `json:"industryInfo"`
	PriceInfo struct {
		LastPrice flexFloat `json:"lastPrice"`
	} `json:"priceInfo"`
}

// GetQuote retrieves the last traded price for an NSE symbol. The whole call,
// including any session priming, is bounded by the client timeout. It never
// retries against the API; the caller falls back to another source instead.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	if err := c.ensureSession(ctx, false); err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(symbol))
	params := url.Values{}
	params.Set("symbol", code)

	var resp quoteResponse
	err := c.get(ctx, "/api/quote-equity", params, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.sessionRejected() {
		// Stale cookies: prime once more and try the same request. This is a
		// session refresh, not a retry of a failed quote.
		if err := c.ensureSession(ctx, true); err != nil {
			return nil, err
		}
		err = c.get(ctx, "/api/quote-equity", params, &resp)
	}
	if err != nil {
		return nil, err
	}

	if resp.PriceInfo.LastPrice.Value == nil || *resp.PriceInfo.LastPrice.Value <= 0 {
		return nil, fmt.Errorf("NSE quote for %s has no last price", code)
	}

	asOf := c.now()
	if ts := strings.TrimSpace(resp.Metadata.LastUpdateTime); ts != "" {
		if parsed, err := time.ParseInLocation(lastUpdateLayout, ts, istLocation); err == nil {
			asOf = parsed
		}
	}

	quote := &models.Quote{
		Symbol: code,
		Price:  common.RoundPrice(*resp.PriceInfo.LastPrice.Value),
		AsOf:   asOf,
		Sector: models.SectorInfo{
			Sector:   resp.IndustryInfo.Sector,
			Industry: resp.IndustryInfo.Industry,
			SectorPE: resp.Metadata.PdSectorPe.Value,
			SymbolPE: resp.Metadata.PdSymbolPe.Value,
		},
	}

	c.logger.Debug().Str("symbol", code).Float64("price", quote.Price).Time("as_of", asOf).Msg("NSE quote")
	return quote, nil
}

// ensureSession primes the cookie jar by loading the site root.
func (c *Client) ensureSession(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && !c.sessionAt.IsZero() && c.now().Sub(c.sessionAt) < c.sessionTTL {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open NSE session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "session priming failed", Endpoint: "/"}
	}

	c.sessionAt = c.now()
	c.logger.Debug().Msg("NSE session primed")
	return nil
}

// get performs a GET request with the session cookies
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.baseURL+"/")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Dur("elapsed", elapsed).Msg("NSE API request failed")
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ensure Client implements PrimarySource
var _ interfaces.PrimarySource = (*Client)(nil)
