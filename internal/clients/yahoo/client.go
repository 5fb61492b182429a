// Package yahoo provides a range-query client for the Yahoo Finance chart and quote APIs
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

const (
	DefaultBaseURL   = "https://query1.finance.yahoo.com"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 2 // requests per second
)

// Client implements interfaces.SecondarySource
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
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

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Yahoo Finance client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the source name recorded on stored prices.
func (c *Client) Name() string {
	return models.SourceSecondary
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Yahoo API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Ticker maps an exchange symbol to Yahoo's suffixed form: RELIANCE on NSE is RELIANCE.NS.
func Ticker(symbol, exchange string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	switch strings.ToUpper(exchange) {
	case models.ExchangeNSE:
		return symbol + ".NS"
	case models.ExchangeBSE:
		return symbol + ".BO"
	default:
		return symbol
	}
}

// get performs a rate-limited GET request
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; pricefeed/1.0)")

	c.logger.Debug().Str("url", c.baseURL+path).Msg("Yahoo API request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Dur("elapsed", elapsed).Msg("Yahoo API request failed")
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
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

// chartResponse is the v8 chart payload. Quote arrays are parallel to
// Timestamp and may hold nulls for days without trades.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol              string   `json:"symbol"`
				ExchangeTimezone    string   `json:"exchangeTimezoneName"`
				FiftyTwoWeekHigh    *float64 `json:"fiftyTwoWeekHigh"`
				FiftyTwoWeekLow     *float64 `json:"fiftyTwoWeekLow"`
				RegularMarketVolume *float64 `json:"regularMarketVolume"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// GetHistory retrieves daily bars for [from, to] inclusive, ascending by date.
func (c *Client) GetHistory(ctx context.Context, symbol, exchange string, from, to time.Time) (*models.PriceSeries, error) {
	ticker := Ticker(symbol, exchange)

	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("events", "history")
	params.Set("includeAdjustedClose", "true")
	params.Set("period1", fmt.Sprintf("%d", models.TradingDate(from).Unix()))
	// period2 is exclusive upstream
	params.Set("period2", fmt.Sprintf("%d", models.TradingDate(to).AddDate(0, 0, 1).Unix()))

	path := "/v8/finance/chart/" + url.PathEscape(ticker)

	var resp chartResponse
	if err := c.get(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: resp.Chart.Error.Code + ": " + resp.Chart.Error.Description, Endpoint: path}
	}

	series := &models.PriceSeries{Symbol: strings.ToUpper(symbol), Exchange: strings.ToUpper(exchange)}
	if len(resp.Chart.Result) == 0 {
		return series, nil
	}

	r := resp.Chart.Result[0]
	loc := time.UTC
	if r.Meta.ExchangeTimezone != "" {
		if l, err := time.LoadLocation(r.Meta.ExchangeTimezone); err == nil {
			loc = l
		}
	}

	if len(r.Indicators.Quote) > 0 {
		q := r.Indicators.Quote[0]
		var adj []*float64
		if len(r.Indicators.AdjClose) > 0 {
			adj = r.Indicators.AdjClose[0].AdjClose
		}

		for i, ts := range r.Timestamp {
			open, high, low, cls := at(q.Open, i), at(q.High, i), at(q.Low, i), at(q.Close, i)
			if open == nil || high == nil || low == nil || cls == nil {
				continue
			}
			bar := models.PriceBar{
				Date:     models.TradingDate(time.Unix(ts, 0).In(loc)),
				Open:     common.RoundPrice(*open),
				High:     common.RoundPrice(*high),
				Low:      common.RoundPrice(*low),
				Close:    common.RoundPrice(*cls),
				AdjClose: common.RoundPricePtr(at(adj, i)),
			}
			if i < len(q.Volume) && q.Volume[i] != nil {
				v := *q.Volume[i]
				bar.Volume = &v
			}
			series.Bars = append(series.Bars, bar)
		}
	}

	sort.SliceStable(series.Bars, func(i, j int) bool { return series.Bars[i].Date.Before(series.Bars[j].Date) })
	series.Bars = dedupeByDate(series.Bars)

	if r.Meta.FiftyTwoWeekHigh != nil || r.Meta.FiftyTwoWeekLow != nil {
		series.Fundamentals = &models.Fundamentals{
			Week52High: common.RoundPricePtr(r.Meta.FiftyTwoWeekHigh),
			Week52Low:  common.RoundPricePtr(r.Meta.FiftyTwoWeekLow),
		}
	}

	c.logger.Debug().
		Str("ticker", ticker).
		Int("bars", len(series.Bars)).
		Time("from", from).
		Time("to", to).
		Msg("Yahoo history")

	return series, nil
}

// quoteResponse is the v7 quote payload.
type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol                   string   `json:"symbol"`
			TrailingPE               *float64 `json:"trailingPE"`
			ForwardPE                *float64 `json:"forwardPE"`
			MarketCap                *float64 `json:"marketCap"`
			FiftyTwoWeekHigh         *float64 `json:"fiftyTwoWeekHigh"`
			FiftyTwoWeekLow          *float64 `json:"fiftyTwoWeekLow"`
			AverageDailyVolume3Month *float64 `json:"averageDailyVolume3Month"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

// GetFundamentals retrieves the current valuation snapshot. Returns nil
// fundamentals without error when the symbol is unknown upstream.
func (c *Client) GetFundamentals(ctx context.Context, symbol, exchange string) (*models.Fundamentals, error) {
	params := url.Values{}
	params.Set("symbols", Ticker(symbol, exchange))

	var resp quoteResponse
	if err := c.get(ctx, "/v7/finance/quote", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.QuoteResponse.Result) == 0 {
		return nil, nil
	}

	q := resp.QuoteResponse.Result[0]
	f := &models.Fundamentals{
		PETrailing: q.TrailingPE,
		PEForward:  q.ForwardPE,
		MarketCap:  q.MarketCap,
		Week52High: common.RoundPricePtr(q.FiftyTwoWeekHigh),
		Week52Low:  common.RoundPricePtr(q.FiftyTwoWeekLow),
		AvgVolume:  q.AverageDailyVolume3Month,
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return f, nil
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

// dedupeByDate keeps the last bar per date. The chart API can emit a live
// intraday bar alongside the daily bar for the current session.
func dedupeByDate(bars []models.PriceBar) []models.PriceBar {
	if len(bars) < 2 {
		return bars
	}
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Date.Equal(b.Date) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Ensure Client implements SecondarySource
var _ interfaces.SecondarySource = (*Client)(nil)
