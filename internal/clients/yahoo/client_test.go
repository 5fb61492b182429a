package yahoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/pricefeed/internal/models"
)

// Timestamps are 09:15 IST on 12, 13 and 14 Oct 2026.
const chartBody = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "RELIANCE.NS", "exchangeTimezoneName": "Asia/Kolkata", "fiftyTwoWeekHigh": 3217.6, "fiftyTwoWeekLow": 2220.3},
      "timestamp": [1791776700, 1791863100, 1791949500],
      "indicators": {
        "quote": [{
          "open":   [2400.0, null, 2450.004],
          "high":   [2420.5, null, 2470.0],
          "low":    [2390.1, null, 2440.0],
          "close":  [2410.0, null, 2465.555],
          "volume": [1000000, null, 1250000]
        }],
        "adjclose": [{"adjclose": [2405.0, null, 2460.0]}]
      }
    }],
    "error": null
  }
}`

func TestGetHistory_ParsesBars(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	from := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	series, err := client.GetHistory(context.Background(), "reliance", "NSE", from, to)
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/RELIANCE.NS", gotPath)
	assert.Equal(t, "1d", gotQuery["interval"][0])
	assert.Equal(t, "1791763200", gotQuery["period1"][0])
	assert.Equal(t, "1792022400", gotQuery["period2"][0])

	require.Len(t, series.Bars, 2, "null bar is skipped")
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), series.Bars[0].Date)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), series.Bars[1].Date)
	assert.Equal(t, 2450.0, series.Bars[1].Open)
	assert.Equal(t, 2465.56, series.Bars[1].Close)
	require.NotNil(t, series.Bars[1].Volume)
	assert.Equal(t, int64(1250000), *series.Bars[1].Volume)
	require.NotNil(t, series.Bars[1].AdjClose)
	assert.Equal(t, 2460.0, *series.Bars[1].AdjClose)

	require.NotNil(t, series.Fundamentals)
	assert.Equal(t, 3217.6, *series.Fundamentals.Week52High)
	assert.Equal(t, 2220.3, *series.Fundamentals.Week52Low)
}

func TestGetHistory_EmptyResultIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart": {"result": [{"meta": {"symbol": "NEWCO.NS"}, "timestamp": [], "indicators": {"quote": [{}]}}], "error": null}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	series, err := client.GetHistory(context.Background(), "NEWCO", "NSE", time.Now().AddDate(0, 0, -3), time.Now())
	require.NoError(t, err)
	assert.Empty(t, series.Bars)
	assert.Nil(t, series.Fundamentals)
}

func TestGetHistory_ChartErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart": {"result": null, "error": {"code": "Not Found", "description": "No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.GetHistory(context.Background(), "GONE", "NSE", time.Now().AddDate(0, 0, -3), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "delisted")
}

func TestGetHistory_RateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.GetHistory(context.Background(), "TCS", "NSE", time.Now().AddDate(0, 0, -3), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestGetFundamentals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		assert.Equal(t, "TCS.BO", r.URL.Query().Get("symbols"))
		w.Write([]byte(`{"quoteResponse": {"result": [{"symbol": "TCS.BO", "trailingPE": 29.1, "marketCap": 1.4e13, "averageDailyVolume3Month": 2500000}]}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	f, err := client.GetFundamentals(context.Background(), "TCS", models.ExchangeBSE)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 29.1, *f.PETrailing)
	assert.Nil(t, f.PEForward)
	assert.Equal(t, 1.4e13, *f.MarketCap)
	assert.Equal(t, 2500000.0, *f.AvgVolume)
}

func TestGetFundamentals_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse": {"result": []}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	f, err := client.GetFundamentals(context.Background(), "NOPE", "NSE")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestTicker(t *testing.T) {
	assert.Equal(t, "INFY.NS", Ticker("infy", "nse"))
	assert.Equal(t, "INFY.BO", Ticker("INFY", "BSE"))
	assert.Equal(t, "AAPL", Ticker("AAPL", "NASDAQ"))
}
