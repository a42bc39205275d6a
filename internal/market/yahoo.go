package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"frontier/internal/engine"
	"frontier/internal/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultYahooURL is the public Yahoo Finance API host.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// ErrNoData is returned when the upstream has no prices for a symbol.
var ErrNoData = errors.New("no price data")

type yahooChartResp struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error json.RawMessage `json:"error"`
	} `json:"chart"`
}

// YahooClient downloads daily adjusted closes from the Yahoo Finance chart API.
// Concurrent requests for the same symbol and range share one fetch.
type YahooClient struct {
	http    *http.Client
	baseURL string
	limit   int
	group   singleflight.Group
}

// NewYahooClient creates a client against baseURL (DefaultYahooURL if empty).
func NewYahooClient(baseURL string) *YahooClient {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	return &YahooClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   8,
	}
}

// FetchPriceMatrix implements engine.PriceProvider. Symbols are fetched
// concurrently; the first failure cancels the rest.
func (c *YahooClient) FetchPriceMatrix(ctx context.Context, symbols []string, start, end time.Time) (*engine.PriceMatrix, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", engine.ErrInsufficientData)
	}
	var (
		mu  sync.Mutex
		obs []engine.PriceObservation
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, sym := range symbols {
		g.Go(func() error {
			got, err := c.History(ctx, sym, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			obs = append(obs, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("YAHOO", fmt.Sprintf("Fetched %d observations for %d symbols", len(obs), len(symbols)))
	return engine.PivotPrices(obs, symbols...)
}

// History returns daily adjusted closes for symbol within [start, end].
func (c *YahooClient) History(ctx context.Context, symbol string, start, end time.Time) ([]engine.PriceObservation, error) {
	key := fmt.Sprintf("%s:%d:%d", symbol, start.Unix(), end.Unix())
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetchHistory(ctx, symbol, start, end)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("YAHOO", fmt.Sprintf("Shared in-flight fetch for %s", symbol))
	}
	return v.([]engine.PriceObservation), nil
}

func (c *YahooClient) fetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]engine.PriceObservation, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprint(start.UTC().Unix()))
	// period2 is exclusive upstream; include the whole end day.
	q.Set("period2", fmt.Sprint(end.UTC().Add(24*time.Hour).Unix()))
	q.Set("interval", "1d")
	q.Set("events", "div,splits")
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("yahoo %s: %w", symbol, err)
	}
	req.Header.Set("User-Agent", "curl/8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("yahoo %s: %w", symbol, ErrNoData)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("yahoo %s: status %d: %s", symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var yc yahooChartResp
	if err := json.NewDecoder(resp.Body).Decode(&yc); err != nil {
		return nil, fmt.Errorf("yahoo %s: decode: %w", symbol, err)
	}
	return parseChart(symbol, &yc)
}

func parseChart(symbol string, yc *yahooChartResp) ([]engine.PriceObservation, error) {
	if raw := yc.Chart.Error; len(raw) > 0 && string(raw) != "null" {
		return nil, fmt.Errorf("yahoo %s: %s", symbol, string(raw))
	}
	if len(yc.Chart.Result) == 0 {
		return nil, fmt.Errorf("yahoo %s: %w", symbol, ErrNoData)
	}
	res := yc.Chart.Result[0]
	// Adjusted closes are preferred; the plain close is the fallback for
	// instruments without corporate actions data.
	var prices []*float64
	switch {
	case len(res.Indicators.AdjClose) > 0 && len(res.Indicators.AdjClose[0].AdjClose) > 0:
		prices = res.Indicators.AdjClose[0].AdjClose
	case len(res.Indicators.Quote) > 0:
		prices = res.Indicators.Quote[0].Close
	}
	if len(res.Timestamp) == 0 || len(prices) == 0 {
		return nil, fmt.Errorf("yahoo %s: %w", symbol, ErrNoData)
	}

	out := make([]engine.PriceObservation, 0, len(res.Timestamp))
	seen := make(map[time.Time]bool, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		if seen[day] {
			// Intraday bar for the current session duplicates the last daily bar.
			continue
		}
		seen[day] = true
		price := math.NaN()
		if i < len(prices) && prices[i] != nil {
			price = *prices[i]
		}
		out = append(out, engine.PriceObservation{Symbol: symbol, Date: day, AdjustedClose: price})
	}
	return out, nil
}
