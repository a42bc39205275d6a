package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"frontier/internal/engine"
)

func day(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

// chartJSON renders a v8 chart body with one bar per day at 14:30 UTC.
func chartJSON(symbol string, closes ...string) string {
	var ts []string
	for i := range closes {
		ts = append(ts, fmt.Sprint(day(i).Add(14*time.Hour+30*time.Minute).Unix()))
	}
	return fmt.Sprintf(`{"chart":{"result":[{"meta":{"symbol":%q},"timestamp":[%s],
		"indicators":{"quote":[{"close":[%s]}],"adjclose":[{"adjclose":[%s]}]}}],"error":null}}`,
		symbol, strings.Join(ts, ","), strings.Join(closes, ","), strings.Join(closes, ","))
}

func TestYahoo_FetchPriceMatrix(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("interval") != "1d" {
			t.Errorf("interval = %q, want 1d", r.URL.Query().Get("interval"))
		}
		switch r.URL.Path {
		case "/v8/finance/chart/AAA":
			fmt.Fprint(w, chartJSON("AAA", "100", "110", "99"))
		case "/v8/finance/chart/BBB":
			fmt.Fprint(w, chartJSON("BBB", "50", "null", "55"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewYahooClient(srv.URL)
	p, err := c.FetchPriceMatrix(context.Background(), []string{"AAA", "BBB"}, day(0), day(2))
	if err != nil {
		t.Fatalf("FetchPriceMatrix: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if p.Rows() != 3 || p.Cols() != 2 {
		t.Fatalf("matrix is %dx%d, want 3x2", p.Rows(), p.Cols())
	}
	if !p.Dates[0].Equal(day(0)) {
		t.Errorf("Dates[0] = %v, want %v", p.Dates[0], day(0))
	}
	if p.Prices[2][0] != 99 || p.Prices[0][1] != 50 {
		t.Errorf("prices = %v", p.Prices)
	}
	if !math.IsNaN(p.Prices[1][1]) {
		t.Errorf("null close = %v, want NaN", p.Prices[1][1])
	}
}

func TestYahoo_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewYahooClient(srv.URL).FetchPriceMatrix(context.Background(), []string{"NOPE"}, day(0), day(5))
	if !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
}

func TestYahoo_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Bad Request","description":"Invalid range"}}}`)
	}))
	defer srv.Close()

	_, err := NewYahooClient(srv.URL).History(context.Background(), "AAA", day(0), day(5))
	if err == nil || !strings.Contains(err.Error(), "Invalid range") {
		t.Errorf("err = %v, want the upstream description", err)
	}
}

func TestYahoo_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewYahooClient(srv.URL).History(context.Background(), "AAA", day(0), day(5))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want a 503 error", err)
	}
}

func TestYahoo_NoSymbols(t *testing.T) {
	_, err := NewYahooClient("http://127.0.0.1:0").FetchPriceMatrix(context.Background(), nil, day(0), day(1))
	if !errors.Is(err, engine.ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestParseChart_DropsDuplicateDay(t *testing.T) {
	base := day(0).Add(14 * time.Hour).Unix()
	body := fmt.Sprintf(`{"chart":{"result":[{"timestamp":[%d,%d],
		"indicators":{"quote":[{"close":[1,2]}]}}],"error":null}}`, base, base+3600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	obs, err := NewYahooClient(srv.URL).History(context.Background(), "AAA", day(0), day(1))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(obs) != 1 || obs[0].AdjustedClose != 1 {
		t.Errorf("observations = %+v, want the first bar only", obs)
	}
}

const sampleCSV = `stock_date,stock_symbol,adjusted_close,daily_return
2024-01-01,AAA,100,
2024-01-02,AAA,110,0.1
2024-01-03,AAA,99,-0.1
2024-01-01,BBB,50,
2024-01-02,BBB,,
2024-01-03 00:00:00-05:00,BBB,55,0.1
2024-01-03,CCC,7,
`

func TestReadObservations(t *testing.T) {
	obs, err := ReadObservations(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ReadObservations: %v", err)
	}
	if len(obs) != 7 {
		t.Fatalf("len = %d, want 7", len(obs))
	}
	if obs[1].Symbol != "AAA" || obs[1].AdjustedClose != 110 || !obs[1].Date.Equal(day(1)) {
		t.Errorf("obs[1] = %+v", obs[1])
	}
	if !math.IsNaN(obs[4].AdjustedClose) {
		t.Errorf("empty price = %v, want NaN", obs[4].AdjustedClose)
	}
	if !obs[5].Date.Equal(day(2)) {
		t.Errorf("offset date = %v, want %v", obs[5].Date, day(2))
	}
}

func TestReadObservations_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad price": "stock_symbol,stock_date,adjusted_close\nAAA,2024-01-01,abc\n",
		"bad date":  "stock_symbol,stock_date,adjusted_close\nAAA,01/02/2024,1\n",
		"no symbol": "stock_symbol,stock_date,adjusted_close\n,2024-01-01,1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadObservations(strings.NewReader(body)); !errors.Is(err, engine.ErrInvalidPrices) {
				t.Errorf("err = %v, want ErrInvalidPrices", err)
			}
		})
	}
}

func TestCSVProvider_FetchPriceMatrix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewCSVProvider(path).FetchPriceMatrix(context.Background(), []string{"AAA", "BBB"}, day(1), day(2))
	if err != nil {
		t.Fatalf("FetchPriceMatrix: %v", err)
	}
	if p.Rows() != 2 || p.Cols() != 2 {
		t.Fatalf("matrix is %dx%d, want 2x2", p.Rows(), p.Cols())
	}
	if p.Prices[1][1] != 55 {
		t.Errorf("BBB day 2 = %v, want 55", p.Prices[1][1])
	}

	all, err := NewCSVProvider(path).FetchPriceMatrix(context.Background(), nil, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("FetchPriceMatrix(all): %v", err)
	}
	if strings.Join(all.Symbols, ",") != "AAA,BBB,CCC" || all.Rows() != 3 {
		t.Errorf("all symbols = %v rows = %d", all.Symbols, all.Rows())
	}
}

func TestCSVProvider_MissingFile(t *testing.T) {
	_, err := NewCSVProvider(filepath.Join(t.TempDir(), "nope.csv")).FetchPriceMatrix(context.Background(), nil, time.Time{}, time.Time{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestWriteEnrichedObservations_RoundTrip(t *testing.T) {
	in := []engine.PriceObservation{
		{Symbol: "AAA", Date: day(0), AdjustedClose: 100},
		{Symbol: "AAA", Date: day(1), AdjustedClose: 110},
		{Symbol: "AAA", Date: day(2), AdjustedClose: 99},
		{Symbol: "BBB", Date: day(0), AdjustedClose: 100.25},
		{Symbol: "BBB", Date: day(1), AdjustedClose: math.NaN()},
	}
	rows := engine.EnrichObservations(in, 0.02)
	var buf bytes.Buffer
	if err := WriteEnrichedObservations(&buf, rows); err != nil {
		t.Fatalf("WriteEnrichedObservations: %v", err)
	}
	text := buf.String()
	header := strings.SplitN(text, "\n", 2)[0]
	if header != "stock_symbol,stock_date,adjusted_close,daily_return,expected_return,volatility,sharpe_ratio" {
		t.Errorf("header = %q", header)
	}
	if !strings.Contains(text, "AAA,2024-01-02,110,0.10000000000000009,") {
		t.Errorf("missing AAA day 2 daily return:\n%s", text)
	}

	out, err := ReadObservations(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ReadObservations: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("round trip len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		a, b := in[i], out[i]
		if a.Symbol != b.Symbol || !a.Date.Equal(b.Date) {
			t.Errorf("row %d = %+v, want %+v", i, b, a)
		}
		if math.IsNaN(a.AdjustedClose) != math.IsNaN(b.AdjustedClose) ||
			(!math.IsNaN(a.AdjustedClose) && a.AdjustedClose != b.AdjustedClose) {
			t.Errorf("row %d price = %v, want %v", i, b.AdjustedClose, a.AdjustedClose)
		}
	}
}

func TestCSVProvider_Observations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	obs, err := NewCSVProvider(path).Observations(context.Background(), []string{"BBB"}, day(1), time.Time{})
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(obs) != 2 || obs[0].Symbol != "BBB" || !obs[1].Date.Equal(day(2)) {
		t.Errorf("observations = %+v", obs)
	}
}
