package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"frontier/internal/config"
	"frontier/internal/engine"
	"frontier/internal/logger"
	"frontier/internal/report"
)

// maxRequestBody caps the size of an optimize request.
const maxRequestBody = 1 << 20

// Server is the HTTP API server that connects a price provider to the
// optimization engine. Every request runs its own analysis; nothing is kept
// between requests.
type Server struct {
	cfg      *config.Config
	provider engine.PriceProvider
	version  string
}

// NewServer creates a Server.
func NewServer(cfg *config.Config, provider engine.PriceProvider, version string) *Server {
	return &Server{cfg: cfg, provider: provider, version: version}
}

// chartRenderers are the PNG renderings selectable with ?chart= on /api/optimize.
var chartRenderers = map[string]func(*engine.Analysis) ([]byte, error){
	"frontier":   report.RenderFrontier,
	"allocation": report.RenderAllocation,
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"version":  s.version,
		"provider": s.cfg.Provider,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg)
}

// optimizeRequest overrides the server defaults for one run. Nil fields keep
// the configured value.
type optimizeRequest struct {
	Symbols       []string `json:"symbols"`
	Start         string   `json:"start"`
	End           string   `json:"end"`
	RiskFreeRate  *float64 `json:"risk_free_rate"`
	Samples       *int     `json:"samples"`
	Seed          *uint64  `json:"seed"`
	LowerBound    *float64 `json:"lower_bound"`
	UpperBound    *float64 `json:"upper_bound"`
	MaxIterations *int     `json:"max_iterations"`
	// Frontier set to false leaves the sampled cloud out of the response.
	Frontier *bool `json:"frontier"`
}

func (req optimizeRequest) apply(base *config.Config) *config.Config {
	cfg := *base
	if len(req.Symbols) > 0 {
		cfg.Symbols = config.ParseSymbols(strings.Join(req.Symbols, ","))
	}
	if req.Start != "" {
		cfg.Start = req.Start
	}
	if req.End != "" {
		cfg.End = req.End
	}
	if req.RiskFreeRate != nil {
		cfg.RiskFreeRate = *req.RiskFreeRate
	}
	if req.Samples != nil {
		cfg.Samples = *req.Samples
	}
	if req.Seed != nil {
		cfg.Seed = req.Seed
	}
	if req.LowerBound != nil {
		cfg.LowerBound = *req.LowerBound
	}
	if req.UpperBound != nil {
		cfg.UpperBound = *req.UpperBound
	}
	if req.MaxIterations != nil {
		cfg.MaxIterations = *req.MaxIterations
	}
	return &cfg
}

// handleOptimize runs one analysis. With ?chart=frontier or ?chart=allocation
// the response is the PNG rendering of that analysis instead of JSON.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	chartName := r.URL.Query().Get("chart")
	render, ok := chartRenderers[chartName]
	if chartName != "" && !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown chart %q (frontier | allocation)", chartName))
		return
	}

	var req optimizeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	cfg := req.apply(s.cfg)
	if len(cfg.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols are required")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := cfg.Range(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	began := time.Now()
	prices, err := s.provider.FetchPriceMatrix(ctx, cfg.Symbols, start, end)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		logger.Warn("API", fmt.Sprintf("Fetch prices: %v", err))
		writeError(w, code, "fetch prices: "+err.Error())
		return
	}
	returns, err := engine.ComputeReturns(prices)
	if err != nil {
		writeError(w, statusFor(err), "compute returns: "+err.Error())
		return
	}
	analysis, err := engine.AnalyzeReturns(ctx, returns, cfg.AnalysisOptions(returns.Cols()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	logger.Success("API", fmt.Sprintf("Run %s: %d assets, %d observations, sharpe %.3f in %v",
		analysis.RunID, len(analysis.Symbols), analysis.Observations,
		analysis.Optimal.Performance.SharpeRatio, time.Since(began).Round(time.Millisecond)))

	if render != nil {
		png, err := render(analysis)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
		return
	}
	if req.Frontier != nil && !*req.Frontier {
		trimmed := *analysis
		trimmed.Frontier = nil
		writeJSON(w, &trimmed)
		return
	}
	writeJSON(w, analysis)
}

// writeEngineError reports a failed run. A solver that ran out of iterations
// or time still returns its best feasible point.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ce *engine.ConvergenceError
	if errors.As(err, &ce) {
		writeJSONStatus(w, http.StatusGatewayTimeout, map[string]interface{}{
			"error": err.Error(),
			"best":  ce.Best,
		})
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrDidNotConverge),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrInsufficientData),
		errors.Is(err, engine.ErrInvalidPrices),
		errors.Is(err, engine.ErrDimensionMismatch),
		errors.Is(err, engine.ErrInvalidSampleCount),
		errors.Is(err, engine.ErrInfeasible),
		errors.Is(err, engine.ErrZeroVolatility):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
