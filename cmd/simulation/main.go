package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/server"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numWorkers = 4
	simKey     = "simulation"
	simSecret  = "simulation-secret"
)

var startPrices = map[string]float64{
	"BTC": 50000,
	"ETH": 3000,
	"SOL": 150,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the engine API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"snapshot": {name: "Push Snapshot"},
			"submit":   {name: "Submit Intent"},
			"position": {name: "Position State"},
			"history":  {name: "Trade History"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// do sends one request and decodes the envelope, recording its latency
// under route.
func (sc *simulationClient) do(route, method, path string, body any) (int, *envelope, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[route].record(time.Since(start), failed)
	}()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	failed = resp.StatusCode >= 500
	return resp.StatusCode, &env, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	status, env, err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: simKey, APISecret: simSecret})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", status)
	}
	var tok auth.TokenResponse
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (sc *simulationClient) pushSnapshot(snap market.Snapshot) error {
	status, _, err := sc.do("snapshot", http.MethodPost, "/api/v1/market/snapshots", snap)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("snapshot rejected with status %d", status)
	}
	return nil
}

// submitIntent returns the HTTP status and the rejection reason, if any.
func (sc *simulationClient) submitIntent(it types.OrderIntent) (int, string, error) {
	status, env, err := sc.do("submit", http.MethodPost, "/api/v1/intents", it)
	if err != nil {
		return status, "", err
	}
	if env.Error != nil {
		reason := env.Error.Reason
		if reason == "" {
			reason = env.Error.Code
		}
		return status, reason, nil
	}
	return status, "", nil
}

func (sc *simulationClient) history() ([]types.ClosedTrade, error) {
	status, env, err := sc.do("history", http.MethodGet, "/api/v1/trades/history?limit=0", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("history failed with status %d", status)
	}
	var trades []types.ClosedTrade
	err = json.Unmarshal(env.Data, &trades)
	return trades, err
}

func (sc *simulationClient) position(symbol string) (int, error) {
	status, _, err := sc.do("position", http.MethodGet, "/api/v1/positions/"+symbol, nil)
	return status, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// walker is a random-walk price series with the indicators the engine
// expects from its indicator collaborator.
type walker struct {
	symbol  string
	prices  []float64
	fastEMA float64
	slowEMA float64
	atr     float64
	drift   float64
}

func newWalker(symbol string, price float64) *walker {
	return &walker{symbol: symbol, prices: []float64{price}, fastEMA: price, slowEMA: price, atr: price * 0.005}
}

func (w *walker) step() market.Snapshot {
	last := w.prices[len(w.prices)-1]
	if rand.Float64() < 0.05 {
		w.drift = (rand.Float64() - 0.5) * 0.002
	}
	next := last * (1 + w.drift + rand.NormFloat64()*0.003)
	w.prices = append(w.prices, next)
	if len(w.prices) > 400 {
		w.prices = w.prices[len(w.prices)-400:]
	}

	w.fastEMA += (next - w.fastEMA) * 2 / 13
	w.slowEMA += (next - w.slowEMA) * 2 / 51
	w.atr += (math.Abs(next-last) - w.atr) / 14

	frame := func(tf market.Timeframe, lookback int) market.TimeframeSnapshot {
		idx := len(w.prices) - 1 - lookback
		if idx < 0 {
			idx = 0
		}
		ret := (next - w.prices[idx]) / w.prices[idx] * 100
		trend := market.TrendNeutral
		switch {
		case ret > 0.1:
			trend = market.TrendUp
		case ret < -0.1:
			trend = market.TrendDown
		}
		return market.TimeframeSnapshot{Timeframe: tf, Trend: trend, ReturnPct: ret}
	}

	return market.Snapshot{
		Symbol: w.symbol,
		Price:  next,
		ATR:    w.atr,
		FastMA: w.fastEMA,
		SlowMA: w.slowEMA,
		Timeframes: []market.TimeframeSnapshot{
			frame(market.TF15m, 5),
			frame(market.TF1h, 20),
			frame(market.TF4h, 80),
			frame(market.TF1d, 300),
		},
	}
}

type outcomes struct {
	mu       sync.Mutex
	accepted int
	dup      int
	rejected map[string]int
	prices   map[string]float64
}

func (o *outcomes) add(status int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case status == http.StatusCreated:
		o.accepted++
	case status == http.StatusConflict:
		o.dup++
	default:
		o.rejected[reason]++
	}
}

func (o *outcomes) setPrice(symbol string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

func (o *outcomes) price(symbol string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prices[symbol]
}

// main runs an in-process engine against the paper venue and drives it
// through the HTTP API: a random-walk indicator feed plus concurrent
// intent submitters that also retry intent IDs to exercise idempotency.
func main() {
	duration := flag.Duration("duration", time.Minute, "how long to run the simulation")
	port := flag.String("port", "8089", "port for the in-process server")
	flag.Parse()

	dir, err := os.MkdirTemp("", "klear-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Server.Port = *port
	cfg.Server.JWTSecret = uuid.New().String()
	cfg.Server.Clients = []auth.Client{{
		APIKey:      simKey,
		APISecret:   simSecret,
		Permissions: []string{auth.PermSubmit, auth.PermRead, auth.PermClose},
	}}
	cfg.Server.RateLimits.Intents = 0
	cfg.Server.RateLimits.Queries = 0
	cfg.Database.Path = filepath.Join(dir, "sim.db")
	cfg.Monitor.Interval = time.Second
	cfg.Monitor.ReconcileEvery = 5
	cfg.Exchange.Paper.MaxLatencyMS = 20
	cfg.Exchange.Paper.SuccessRate = 0.97
	cfg.Exchange.Paper.Prices = startPrices
	cfg.Symbols = nil
	for sym := range startPrices {
		cfg.Symbols = append(cfg.Symbols, sym)
	}
	sort.Strings(cfg.Symbols)
	cfg.Engine.Symbols = cfg.Symbols
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid simulation config")
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := srv.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(time.Second)

	simClient, err := newSimulationClient("http://localhost:" + *port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	res := &outcomes{rejected: make(map[string]int), prices: make(map[string]float64)}
	deadline := time.Now().Add(*duration)
	log.Info().Dur("duration", *duration).Strs("symbols", cfg.Symbols).Msg("Starting simulation")

	var wg sync.WaitGroup

	// Indicator feed
	wg.Add(1)
	go func() {
		defer wg.Done()
		walkers := make([]*walker, 0, len(cfg.Symbols))
		for _, sym := range cfg.Symbols {
			walkers = append(walkers, newWalker(sym, startPrices[sym]))
		}
		for time.Now().Before(deadline) {
			for _, w := range walkers {
				snap := w.step()
				res.setPrice(snap.Symbol, snap.Price)
				if err := simClient.pushSnapshot(snap); err != nil {
					log.Error().Err(err).Str("symbol", snap.Symbol).Msg("Failed to push snapshot")
				}
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitIntents(workerID, deadline, simClient, res, cfg.Symbols)
		}(i)
	}
	wg.Wait()

	// Let the monitor settle the last fills and exits
	time.Sleep(2 * time.Second)

	open := 0
	for _, sym := range cfg.Symbols {
		if status, err := simClient.position(sym); err == nil && status == http.StatusOK {
			open++
		}
	}
	trades, err := simClient.history()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch history")
	}

	cancel()
	<-serverDone

	printSummary(res, trades, open)
	simClient.printPerformanceStats()
}

// submitIntents sends random intents until deadline. Every few intents the
// previous intent_id is sent again, which must come back as a duplicate.
func submitIntents(workerID int, deadline time.Time, sc *simulationClient, res *outcomes, symbols []string) {
	var last types.OrderIntent
	for time.Now().Before(deadline) {
		if last.IntentID != "" && rand.Intn(5) == 0 {
			status, reason, err := sc.submitIntent(last)
			if err == nil {
				res.add(status, reason)
			}
			continue
		}

		sym := symbols[rand.Intn(len(symbols))]
		side := types.SideLong
		if rand.Intn(2) == 0 {
			side = types.SideShort
		}
		it := types.OrderIntent{
			IntentID:            uuid.New().String(),
			Symbol:              sym,
			Side:                side,
			Leverage:            rand.Intn(10) + 1,
			SizeFraction:        0.02 + rand.Float64()*0.1,
			EntryType:           types.EntryMarket,
			TPPct:               0.5 + rand.Float64()*2,
			SLPct:               0.3 + rand.Float64()*1.2,
			TimeInTradeLimitSec: int64(rand.Intn(60) + 20),
			CooldownSec:         int64(rand.Intn(10) + 5),
		}
		if rand.Intn(3) == 0 {
			if price := res.price(sym); price > 0 {
				offset := (0.001 + rand.Float64()*0.004) * side.Sign()
				it.EntryType = types.EntryLimit
				it.EntryPrice = price * (1 - offset)
				it.EntryTTLSec = int64(rand.Intn(60) + 60)
			}
		}

		status, reason, err := sc.submitIntent(it)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Str("symbol", sym).Msg("Failed to submit intent")
			continue
		}
		res.add(status, reason)
		last = it
		log.Info().
			Int("worker_id", workerID).
			Str("intent_id", it.IntentID).
			Str("symbol", it.Symbol).
			Str("side", string(it.Side)).
			Str("entry_type", string(it.EntryType)).
			Int("status", status).
			Str("reason", reason).
			Msg("Intent submitted")

		time.Sleep(time.Duration(rand.Intn(700)+100) * time.Millisecond)
	}
}

func printSummary(res *outcomes, trades []types.ClosedTrade, open int) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Intents
-------
Accepted:    %d
Duplicates:  %d
Open now:    %d symbols with a live position

Rejections
----------
`, res.accepted, res.dup, open)
	printBars(res.rejected)

	byReason := make(map[string]int)
	var pnl float64
	for _, t := range trades {
		byReason[t.Reason]++
		pnl += t.PnLPct
	}
	fmt.Println("\nCloses")
	fmt.Println("------")
	printBars(byReason)
	if len(trades) > 0 {
		fmt.Printf("\nAverage leveraged PnL: %.2f%% over %d trades\n", pnl/float64(len(trades)), len(trades))
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
}

// printBars prints counts with a simple ASCII bar chart
func printBars(counts map[string]int) {
	maxCount := 0
	keys := make([]string, 0, len(counts))
	for k, n := range counts {
		keys = append(keys, k)
		if n > maxCount {
			maxCount = n
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		bar := strings.Repeat("#", int(float64(counts[k])/float64(maxCount)*20))
		fmt.Printf("%-28s: %s (%d)\n", k, bar, counts[k])
	}
}
