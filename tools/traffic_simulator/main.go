package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

var (
	userAgents = []string{
		// Mobile
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",

		// Desktop
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
)

const statsInterval = 5 * time.Second

// options controls the shape of the generated traffic.
type options struct {
	server      string
	exchanges   []string
	users       int
	sizes       [][2]int
	domains     []string
	keyValues   map[string]string
	blockedCats []string
	userIDRate  float64
}

// counters aggregates response outcomes across workers.
type counters struct {
	sent       atomic.Uint64
	candidates atomic.Uint64
	noBid      atomic.Uint64
	rejected   atomic.Uint64
	errors     atomic.Uint64
	admitted   atomic.Uint64
}

func main() {
	var (
		server      string
		exchangeCSV string
		sizeCSV     string
		domainCSV   string
		keyValues   string
		blockedCats string
		users       int
		totalReq    int
		conc        int
		duration    time.Duration
		rps         float64
		burst       int
		userIDRate  float64
		surgeEvery  time.Duration
		surgeFor    time.Duration
		surgeMult   float64
		stats       bool
		debug       bool
		label       string
	)
	flag.StringVar(&server, "server", "http://localhost:8787", "router base URL")
	flag.StringVar(&exchangeCSV, "exchanges", "demo", "comma-separated exchange names to send traffic to")
	flag.StringVar(&sizeCSV, "sizes", "300x250,728x90,320x50", "comma-separated banner sizes")
	flag.StringVar(&domainCSV, "domains", "news.example.com,sports.example.com", "comma-separated site domains")
	flag.StringVar(&keyValues, "key-values", "", "comma-separated key=value pairs (e.g., category=sports,section=football)")
	flag.StringVar(&blockedCats, "bcat", "", "comma-separated blocked IAB categories")
	flag.IntVar(&users, "users", 100, "number of unique users")
	flag.IntVar(&totalReq, "requests", 1000, "total requests to send (0 for unlimited)")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rps, "rate", 0, "requests per second (0 for unlimited)")
	flag.IntVar(&burst, "burst", 1, "rate limiter burst")
	flag.Float64Var(&userIDRate, "user-id-rate", 0.8, "share of requests carrying a user id")
	flag.DurationVar(&surgeEvery, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeFor, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMult, "surge-multiplier", 2.0, "rate multiplier during surge windows")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	logger, err := observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sizes, err := parseSizes(sizeCSV)
	if err != nil {
		logger.Fatal("invalid sizes", zap.Error(err))
	}
	opts := options{
		server:      strings.TrimRight(server, "/"),
		exchanges:   splitCSV(exchangeCSV),
		users:       users,
		sizes:       sizes,
		domains:     splitCSV(domainCSV),
		keyValues:   parseKeyValues(keyValues),
		blockedCats: splitCSV(blockedCats),
		userIDRate:  userIDRate,
	}
	if len(opts.exchanges) == 0 {
		logger.Fatal("at least one exchange is required")
	}
	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   conc,
			MaxConnsPerHost:       conc,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	ctx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Inf, burst)
	if rps > 0 {
		limiter.SetLimit(rate.Limit(rps))
	}

	var c counters
	done := make(chan struct{})
	var bg sync.WaitGroup
	if stats {
		bg.Add(1)
		go func() {
			defer bg.Done()
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats(logger, label, &c)
				case <-done:
					return
				}
			}
		}()
	}
	if rps > 0 && surgeEvery > 0 && surgeFor > 0 && surgeMult > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			runSurges(ctx, done, limiter, rps, surgeEvery, surgeFor, surgeMult)
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)

	for i := 0; totalReq <= 0 || i < totalReq; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		rngMu.Lock()
		exch := opts.exchanges[rng.Intn(len(opts.exchanges))]
		req := buildRequest(rng, opts)
		rngMu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.sent.Add(1)
			status, n, err := send(ctx, client, opts.server, exch, req)
			if err != nil {
				c.errors.Add(1)
				if !errors.Is(err, context.DeadlineExceeded) {
					logger.Error("bid request", zap.Error(err), zap.String("exchange", exch))
				}
				return
			}
			c.record(status, n)
			logger.Debug("bid request",
				zap.String("request_id", req.ID),
				zap.String("exchange", exch),
				zap.Int("status", status),
				zap.Int("candidates", n))
		}()
	}
	wg.Wait()
	close(done)
	bg.Wait()
	printStats(logger, label, &c)
}

// record classifies one ingress response.
func (c *counters) record(status, candidates int) {
	switch status {
	case http.StatusOK:
		c.candidates.Add(1)
		c.admitted.Add(uint64(candidates))
	case http.StatusNoContent:
		c.noBid.Add(1)
	case http.StatusServiceUnavailable:
		c.rejected.Add(1)
	default:
		c.errors.Add(1)
	}
}

// runSurges multiplies the limiter rate during periodic surge windows.
func runSurges(ctx context.Context, done <-chan struct{}, limiter *rate.Limiter, base float64, every, length time.Duration, mult float64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			limiter.SetLimit(rate.Limit(base * mult))
			select {
			case <-time.After(length):
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			limiter.SetLimit(rate.Limit(base))
		}
	}
}

// buildRequest generates one synthetic banner bid request.
func buildRequest(rng *rand.Rand, opts options) *models.BidRequest {
	size := opts.sizes[rng.Intn(len(opts.sizes))]
	req := &models.BidRequest{
		ID: uuid.NewString(),
		Imp: []models.Impression{{
			ID:     "1",
			Banner: &models.Banner{W: size[0], H: size[1]},
		}},
		Device: models.Device{
			UA: userAgents[rng.Intn(len(userAgents))],
			IP: userIPs[rng.Intn(len(userIPs))],
		},
		BCat: opts.blockedCats,
	}
	if len(opts.domains) > 0 {
		req.Site = &models.Site{Domain: opts.domains[rng.Intn(len(opts.domains))]}
	}
	if opts.users > 0 && rng.Float64() < opts.userIDRate {
		req.User.ID = "user" + strconv.Itoa(rng.Intn(opts.users))
	}
	if len(opts.keyValues) > 0 {
		req.Ext.KV = opts.keyValues
	}
	return req
}

// send posts req to the exchange's bid ingress and returns the status code
// and the number of admitted candidates.
func send(ctx context.Context, client *http.Client, server, exch string, req *models.BidRequest) (int, int, error) {
	blob, err := json.Marshal(req)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/exchanges/"+exch+"/bid", bytes.NewReader(blob))
	if err != nil {
		return 0, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, 0, nil
	}
	var out models.BidResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, 0, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, len(out.Candidates), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSizes parses "WxH" pairs.
func parseSizes(s string) ([][2]int, error) {
	var out [][2]int
	for _, part := range splitCSV(s) {
		w, h, ok := strings.Cut(part, "x")
		if !ok {
			return nil, fmt.Errorf("size %q is not WxH", part)
		}
		wi, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", part, err)
		}
		hi, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", part, err)
		}
		out = append(out, [2]int{wi, hi})
	}
	if len(out) == 0 {
		return nil, errors.New("no sizes")
	}
	return out, nil
}

func parseKeyValues(s string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range splitCSV(s) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			kv[k] = v
		}
	}
	if len(kv) == 0 {
		return nil
	}
	return kv
}

func printStats(logger *zap.Logger, label string, c *counters) {
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", c.sent.Load()),
		zap.Uint64("with_candidates", c.candidates.Load()),
		zap.Uint64("no_candidates", c.noBid.Load()),
		zap.Uint64("rejected", c.rejected.Load()),
		zap.Uint64("errors", c.errors.Load()),
		zap.Uint64("admitted_pairs", c.admitted.Load()))
}
