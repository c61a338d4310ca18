// Package wbclient implements the marketplace client of spec.md §4.4: a
// capability-set interface {FetchAggregates, FetchWarehouseBreakdown,
// FetchOrders} with a single Wildberries implementation.
//
// Grounded on the teacher's provider.Provider interface shape (the
// capability-set abstraction) and provider.ConnectionPool (shared
// *http.Transport tuning); the retry/backoff loop is grounded on
// security.VaultClient.readSecret's attempt-counted retry pattern,
// generalized into doWithRetry and extended with Retry-After handling.
package wbclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wbsync/syncengine/internal/ratelimit"
)

// HealthStatus mirrors the teacher's provider.HealthStatus shape.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	LastCheck time.Time
	Error     string
}

// Client is the capability-set interface spec.md §4.4 describes as
// "polymorphic over the capability set". Wildberries is the only
// implementation this specification details; a second marketplace would
// implement the same interface without touching the merger, projector,
// or orchestrator.
type Client interface {
	Name() string
	FetchAggregates(ctx context.Context, creds Credentials, window TimeWindow) ([]AggregateItem, error)
	FetchWarehouseBreakdown(ctx context.Context, creds Credentials) ([]WarehouseBreakdown, error)
	FetchOrders(ctx context.Context, creds Credentials, dateFrom time.Time) ([]OrderRecord, error)
	HealthCheck(ctx context.Context) HealthStatus
}

// Credentials holds the decrypted bearer token for one tenant's
// Wildberries account. Materialized only for the lifetime of one sync
// job and never cached in cleartext, per spec.md §5.
type Credentials struct {
	APIKey string
}

// TimeWindow is an inclusive [Start, End] date range, window <= 3 months.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Config tunes the shared transport and per-endpoint rate limits.
type Config struct {
	AnalyticsBaseURL  string
	StatisticsBaseURL string

	// Per-endpoint limits enforced via the shared rate limiter
	// (spec.md §4.2): analytics v2 is aggressively quota-constrained,
	// statistics v1 much less so.
	AnalyticsRPM  int
	StatisticsRPM int

	HTTPTimeout time.Duration
}

// DefaultConfig returns the empirically-set defaults from spec.md §4.2/§6.
func DefaultConfig() Config {
	return Config{
		AnalyticsBaseURL:  "https://seller-analytics-api.wildberries.ru",
		StatisticsBaseURL: "https://statistics-api.wildberries.ru",
		AnalyticsRPM:      3,
		StatisticsRPM:     60,
		HTTPTimeout:       30 * time.Second,
	}
}

// WildberriesClient implements Client against Wildberries' analytics v2,
// warehouse_remains, and statistics v1 endpoints.
type WildberriesClient struct {
	cfg    Config
	logger zerolog.Logger
	http   *http.Client
	limiter *ratelimit.Limiter

	// pacer smooths bursts — a single token bucket at the analytics v2
	// rate, layered under the sliding-window admission check and shared
	// by every endpoint this client calls, statistics v1 included.
	pacer *rate.Limiter
}

// New constructs a WildberriesClient with a shared, tuned transport —
// grounded on provider.ConnectionPool's idle-connection defaults.
func New(cfg Config, limiter *ratelimit.Limiter, logger zerolog.Logger) *WildberriesClient {
	transport := &http.Transport{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &WildberriesClient{
		cfg:    cfg,
		logger: logger.With().Str("component", "wbclient").Logger(),
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.HTTPTimeout,
		},
		limiter: limiter,
		pacer:   rate.NewLimiter(rate.Limit(float64(cfg.AnalyticsRPM)/60.0), 1),
	}
}

func (c *WildberriesClient) Name() string { return "wildberries" }

// HealthCheck pings the analytics base URL. Grounded on provider health
// checks that issue a lightweight request and report latency/error.
func (c *WildberriesClient) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AnalyticsBaseURL+"/ping", nil)
	if err != nil {
		return HealthStatus{Healthy: false, LastCheck: start, Error: err.Error()}
	}

	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, LastCheck: start, Error: err.Error()}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 500
	status := HealthStatus{Healthy: healthy, Latency: latency, LastCheck: start}
	if !healthy {
		status.Error = resp.Status
	}
	return status
}
