// Package rates quotes the coin to fiat exchange rate and converts ledger
// amounts with it.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paygate/internal/cache"
	"paygate/internal/metrics"
)

const (
	defaultBaseURL    = "https://api.coingecko.com/api/v3"
	defaultCoinID     = "the-open-network"
	defaultVsCurrency = "usd"
	defaultTimeout    = 5 * time.Second
)

// ErrUnavailable indicates no fresh, cached or fallback rate could be produced.
var ErrUnavailable = errors.New("rates: exchange rate unavailable")

// Quote is a conversion factor from one whole chain coin to the reference currency.
type Quote struct {
	Rate      decimal.Decimal `json:"rate"`
	Stale     bool            `json:"stale"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Source produces quotes. The reconciler depends on this rather than on Oracle
// so runs can be replayed with a fixed rate.
type Source interface {
	Quote(ctx context.Context) (Quote, error)
}

// Config holds oracle configuration.
type Config struct {
	BaseURL    string
	CoinID     string
	VsCurrency string
	Timeout    time.Duration
	Fallback   decimal.Decimal
	CacheTTL   time.Duration
}

// Oracle fetches the CoinGecko simple price and keeps the last good value.
type Oracle struct {
	logger   *slog.Logger
	baseURL  string
	coinID   string
	vs       string
	http     *http.Client
	metrics  *metrics.Metrics
	cache    *cache.Redis
	cacheTTL time.Duration
	fallback decimal.Decimal

	mu      sync.Mutex
	last    Quote
	hasLast bool
}

// New creates a new Oracle. redis may be nil.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Oracle {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	coin := strings.TrimSpace(cfg.CoinID)
	if coin == "" {
		coin = defaultCoinID
	}
	vs := strings.ToLower(strings.TrimSpace(cfg.VsCurrency))
	if vs == "" {
		vs = defaultVsCurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Oracle{
		logger:   logger.With("component", "rates"),
		baseURL:  base,
		coinID:   coin,
		vs:       vs,
		http:     &http.Client{Timeout: timeout},
		metrics:  metrics,
		cache:    redis,
		cacheTTL: cfg.CacheTTL,
		fallback: cfg.Fallback,
	}
}

// Pair returns the coin/currency pair quoted by the oracle.
func (o *Oracle) Pair() string {
	return o.coinID + "/" + o.vs
}

// Quote returns a fresh rate, or the last known good one marked stale when
// the upstream fails. It never retries.
func (o *Oracle) Quote(ctx context.Context) (Quote, error) {
	q, err := o.fetch(ctx)
	if err == nil {
		o.remember(ctx, q)
		o.count("ok")
		return q, nil
	}

	o.logger.Warn("fetch exchange rate failed", "pair", o.Pair(), "error", err)
	o.count("error")

	if last, ok := o.lastKnown(ctx); ok {
		last.Stale = true
		if o.metrics != nil {
			o.metrics.RateStale.Inc()
		}
		return last, nil
	}
	if o.fallback.IsPositive() {
		if o.metrics != nil {
			o.metrics.RateStale.Inc()
		}
		o.logger.Warn("using fallback exchange rate", "pair", o.Pair(), "rate", o.fallback.String())
		return Quote{Rate: o.fallback, Stale: true}, nil
	}
	return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (o *Oracle) fetch(ctx context.Context) (Quote, error) {
	params := url.Values{}
	params.Set("ids", o.coinID)
	params.Set("vs_currencies", o.vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paygate/rate-oracle")

	res, err := o.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("rate request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return Quote{}, fmt.Errorf("rate upstream error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]json.Number
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := payload[o.coinID][o.vs]
	if !ok {
		return Quote{}, fmt.Errorf("rate for %s missing in response", o.Pair())
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse rate %q: %w", raw, err)
	}
	if !rate.IsPositive() {
		return Quote{}, fmt.Errorf("non-positive rate %s", rate)
	}
	return Quote{Rate: rate, FetchedAt: time.Now().UTC()}, nil
}

func (o *Oracle) cacheKey() string {
	return "rates:" + o.coinID + ":" + o.vs
}

func (o *Oracle) remember(ctx context.Context, q Quote) {
	o.mu.Lock()
	o.last = q
	o.hasLast = true
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.SetJSON(ctx, o.cacheKey(), q, o.cacheTTL); err != nil {
			o.logger.Warn("store rate in cache failed", "error", err)
		}
	}
}

func (o *Oracle) lastKnown(ctx context.Context) (Quote, bool) {
	o.mu.Lock()
	last, ok := o.last, o.hasLast
	o.mu.Unlock()
	if ok {
		return last, true
	}
	if o.cache == nil {
		return Quote{}, false
	}
	var cached Quote
	found, err := o.cache.GetJSON(ctx, o.cacheKey(), &cached)
	if err != nil {
		o.logger.Warn("read rate cache failed", "error", err)
		return Quote{}, false
	}
	if !found || !cached.Rate.IsPositive() {
		return Quote{}, false
	}
	return cached, true
}

func (o *Oracle) count(status string) {
	if o.metrics != nil {
		o.metrics.RateRequests.WithLabelValues(status).Inc()
	}
}

// Fixed is a Source that always answers with the same quote.
type Fixed Quote

func (f Fixed) Quote(context.Context) (Quote, error) { return Quote(f), nil }

// Memo wraps a Source and reuses its first successful quote, so every
// request in one reconciliation pass is converted with the same rate.
type Memo struct {
	src Source

	mu sync.Mutex
	q  *Quote
}

// Once returns a memoizing wrapper around src.
func Once(src Source) *Memo {
	return &Memo{src: src}
}

func (m *Memo) Quote(ctx context.Context) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q != nil {
		return *m.q, nil
	}
	q, err := m.src.Quote(ctx)
	if err != nil {
		return Quote{}, err
	}
	m.q = &q
	return q, nil
}

// NanoPerCoin is the number of minor units in one TON.
var NanoPerCoin = decimal.New(1, 9)

// Convert turns a minor unit amount into the reference currency.
func Convert(minor int64, q Quote) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(NanoPerCoin).Mul(q.Rate).Round(8)
}
