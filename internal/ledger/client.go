package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paygate/internal/metrics"
)

const (
	defaultBaseURL = "https://toncenter.com/api/v2"
	defaultLimit   = 50
	maxLimit       = 100
)

var (
	// ErrTransient marks failures worth retrying on the next pass.
	ErrTransient = errors.New("ledger: transient upstream failure")
	// ErrInvalidCredential indicates TON Center rejected the API key.
	ErrInvalidCredential = errors.New("ledger: invalid api key")
)

// Transfer is an inbound transfer observed on the platform wallet.
type Transfer struct {
	Hash        string
	Source      string
	Destination string
	Value       int64
	Memo        string
	Timestamp   time.Time
}

// Reader fetches recent inbound transfers for a wallet.
type Reader interface {
	FetchRecentTransfers(ctx context.Context, wallet string, limit int) ([]Transfer, error)
}

// Config holds TON Center client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client provides typed access to the TON Center v2 HTTP API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a new TON Center client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "toncenter"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// responseEnvelope mirrors TON Center's standard response shape.
type responseEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Code   int             `json:"code"`
}

type rawTransaction struct {
	Utime         int64 `json:"utime"`
	TransactionID struct {
		LT   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	InMsg *rawMessage `json:"in_msg"`
}

type rawMessage struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Value       flexInt `json:"value"`
	Message     string  `json:"message"`
	MsgData     struct {
		Type string `json:"@type"`
		Text string `json:"text"`
		Body string `json:"body"`
	} `json:"msg_data"`
}

// flexInt accepts both quoted and bare integers.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	str := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if str == "" || str == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("parse integer %q: %w", str, err)
	}
	*f = flexInt(v)
	return nil
}

// FetchRecentTransfers returns the newest inbound transfers first.
// Transactions without a source (external messages) are skipped, as are
// messages addressed to another account.
func (c *Client) FetchRecentTransfers(ctx context.Context, wallet string, limit int) ([]Transfer, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet address is empty")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	params := url.Values{}
	params.Set("address", wallet)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("archival", "false")

	env, err := c.call(ctx, "/getTransactions", params)
	if err != nil {
		return nil, err
	}

	var txs []rawTransaction
	if err := json.Unmarshal(env.Result, &txs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}

	transfers := make([]Transfer, 0, len(txs))
	for _, tx := range txs {
		if tx.InMsg == nil || strings.TrimSpace(tx.InMsg.Source) == "" {
			continue
		}
		if dst := tx.InMsg.Destination; dst != "" && !sameAccount(dst, wallet) {
			c.logger.Debug("skipping transfer to another account", "tx_hash", tx.TransactionID.Hash, "destination", dst)
			continue
		}
		transfers = append(transfers, Transfer{
			Hash:        tx.TransactionID.Hash,
			Source:      tx.InMsg.Source,
			Destination: tx.InMsg.Destination,
			Value:       int64(tx.InMsg.Value),
			Memo:        extractMemo(tx.InMsg),
			Timestamp:   time.Unix(tx.Utime, 0).UTC(),
		})
	}
	c.logger.Debug("fetched transfers", "wallet", wallet, "total", len(txs), "inbound", len(transfers))
	return transfers, nil
}

func (c *Client) call(ctx context.Context, endpoint string, params url.Values) (*responseEnvelope, error) {
	var env responseEnvelope
	if err := c.do(ctx, endpoint, params, &env); err != nil {
		return nil, err
	}
	if !env.OK {
		message := strings.TrimSpace(env.Error)
		if message == "" {
			message = "toncenter operation failed"
		}
		if env.Code == http.StatusTooManyRequests || env.Code >= 500 {
			return nil, fmt.Errorf("%w: toncenter %s: %s (code=%d)", ErrTransient, endpoint, message, env.Code)
		}
		return nil, fmt.Errorf("toncenter %s error: %s (code=%d)", endpoint, message, env.Code)
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, dest any) error {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paygate/toncenter-client")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.LedgerRequests.WithLabelValues(endpoint, "error").Inc()
		}
		return fmt.Errorf("%w: toncenter request: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	duration := time.Since(start).Seconds()
	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.LedgerRequests.WithLabelValues(endpoint, statusLabel).Inc()
		c.metrics.LedgerLatency.WithLabelValues(endpoint, statusLabel).Observe(duration)
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "api key") && strings.Contains(lower, "invalid") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: toncenter status=%d body=%s", ErrTransient, status, snippet)
	}
	return fmt.Errorf("toncenter error: status=%d body=%s", status, snippet)
}
