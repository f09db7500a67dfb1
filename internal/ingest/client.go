// Package ingest backfills and refreshes every REST market-data feed via
// cursor pagination, gated by the admission controller.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"goldflow/logger"
)

const (
	pathKlines       = "/openApi/swap/v3/quote/klines"
	pathDepth        = "/openApi/swap/v2/quote/depth"
	pathTrades       = "/openApi/swap/v2/quote/trades"
	pathFundingRate  = "/openApi/swap/v2/quote/fundingRate"
	pathOpenInterest = "/openApi/swap/v2/quote/openInterest"
	pathPremiumIndex = "/openApi/swap/v2/quote/premiumIndex"
	pathTicker       = "/openApi/swap/v2/quote/ticker"
)

// apiEnvelope is the exchange's common response wrapper. code 0 means
// success; data carries the payload.
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RequestError carries the HTTP status and exchange message of a failed call.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("exchange request failed (%d): %s", e.Status, e.Message)
}

// IsSymbolMissing reports whether the error indicates the exchange does not
// list the requested symbol. Such errors abort only the affected
// (instrument, feed, interval) combination.
func IsSymbolMissing(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not exist")
}

func isRateLimited(status int, message string) bool {
	return status == http.StatusTooManyRequests || strings.Contains(strings.ToLower(message), "rate")
}

// Client is a rate-limited REST client for the exchange's swap quote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	log        *logger.Entry
}

// ClientOptions tunes the REST client. Zero values fall back to the
// exchange's documented public limits.
type ClientOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	RetryBaseDelay    time.Duration
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://open-api.bingx.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBaseDelay,
		log:        logger.GetLogger().WithComponent("ingest-client"),
	}
}

// Get performs a GET against path with query params, unwraps the response
// envelope and returns the payload. Rate-limited responses are retried with
// linear backoff; all other failures return a RequestError.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("perform request: %w", err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		logger.IncrementRestPage(len(body))

		var envelope apiEnvelope
		decoded := json.Unmarshal(body, &envelope) == nil

		if resp.StatusCode >= 200 && resp.StatusCode < 300 && (!decoded || envelope.Code == 0) {
			if decoded && len(envelope.Data) > 0 {
				return envelope.Data, nil
			}
			if len(body) > 0 {
				return json.RawMessage(body), nil
			}
			return json.RawMessage("{}"), nil
		}

		message := http.StatusText(resp.StatusCode)
		if decoded && envelope.Msg != "" {
			message = envelope.Msg
		}
		if isRateLimited(resp.StatusCode, message) && attempt < c.maxRetries {
			delay := c.retryBase * time.Duration(attempt+1)
			c.log.WithFields(logger.Fields{
				"path":    path,
				"attempt": attempt + 1,
				"delay":   delay.String(),
			}).Warn("rate limited, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return nil, &RequestError{Status: resp.StatusCode, Message: message}
	}
	return json.RawMessage("{}"), nil
}
