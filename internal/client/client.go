// Package client talks to a running reconciler API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trade-reconciler/internal/config"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/orchestrator"
	"trade-reconciler/internal/reconciler"
)

// APIError is a non-retryable error response of the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client is a rate limited client of the reconciler HTTP API.
type Client struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	// backoff is the first retry delay; it doubles per attempt.
	backoff time.Duration
}

// New creates a client for cfg.BaseURL.
func New(cfg config.Client, logger *zap.Logger) *Client {
	client := resty.New().SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	return &Client{
		client:     client,
		logger:     logger.Named("client"),
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		backoff:    time.Second,
	}
}

// doRequest executes the request built by newReq with rate limiting and
// retries on throttling, server and network errors. The request is rebuilt
// per attempt so bodies can be re-read.
func (c *Client) doRequest(ctx context.Context, method, path string, newReq func() *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		apiErr := &APIError{}
		resp, err = newReq().SetContext(ctx).SetError(apiErr).Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			status := resp.StatusCode()
			switch {
			case status == http.StatusTooManyRequests || status == 418:
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case status >= 500:
				shouldRetry = true
			}
			apiErr.Status = status
			if apiErr.Message == "" {
				apiErr.Message = resp.String()
			}
			err = apiErr
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, err
		}
		if i == c.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}

func ownerPath(ownerID uint, suffix string) string {
	return fmt.Sprintf("/api/owners/%d%s", ownerID, suffix)
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, resty.MethodGet, "/health", func() *resty.Request { return c.client.R() })
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Upload sends a CSV export for an owner.
func (c *Client) Upload(ctx context.Context, ownerID uint, fileName, exchange string, data []byte) (*reconciler.Summary, error) {
	var summary reconciler.Summary
	_, err := c.doRequest(ctx, resty.MethodPost, ownerPath(ownerID, "/uploads"), func() *resty.Request {
		req := c.client.R().
			SetFileReader("file", fileName, bytes.NewReader(data)).
			SetResult(&summary)
		if exchange != "" {
			req.SetFormData(map[string]string{"exchange": exchange})
		}
		return req
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", fileName, err)
	}
	c.logger.Info("Uploaded file", zap.String("file", fileName), zap.Int("new", summary.NewTrades))
	return &summary, nil
}

// Trades lists an owner's records, optionally for one asset.
func (c *Client) Trades(ctx context.Context, ownerID uint, asset string, limit int) ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	params := url.Values{}
	if asset != "" {
		params.Set("asset", asset)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	_, err := c.doRequest(ctx, resty.MethodGet, ownerPath(ownerID, "/trades"), func() *resty.Request {
		return c.client.R().SetQueryParamsFromValues(params).SetResult(&trades)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// Exposure fetches the per-asset summary of an owner.
func (c *Client) Exposure(ctx context.Context, ownerID uint) ([]reconciler.AssetExposure, error) {
	var rows []reconciler.AssetExposure
	_, err := c.doRequest(ctx, resty.MethodGet, ownerPath(ownerID, "/exposure"), func() *resty.Request {
		return c.client.R().SetResult(&rows)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get exposure: %w", err)
	}
	return rows, nil
}

// Statuses fetches the matching watermarks of an owner.
func (c *Client) Statuses(ctx context.Context, ownerID uint) ([]models.ProcessingStatus, error) {
	var rows []models.ProcessingStatus
	_, err := c.doRequest(ctx, resty.MethodGet, ownerPath(ownerID, "/statuses"), func() *resty.Request {
		return c.client.R().SetResult(&rows)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get statuses: %w", err)
	}
	return rows, nil
}

// Match starts a matching run for an owner.
func (c *Client) Match(ctx context.Context, ownerID uint, incremental bool) (*orchestrator.Run, error) {
	var run orchestrator.Run
	_, err := c.doRequest(ctx, resty.MethodPost, ownerPath(ownerID, "/match"), func() *resty.Request {
		return c.client.R().
			SetQueryParam("incremental", strconv.FormatBool(incremental)).
			SetResult(&run)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start matching: %w", err)
	}
	return &run, nil
}

// Cancel asks the run of one upload to stop.
func (c *Client) Cancel(ctx context.Context, ownerID uint, fileName string) error {
	path := ownerPath(ownerID, "/uploads/"+url.PathEscape(fileName)+"/cancel")
	_, err := c.doRequest(ctx, resty.MethodPost, path, func() *resty.Request { return c.client.R() })
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", fileName, err)
	}
	return nil
}

type deleteResult struct {
	Deleted int64 `json:"deleted"`
}

// DeleteOwner removes every record of an owner.
func (c *Client) DeleteOwner(ctx context.Context, ownerID uint) (int64, error) {
	var res deleteResult
	_, err := c.doRequest(ctx, resty.MethodDelete, ownerPath(ownerID, "/trades"), func() *resty.Request {
		return c.client.R().SetResult(&res)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete owner %d: %w", ownerID, err)
	}
	return res.Deleted, nil
}
