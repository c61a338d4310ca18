package wbclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wbsync/syncengine/internal/syncerr"
)

// retryBaseDelay is a var, not a const, so tests can shrink it instead of
// waiting out real backoff delays.
var retryBaseDelay = 1 * time.Second

const (
	retryFactor   = 2
	retryCap      = 30 * time.Second
	retryAttempts = 3
)

// doWithRetry executes req, retrying on transport errors and 5xx/429
// responses with exponential backoff (base 1s, factor 2, cap 30s, 3
// attempts), honoring Retry-After on 429. A non-retriable 4xx surfaces
// immediately as MarketplaceInvalid. Grounded on the attempt-counted
// retry loop in security.VaultClient.readSecret.
func (c *WildberriesClient) doWithRetry(ctx context.Context, op string, newReq func() (*http.Request, error)) (*http.Response, error) {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, op, "build request", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("transport error, retrying")
			if !sleepOrDone(ctx, backoffDelay(delay, attempt)) {
				return nil, syncerr.Wrap(syncerr.Deadline, op, "context cancelled during retry", ctx.Err())
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp, backoffDelay(delay, attempt))
			resp.Body.Close()
			lastErr = fmt.Errorf("429 too many requests")
			c.logger.Warn().Str("op", op).Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited by upstream, retrying")
			if !sleepOrDone(ctx, wait) {
				return nil, syncerr.Wrap(syncerr.Deadline, op, "context cancelled during retry", ctx.Err())
			}
			continue
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream %d: %s", resp.StatusCode, string(body))
			c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("upstream 5xx, retrying")
			if !sleepOrDone(ctx, backoffDelay(delay, attempt)) {
				return nil, syncerr.Wrap(syncerr.Deadline, op, "context cancelled during retry", ctx.Err())
			}
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, syncerr.New(syncerr.MarketplaceInvalid, op, fmt.Sprintf("upstream %d: %s", resp.StatusCode, string(body)))
		}

		return resp, nil
	}

	return nil, syncerr.Wrap(syncerr.MarketplaceTransient, op, fmt.Sprintf("failed after %d attempts", retryAttempts), lastErr)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= retryFactor
	}
	if d > retryCap {
		d = retryCap
	}
	return d
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return fallback
}

// sleepOrDone waits for d or ctx cancellation, returning false if
// cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
