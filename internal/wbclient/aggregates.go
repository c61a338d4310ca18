package wbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wbsync/syncengine/internal/syncerr"
)

const maxAggregatesPageSize = 1000

// FetchAggregates pages through the analytics v2 stocks-report endpoint,
// the authoritative source of product totals. window must not exceed
// three months and Start must not be after End (spec.md §4.4).
func (c *WildberriesClient) FetchAggregates(ctx context.Context, creds Credentials, window TimeWindow) ([]AggregateItem, error) {
	const op = "wbclient.FetchAggregates"

	if window.Start.After(window.End) {
		return nil, syncerr.New(syncerr.MarketplaceInvalid, op, "window start is after end")
	}
	if window.End.Sub(window.Start) > 92*24*time.Hour {
		return nil, syncerr.New(syncerr.MarketplaceInvalid, op, "window exceeds three months")
	}

	if err := c.admit(ctx, "analytics", c.cfg.AnalyticsRPM); err != nil {
		return nil, err
	}

	var all []AggregateItem
	offset := 0
	for {
		body := aggregatesRequest{
			CurrentPeriod: dateWindow{
				Start: window.Start.Format("2006-01-02"),
				End:   window.End.Format("2006-01-02"),
			},
			StockType:           "",
			SkipDeletedNm:       true,
			AvailabilityFilters: []string{"actual", "balanced", "deficient"},
			Limit:               maxAggregatesPageSize,
			Offset:              offset,
		}
		body.OrderBy.Field = "stockCount"
		body.OrderBy.Mode = "desc"

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, op, "marshal request", err)
		}

		resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.cfg.AnalyticsBaseURL+"/api/v2/stocks-report/products/products",
				bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			c.setAuthHeader(req, creds)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return nil, err
		}

		var parsed aggregatesResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, syncerr.Wrap(syncerr.MarketplaceTransient, op, "decode response", decodeErr)
		}

		all = append(all, parsed.Data.Items...)

		if len(parsed.Data.Items) < maxAggregatesPageSize {
			break
		}
		offset += maxAggregatesPageSize

		// Successive pages within one fetch still count against the
		// per-endpoint window.
		if err := c.admit(ctx, "analytics", c.cfg.AnalyticsRPM); err != nil {
			return nil, err
		}
	}

	return all, nil
}

// admit blocks (briefly, via the token-bucket pacer) then checks the
// sliding-window admission for this tenant-independent endpoint limit.
// The sliding window is the binding contract (spec.md §4.2); the pacer
// only smooths bursts inside it.
func (c *WildberriesClient) admit(ctx context.Context, endpoint string, rpm int) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return syncerr.Wrap(syncerr.Deadline, "wbclient.admit", "context cancelled waiting for pacer", err)
	}

	key := fmt.Sprintf("marketplace:wildberries:%s", endpoint)
	allowed, _, resetAt := c.limiter.Check(ctx, key, rpm, time.Minute)
	if !allowed {
		wait := time.Until(resetAt)
		if wait < 0 {
			wait = 0
		}
		if !sleepOrDone(ctx, wait) {
			return syncerr.New(syncerr.Deadline, "wbclient.admit", "context cancelled waiting for rate limit window")
		}
	}
	return nil
}

func (c *WildberriesClient) setAuthHeader(req *http.Request, creds Credentials) {
	req.Header.Set("Authorization", creds.APIKey)
}
