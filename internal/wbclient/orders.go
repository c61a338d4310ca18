package wbclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wbsync/syncengine/internal/syncerr"
)

// FetchOrders returns the flat order-record list from statistics v1
// supplier/orders since dateFrom. Safe window per spec.md §4.4 is at most
// ~one calendar week per call; the orchestrator is responsible for
// choosing dateFrom, not this client.
func (c *WildberriesClient) FetchOrders(ctx context.Context, creds Credentials, dateFrom time.Time) ([]OrderRecord, error) {
	const op = "wbclient.FetchOrders"

	if err := c.admit(ctx, "supplier_orders", c.cfg.StatisticsRPM); err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.StatisticsBaseURL+"/api/v1/supplier/orders", nil)
		if err != nil {
			return nil, err
		}
		c.setAuthHeader(req, creds)
		q := req.URL.Query()
		q.Set("dateFrom", dateFrom.Format(time.RFC3339))
		q.Set("flag", "0")
		req.URL.RawQuery = q.Encode()
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []OrderRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, syncerr.Wrap(syncerr.MarketplaceTransient, op, "decode orders response", err)
	}
	return records, nil
}
