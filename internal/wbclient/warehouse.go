package wbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wbsync/syncengine/internal/syncerr"
)

const warehouseTaskTimeout = 60 * time.Second

// warehouseTaskInterval is a var, not a const, so tests can shrink the poll
// cadence instead of waiting out the real 5s interval.
var warehouseTaskInterval = 5 * time.Second

// FetchWarehouseBreakdown runs the two-step asynchronous warehouse_remains
// job: createTask, then poll the results endpoint until the task
// terminates (spec.md §4.4). Grounded on provider.HealthPoller's
// ticker-based poll loop, generalized to a bounded-deadline wait for a
// one-shot async task rather than a recurring health check.
func (c *WildberriesClient) FetchWarehouseBreakdown(ctx context.Context, creds Credentials) ([]WarehouseBreakdown, error) {
	if err := c.admit(ctx, "warehouse_remains", c.cfg.AnalyticsRPM); err != nil {
		return nil, err
	}

	taskID, err := c.createWarehouseTask(ctx, creds)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, warehouseTaskTimeout)
	defer cancel()

	if err := c.pollWarehouseTask(pollCtx, creds, taskID); err != nil {
		return nil, err
	}

	return c.downloadWarehouseTask(ctx, creds, taskID)
}

func (c *WildberriesClient) createWarehouseTask(ctx context.Context, creds Credentials) (string, error) {
	const op = "wbclient.createWarehouseTask"

	payload, err := json.Marshal(map[string]interface{}{})
	if err != nil {
		return "", syncerr.Wrap(syncerr.Internal, op, "marshal request", err)
	}

	resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.AnalyticsBaseURL+"/api/v1/warehouse_remains", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setAuthHeader(req, creds)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed warehouseTaskCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", syncerr.Wrap(syncerr.MarketplaceTransient, op, "decode response", err)
	}
	if parsed.Data.TaskID == "" {
		return "", syncerr.New(syncerr.MarketplaceTransient, op, "no task id in response")
	}
	return parsed.Data.TaskID, nil
}

// pollWarehouseTask waits until the task reaches a terminal status or
// pollCtx's deadline elapses.
func (c *WildberriesClient) pollWarehouseTask(pollCtx context.Context, creds Credentials, taskID string) error {
	const op = "wbclient.pollWarehouseTask"

	ticker := time.NewTicker(warehouseTaskInterval)
	defer ticker.Stop()

	// Check immediately before waiting out the first interval.
	for {
		status, err := c.fetchTaskStatus(pollCtx, creds, taskID)
		if err != nil {
			return err
		}
		switch status {
		case "done":
			return nil
		case "canceled", "purged":
			return syncerr.New(syncerr.MarketplaceTransient, op, "warehouse remains task ended with status "+status)
		}

		select {
		case <-pollCtx.Done():
			return syncerr.Wrap(syncerr.Deadline, op, "warehouse remains task did not complete within 60s", pollCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *WildberriesClient) fetchTaskStatus(ctx context.Context, creds Credentials, taskID string) (string, error) {
	const op = "wbclient.fetchTaskStatus"

	resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.AnalyticsBaseURL+"/api/v1/warehouse_remains/tasks/"+taskID+"/status", nil)
		if err != nil {
			return nil, err
		}
		c.setAuthHeader(req, creds)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed warehouseTaskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", syncerr.Wrap(syncerr.MarketplaceTransient, op, "decode status response", err)
	}
	return parsed.Data.Status, nil
}

func (c *WildberriesClient) downloadWarehouseTask(ctx context.Context, creds Credentials, taskID string) ([]WarehouseBreakdown, error) {
	const op = "wbclient.downloadWarehouseTask"

	resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.AnalyticsBaseURL+"/api/v1/warehouse_remains/tasks/"+taskID+"/download", nil)
		if err != nil {
			return nil, err
		}
		c.setAuthHeader(req, creds)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []WarehouseBreakdown `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, syncerr.Wrap(syncerr.MarketplaceTransient, op, "decode download response", err)
	}
	return parsed.Data, nil
}
