package wbclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/ratelimit"
)

// overrideRetryDelayForTest shrinks retryBaseDelay for the duration of a
// test so retry-path tests don't wait out real backoff delays.
func overrideRetryDelayForTest(t *testing.T) {
	t.Helper()
	orig := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = orig })
}

// overridePollIntervalForTest shrinks warehouseTaskInterval so polling
// tests don't wait out the real 5s cadence.
func overridePollIntervalForTest(t *testing.T) {
	t.Helper()
	orig := warehouseTaskInterval
	warehouseTaskInterval = time.Millisecond
	t.Cleanup(func() { warehouseTaskInterval = orig })
}

func testClient(t *testing.T, baseURL string) *WildberriesClient {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AnalyticsBaseURL = baseURL
	cfg.StatisticsBaseURL = baseURL
	// Generous enough that admit() never actually blocks a fast test run.
	cfg.AnalyticsRPM = 1000
	cfg.StatisticsRPM = 1000
	return New(cfg, ratelimit.New(zerolog.New(io.Discard)), zerolog.New(io.Discard))
}

func TestFetchAggregatesSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/stocks-report/products/products" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		resp := aggregatesResponse{}
		resp.Data.Items = []AggregateItem{{NmID: 1, VendorCode: "sku-1"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := TimeWindow{Start: time.Now().Add(-24 * time.Hour), End: time.Now()}
	items, err := c.FetchAggregates(context.Background(), Credentials{APIKey: "key"}, window)
	if err != nil {
		t.Fatalf("FetchAggregates: %v", err)
	}
	if len(items) != 1 || items[0].VendorCode != "sku-1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestFetchAggregatesPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		resp := aggregatesResponse{}
		if n == 1 {
			resp.Data.Items = make([]AggregateItem, maxAggregatesPageSize)
			for i := range resp.Data.Items {
				resp.Data.Items[i] = AggregateItem{NmID: int64(i)}
			}
		} else {
			resp.Data.Items = []AggregateItem{{NmID: 999}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := TimeWindow{Start: time.Now().Add(-24 * time.Hour), End: time.Now()}
	items, err := c.FetchAggregates(context.Background(), Credentials{APIKey: "key"}, window)
	if err != nil {
		t.Fatalf("FetchAggregates: %v", err)
	}
	if len(items) != maxAggregatesPageSize+1 {
		t.Fatalf("expected %d items across two pages, got %d", maxAggregatesPageSize+1, len(items))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestFetchAggregatesRejectsInvalidWindow(t *testing.T) {
	c := testClient(t, "http://unused.invalid")
	window := TimeWindow{Start: time.Now(), End: time.Now().Add(-time.Hour)}
	if _, err := c.FetchAggregates(context.Background(), Credentials{}, window); err == nil {
		t.Fatal("expected error for start-after-end window")
	}
}

func TestFetchAggregatesRejectsOversizedWindow(t *testing.T) {
	c := testClient(t, "http://unused.invalid")
	window := TimeWindow{Start: time.Now().Add(-200 * 24 * time.Hour), End: time.Now()}
	if _, err := c.FetchAggregates(context.Background(), Credentials{}, window); err == nil {
		t.Fatal("expected error for oversized window")
	}
}

func TestDoWithRetryRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	overrideRetryDelayForTest(t)

	_, err := c.FetchOrders(context.Background(), Credentials{APIKey: "key"}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 success), got %d", calls)
	}
}

func TestDoWithRetrySurfacesNonRetriable4xxImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchOrders(context.Background(), Credentials{APIKey: "key"}, time.Now().Add(-time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for a non-retriable 4xx, got %d", calls)
	}
}

func TestFetchWarehouseBreakdownPollsUntilDone(t *testing.T) {
	var statusCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(warehouseTaskCreateResponse{
				Data: struct {
					TaskID string `json:"taskId"`
				}{TaskID: "task-1"},
			})
		case r.URL.Path == "/api/v1/warehouse_remains/tasks/task-1/status":
			status := "processing"
			if atomic.AddInt32(&statusCalls, 1) >= 2 {
				status = "done"
			}
			_ = json.NewEncoder(w).Encode(warehouseTaskStatusResponse{
				Data: struct {
					Status string `json:"status"`
				}{Status: status},
			})
		case r.URL.Path == "/api/v1/warehouse_remains/tasks/task-1/download":
			_ = json.NewEncoder(w).Encode(struct {
				Data []WarehouseBreakdown `json:"data"`
			}{Data: []WarehouseBreakdown{{NmID: 1, Warehouses: []WarehouseEntry{{Name: "Koledino", Quantity: 10}}}}})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	overridePollIntervalForTest(t)

	breakdown, err := c.FetchWarehouseBreakdown(context.Background(), Credentials{APIKey: "key"})
	if err != nil {
		t.Fatalf("FetchWarehouseBreakdown: %v", err)
	}
	if len(breakdown) != 1 || breakdown[0].Warehouses[0].Quantity != 10 {
		t.Fatalf("unexpected breakdown: %+v", breakdown)
	}
}

func TestFetchWarehouseBreakdownSurfacesCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(warehouseTaskCreateResponse{
				Data: struct {
					TaskID string `json:"taskId"`
				}{TaskID: "task-1"},
			})
		case r.URL.Path == "/api/v1/warehouse_remains/tasks/task-1/status":
			_ = json.NewEncoder(w).Encode(warehouseTaskStatusResponse{
				Data: struct {
					Status string `json:"status"`
				}{Status: "canceled"},
			})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.FetchWarehouseBreakdown(context.Background(), Credentials{APIKey: "key"}); err == nil {
		t.Fatal("expected error for a canceled task")
	}
}

func TestFetchOrdersSetsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dateFrom") == "" {
			t.Fatal("expected dateFrom query parameter")
		}
		_, _ = w.Write([]byte(`[{"nmId":1,"srid":"abc"}]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	records, err := c.FetchOrders(context.Background(), Credentials{APIKey: "key"}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FetchOrders: %v", err)
	}
	if len(records) != 1 || records[0].Srid != "abc" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestHealthCheckReportsUnhealthyOnTransportError(t *testing.T) {
	c := testClient(t, "http://127.0.0.1:1")
	status := c.HealthCheck(context.Background())
	if status.Healthy {
		t.Fatal("expected unhealthy status for an unreachable host")
	}
	if status.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestHealthCheckReportsHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	status := c.HealthCheck(context.Background())
	if !status.Healthy {
		t.Fatalf("expected healthy status, got error %q", status.Error)
	}
}
