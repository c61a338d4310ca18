package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/cache"
	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/sheetsprojector"
	"github.com/wbsync/syncengine/internal/syncerr"
	"github.com/wbsync/syncengine/internal/vault"
	"github.com/wbsync/syncengine/internal/wbclient"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	// 32 zero bytes, base64-encoded; deterministic, valid AES-256 key.
	v, err := vault.New("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

// fakeTenantStore returns a fixed tenant or an error.
type fakeTenantStore struct {
	tenant model.Tenant
	err    error
}

func (f *fakeTenantStore) Get(ctx context.Context, tenantID string) (model.Tenant, error) {
	return f.tenant, f.err
}

// fakeMarketplaceClient returns canned data or errors for each fetch.
type fakeMarketplaceClient struct {
	aggregates    []wbclient.AggregateItem
	aggregatesErr error
	breakdown     []wbclient.WarehouseBreakdown
	breakdownErr  error
	orders        []wbclient.OrderRecord
	ordersErr     error
}

func (f *fakeMarketplaceClient) Name() string { return "fake" }
func (f *fakeMarketplaceClient) FetchAggregates(ctx context.Context, creds wbclient.Credentials, window wbclient.TimeWindow) ([]wbclient.AggregateItem, error) {
	return f.aggregates, f.aggregatesErr
}
func (f *fakeMarketplaceClient) FetchWarehouseBreakdown(ctx context.Context, creds wbclient.Credentials) ([]wbclient.WarehouseBreakdown, error) {
	return f.breakdown, f.breakdownErr
}
func (f *fakeMarketplaceClient) FetchOrders(ctx context.Context, creds wbclient.Credentials, dateFrom time.Time) ([]wbclient.OrderRecord, error) {
	return f.orders, f.ordersErr
}
func (f *fakeMarketplaceClient) HealthCheck(ctx context.Context) wbclient.HealthStatus {
	return wbclient.HealthStatus{Healthy: true}
}

// fakeProjector records calls and can be made to fail at a chosen step.
type fakeProjector struct {
	failEnsure bool
	failVerify bool
	failClear  bool
	failWrite  error

	upsertedProducts []model.Product
}

func (f *fakeProjector) EnsureWorksheet(ctx context.Context, spreadsheetID, name string) (*sheetsprojector.Handle, error) {
	if f.failEnsure {
		return nil, syncerr.New(syncerr.QuotaExceeded, "fake.EnsureWorksheet", "boom")
	}
	return &sheetsprojector.Handle{}, nil
}
func (f *fakeProjector) VerifySchema(ctx context.Context, h *sheetsprojector.Handle, maxWarehouses int) error {
	if f.failVerify {
		return syncerr.New(syncerr.QuotaExceeded, "fake.VerifySchema", "boom")
	}
	return nil
}
func (f *fakeProjector) ClearData(ctx context.Context, h *sheetsprojector.Handle) error {
	if f.failClear {
		return syncerr.New(syncerr.QuotaExceeded, "fake.ClearData", "boom")
	}
	return nil
}
func (f *fakeProjector) UpsertProducts(ctx context.Context, h *sheetsprojector.Handle, products []model.Product, opts sheetsprojector.UpsertOptions) error {
	if f.failWrite != nil {
		return f.failWrite
	}
	f.upsertedProducts = products
	return nil
}

func newOrchestrator(t *testing.T, tenants TenantStore, marketplace wbclient.Client, projector SpreadsheetProjector) *Orchestrator {
	t.Helper()
	// A cache pointed at an unreachable Redis address always misses through Get's error
	// path and swallows Set, which is exactly the advisory behavior the
	// orchestrator relies on in these tests — no live Redis needed.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	c := cache.New(rdb, testLogger())

	factory := func(ctx context.Context, decryptedCreds []byte) (SpreadsheetProjector, error) {
		return projector, nil
	}
	return New(tenants, testVault(t), marketplace, c, factory, testLogger())
}

func baseTenant(t *testing.T, v *vault.Vault) model.Tenant {
	t.Helper()
	marketplaceCt, err := v.Encrypt("tenant-1", []byte("wb-api-key"))
	if err != nil {
		t.Fatalf("encrypt marketplace creds: %v", err)
	}
	sheetsCt, err := v.Encrypt("tenant-1", []byte(`{"type":"service_account"}`))
	if err != nil {
		t.Fatalf("encrypt sheets creds: %v", err)
	}
	return model.Tenant{
		ID:                        "tenant-1",
		EncryptedMarketplaceCreds: marketplaceCt,
		EncryptedSheetsCreds:      sheetsCt,
		SpreadsheetID:             "sheet-1",
		WorksheetName:             "Products",
	}
}

func TestRunSyncSuccess(t *testing.T) {
	v := testVault(t)
	tenant := baseTenant(t, v)
	tenants := &fakeTenantStore{tenant: tenant}
	marketplace := &fakeMarketplaceClient{
		aggregates: []wbclient.AggregateItem{{NmID: 1}},
	}
	projector := &fakeProjector{}

	o := newOrchestrator(t, tenants, marketplace, projector)

	log := o.RunSync(context.Background(), "tenant-1", model.TriggerManual)
	if log.Status != model.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", log.Status, log.Reason)
	}
	if len(projector.upsertedProducts) != 1 {
		t.Fatalf("expected 1 product written, got %d", len(projector.upsertedProducts))
	}
}

func TestRunSyncCredentialFailureProducesFailedLog(t *testing.T) {
	tenants := &fakeTenantStore{err: errors.New("tenant not found")}
	o := newOrchestrator(t, tenants, &fakeMarketplaceClient{}, &fakeProjector{})

	log := o.RunSync(context.Background(), "missing", model.TriggerScheduled)
	if log.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", log.Status)
	}
	if log.Reason != "credential" {
		t.Fatalf("expected reason=credential, got %s", log.Reason)
	}
}

func TestRunSyncMarketplaceFailureIsTerminal(t *testing.T) {
	v := testVault(t)
	tenant := baseTenant(t, v)
	tenants := &fakeTenantStore{tenant: tenant}
	marketplace := &fakeMarketplaceClient{
		aggregatesErr: syncerr.New(syncerr.MarketplaceInvalid, "fake", "bad request"),
	}
	o := newOrchestrator(t, tenants, marketplace, &fakeProjector{})

	log := o.RunSync(context.Background(), "tenant-1", model.TriggerManual)
	if log.Status != model.StatusFailed || log.Reason != "marketplace" {
		t.Fatalf("expected FAILED(marketplace), got %s(%s)", log.Status, log.Reason)
	}
}

func TestRunSyncMissingBreakdownIsPartial(t *testing.T) {
	v := testVault(t)
	tenant := baseTenant(t, v)
	tenants := &fakeTenantStore{tenant: tenant}
	marketplace := &fakeMarketplaceClient{
		aggregates:   []wbclient.AggregateItem{{NmID: 1}},
		breakdownErr: syncerr.New(syncerr.MarketplaceTransient, "fake", "timed out"),
	}
	o := newOrchestrator(t, tenants, marketplace, &fakeProjector{})

	log := o.RunSync(context.Background(), "tenant-1", model.TriggerScheduled)
	if log.Status != model.StatusPartial || log.Reason != "no_breakdown" {
		t.Fatalf("expected PARTIAL(no_breakdown), got %s(%s)", log.Status, log.Reason)
	}
}

func TestRunSyncProjectionFailureIsTerminal(t *testing.T) {
	v := testVault(t)
	tenant := baseTenant(t, v)
	tenants := &fakeTenantStore{tenant: tenant}
	marketplace := &fakeMarketplaceClient{aggregates: []wbclient.AggregateItem{{NmID: 1}}}
	projector := &fakeProjector{failWrite: syncerr.New(syncerr.QuotaExceeded, "fake.UpsertProducts", "quota exhausted")}

	o := newOrchestrator(t, tenants, marketplace, projector)

	log := o.RunSync(context.Background(), "tenant-1", model.TriggerManual)
	if log.Status != model.StatusFailed || log.Reason != "projection" {
		t.Fatalf("expected FAILED(projection), got %s(%s)", log.Status, log.Reason)
	}
}
