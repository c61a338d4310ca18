// Package orchestrator implements the per-job state machine of
// spec.md §4.7: PENDING -> LOADING_CREDENTIALS -> FETCHING_MARKETPLACE ->
// MERGING -> PROJECTING -> (SUCCESS | PARTIAL | FAILED), producing exactly
// one SyncLog per dispatched SyncJob.
//
// Grounded on the teacher's handler request-lifecycle shape (sequential
// named stages, each translating its own failures) and on
// provider.Pool's fan-out-then-collect pattern for the three marketplace
// fetches — generalized from a provider-selection fan-out into a
// fixed-arity parallel fetch with a stdlib sync.WaitGroup rather than
// errgroup (the teacher's pack never imports golang.org/x/sync/errgroup).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/cache"
	"github.com/wbsync/syncengine/internal/merger"
	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/sheetsprojector"
	"github.com/wbsync/syncengine/internal/syncerr"
	"github.com/wbsync/syncengine/internal/vault"
	"github.com/wbsync/syncengine/internal/wbclient"
)

// TenantStore is the subset of internal/tenantstore the orchestrator
// needs: reading one tenant's record by id.
type TenantStore interface {
	Get(ctx context.Context, tenantID string) (model.Tenant, error)
}

// SpreadsheetProjector is the subset of *sheetsprojector.Projector the
// orchestrator drives. Declared here, not in internal/sheetsprojector, so
// this package depends on the capability it needs rather than the
// concrete client — *sheetsprojector.Projector satisfies it without
// modification. Exported so main can name it as the return type of the
// SheetsServiceFactory it constructs.
type SpreadsheetProjector interface {
	EnsureWorksheet(ctx context.Context, spreadsheetID, name string) (*sheetsprojector.Handle, error)
	VerifySchema(ctx context.Context, h *sheetsprojector.Handle, maxWarehouses int) error
	ClearData(ctx context.Context, h *sheetsprojector.Handle) error
	UpsertProducts(ctx context.Context, h *sheetsprojector.Handle, products []model.Product, opts sheetsprojector.UpsertOptions) error
}

// SheetsServiceFactory builds a SpreadsheetProjector from a tenant's
// decrypted Sheets credential blob. Kept as an injected function rather
// than a concrete oauth2 dependency here so the orchestrator has no
// direct knowledge of how a Projector is authenticated.
type SheetsServiceFactory func(ctx context.Context, decryptedCreds []byte) (SpreadsheetProjector, error)

// ordersLookback bounds how far back FetchOrders reaches; spec.md §4.4
// recommends roughly a one-week window per call.
const ordersLookback = 7 * 24 * time.Hour

// Orchestrator runs one SyncJob at a time via RunSync. It holds no
// per-tenant state between calls; all per-job state lives on the stack of
// a single RunSync invocation.
type Orchestrator struct {
	tenants       TenantStore
	vault         *vault.Vault
	marketplace   wbclient.Client
	cache         *cache.Cache
	sheetsFactory SheetsServiceFactory
	logger        zerolog.Logger
}

// New wires the components a sync cycle touches.
func New(tenants TenantStore, v *vault.Vault, marketplace wbclient.Client, c *cache.Cache, sheetsFactory SheetsServiceFactory, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		tenants:       tenants,
		vault:         v,
		marketplace:   marketplace,
		cache:         c,
		sheetsFactory: sheetsFactory,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
	}
}

// fetchResult collects one of the three parallel marketplace fetches.
type fetchResult struct {
	aggregates []wbclient.AggregateItem
	breakdown  []wbclient.WarehouseBreakdown
	orders     []wbclient.OrderRecord

	aggregatesErr error
	breakdownErr  error
	ordersErr     error
}

// RunSync executes one full sync cycle for tenantID and returns exactly
// one terminal SyncLog, never an error — all failure modes are encoded in
// the log itself (spec.md §4.7 "every path writes exactly one SyncLog").
// ctx is checked once, after the marketplace fetches: if it is already
// done there, the cycle ends as PARTIAL(deadline) without merging or
// projecting. The scheduler passes its soft-timeout context here.
func (o *Orchestrator) RunSync(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
	startedAt := time.Now()
	log := &model.SyncLog{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		StartedAt: startedAt,
	}

	logger := o.logger.With().Str("tenant", tenantID).Str("trigger", string(trigger)).Logger()
	logger.Info().Msg("sync started")

	tenant, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		log.MarkFailed(time.Now(), string(syncerr.KindOf(err)), "credential", "load tenant: "+err.Error())
		return log
	}

	// LOADING_CREDENTIALS
	marketplaceCreds, sheetsCreds, err := o.loadCredentials(tenant)
	if err != nil {
		logger.Error().Err(err).Msg("credential decryption failed")
		log.MarkFailed(time.Now(), string(syncerr.KindOf(err)), "credential", err.Error())
		return log
	}

	// FETCHING_MARKETPLACE
	fr := o.fetchMarketplaceData(ctx, tenantID, marketplaceCreds)
	if fr.aggregatesErr != nil {
		logger.Error().Err(fr.aggregatesErr).Msg("aggregates fetch failed terminally")
		log.MarkFailed(time.Now(), string(syncerr.KindOf(fr.aggregatesErr)), "marketplace", fr.aggregatesErr.Error())
		return log
	}

	partialReason := ""
	if fr.breakdownErr != nil {
		logger.Warn().Err(fr.breakdownErr).Msg("warehouse breakdown fetch failed, continuing with empty breakdown")
		partialReason = "no_breakdown"
	}
	if fr.ordersErr != nil {
		logger.Warn().Err(fr.ordersErr).Msg("orders fetch failed, continuing without order attribution")
		if partialReason == "" {
			partialReason = "no_orders"
		}
	}

	select {
	case <-ctx.Done():
		log.MarkPartial(time.Now(), "deadline")
		return log
	default:
	}

	// MERGING — never fails for data reasons.
	result := merger.Merge(fr.aggregates, fr.breakdown, fr.orders)
	log.OrdersFetchedRaw = result.OrdersFetchedRaw
	log.OrdersAfterFilter = result.OrdersAfterFilter
	log.Warnings = append(log.Warnings, result.Warnings...)
	log.ProductsProcessed = len(result.Products)

	// PROJECTING
	if err := o.project(ctx, tenant, sheetsCreds, result.Products, log); err != nil {
		logger.Error().Err(err).Msg("projection failed")
		log.MarkFailed(time.Now(), string(syncerr.KindOf(err)), "projection", err.Error())
		return log
	}

	if partialReason != "" {
		log.MarkPartial(time.Now(), partialReason)
		logger.Info().Str("reason", partialReason).Msg("sync finished partially")
		return log
	}

	log.MarkSuccess(time.Now())
	logger.Info().Int("products", log.ProductsProcessed).Dur("duration", log.Duration).Msg("sync finished")
	return log
}

func (o *Orchestrator) loadCredentials(tenant model.Tenant) (wbclient.Credentials, []byte, error) {
	const op = "orchestrator.loadCredentials"

	rawMarketplace, err := o.vault.Decrypt(tenant.ID, tenant.EncryptedMarketplaceCreds)
	if err != nil {
		return wbclient.Credentials{}, nil, syncerr.Wrap(syncerr.CredentialCorrupt, op, "decrypt marketplace credentials", err)
	}

	rawSheets, err := o.vault.Decrypt(tenant.ID, tenant.EncryptedSheetsCreds)
	if err != nil {
		return wbclient.Credentials{}, nil, syncerr.Wrap(syncerr.CredentialCorrupt, op, "decrypt sheets credentials", err)
	}

	return wbclient.Credentials{APIKey: string(rawMarketplace)}, rawSheets, nil
}

// fetchMarketplaceData runs the three marketplace calls in parallel
// (spec.md §5: "may execute in parallel within a single job when the
// job-local rate limiter permits" — the shared sliding-window limiter in
// C4 is what actually arbitrates concurrent access, not this function).
// Each result is memoized in the tenant-scoped cache for the cycle's TTL
// window so a scheduler-triggered retry of the same tenant shortly after
// a partial failure does not re-fetch data that already succeeded
// (spec.md §4.3: "memoize marketplace responses ... to avoid re-fetching
// under retry").
func (o *Orchestrator) fetchMarketplaceData(ctx context.Context, tenantID string, creds wbclient.Credentials) fetchResult {
	var fr fetchResult
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if hit, _ := o.cache.Get(ctx, tenantID, "aggregates", &fr.aggregates); hit {
			return
		}
		window := wbclient.TimeWindow{Start: time.Now().Add(-ordersLookback), End: time.Now()}
		fr.aggregates, fr.aggregatesErr = o.marketplace.FetchAggregates(ctx, creds, window)
		if fr.aggregatesErr == nil {
			_ = o.cache.Set(ctx, tenantID, "aggregates", fr.aggregates, 0)
		}
	}()
	go func() {
		defer wg.Done()
		if hit, _ := o.cache.Get(ctx, tenantID, "breakdown", &fr.breakdown); hit {
			return
		}
		fr.breakdown, fr.breakdownErr = o.marketplace.FetchWarehouseBreakdown(ctx, creds)
		if fr.breakdownErr == nil {
			_ = o.cache.Set(ctx, tenantID, "breakdown", fr.breakdown, 0)
		}
	}()
	go func() {
		defer wg.Done()
		if hit, _ := o.cache.Get(ctx, tenantID, "orders", &fr.orders); hit {
			return
		}
		fr.orders, fr.ordersErr = o.marketplace.FetchOrders(ctx, creds, time.Now().Add(-ordersLookback))
		if fr.ordersErr == nil {
			_ = o.cache.Set(ctx, tenantID, "orders", fr.orders, 0)
		}
	}()

	wg.Wait()
	return fr
}

func (o *Orchestrator) project(ctx context.Context, tenant model.Tenant, sheetsCreds []byte, products []model.Product, log *model.SyncLog) error {
	const op = "orchestrator.project"

	projector, err := o.sheetsFactory(ctx, sheetsCreds)
	if err != nil {
		return syncerr.Wrap(syncerr.CredentialCorrupt, op, "build sheets client", err)
	}

	handle, err := projector.EnsureWorksheet(ctx, tenant.SpreadsheetID, tenant.WorksheetName)
	if err != nil {
		return err
	}

	maxWarehouses := 0
	for _, p := range products {
		if len(p.Warehouses) > maxWarehouses {
			maxWarehouses = len(p.Warehouses)
		}
	}
	if err := projector.VerifySchema(ctx, handle, maxWarehouses); err != nil {
		return err
	}

	if err := projector.ClearData(ctx, handle); err != nil {
		return err
	}

	if err := projector.UpsertProducts(ctx, handle, products, sheetsprojector.UpsertOptions{SkipExistenceCheck: true}); err != nil {
		if syncerr.KindOf(err) == syncerr.QuotaExceeded {
			log.Warnings = append(log.Warnings, "projection_retried")
		}
		return err
	}

	return nil
}
