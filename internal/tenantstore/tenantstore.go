// Package tenantstore is the Postgres-backed repository for the `tenants`
// table of spec.md §6's persisted state layout. Not a numbered C-item in
// spec.md §2, but required by the Tenant data model of §3 — the
// scheduler, orchestrator, and admin HTTP surface all read through here.
//
// Grounded on internal/synclog's PostgresSink for the pgx/v5/pgxpool
// query shape; this is the same driver, a second consumer of the
// teacher's previously-unwired DatabaseURL config field.
package tenantstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/syncerr"
)

// ErrNotFound is returned when a tenant id has no matching row.
var ErrNotFound = errors.New("tenant not found")

// Store is the Postgres tenant repository.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get fetches a single tenant by id.
func (s *Store) Get(ctx context.Context, tenantID string) (model.Tenant, error) {
	const op = "tenantstore.Get"

	row := s.pool.QueryRow(ctx, `
		SELECT id, name, marketplace, encrypted_marketplace_creds, encrypted_sheets_creds,
		       spreadsheet_id, worksheet_name, cadence_seconds, paused
		FROM tenants
		WHERE id = $1`, tenantID)

	tenant, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, syncerr.Wrap(syncerr.ConfigMissing, op, "tenant not found", ErrNotFound)
		}
		return model.Tenant{}, syncerr.Wrap(syncerr.Internal, op, "query tenant", err)
	}
	return tenant, nil
}

// ListActive returns every non-paused tenant, read by the scheduler on
// each tick to decide who is due.
func (s *Store) ListActive(ctx context.Context) ([]model.Tenant, error) {
	const op = "tenantstore.ListActive"

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, marketplace, encrypted_marketplace_creds, encrypted_sheets_creds,
		       spreadsheet_id, worksheet_name, cadence_seconds, paused
		FROM tenants
		WHERE paused = false`)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, op, "query active tenants", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, op, "scan tenant row", err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// Create inserts a new tenant row.
func (s *Store) Create(ctx context.Context, tenant model.Tenant) error {
	const op = "tenantstore.Create"

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants
			(id, name, marketplace, encrypted_marketplace_creds, encrypted_sheets_creds,
			 spreadsheet_id, worksheet_name, cadence_seconds, paused)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tenant.ID, tenant.Name, string(tenant.Marketplace), tenant.EncryptedMarketplaceCreds, tenant.EncryptedSheetsCreds,
		tenant.SpreadsheetID, tenant.WorksheetName, int64(tenant.Cadence/time.Second), tenant.Paused)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, op, "insert tenant", err)
	}
	return nil
}

// SetPaused flips a tenant's paused flag, used by the admin surface to
// suspend sync without deleting configuration.
func (s *Store) SetPaused(ctx context.Context, tenantID string, paused bool) error {
	const op = "tenantstore.SetPaused"

	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET paused = $2 WHERE id = $1`, tenantID, paused)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, op, "update paused flag", err)
	}
	if tag.RowsAffected() == 0 {
		return syncerr.Wrap(syncerr.ConfigMissing, op, "tenant not found", ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (model.Tenant, error) {
	var tenant model.Tenant
	var marketplace string
	var cadenceSeconds int64

	if err := row.Scan(
		&tenant.ID, &tenant.Name, &marketplace, &tenant.EncryptedMarketplaceCreds, &tenant.EncryptedSheetsCreds,
		&tenant.SpreadsheetID, &tenant.WorksheetName, &cadenceSeconds, &tenant.Paused,
	); err != nil {
		return model.Tenant{}, err
	}

	tenant.Marketplace = model.MarketplaceType(marketplace)
	tenant.Cadence = time.Duration(cadenceSeconds) * time.Second
	return tenant, nil
}
