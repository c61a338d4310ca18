// Package model defines the per-tenant product/warehouse/tenant data model
// shared by every component of the sync engine.
package model

import "time"

// MarketplaceType tags which marketplace a Tenant's credentials target.
type MarketplaceType string

const (
	MarketplaceWildberries MarketplaceType = "wildberries"
	MarketplaceOzon        MarketplaceType = "ozon"
)

// Tenant is a seller account. Exactly one active credential blob exists
// per (tenant, marketplace) at a time.
type Tenant struct {
	ID          string
	Name        string
	Marketplace MarketplaceType

	// EncryptedMarketplaceCreds and EncryptedSheetsCreds are vault
	// ciphertexts; only ever decrypted for the lifetime of one sync job.
	EncryptedMarketplaceCreds string
	EncryptedSheetsCreds      string

	SpreadsheetID string
	WorksheetName string

	Cadence time.Duration
	Paused  bool
}

// FulfillmentClass distinguishes marketplace-fulfilled, seller-fulfilled,
// and synthesized warehouse rows.
type FulfillmentClass string

const (
	FulfillmentFBO       FulfillmentClass = "fbo"
	FulfillmentFBS       FulfillmentClass = "fbs"
	FulfillmentSynthetic FulfillmentClass = "synthetic"
)

// WarehouseFBSResidualName is the synthetic row that reconciles the gap
// between the authoritative total and the FBO breakdown sum.
const WarehouseFBSResidualName = "МП/FBS (on seller's premises)"

// Warehouse is a per-product, per-location row. It may exist with Stock=0
// when Orders>0 — this is a required contract, not a defect.
type Warehouse struct {
	Name        string
	Fulfillment FulfillmentClass
	Stock       int
	Orders      int
}

// Product is a SKU as seen on a marketplace for a given tenant, uniquely
// keyed by (tenant, NmID).
type Product struct {
	NmID          int64
	SellerArticle string
	Name          string
	TotalStock    int
	TotalOrders   int
	LastUpdated   time.Time
	Warehouses    []Warehouse
}

// Trigger identifies what caused a SyncJob to be dispatched.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerRetry     Trigger = "retry"
)

// SyncJob is a runtime dispatch unit. It is never persisted — only its
// terminal SyncLog is.
type SyncJob struct {
	TenantID   string
	Trigger    Trigger
	EnqueuedAt time.Time
	Attempt    int
}

// SyncStatus is the terminal outcome of one sync attempt.
type SyncStatus string

const (
	StatusSuccess SyncStatus = "success"
	StatusPartial SyncStatus = "partial"
	StatusFailed  SyncStatus = "failed"
)

// SyncLog is an append-only record of one completed sync attempt.
// Exactly one is produced per dispatched SyncJob (spec.md §8, invariant 1).
type SyncLog struct {
	ID        string
	TenantID  string
	StartedAt time.Time
	FinishedAt time.Time

	Status SyncStatus
	// Reason further qualifies a partial/failed status, e.g. "no_breakdown",
	// "no_orders", "deadline", "cancelled", "credential", "marketplace",
	// "projection", "internal".
	Reason string

	ProductsProcessed int
	ProductsFailed    int
	OrdersFetchedRaw  int
	OrdersAfterFilter int

	// Warnings records non-fatal invariant violations, e.g.
	// "reconciliation_mismatch" entries and "projection_retried".
	Warnings []string

	ErrorKind    string
	ErrorMessage string

	Duration time.Duration
}

// MarkSuccess finalizes the log as a full success.
func (s *SyncLog) MarkSuccess(finishedAt time.Time) {
	s.Status = StatusSuccess
	s.Reason = ""
	s.finalize(finishedAt)
}

// MarkPartial finalizes the log as a partial success with the given reason.
func (s *SyncLog) MarkPartial(finishedAt time.Time, reason string) {
	s.Status = StatusPartial
	s.Reason = reason
	s.finalize(finishedAt)
}

// MarkFailed finalizes the log as a failure with an error kind/message.
func (s *SyncLog) MarkFailed(finishedAt time.Time, kind, reason, message string) {
	s.Status = StatusFailed
	s.Reason = reason
	s.ErrorKind = kind
	s.ErrorMessage = message
	s.finalize(finishedAt)
}

func (s *SyncLog) finalize(finishedAt time.Time) {
	s.FinishedAt = finishedAt
	s.Duration = finishedAt.Sub(s.StartedAt)
}
