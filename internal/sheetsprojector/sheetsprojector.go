// Package sheetsprojector projects the merged Product/Warehouse tree
// (internal/merger) into a spreadsheet, implementing the two-header-row
// layout and quota discipline of spec.md §4.6.
//
// Grounded on the teacher's caching.Cache for the "resolve once, reuse for
// the cycle" handle pattern, and on provider.HealthPoller's explicit
// retry-with-backoff shape for the quota-exceeded retry path. The
// `google.golang.org/api/sheets/v4` client is new to this module — no
// example repo touches Sheets — but it is the standard library the Go
// ecosystem uses for this exact surface, so it is wired rather than
// hand-rolled against the raw HTTP API.
package sheetsprojector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/sheets/v4"

	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/syncerr"
)

const (
	headerRowCount    = 2
	quotaRetryDelay   = 5 * time.Second
	legacyWorksheetNm = "Stock" // pre-migration worksheet name, retained for one-time rename.
)

// Projector writes merged sync results into a tenant's spreadsheet.
type Projector struct {
	svc    *sheets.Service
	logger zerolog.Logger
}

// New wraps an authenticated sheets.Service. Credential acquisition
// (service-account or OAuth2) is the caller's responsibility — the
// orchestrator builds one sheets.Service per tenant from the tenant's
// decrypted sheets credentials.
func New(svc *sheets.Service, logger zerolog.Logger) *Projector {
	return &Projector{svc: svc, logger: logger.With().Str("component", "sheetsprojector").Logger()}
}

// EnsureWorksheet locates the worksheet by name, attempting a one-time
// rename from the legacy name if the canonical one is absent, or creating
// it fresh. Returns a Handle valid for the remainder of the cycle.
func (p *Projector) EnsureWorksheet(ctx context.Context, spreadsheetID, name string) (*Handle, error) {
	const op = "sheetsprojector.EnsureWorksheet"

	spreadsheet, err := p.svc.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.QuotaExceeded, op, "read spreadsheet metadata", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == name {
			return &Handle{spreadsheetID: spreadsheetID, sheetID: sheet.Properties.SheetId, sheetName: name}, nil
		}
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == legacyWorksheetNm {
			req := &sheets.BatchUpdateSpreadsheetRequest{
				Requests: []*sheets.Request{{
					UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
						Properties: &sheets.SheetProperties{SheetId: sheet.Properties.SheetId, Title: name},
						Fields:     "title",
					},
				}},
			}
			if _, err := p.svc.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do(); err != nil {
				return nil, syncerr.Wrap(syncerr.QuotaExceeded, op, "rename legacy worksheet", err)
			}
			p.logger.Info().Str("from", legacyWorksheetNm).Str("to", name).Msg("renamed legacy worksheet")
			return &Handle{spreadsheetID: spreadsheetID, sheetID: sheet.Properties.SheetId, sheetName: name}, nil
		}
	}

	addReq := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: name}},
		}},
	}
	resp, err := p.svc.Spreadsheets.BatchUpdate(spreadsheetID, addReq).Context(ctx).Do()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.QuotaExceeded, op, "create worksheet", err)
	}
	sheetID := resp.Replies[0].AddSheet.Properties.SheetId
	return &Handle{spreadsheetID: spreadsheetID, sheetID: sheetID, sheetName: name}, nil
}

// VerifySchema confirms the two-header-row layout exists for the widest
// product expected this cycle, rewriting headers in a single batched
// update if not. maxWarehouses sizes the warehouse column block.
func (p *Projector) VerifySchema(ctx context.Context, h *Handle, maxWarehouses int) error {
	const op = "sheetsprojector.VerifySchema"

	rangeA1 := fmt.Sprintf("%s!A1:Z%d", h.sheetName, headerRowCount)
	resp, err := p.svc.Spreadsheets.Values.Get(h.spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		return syncerr.Wrap(syncerr.QuotaExceeded, op, "read header rows", err)
	}

	wantRow1, wantRow2 := buildHeaders(maxWarehouses)
	if headersMatch(resp.Values, wantRow1, wantRow2) {
		return nil
	}

	update := &sheets.ValueRange{Values: [][]interface{}{wantRow1, wantRow2}}
	_, err = p.svc.Spreadsheets.Values.Update(h.spreadsheetID, fmt.Sprintf("%s!A1", h.sheetName), update).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return syncerr.Wrap(syncerr.QuotaExceeded, op, "write header rows", err)
	}
	return nil
}

// ClearData removes data rows while preserving the header rows.
func (p *Projector) ClearData(ctx context.Context, h *Handle) error {
	const op = "sheetsprojector.ClearData"

	rangeA1 := fmt.Sprintf("%s!A%d:Z", h.sheetName, headerRowCount+1)
	_, err := p.svc.Spreadsheets.Values.Clear(h.spreadsheetID, rangeA1, &sheets.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return syncerr.Wrap(syncerr.QuotaExceeded, op, "clear data rows", err)
	}
	h.rowBySellerArticle = nil
	h.nextRow = headerRowCount + 1
	return nil
}

// UpsertProducts writes all products in a single pass. When
// opts.SkipExistenceCheck is true the products are appended in bulk,
// valid immediately after ClearData; otherwise each product's row is
// resolved against a single full-range read cached for the cycle.
func (p *Projector) UpsertProducts(ctx context.Context, h *Handle, products []model.Product, opts UpsertOptions) error {
	const op = "sheetsprojector.UpsertProducts"

	maxWarehouses := maxWarehouseCount(products)
	rows := make([][]interface{}, len(products))
	for i, product := range products {
		rows[i] = buildRow(product, maxWarehouses)
	}

	if !opts.SkipExistenceCheck && h.rowBySellerArticle == nil {
		if err := p.resolveExistence(ctx, h); err != nil {
			return err
		}
	}

	if opts.SkipExistenceCheck {
		if err := p.appendRows(ctx, h, rows); err != nil {
			return syncerr.Wrap(syncerr.QuotaExceeded, op, "append rows", err)
		}
		return nil
	}

	return p.writeResolvedRows(ctx, h, products, rows)
}

// resolveExistence performs the cycle's single full-range read, building
// the seller-article -> row map. Must be called at most once per cycle.
func (p *Projector) resolveExistence(ctx context.Context, h *Handle) error {
	const op = "sheetsprojector.resolveExistence"

	rangeA1 := fmt.Sprintf("%s!A%d:A", h.sheetName, headerRowCount+1)
	resp, err := p.svc.Spreadsheets.Values.Get(h.spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		return syncerr.Wrap(syncerr.QuotaExceeded, op, "read existence column", err)
	}

	h.rowBySellerArticle = make(map[string]int, len(resp.Values))
	row := headerRowCount + 1
	for _, cols := range resp.Values {
		if len(cols) > 0 {
			if article, ok := cols[0].(string); ok && article != "" {
				h.rowBySellerArticle[article] = row
			}
		}
		row++
	}
	h.nextRow = row
	return nil
}

func (p *Projector) writeResolvedRows(ctx context.Context, h *Handle, products []model.Product, rows [][]interface{}) error {
	const op = "sheetsprojector.writeResolvedRows"

	var data []*sheets.ValueRange
	var appended [][]interface{}

	for i, product := range products {
		if row, ok := h.rowBySellerArticle[product.SellerArticle]; ok {
			rangeA1 := fmt.Sprintf("%s!A%d", h.sheetName, row)
			data = append(data, &sheets.ValueRange{Range: rangeA1, Values: [][]interface{}{rows[i]}})
			continue
		}
		appended = append(appended, rows[i])
		h.rowBySellerArticle[product.SellerArticle] = h.nextRow
		h.nextRow++
	}

	if len(data) > 0 {
		batch := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW", Data: data}
		if err := p.withQuotaRetry(ctx, func() error {
			_, err := p.svc.Spreadsheets.Values.BatchUpdate(h.spreadsheetID, batch).Context(ctx).Do()
			return err
		}); err != nil {
			return syncerr.Wrap(syncerr.QuotaExceeded, op, "batch update existing rows", err)
		}
	}

	if len(appended) > 0 {
		if err := p.appendRows(ctx, h, appended); err != nil {
			return syncerr.Wrap(syncerr.QuotaExceeded, op, "append new rows", err)
		}
	}
	return nil
}

func (p *Projector) appendRows(ctx context.Context, h *Handle, rows [][]interface{}) error {
	rangeA1 := fmt.Sprintf("%s!A%d", h.sheetName, headerRowCount+1)
	body := &sheets.ValueRange{Values: rows}
	return p.withQuotaRetry(ctx, func() error {
		_, err := p.svc.Spreadsheets.Values.Append(h.spreadsheetID, rangeA1, body).
			ValueInputOption("RAW").InsertDataOption("OVERWRITE").Context(ctx).Do()
		return err
	})
}

// withQuotaRetry retries a single quota-exceeded write once after the
// fixed 5s backoff the spec mandates for the projector's retry boundary
// (spec.md §7 QuotaExceeded, S6).
func (p *Projector) withQuotaRetry(ctx context.Context, write func() error) error {
	err := write()
	if err == nil {
		return nil
	}
	if !isQuotaError(err) {
		return err
	}

	p.logger.Warn().Err(err).Msg("spreadsheet quota exceeded, retrying once after 5s")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(quotaRetryDelay):
	}
	return write()
}

func isQuotaError(err error) bool {
	// googleapi errors surface quota exhaustion as HTTP 429 or 403 with a
	// RESOURCE_EXHAUSTED reason; the exact string varies by API surface,
	// so a substring check on the wrapped message is the pragmatic test.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "Quota exceeded")
}

func buildHeaders(maxWarehouses int) ([]interface{}, []interface{}) {
	row1 := append([]interface{}{}, headerRow1Fixed...)
	row2 := append([]interface{}{}, headerRow2Fixed...)
	for i := 0; i < maxWarehouses; i++ {
		row1 = append(row1, fmt.Sprintf("Warehouse %d", i+1), "", "")
		row2 = append(row2, "name", "orders", "stock")
	}
	return row1, row2
}

func headersMatch(existing [][]interface{}, wantRow1, wantRow2 []interface{}) bool {
	if len(existing) < 2 {
		return false
	}
	return rowEquals(existing[0], wantRow1) && rowEquals(existing[1], wantRow2)
}

func rowEquals(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}

func buildRow(product model.Product, maxWarehouses int) []interface{} {
	turnover := ""
	if product.TotalOrders > 0 {
		turnover = strconv.FormatFloat(float64(product.TotalStock)/float64(product.TotalOrders), 'f', 2, 64)
	}
	row := []interface{}{
		product.SellerArticle,
		product.NmID,
		product.Name,
		product.TotalOrders,
		product.TotalStock,
		turnover,
	}
	for i := 0; i < maxWarehouses; i++ {
		if i < len(product.Warehouses) {
			w := product.Warehouses[i]
			row = append(row, w.Name, w.Orders, w.Stock)
		} else {
			row = append(row, "", "", "")
		}
	}
	return row
}
