package sheetsprojector

import "github.com/wbsync/syncengine/internal/model"

// headerRow1Fixed and headerRow2Fixed are the canonical two-header-row layout of
// spec.md §4.6: category headers, then field names. Warehouse columns are
// appended dynamically per the widest product in the cycle.
var (
	headerRow1Fixed = []interface{}{"Product", "", "", "", "", ""}
	headerRow2Fixed = []interface{}{"seller article", "nmId", "name", "totalOrders", "totalStock", "turnover"}
)

// Handle pins the worksheet resolved for one cycle plus the cycle-scoped
// existence map, so every later call in the cycle reuses both instead of
// re-resolving (spec.md §4.6 quota discipline).
type Handle struct {
	spreadsheetID string
	sheetID       int64
	sheetName     string

	// rowBySellerArticle maps a product's seller article (row identity,
	// spec.md §4.6) to its 1-based spreadsheet row. Populated once per
	// cycle by resolveExistence.
	rowBySellerArticle map[string]int
	// nextRow is the first unused row after the header rows and any
	// known existing rows; used to assign rows to new products when
	// writing with the existence check (SkipExistenceCheck false).
	nextRow int
}

// UpsertOptions controls UpsertProducts behavior.
type UpsertOptions struct {
	// SkipExistenceCheck appends in bulk without resolving per-product
	// rows, valid immediately after ClearData (spec.md §4.6).
	SkipExistenceCheck bool
}

func maxWarehouseCount(products []model.Product) int {
	max := 0
	for _, p := range products {
		if len(p.Warehouses) > max {
			max = len(p.Warehouses)
		}
	}
	return max
}
