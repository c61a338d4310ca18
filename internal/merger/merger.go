// Package merger implements the reconciliation algorithm of spec.md §4.5:
// combining the aggregated totals, the FBO warehouse breakdown, and the
// order records into the per-tenant Product/Warehouse tree.
//
// This is pure, in-memory, dependency-free transformation logic — no
// I/O, no library surface worth exercising with a third-party package
// (see DESIGN.md for this standard-library justification).
package merger

import (
	"sort"

	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/wbclient"
)

// reservedLogisticsWarehouses are in-transit buckets, never real
// inventory (spec.md §4.5 step 2, §8 invariant 5).
var reservedLogisticsWarehouses = map[string]bool{
	"В пути до получателей":        true,
	"На возврате от покупателя":    true,
}

// Result is the merger's output: the reconciled products plus any
// non-fatal invariant warnings to attach to the SyncLog.
type Result struct {
	Products []model.Product
	Warnings []string

	// OrdersFetchedRaw and OrdersAfterFilter feed the SyncLog counters of
	// spec.md §3: raw count before cancellation/dedup filtering, and the
	// count left after dropping cancelled records and duplicate srids.
	// OrdersAfterFilter still includes orders for the reserved logistics
	// buckets and for nmIDs absent from both aggregates and breakdown,
	// which are not attributed to any warehouse row.
	OrdersFetchedRaw  int
	OrdersAfterFilter int
}

// Merge combines aggregates, the FBO warehouse breakdown, and order
// records for one tenant into the Product/Warehouse model, following the
// six-step algorithm of spec.md §4.5.
func Merge(aggregates []wbclient.AggregateItem, breakdown []wbclient.WarehouseBreakdown, orders []wbclient.OrderRecord) Result {
	ordersByKey := groupOrders(orders)

	breakdownByNmID := make(map[int64]wbclient.WarehouseBreakdown, len(breakdown))
	for _, b := range breakdown {
		breakdownByNmID[b.NmID] = b
	}

	var warnings []string
	nmIDs := collectNmIDs(aggregates, breakdown)

	products := make([]model.Product, 0, len(nmIDs))
	for _, nmID := range nmIDs {
		agg, hasAgg := findAggregate(aggregates, nmID)
		bd := breakdownByNmID[nmID]

		product := model.Product{NmID: nmID}
		if hasAgg {
			product.SellerArticle = agg.VendorCode
			product.Name = agg.Name
			product.TotalStock = agg.Metrics.StockCount
			product.TotalOrders = agg.Metrics.OrdersCount
		} else {
			// Present only in the breakdown: catalog fields come from W,
			// no authoritative total is available.
			product.SellerArticle = bd.VendorCode
		}

		// Step 3: seed warehouses from the FBO breakdown.
		warehouseIndex := make(map[string]int)
		for _, w := range bd.Warehouses {
			if reservedLogisticsWarehouses[w.Name] {
				continue
			}
			idx := len(product.Warehouses)
			product.Warehouses = append(product.Warehouses, model.Warehouse{
				Name:        w.Name,
				Fulfillment: model.FulfillmentFBO,
				Stock:       w.Quantity,
			})
			warehouseIndex[w.Name] = idx
		}

		// Step 4: inject orders, creating synthetic stock=0 rows as needed.
		for wh, count := range ordersByKey[nmID] {
			if reservedLogisticsWarehouses[wh] {
				continue
			}
			if idx, ok := warehouseIndex[wh]; ok {
				product.Warehouses[idx].Orders = count
				continue
			}
			product.Warehouses = append(product.Warehouses, model.Warehouse{
				Name:        wh,
				Fulfillment: model.FulfillmentFBO,
				Stock:       0,
				Orders:      count,
			})
		}

		// Step 5: authoritative total + FBS residual.
		fboSum := 0
		for _, w := range product.Warehouses {
			if w.Fulfillment == model.FulfillmentFBO {
				fboSum += w.Stock
			}
		}
		if hasAgg {
			if product.TotalStock > fboSum {
				product.Warehouses = append(product.Warehouses, model.Warehouse{
					Name:        model.WarehouseFBSResidualName,
					Fulfillment: model.FulfillmentFBS,
					Stock:       product.TotalStock - fboSum,
					Orders:      0,
				})
			} else if product.TotalStock < fboSum {
				warnings = append(warnings, "reconciliation_mismatch")
			}
		}

		// Step 6: total orders.
		totalOrders := 0
		for _, w := range product.Warehouses {
			totalOrders += w.Orders
		}
		product.TotalOrders = totalOrders

		products = append(products, product)
	}

	afterFilterCount := 0
	for _, byWarehouse := range ordersByKey {
		for _, count := range byWarehouse {
			afterFilterCount += count
		}
	}

	return Result{
		Products:          products,
		Warnings:          warnings,
		OrdersFetchedRaw:  len(orders),
		OrdersAfterFilter: afterFilterCount,
	}
}

// groupOrders filters cancelled records, deduplicates by srid, and groups
// into (nmId, warehouseName) -> count, per spec.md §4.5 step 1 and §8
// invariant 4.
func groupOrders(orders []wbclient.OrderRecord) map[int64]map[string]int {
	seen := make(map[string]bool)
	grouped := make(map[int64]map[string]int)

	for _, o := range orders {
		if o.IsCancel {
			continue
		}
		if o.Srid != "" {
			if seen[o.Srid] {
				continue
			}
			seen[o.Srid] = true
		}

		byWarehouse, ok := grouped[o.NmID]
		if !ok {
			byWarehouse = make(map[string]int)
			grouped[o.NmID] = byWarehouse
		}
		byWarehouse[o.WarehouseName]++
	}

	return grouped
}

func collectNmIDs(aggregates []wbclient.AggregateItem, breakdown []wbclient.WarehouseBreakdown) []int64 {
	set := make(map[int64]bool)
	for _, a := range aggregates {
		set[a.NmID] = true
	}
	for _, b := range breakdown {
		set[b.NmID] = true
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func findAggregate(aggregates []wbclient.AggregateItem, nmID int64) (wbclient.AggregateItem, bool) {
	for _, a := range aggregates {
		if a.NmID == nmID {
			return a, true
		}
	}
	return wbclient.AggregateItem{}, false
}
