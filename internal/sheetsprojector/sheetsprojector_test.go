package sheetsprojector

import (
	"testing"

	"github.com/wbsync/syncengine/internal/model"
)

func TestBuildHeadersGrowsWithWarehouseCount(t *testing.T) {
	row1, row2 := buildHeaders(2)
	if len(row1) != len(headerRow1Fixed)+6 {
		t.Fatalf("expected %d columns, got %d", len(headerRow1Fixed)+6, len(row1))
	}
	if row2[len(row2)-3] != "name" || row2[len(row2)-2] != "orders" || row2[len(row2)-1] != "stock" {
		t.Fatalf("expected trailing warehouse field names, got %v", row2[len(row2)-3:])
	}
}

func TestHeadersMatchDetectsDrift(t *testing.T) {
	want1, want2 := buildHeaders(1)
	if !headersMatch([][]interface{}{want1, want2}, want1, want2) {
		t.Fatal("expected identical headers to match")
	}
	if headersMatch([][]interface{}{{"stale"}, want2}, want1, want2) {
		t.Fatal("expected mismatched headers to be detected")
	}
	if headersMatch(nil, want1, want2) {
		t.Fatal("expected absent headers to be detected as mismatched")
	}
}

func TestBuildRowPadsMissingWarehouses(t *testing.T) {
	product := model.Product{
		SellerArticle: "ART-1",
		NmID:          42,
		Name:          "Widget",
		TotalOrders:   4,
		TotalStock:    20,
		Warehouses: []model.Warehouse{
			{Name: "A", Stock: 20, Orders: 4},
		},
	}

	row := buildRow(product, 2)
	// 6 fixed columns + 2 warehouses * 3 columns = 12.
	if len(row) != 12 {
		t.Fatalf("expected 12 columns, got %d", len(row))
	}
	if row[0] != "ART-1" || row[1] != int64(42) {
		t.Fatalf("unexpected fixed columns: %v", row[:6])
	}
	if row[6] != "A" || row[7] != 4 || row[8] != 20 {
		t.Fatalf("unexpected first warehouse columns: %v", row[6:9])
	}
	if row[9] != "" || row[10] != "" || row[11] != "" {
		t.Fatalf("expected padded empty columns for missing second warehouse, got %v", row[9:12])
	}
}

func TestMaxWarehouseCount(t *testing.T) {
	products := []model.Product{
		{Warehouses: []model.Warehouse{{Name: "A"}}},
		{Warehouses: []model.Warehouse{{Name: "A"}, {Name: "B"}, {Name: "C"}}},
	}
	if got := maxWarehouseCount(products); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestIsQuotaErrorRecognizesKnownMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"googleapi: Error 429: Quota exceeded", true},
		{"googleapi: Error 403: RESOURCE_EXHAUSTED", true},
		{"context deadline exceeded", false},
	}
	for _, c := range cases {
		if got := isQuotaError(errString(c.msg)); got != c.want {
			t.Fatalf("isQuotaError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
