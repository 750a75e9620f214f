// Package procurement exposes read-only access to purchase orders and
// goods receipts. Both are imported from the buyer's ERP via CSV and are
// never mutated by the pipeline; the matching engine only reads them.
package procurement

import (
	"time"

	"github.com/google/uuid"
)

// POStatus is the lifecycle state of a purchase order as imported.
type POStatus string

const (
	POOpen      POStatus = "open"
	POPartial   POStatus = "partial"
	POClosed    POStatus = "closed"
	POCancelled POStatus = "cancelled"
)

// PurchaseOrder is a buyer-side commitment to purchase at agreed prices.
type PurchaseOrder struct {
	ID        uuid.UUID
	Number    string
	VendorID  *uuid.UUID
	Status    POStatus
	Currency  string
	Total     float64
	OrderDate *time.Time
	DueDate   *time.Time
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// POLine is one ordered line on a purchase order.
type POLine struct {
	ID          uuid.UUID
	POID        uuid.UUID
	LineNumber  int
	Description string
	Quantity    float64
	UnitPrice   float64
	Unit        string
	Category    string
	GLAccount   string
	ReceivedQty float64
	InvoicedQty float64
}

// GoodsReceipt records physical receipt of goods against a PO.
type GoodsReceipt struct {
	ID         uuid.UUID
	Number     string
	POID       uuid.UUID
	VendorID   *uuid.UUID
	ReceivedAt *time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

// GRLine is one received line on a goods receipt. POLineID is set when
// the import could link the receipt line back to an ordered line.
type GRLine struct {
	ID          uuid.UUID
	ReceiptID   uuid.UUID
	POLineID    *uuid.UUID
	LineNumber  int
	Description string
	Quantity    float64
	Unit        string
}
