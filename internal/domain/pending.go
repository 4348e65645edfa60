package domain

import "time"

// Terminal-side pending transaction lifecycle. A transaction is created
// `pending` at checkout; a sync attempt moves it to `synced` (fully
// fulfilled), `conflict` (synced but reduced, awaiting a human
// acknowledgment) or `failed` (retries exhausted or unrecoverable).
const (
	PendingStatusPending  = "pending"
	PendingStatusSynced   = "synced"
	PendingStatusConflict = "conflict"
	PendingStatusFailed   = "failed"
)

// CachedProduct is a terminal's local mirror of one product/store pairing.
// LocalStock is always ServerStock - ReservedStock floored at zero.
type CachedProduct struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Barcode       string    `json:"barcode,omitempty"`
	Name          string    `json:"name"`
	PriceCents    int64     `json:"price_cents"`
	InventoryID   string    `json:"inventory_id"`
	StoreID       string    `json:"store_id"`
	ServerStock   int       `json:"server_stock"`
	ReservedStock int       `json:"reserved_stock"`
	LocalStock    int       `json:"local_stock"`
	CachedAt      time.Time `json:"cached_at"`
}

// Reservation is one pending sale's provisional claim on one product's
// stock. Created atomically with the sale at checkout and dropped once the
// sale's sync outcome is final.
type Reservation struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingTransactionItem is one line of a locally captured sale. Quantity
// may be reduced by the server at sync time; RequestedQuantity is the
// original ask and never changes after enqueue.
type PendingTransactionItem struct {
	ProductID         string `json:"product_id"`
	InventoryID       string `json:"inventory_id"`
	Name              string `json:"name"`
	SKU               string `json:"sku"`
	PriceCents        int64  `json:"price_cents"`
	DiscountCents     int64  `json:"discount_cents"`
	Quantity          int    `json:"quantity"`
	RequestedQuantity int    `json:"requested_quantity"`
}

// ReceiptSnapshot captures the store/cashier details needed to print a
// receipt with no network access.
type ReceiptSnapshot struct {
	StoreName    string `json:"store_name"`
	StoreAddress string `json:"store_address,omitempty"`
	CashierName  string `json:"cashier_name"`
	TerminalID   string `json:"terminal_id"`
}

// PendingTransaction is one locally captured sale queued for sync. ID is
// generated locally and stays stable across retries.
type PendingTransaction struct {
	ID                 string                   `json:"id"`
	LocalReceiptNumber string                   `json:"local_receipt_number"`
	StoreID            string                   `json:"store_id"`
	CashierID          string                   `json:"cashier_id"`
	SessionID          string                   `json:"session_id,omitempty"`
	CustomerID         string                   `json:"customer_id,omitempty"`
	Items              []PendingTransactionItem `json:"items"`
	SubtotalCents      int64                    `json:"subtotal_cents"`
	TaxCents           int64                    `json:"tax_cents"`
	DiscountCents      int64                    `json:"discount_cents"`
	TotalCents         int64                    `json:"total_cents"`
	PaymentMethod      string                   `json:"payment_method"`
	Notes              string                   `json:"notes,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	Status             string                   `json:"status"`
	SyncAttempts       int                      `json:"sync_attempts"`
	LastSyncAttempt    *time.Time               `json:"last_sync_attempt,omitempty"`
	SyncError          string                   `json:"sync_error,omitempty"`
	ServerSaleID       string                   `json:"server_sale_id,omitempty"`
	ServerSaleNumber   string                   `json:"server_sale_number,omitempty"`
	Conflict           *ConflictResolution      `json:"conflict_resolution,omitempty"`
	Receipt            ReceiptSnapshot          `json:"receipt_data"`
}

// SyncRequest builds the wire snapshot submitted for reconciliation.
func (t PendingTransaction) SyncRequest() SyncTransactionRequest {
	items := make([]SyncItemRequest, 0, len(t.Items))
	for _, item := range t.Items {
		items = append(items, SyncItemRequest{
			ProductID:     item.ProductID,
			InventoryID:   item.InventoryID,
			Quantity:      item.Quantity,
			PriceCents:    item.PriceCents,
			DiscountCents: item.DiscountCents,
		})
	}
	return SyncTransactionRequest{
		LocalID:            t.ID,
		LocalReceiptNumber: t.LocalReceiptNumber,
		StoreID:            t.StoreID,
		CashierID:          t.CashierID,
		SessionID:          t.SessionID,
		CustomerID:         t.CustomerID,
		Items:              items,
		SubtotalCents:      t.SubtotalCents,
		TaxCents:           t.TaxCents,
		DiscountCents:      t.DiscountCents,
		TotalCents:         t.TotalCents,
		PaymentMethod:      t.PaymentMethod,
		Notes:              t.Notes,
		CreatedAt:          t.CreatedAt,
	}
}
