package domain

import "time"

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Barcode    string    `json:"barcode,omitempty"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	StoreID      string `json:"store_id"`
	SKU          string `json:"sku"`
	Barcode      string `json:"barcode,omitempty"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Barcode    *string `json:"barcode,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// StoreInventory is one product's authoritative stock row for one store.
type StoreInventory struct {
	InventoryID string    `json:"inventory_id"`
	StoreID     string    `json:"store_id"`
	ProductID   string    `json:"product_id"`
	Qty         int       `json:"qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SyncProduct is the delta product-sync payload: a product joined with its
// store-scoped stock, consumed by terminal mirrors.
type SyncProduct struct {
	ProductID   string    `json:"product_id"`
	InventoryID string    `json:"inventory_id"`
	StoreID     string    `json:"store_id"`
	SKU         string    `json:"sku"`
	Barcode     string    `json:"barcode,omitempty"`
	Name        string    `json:"name"`
	PriceCents  int64     `json:"price_cents"`
	Qty         int       `json:"qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SyncProductsResponse struct {
	StoreID  string        `json:"store_id"`
	Products []SyncProduct `json:"products"`
	ServedAt string        `json:"served_at"`
}

// SaleLine is one persisted line of a reconciled sale. Qty is the quantity
// the server actually committed; RequestedQty is what the terminal asked
// for. DiscountCents is a per-unit discount, so a line's total is
// (PriceCents - DiscountCents) * Qty.
type SaleLine struct {
	ProductID     string `json:"product_id"`
	InventoryID   string `json:"inventory_id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	PriceCents    int64  `json:"price_cents"`
	DiscountCents int64  `json:"discount_cents"`
	Qty           int    `json:"qty"`
	RequestedQty  int    `json:"requested_qty"`
}

// Sale is a server-side sale created by reconciling a terminal-submitted
// transaction. ClientTransactionID is the terminal's stable local id and
// deduplicates re-submissions of the same sale.
type Sale struct {
	ID                  string              `json:"id"`
	SaleNumber          string              `json:"sale_number"`
	ClientTransactionID string              `json:"client_transaction_id"`
	StoreID             string              `json:"store_id"`
	CashierID           string              `json:"cashier_id"`
	SessionID           string              `json:"session_id,omitempty"`
	CustomerID          string              `json:"customer_id,omitempty"`
	SubtotalCents       int64               `json:"subtotal_cents"`
	TaxCents            int64               `json:"tax_cents"`
	DiscountCents       int64               `json:"discount_cents"`
	TotalCents          int64               `json:"total_cents"`
	PaymentMethod       string              `json:"payment_method"`
	Notes               string              `json:"notes,omitempty"`
	Conflict            *ConflictResolution `json:"conflict_resolution,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	Lines               []SaleLine          `json:"lines"`
}

// RegisterSession is a terminal's cash session; per-payment-method sale
// counters are bumped atomically with each persisted sale.
type RegisterSession struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	TerminalID        string     `json:"terminal_id"`
	CashierID         string     `json:"cashier_id"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	CashSalesCents    int64      `json:"cash_sales_cents"`
	CardSalesCents    int64      `json:"card_sales_cents"`
	OtherSalesCents   int64      `json:"other_sales_cents"`
	TransactionCount  int64      `json:"transaction_count"`
	ClosingCashCents  int64      `json:"closing_cash_cents,omitempty"`
	Status            string     `json:"status"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type SessionOpenRequest struct {
	StoreID           string `json:"store_id"`
	TerminalID        string `json:"terminal_id"`
	CashierID         string `json:"cashier_id"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type SessionCloseRequest struct {
	StoreID          string `json:"store_id"`
	TerminalID       string `json:"terminal_id"`
	ClosingCashCents int64  `json:"closing_cash_cents"`
}

type SessionResponse struct {
	Session RegisterSession `json:"session"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	Role        string   `json:"role"`
	StoreIDs    []string `json:"store_ids"`
	ExpiresAt   string   `json:"expires_at"`
}

// Actor is the authenticated caller. StoreIDs lists the stores the actor
// may sell for; admins pass every store check.
type Actor struct {
	Username string
	Role     string
	StoreIDs []string
}

func (a Actor) CanAccessStore(storeID string) bool {
	if a.Role == "admin" {
		return true
	}
	for _, id := range a.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

type CashierCreateRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	StoreIDs []string `json:"store_ids,omitempty"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StoreIDs  []string  `json:"store_ids,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	StoreIDs  []string
	Active    bool
	CreatedAt time.Time
}

// SyncItemRequest is one line of a terminal-submitted sale on the wire.
// DiscountCents is per unit, matching SaleLine.
type SyncItemRequest struct {
	ProductID     string `json:"product_id"`
	InventoryID   string `json:"inventory_id"`
	Quantity      int    `json:"quantity"`
	PriceCents    int64  `json:"price_cents"`
	DiscountCents int64  `json:"discount_cents"`
}

// SyncTransactionRequest is the full snapshot of one queued sale submitted
// for reconciliation.
type SyncTransactionRequest struct {
	LocalID            string            `json:"local_id"`
	LocalReceiptNumber string            `json:"local_receipt_number"`
	StoreID            string            `json:"store_id"`
	CashierID          string            `json:"cashier_id"`
	SessionID          string            `json:"session_id,omitempty"`
	CustomerID         string            `json:"customer_id,omitempty"`
	Items              []SyncItemRequest `json:"items"`
	SubtotalCents      int64             `json:"subtotal_cents"`
	TaxCents           int64             `json:"tax_cents"`
	DiscountCents      int64             `json:"discount_cents"`
	TotalCents         int64             `json:"total_cents"`
	PaymentMethod      string            `json:"payment_method"`
	Notes              string            `json:"notes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

type SyncBatchRequest struct {
	Transactions []SyncTransactionRequest `json:"transactions"`
}

const (
	SyncStatusSuccess  = "success"
	SyncStatusConflict = "conflict"
	SyncStatusFailed   = "failed"
)

// SyncResult is the per-transaction reconciliation outcome, keyed by the
// terminal's local id.
type SyncResult struct {
	LocalID          string              `json:"local_id"`
	Status           string              `json:"status"`
	ServerSaleID     string              `json:"server_sale_id,omitempty"`
	ServerSaleNumber string              `json:"server_sale_number,omitempty"`
	Conflict         *ConflictResolution `json:"conflict,omitempty"`
	Error            string              `json:"error,omitempty"`
}

type SyncBatchResponse struct {
	Results []SyncResult `json:"results"`
}

const (
	ConflictTypeStockShortage = "stock_shortage"
	ConflictTypeUnavailable   = "unavailable"
)

// ConflictItem reports one line that could not be fully honored: what was
// asked for, what was given, and the refund owed for the difference.
type ConflictItem struct {
	ProductID          string `json:"product_id"`
	ProductName        string `json:"product_name"`
	RequestedQuantity  int    `json:"requested_quantity"`
	FulfilledQuantity  int    `json:"fulfilled_quantity"`
	ServerStock        int    `json:"server_stock"`
	PriceAtSaleCents   int64  `json:"price_at_sale_cents"`
	RefundForItemCents int64  `json:"refund_for_item_cents"`
}

// ConflictResolution is attached to a sale the server could only partially
// honor. RefundAmountCents is always OriginalTotalCents - AdjustedTotalCents.
type ConflictResolution struct {
	Type               string         `json:"type"`
	Items              []ConflictItem `json:"items"`
	OriginalTotalCents int64          `json:"original_total_cents"`
	AdjustedTotalCents int64          `json:"adjusted_total_cents"`
	RefundAmountCents  int64          `json:"refund_amount_cents"`
	Message            string         `json:"message"`
	AcknowledgedAt     *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string         `json:"acknowledged_by,omitempty"`
}

// Acknowledged reports whether a human has reviewed this adjustment.
func (c *ConflictResolution) Acknowledged() bool {
	return c != nil && c.AcknowledgedAt != nil
}

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
	PaymentMethodQRIS = "qris"
)
