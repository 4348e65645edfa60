// Package pos orchestrates offline checkout: price from the local mirror,
// reserve, persist to the queue, hand back a printable receipt snapshot.
// No network call sits anywhere on this path.
package pos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/mirror"
	"warungpos/internal/terminal/queue"
	"warungpos/internal/terminal/state"
	"warungpos/internal/xid"
)

// ErrPersistenceFailure means the sale could not be written to local
// durable storage. The cashier must retry; nothing was recorded.
var ErrPersistenceFailure = errors.New("could not persist transaction locally")

type Config struct {
	StoreID           string
	TerminalID        string
	CashierID         string
	TaxRatePercent    float64
	LowStockThreshold int
	Receipt           domain.ReceiptSnapshot
}

type Terminal struct {
	mu      sync.Mutex
	mirror  *mirror.Mirror
	queue   *queue.Queue
	states  *state.Container
	cfg     Config
	session string
}

func New(m *mirror.Mirror, q *queue.Queue, states *state.Container, cfg Config) *Terminal {
	if cfg.LowStockThreshold < 1 {
		cfg.LowStockThreshold = 3
	}
	return &Terminal{mirror: m, queue: q, states: states, cfg: cfg}
}

// SetSession links subsequent sales to an open register session.
func (t *Terminal) SetSession(sessionID string) {
	t.mu.Lock()
	t.session = sessionID
	t.mu.Unlock()
}

type CheckoutLine struct {
	ProductID string
	Quantity  int
}

type CheckoutRequest struct {
	Lines         []CheckoutLine
	DiscountCents int64
	PaymentMethod string
	CustomerID    string
	Notes         string
}

type CheckoutResponse struct {
	Transaction domain.PendingTransaction
	// Warnings are advisory: low local stock never blocks the sale.
	Warnings []string
}

// Checkout completes a sale entirely locally. The reservation and the
// queue write happen under one mutex so two concurrent checkouts never see
// each other's half-applied state; a queue write failure rolls the
// reservations back.
func (t *Terminal) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResponse, error) {
	if len(req.Lines) == 0 {
		return CheckoutResponse{}, fmt.Errorf("empty cart")
	}
	if req.DiscountCents < 0 {
		return CheckoutResponse{}, fmt.Errorf("discount must not be negative")
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return CheckoutResponse{}, fmt.Errorf("unsupported payment method %q", req.PaymentMethod)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	warnings := make([]string, 0)
	items := make([]domain.PendingTransactionItem, 0, len(req.Lines))
	subtotal := int64(0)
	for _, line := range req.Lines {
		if line.Quantity < 1 {
			return CheckoutResponse{}, fmt.Errorf("quantity must be at least 1")
		}
		product, ok := t.mirror.Lookup(line.ProductID)
		if !ok {
			return CheckoutResponse{}, fmt.Errorf("product %s not in local catalog", line.ProductID)
		}

		available := product.LocalStock
		if line.Quantity > available {
			warnings = append(warnings, fmt.Sprintf("%s: requested %d, local stock shows %d", product.Name, line.Quantity, available))
		} else if available-line.Quantity < t.cfg.LowStockThreshold {
			warnings = append(warnings, fmt.Sprintf("%s: low stock after sale (%d left)", product.Name, available-line.Quantity))
		}

		items = append(items, domain.PendingTransactionItem{
			ProductID:         product.ID,
			InventoryID:       product.InventoryID,
			Name:              product.Name,
			SKU:               product.SKU,
			PriceCents:        product.PriceCents,
			Quantity:          line.Quantity,
			RequestedQuantity: line.Quantity,
		})
		subtotal += product.PriceCents * int64(line.Quantity)
	}

	if req.DiscountCents > subtotal {
		return CheckoutResponse{}, fmt.Errorf("discount exceeds subtotal")
	}
	taxBase := subtotal - req.DiscountCents
	taxCents := int64(math.Round(float64(taxBase) * t.cfg.TaxRatePercent / 100))
	totalCents := taxBase + taxCents

	receiptNumber, err := t.queue.NextReceiptNumber(ctx)
	if err != nil {
		return CheckoutResponse{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	tx := domain.PendingTransaction{
		ID:                 xid.New("ptx"),
		LocalReceiptNumber: receiptNumber,
		StoreID:            t.cfg.StoreID,
		CashierID:          t.cfg.CashierID,
		SessionID:          t.session,
		CustomerID:         req.CustomerID,
		Items:              items,
		SubtotalCents:      subtotal,
		TaxCents:           taxCents,
		DiscountCents:      req.DiscountCents,
		TotalCents:         totalCents,
		PaymentMethod:      req.PaymentMethod,
		Notes:              req.Notes,
		CreatedAt:          time.Now().UTC(),
		Status:             domain.PendingStatusPending,
		Receipt:            t.cfg.Receipt,
	}

	if err := t.mirror.Reserve(ctx, tx.ID, items); err != nil {
		return CheckoutResponse{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if err := t.queue.Enqueue(ctx, tx); err != nil {
		for _, item := range items {
			if releaseErr := t.mirror.Release(ctx, item.ProductID, item.RequestedQuantity); releaseErr != nil {
				log.Printf("[pos] WARN: rollback release %s: %v", item.ProductID, releaseErr)
			}
		}
		if dropErr := t.mirror.DropReservations(ctx, tx.ID); dropErr != nil {
			log.Printf("[pos] WARN: rollback drop %s: %v", tx.ID, dropErr)
		}
		return CheckoutResponse{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	t.refreshState(ctx)
	log.Printf("[pos] sale captured %s receipt=%s total=%d items=%d", tx.ID, tx.LocalReceiptNumber, tx.TotalCents, len(tx.Items))
	return CheckoutResponse{Transaction: tx, Warnings: warnings}, nil
}

// UnacknowledgedConflicts lists server adjustments awaiting human review.
func (t *Terminal) UnacknowledgedConflicts(ctx context.Context) ([]domain.PendingTransaction, error) {
	return t.queue.UnacknowledgedConflicts(ctx)
}

// AcknowledgeConflict marks an adjustment as reviewed by the named person.
// Bookkeeping only: no stock or money moves.
func (t *Terminal) AcknowledgeConflict(ctx context.Context, txID string, by string) error {
	if err := t.queue.Acknowledge(ctx, txID, by); err != nil {
		return err
	}
	t.refreshState(ctx)
	return nil
}

func (t *Terminal) refreshState(ctx context.Context) {
	if t.states == nil {
		return
	}
	pending, err := t.queue.CountPending(ctx)
	if err != nil {
		log.Printf("[pos] WARN: count pending: %v", err)
		return
	}
	unacked, err := t.queue.UnacknowledgedConflicts(ctx)
	if err != nil {
		log.Printf("[pos] WARN: list conflicts: %v", err)
		return
	}
	t.states.Update(func(s *state.Snapshot) {
		s.PendingCount = pending
		s.UnacknowledgedConflicts = len(unacked)
	})
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQRIS:
		return true
	}
	return false
}
