package pos

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/kv"
	"warungpos/internal/terminal/mirror"
	"warungpos/internal/terminal/queue"
	"warungpos/internal/terminal/state"
)

func newTestTerminal(t *testing.T) (*Terminal, *mirror.Mirror, *queue.Queue, *state.Container) {
	t.Helper()
	store := kv.NewMemoryStore()
	m := mirror.New(store)
	if err := m.Refresh(context.Background(), []domain.SyncProduct{
		{ProductID: "prod-mie-01", InventoryID: "inv-1", StoreID: "main-store", SKU: "SKU-MIE-01", Name: "Mie Instan", PriceCents: 3500, Qty: 10, UpdatedAt: time.Now()},
		{ProductID: "prod-susu-01", InventoryID: "inv-2", StoreID: "main-store", SKU: "SKU-SUSU-01", Name: "Susu Kotak", PriceCents: 18900, Qty: 2, UpdatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("refresh mirror: %v", err)
	}
	q := queue.New(store, "T1")
	states := state.NewContainer()
	term := New(m, q, states, Config{
		StoreID:        "main-store",
		TerminalID:     "T1",
		CashierID:      "cashier",
		TaxRatePercent: 11,
		Receipt:        domain.ReceiptSnapshot{StoreName: "Warung Pojok", CashierName: "Budi", TerminalID: "T1"},
	})
	return term, m, q, states
}

func TestCheckoutReservesAndEnqueues(t *testing.T) {
	term, m, q, states := newTestTerminal(t)
	ctx := context.Background()

	resp, err := term.Checkout(ctx, CheckoutRequest{
		Lines:         []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 3}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	tx := resp.Transaction
	if tx.SubtotalCents != 3*3500 {
		t.Fatalf("subtotal = %d, want %d", tx.SubtotalCents, 3*3500)
	}
	wantTax := int64(1155) // round(10500 * 11%)
	if tx.TaxCents != wantTax {
		t.Fatalf("tax = %d, want %d", tx.TaxCents, wantTax)
	}
	if tx.TotalCents != 10500+wantTax {
		t.Fatalf("total = %d, want %d", tx.TotalCents, 10500+wantTax)
	}
	if !strings.HasPrefix(tx.LocalReceiptNumber, "OFF-T1-") {
		t.Fatalf("receipt number = %q", tx.LocalReceiptNumber)
	}
	if tx.Status != domain.PendingStatusPending {
		t.Fatalf("status = %q", tx.Status)
	}
	if tx.Items[0].RequestedQuantity != 3 {
		t.Fatalf("requested quantity = %d", tx.Items[0].RequestedQuantity)
	}
	if tx.Receipt.StoreName != "Warung Pojok" {
		t.Fatalf("receipt snapshot missing: %+v", tx.Receipt)
	}

	if got := m.AvailableStock("prod-mie-01"); got != 7 {
		t.Fatalf("local stock after checkout = %d, want 7", got)
	}
	if _, ok, err := q.Get(ctx, tx.ID); err != nil || !ok {
		t.Fatalf("transaction not in queue: ok=%v err=%v", ok, err)
	}
	if snap := states.Current(); snap.PendingCount != 1 {
		t.Fatalf("pending count = %d, want 1", snap.PendingCount)
	}
}

func TestCheckoutNeverBlocksOnLowStock(t *testing.T) {
	term, m, _, _ := newTestTerminal(t)
	ctx := context.Background()

	// Local mirror shows 2 but the cashier is holding 5 physical boxes.
	resp, err := term.Checkout(ctx, CheckoutRequest{
		Lines:         []CheckoutLine{{ProductID: "prod-susu-01", Quantity: 5}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if err != nil {
		t.Fatalf("checkout should not block on local stock: %v", err)
	}
	if len(resp.Warnings) == 0 {
		t.Fatal("expected a low-stock warning")
	}
	if got := m.AvailableStock("prod-susu-01"); got != 0 {
		t.Fatalf("local stock floored at zero, got %d", got)
	}
}

func TestCheckoutRejectsUnknownProductAndBadInput(t *testing.T) {
	term, _, q, _ := newTestTerminal(t)
	ctx := context.Background()

	cases := []CheckoutRequest{
		{Lines: nil, PaymentMethod: domain.PaymentMethodCash},
		{Lines: []CheckoutLine{{ProductID: "prod-ghost", Quantity: 1}}, PaymentMethod: domain.PaymentMethodCash},
		{Lines: []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 0}}, PaymentMethod: domain.PaymentMethodCash},
		{Lines: []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 1}}, PaymentMethod: "barter"},
		{Lines: []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 1}}, PaymentMethod: domain.PaymentMethodCash, DiscountCents: 99999},
	}
	for i, req := range cases {
		if _, err := term.Checkout(ctx, req); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if pending, _ := q.CountPending(ctx); pending != 0 {
		t.Fatalf("rejected checkouts must not enqueue, pending = %d", pending)
	}
}

func TestCheckoutOrderDiscountShrinksTaxBase(t *testing.T) {
	term, _, _, _ := newTestTerminal(t)

	resp, err := term.Checkout(context.Background(), CheckoutRequest{
		Lines:         []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 2}},
		DiscountCents: 1000,
		PaymentMethod: domain.PaymentMethodQRIS,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	tx := resp.Transaction
	if tx.SubtotalCents != 7000 || tx.DiscountCents != 1000 {
		t.Fatalf("subtotal/discount = %d/%d", tx.SubtotalCents, tx.DiscountCents)
	}
	wantTax := int64(660) // round(6000 * 11%)
	if tx.TaxCents != wantTax || tx.TotalCents != 6000+wantTax {
		t.Fatalf("tax/total = %d/%d, want %d/%d", tx.TaxCents, tx.TotalCents, wantTax, 6000+wantTax)
	}
}

type failingStore struct {
	kv.Store
	failPrefix string
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, value)
}

func TestCheckoutRollsBackReservationsWhenQueueWriteFails(t *testing.T) {
	ctx := context.Background()
	base := kv.NewMemoryStore()
	m := mirror.New(base)
	if err := m.Refresh(ctx, []domain.SyncProduct{
		{ProductID: "prod-mie-01", InventoryID: "inv-1", StoreID: "main-store", SKU: "SKU-MIE-01", Name: "Mie Instan", PriceCents: 3500, Qty: 10, UpdatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("refresh mirror: %v", err)
	}

	// The queue writes fail, the mirror writes succeed.
	q := queue.New(&failingStore{Store: base, failPrefix: "queue:tx:"}, "T1")
	term := New(m, q, state.NewContainer(), Config{StoreID: "main-store", CashierID: "cashier", TaxRatePercent: 11})

	_, err := term.Checkout(ctx, CheckoutRequest{
		Lines:         []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 4}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("err = %v, want ErrPersistenceFailure", err)
	}
	if got := m.AvailableStock("prod-mie-01"); got != 10 {
		t.Fatalf("reservation not rolled back, stock = %d", got)
	}
}

func TestAcknowledgeConflictUpdatesState(t *testing.T) {
	term, _, q, states := newTestTerminal(t)
	ctx := context.Background()

	resp, err := term.Checkout(ctx, CheckoutRequest{
		Lines:         []CheckoutLine{{ProductID: "prod-mie-01", Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	txID := resp.Transaction.ID

	if err := q.SetStatus(ctx, txID, domain.PendingStatusConflict, queue.StatusPatch{
		Conflict: &domain.ConflictResolution{
			Type:               domain.ConflictTypeStockShortage,
			OriginalTotalCents: resp.Transaction.TotalCents,
			AdjustedTotalCents: 3885,
			RefundAmountCents:  resp.Transaction.TotalCents - 3885,
			Message:            "1 item reduced",
		},
	}); err != nil {
		t.Fatalf("set conflict: %v", err)
	}

	conflicts, err := term.UnacknowledgedConflicts(ctx)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("conflicts = %v (%v), want 1", conflicts, err)
	}

	if err := term.AcknowledgeConflict(ctx, txID, "Budi"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	conflicts, _ = term.UnacknowledgedConflicts(ctx)
	if len(conflicts) != 0 {
		t.Fatalf("still %d unacknowledged after ack", len(conflicts))
	}
	if snap := states.Current(); snap.UnacknowledgedConflicts != 0 {
		t.Fatalf("state badge = %d, want 0", snap.UnacknowledgedConflicts)
	}

	got, ok, err := q.Get(ctx, txID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Conflict.AcknowledgedBy != "Budi" || got.Conflict.AcknowledgedAt == nil {
		t.Fatalf("ack stamp missing: %+v", got.Conflict)
	}
}
