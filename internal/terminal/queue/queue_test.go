package queue

import (
	"context"
	"testing"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/kv"
)

func pendingTx(id string, createdAt time.Time) domain.PendingTransaction {
	return domain.PendingTransaction{
		ID:                 id,
		LocalReceiptNumber: "OFF-T1-000001",
		StoreID:            "main-store",
		CashierID:          "cashier",
		Items: []domain.PendingTransactionItem{
			{ProductID: "prod-a", Name: "Produk A", SKU: "SKU-A", PriceCents: 3500, Quantity: 5, RequestedQuantity: 5},
		},
		SubtotalCents: 17500,
		TotalCents:    17500,
		PaymentMethod: "cash",
		CreatedAt:     createdAt,
		Status:        domain.PendingStatusPending,
	}
}

func TestEnqueueRoundTripPreservesRequestedQuantity(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewMemoryStore(), "T1")

	original := pendingTx("ptx-1", time.Now().UTC())
	if err := q.Enqueue(ctx, original); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Conflict outcome reduces quantity; requested must survive.
	if err := q.ReduceQuantities(ctx, "ptx-1", map[string]int{"prod-a": 3}); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if err := q.SetStatus(ctx, "ptx-1", domain.PendingStatusConflict, StatusPatch{
		ServerSaleID:     "sale-1",
		ServerSaleNumber: "MAIN-STORE-000001",
		Conflict:         &domain.ConflictResolution{Type: domain.ConflictTypeStockShortage, RefundAmountCents: 7000},
		IncrementAttempt: true,
	}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, ok, err := q.Get(ctx, "ptx-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Items[0].Quantity != 3 || got.Items[0].RequestedQuantity != 5 {
		t.Fatalf("requested quantity lost: %+v", got.Items[0])
	}
	if got.Status != domain.PendingStatusConflict || got.ServerSaleID != "sale-1" || got.SyncAttempts != 1 {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.LastSyncAttempt == nil {
		t.Fatalf("expected last sync attempt stamp")
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewMemoryStore(), "T1")

	tx := pendingTx("ptx-dup", time.Now().UTC())
	if err := q.Enqueue(ctx, tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, tx); err == nil {
		t.Fatalf("expected duplicate enqueue to fail")
	}
}

func TestListByStatusOrdersByCreatedAt(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewMemoryStore(), "T1")

	base := time.Now().UTC()
	_ = q.Enqueue(ctx, pendingTx("ptx-b", base.Add(time.Second)))
	_ = q.Enqueue(ctx, pendingTx("ptx-a", base))
	_ = q.Enqueue(ctx, pendingTx("ptx-c", base.Add(2*time.Second)))
	_ = q.SetStatus(ctx, "ptx-c", domain.PendingStatusSynced, StatusPatch{})

	pending, err := q.ListByStatus(ctx, domain.PendingStatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "ptx-a" || pending[1].ID != "ptx-b" {
		t.Fatalf("unexpected order: %+v", pending)
	}

	count, err := q.CountPending(ctx)
	if err != nil || count != 2 {
		t.Fatalf("count pending: %d err=%v", count, err)
	}
}

func TestAcknowledgeConflict(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewMemoryStore(), "T1")

	tx := pendingTx("ptx-conf", time.Now().UTC())
	_ = q.Enqueue(ctx, tx)

	if err := q.Acknowledge(ctx, "ptx-conf", "manager"); err == nil {
		t.Fatalf("acknowledging a non-conflicted transaction must fail")
	}

	_ = q.SetStatus(ctx, "ptx-conf", domain.PendingStatusConflict, StatusPatch{
		Conflict: &domain.ConflictResolution{Type: domain.ConflictTypeStockShortage, RefundAmountCents: 3500},
	})

	unacked, err := q.UnacknowledgedConflicts(ctx)
	if err != nil || len(unacked) != 1 {
		t.Fatalf("expected 1 unacked conflict, got %d err=%v", len(unacked), err)
	}

	if err := q.Acknowledge(ctx, "ptx-conf", "manager"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	got, _, _ := q.Get(ctx, "ptx-conf")
	if !got.Conflict.Acknowledged() || got.Conflict.AcknowledgedBy != "manager" {
		t.Fatalf("acknowledgment not stamped: %+v", got.Conflict)
	}
	if got.Status != domain.PendingStatusConflict || got.TotalCents != 17500 {
		t.Fatalf("acknowledge must not change status or money: %+v", got)
	}

	unacked, _ = q.UnacknowledgedConflicts(ctx)
	if len(unacked) != 0 {
		t.Fatalf("expected no unacked conflicts after acknowledge")
	}
}

func TestReceiptNumbersAreDurable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	first := New(store, "T7")
	n1, err := first.NextReceiptNumber(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n1 != "OFF-T7-000001" {
		t.Fatalf("unexpected first number %s", n1)
	}

	// Restart: new queue over the same KV store continues the sequence.
	second := New(store, "T7")
	n2, err := second.NextReceiptNumber(ctx)
	if err != nil {
		t.Fatalf("next after restart: %v", err)
	}
	if n2 != "OFF-T7-000002" {
		t.Fatalf("counter must survive restart, got %s", n2)
	}
}
