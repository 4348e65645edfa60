package sync

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"warungpos/internal/cache"
	"warungpos/internal/domain"
	"warungpos/internal/httpapi"
	"warungpos/internal/service"
	"warungpos/internal/store/memory"
	"warungpos/internal/terminal/api"
	"warungpos/internal/terminal/kv"
	"warungpos/internal/terminal/mirror"
	"warungpos/internal/terminal/queue"
	"warungpos/internal/terminal/state"
)

// testRig wires a real server (memory repository, service, HTTP API) to a
// real terminal stack over httptest, the same path production uses minus
// the network.
type testRig struct {
	server *httptest.Server
	client *api.Client
	engine *Engine
	queue  *queue.Queue
	mirror *mirror.Mirror
	states *state.Container
	svc    *service.Service
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopSnapshotCache{}, "main-store")
	auth := httpapi.NewAuthManager("test-secret-key", time.Hour, repo)
	server := httptest.NewServer(httpapi.New(svc, auth, "").Handler())
	t.Cleanup(server.Close)

	client := api.NewClient(server.URL, 5*time.Second)
	if _, err := client.Login(context.Background(), "cashier", "cashier123"); err != nil {
		t.Fatalf("login: %v", err)
	}

	store := kv.NewMemoryStore()
	m := mirror.New(store)
	q := queue.New(store, "T1")
	states := state.NewContainer()
	engine := NewEngine(client, q, m, states, Config{StoreID: "main-store", MaxAttempts: 3})

	if err := engine.RefreshProducts(context.Background()); err != nil {
		t.Fatalf("initial product refresh: %v", err)
	}
	return &testRig{server: server, client: client, engine: engine, queue: q, mirror: m, states: states, svc: svc}
}

func (r *testRig) enqueue(t *testing.T, id string, productID string, qty int) domain.PendingTransaction {
	t.Helper()
	product, ok := r.mirror.Lookup(productID)
	if !ok {
		t.Fatalf("product %s not mirrored", productID)
	}
	subtotal := product.PriceCents * int64(qty)
	tx := domain.PendingTransaction{
		ID:                 id,
		LocalReceiptNumber: "OFF-T1-" + id,
		StoreID:            "main-store",
		CashierID:          "cashier",
		Items: []domain.PendingTransactionItem{{
			ProductID:         product.ID,
			InventoryID:       product.InventoryID,
			Name:              product.Name,
			SKU:               product.SKU,
			PriceCents:        product.PriceCents,
			Quantity:          qty,
			RequestedQuantity: qty,
		}},
		SubtotalCents: subtotal,
		TotalCents:    subtotal,
		PaymentMethod: domain.PaymentMethodCash,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.mirror.Reserve(context.Background(), tx.ID, tx.Items); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.queue.Enqueue(context.Background(), tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return tx
}

func TestSyncNowDrainsQueueOnSuccess(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.enqueue(t, "tx-ok-1", "prod-mie-01", 3)

	summary, err := rig.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary.Submitted != 1 || summary.Synced != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	tx, ok, err := rig.queue.Get(ctx, "tx-ok-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if tx.Status != domain.PendingStatusSynced {
		t.Fatalf("status = %q", tx.Status)
	}
	if tx.ServerSaleID == "" || tx.ServerSaleNumber == "" {
		t.Fatalf("server ids missing: %+v", tx)
	}
	if got := len(rig.mirror.Reservations("tx-ok-1")); got != 0 {
		t.Fatalf("%d reservations left after sync", got)
	}
	// Seeded stock is 24; the refresh after the pass pulls 21 back down.
	if product, _ := rig.mirror.Lookup("prod-mie-01"); product.ServerStock != 21 {
		t.Fatalf("mirrored server stock = %d, want 21", product.ServerStock)
	}
	snap := rig.states.Current()
	if snap.PendingCount != 0 || snap.LastSyncTime == nil || snap.IsSyncing {
		t.Fatalf("state = %+v", snap)
	}
}

func TestSyncNowAppliesConflictReduction(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Server only has 24; ask for 30 so the batch comes back reduced.
	rig.enqueue(t, "tx-short-1", "prod-telur-01", 30)

	summary, err := rig.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary.Conflicts != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	tx, _, _ := rig.queue.Get(ctx, "tx-short-1")
	if tx.Status != domain.PendingStatusConflict {
		t.Fatalf("status = %q", tx.Status)
	}
	if tx.Conflict == nil || tx.Conflict.Type != domain.ConflictTypeStockShortage {
		t.Fatalf("conflict = %+v", tx.Conflict)
	}
	if tx.Items[0].Quantity != 24 || tx.Items[0].RequestedQuantity != 30 {
		t.Fatalf("line = %+v", tx.Items[0])
	}
	wantRefund := int64(6 * 26500)
	if tx.Conflict.RefundAmountCents != wantRefund {
		t.Fatalf("refund = %d, want %d", tx.Conflict.RefundAmountCents, wantRefund)
	}

	unacked, err := rig.queue.UnacknowledgedConflicts(ctx)
	if err != nil || len(unacked) != 1 {
		t.Fatalf("unacked = %d (%v)", len(unacked), err)
	}
	if snap := rig.states.Current(); snap.UnacknowledgedConflicts != 1 {
		t.Fatalf("state badge = %d", snap.UnacknowledgedConflicts)
	}
	if got := len(rig.mirror.Reservations("tx-short-1")); got != 0 {
		t.Fatalf("%d reservations left after conflict", got)
	}
}

func TestSyncNowResubmitIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.enqueue(t, "tx-dup-1", "prod-kopi-01", 2)

	if _, err := rig.engine.SyncNow(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first, _, _ := rig.queue.Get(ctx, "tx-dup-1")

	// Force it back to pending to simulate a crash after the server
	// recorded the sale but before the terminal saved the outcome.
	if err := rig.queue.SetStatus(ctx, "tx-dup-1", domain.PendingStatusPending, queue.StatusPatch{}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := rig.engine.SyncNow(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	second, _, _ := rig.queue.Get(ctx, "tx-dup-1")
	if second.ServerSaleID != first.ServerSaleID {
		t.Fatalf("sale id changed across resubmit: %q vs %q", second.ServerSaleID, first.ServerSaleID)
	}
	// Stock must have been decremented exactly once.
	if product, _ := rig.mirror.Lookup("prod-kopi-01"); product.ServerStock != 22 {
		t.Fatalf("server stock = %d, want 22", product.ServerStock)
	}
}

type flakyBackend struct {
	Backend
	pushErr error
}

func (f *flakyBackend) PushBatch(ctx context.Context, batch domain.SyncBatchRequest) (domain.SyncBatchResponse, error) {
	if f.pushErr != nil {
		return domain.SyncBatchResponse{}, f.pushErr
	}
	return f.Backend.PushBatch(ctx, batch)
}

func TestSyncNowTransientFailureDefersThenExhausts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.enqueue(t, "tx-flaky-1", "prod-mie-01", 1)

	flaky := &flakyBackend{Backend: rig.client, pushErr: &api.StatusError{Status: 503, Message: "maintenance"}}
	engine := NewEngine(flaky, rig.queue, rig.mirror, rig.states, Config{StoreID: "main-store", MaxAttempts: 3})

	for attempt := 1; attempt <= 2; attempt++ {
		summary, err := engine.SyncNow(ctx)
		if err == nil {
			t.Fatalf("attempt %d: expected push error", attempt)
		}
		if summary.Deferred != 1 {
			t.Fatalf("attempt %d: summary = %+v", attempt, summary)
		}
		tx, _, _ := rig.queue.Get(ctx, "tx-flaky-1")
		if tx.Status != domain.PendingStatusPending || tx.SyncAttempts != attempt {
			t.Fatalf("attempt %d: status=%q attempts=%d", attempt, tx.Status, tx.SyncAttempts)
		}
		if tx.SyncError == "" {
			t.Fatal("sync error not recorded")
		}
	}

	// Third strike exhausts the budget.
	summary, err := engine.SyncNow(ctx)
	if err == nil || summary.Failed != 1 {
		t.Fatalf("summary = %+v err = %v", summary, err)
	}
	tx, _, _ := rig.queue.Get(ctx, "tx-flaky-1")
	if tx.Status != domain.PendingStatusFailed || tx.SyncAttempts != 3 {
		t.Fatalf("status=%q attempts=%d", tx.Status, tx.SyncAttempts)
	}
	if got := len(rig.mirror.Reservations("tx-flaky-1")); got != 0 {
		t.Fatalf("%d reservations left after exhausting retries", got)
	}

	// The lever: back to pending with a fresh budget, then it drains.
	retried, err := engine.RetryFailed(ctx)
	if err != nil || retried != 1 {
		t.Fatalf("retried = %d (%v)", retried, err)
	}
	flaky.pushErr = nil
	if _, err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync after retry: %v", err)
	}
	tx, _, _ = rig.queue.Get(ctx, "tx-flaky-1")
	if tx.Status != domain.PendingStatusSynced {
		t.Fatalf("status after retry = %q", tx.Status)
	}
}

func TestSyncNowPermanentFailureDoesNotRetry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.enqueue(t, "tx-denied-1", "prod-mie-01", 1)

	flaky := &flakyBackend{Backend: rig.client, pushErr: &api.StatusError{Status: 401, Message: "token expired"}}
	engine := NewEngine(flaky, rig.queue, rig.mirror, rig.states, Config{StoreID: "main-store", MaxAttempts: 5})

	summary, err := engine.SyncNow(ctx)
	if err == nil || summary.Failed != 1 {
		t.Fatalf("summary = %+v err = %v", summary, err)
	}
	tx, _, _ := rig.queue.Get(ctx, "tx-denied-1")
	if tx.Status != domain.PendingStatusFailed || tx.SyncAttempts != 1 {
		t.Fatalf("status=%q attempts=%d", tx.Status, tx.SyncAttempts)
	}
}

func TestSyncNowServerRejectionIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.enqueue(t, "tx-bad-1", "prod-mie-01", 1)
	rig.enqueue(t, "tx-good-1", "prod-gula-01", 2)

	// The backend corrupts tx-bad-1's payment method on the wire, so the
	// server refuses it while the rest of the batch goes through.
	engine := NewEngine(&rewritingBackend{client: rig.client}, rig.queue, rig.mirror, rig.states, Config{StoreID: "main-store", MaxAttempts: 3})
	summary, err := engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary.Failed != 1 || summary.Synced != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	bad, _, _ := rig.queue.Get(ctx, "tx-bad-1")
	if bad.Status != domain.PendingStatusFailed || bad.SyncError == "" {
		t.Fatalf("bad tx = %+v", bad)
	}
	good, _, _ := rig.queue.Get(ctx, "tx-good-1")
	if good.Status != domain.PendingStatusSynced {
		t.Fatalf("good tx status = %q", good.Status)
	}
}

type rewritingBackend struct {
	client *api.Client
}

func (r *rewritingBackend) PushBatch(ctx context.Context, batch domain.SyncBatchRequest) (domain.SyncBatchResponse, error) {
	for i := range batch.Transactions {
		if batch.Transactions[i].LocalID == "tx-bad-1" {
			batch.Transactions[i].PaymentMethod = "barter"
		}
	}
	return r.client.PushBatch(ctx, batch)
}

func (r *rewritingBackend) FetchProducts(ctx context.Context, storeID string, since time.Time) (domain.SyncProductsResponse, error) {
	return r.client.FetchProducts(ctx, storeID, since)
}

func TestRefreshProductsUsesDelta(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	adminCtx := service.WithActor(ctx, domain.Actor{Username: "admin", Role: "admin"})
	if err := rig.svc.AdjustStock(adminCtx, "main-store", "prod-air-01", 99); err != nil {
		t.Fatalf("adjust stock: %v", err)
	}

	if err := rig.engine.RefreshProducts(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	product, ok := rig.mirror.Lookup("prod-air-01")
	if !ok || product.ServerStock != 99 {
		t.Fatalf("mirrored stock = %+v", product)
	}
}

func TestSyncNowSkipsWhenAlreadyRunning(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.mu.Lock()
	defer rig.engine.mu.Unlock()

	summary, err := rig.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !summary.Skipped {
		t.Fatal("expected skipped pass")
	}
}

func TestRunDrainsOnOnlineSignal(t *testing.T) {
	rig := newTestRig(t)
	rig.enqueue(t, "tx-online-1", "prod-roti-01", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	online := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		rig.engine.Run(ctx, online)
		close(done)
	}()

	online <- struct{}{}

	deadline := time.Now().Add(3 * time.Second)
	for {
		tx, _, err := rig.queue.Get(context.Background(), "tx-online-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if tx.Status == domain.PendingStatusSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction never synced, status = %q", tx.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx err = %v", ctx.Err())
	}
}
