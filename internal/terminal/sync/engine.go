// Package sync pushes queued transactions to the server when connectivity
// allows and applies the per-transaction reconciliation outcomes back to
// the local queue and stock mirror.
package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/api"
	"warungpos/internal/terminal/mirror"
	"warungpos/internal/terminal/queue"
	"warungpos/internal/terminal/state"
)

// Backend is the slice of the server API the engine needs.
type Backend interface {
	PushBatch(ctx context.Context, batch domain.SyncBatchRequest) (domain.SyncBatchResponse, error)
	FetchProducts(ctx context.Context, storeID string, since time.Time) (domain.SyncProductsResponse, error)
}

type Config struct {
	StoreID     string
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

type Engine struct {
	mu      sync.Mutex
	backend Backend
	queue   *queue.Queue
	mirror  *mirror.Mirror
	states  *state.Container
	cfg     Config

	lastProductSync time.Time
}

func NewEngine(backend Backend, q *queue.Queue, m *mirror.Mirror, states *state.Container, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &Engine{backend: backend, queue: q, mirror: m, states: states, cfg: cfg}
}

// Summary reports what one sync pass did.
type Summary struct {
	Submitted int
	Synced    int
	Conflicts int
	Failed    int
	Deferred  int
	Skipped   bool
}

// SyncNow runs one push pass. Passes never overlap: a call arriving while
// another is in flight returns immediately with Skipped set.
func (e *Engine) SyncNow(ctx context.Context) (Summary, error) {
	if !e.mu.TryLock() {
		return Summary{Skipped: true}, nil
	}
	defer e.mu.Unlock()

	e.setSyncing(true)
	defer e.setSyncing(false)

	pending, err := e.queue.ListByStatus(ctx, domain.PendingStatusPending)
	if err != nil {
		return Summary{}, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) > e.cfg.BatchSize {
		pending = pending[:e.cfg.BatchSize]
	}
	if len(pending) == 0 {
		e.publishCounts(ctx, true)
		return Summary{}, nil
	}

	batch := domain.SyncBatchRequest{Transactions: make([]domain.SyncTransactionRequest, 0, len(pending))}
	for _, tx := range pending {
		batch.Transactions = append(batch.Transactions, tx.SyncRequest())
	}

	resp, err := e.backend.PushBatch(ctx, batch)
	if err != nil {
		summary := Summary{Submitted: len(pending)}
		for _, tx := range pending {
			if deferErr := e.recordAttemptFailure(ctx, tx, err); deferErr != nil {
				log.Printf("[sync] WARN: record failure for %s: %v", tx.ID, deferErr)
			}
			if tx.SyncAttempts+1 >= e.cfg.MaxAttempts || !api.IsTransient(err) {
				summary.Failed++
			} else {
				summary.Deferred++
			}
		}
		e.publishCounts(ctx, false)
		return summary, fmt.Errorf("push batch: %w", err)
	}

	byLocalID := make(map[string]domain.SyncResult, len(resp.Results))
	for _, result := range resp.Results {
		byLocalID[result.LocalID] = result
	}

	summary := Summary{Submitted: len(pending)}
	for _, tx := range pending {
		result, ok := byLocalID[tx.ID]
		if !ok {
			// Server dropped the transaction from its response; treat as a
			// transient miss and retry next pass.
			if deferErr := e.recordAttemptFailure(ctx, tx, fmt.Errorf("no result for transaction")); deferErr != nil {
				log.Printf("[sync] WARN: record failure for %s: %v", tx.ID, deferErr)
			}
			summary.Deferred++
			continue
		}
		switch result.Status {
		case domain.SyncStatusSuccess:
			if err := e.applySuccess(ctx, tx, result); err != nil {
				log.Printf("[sync] WARN: apply success for %s: %v", tx.ID, err)
				continue
			}
			summary.Synced++
		case domain.SyncStatusConflict:
			if err := e.applyConflict(ctx, tx, result); err != nil {
				log.Printf("[sync] WARN: apply conflict for %s: %v", tx.ID, err)
				continue
			}
			summary.Conflicts++
		default:
			if err := e.applyRejection(ctx, tx, result); err != nil {
				log.Printf("[sync] WARN: apply rejection for %s: %v", tx.ID, err)
				continue
			}
			summary.Failed++
		}
	}

	if err := e.refreshProductsLocked(ctx); err != nil {
		log.Printf("[sync] WARN: product refresh: %v", err)
	}
	e.publishCounts(ctx, true)
	log.Printf("[sync] pass done submitted=%d synced=%d conflicts=%d failed=%d deferred=%d",
		summary.Submitted, summary.Synced, summary.Conflicts, summary.Failed, summary.Deferred)
	return summary, nil
}

func (e *Engine) applySuccess(ctx context.Context, tx domain.PendingTransaction, result domain.SyncResult) error {
	if err := e.queue.SetStatus(ctx, tx.ID, domain.PendingStatusSynced, queue.StatusPatch{
		ServerSaleID:     result.ServerSaleID,
		ServerSaleNumber: result.ServerSaleNumber,
		IncrementAttempt: true,
	}); err != nil {
		return err
	}
	e.releaseTransaction(ctx, tx.ID)
	return nil
}

func (e *Engine) applyConflict(ctx context.Context, tx domain.PendingTransaction, result domain.SyncResult) error {
	if result.Conflict != nil {
		fulfilled := make(map[string]int, len(result.Conflict.Items))
		for _, item := range result.Conflict.Items {
			fulfilled[item.ProductID] = item.FulfilledQuantity
		}
		if err := e.queue.ReduceQuantities(ctx, tx.ID, fulfilled); err != nil {
			return err
		}
	}
	if err := e.queue.SetStatus(ctx, tx.ID, domain.PendingStatusConflict, queue.StatusPatch{
		ServerSaleID:     result.ServerSaleID,
		ServerSaleNumber: result.ServerSaleNumber,
		Conflict:         result.Conflict,
		IncrementAttempt: true,
	}); err != nil {
		return err
	}
	e.releaseTransaction(ctx, tx.ID)
	return nil
}

// applyRejection handles a server-side "failed" result: the server examined
// the transaction and refused it, so retrying the same payload is pointless.
func (e *Engine) applyRejection(ctx context.Context, tx domain.PendingTransaction, result domain.SyncResult) error {
	if err := e.queue.SetStatus(ctx, tx.ID, domain.PendingStatusFailed, queue.StatusPatch{
		SyncError:        result.Error,
		IncrementAttempt: true,
	}); err != nil {
		return err
	}
	e.releaseTransaction(ctx, tx.ID)
	return nil
}

// recordAttemptFailure handles a transport-level failure for one queued
// transaction. Transient errors leave it pending for the next pass until
// the attempt budget runs out; permanent errors fail it immediately.
func (e *Engine) recordAttemptFailure(ctx context.Context, tx domain.PendingTransaction, cause error) error {
	status := domain.PendingStatusPending
	if tx.SyncAttempts+1 >= e.cfg.MaxAttempts || !api.IsTransient(cause) {
		status = domain.PendingStatusFailed
	}
	if err := e.queue.SetStatus(ctx, tx.ID, status, queue.StatusPatch{
		SyncError:        cause.Error(),
		IncrementAttempt: true,
	}); err != nil {
		return err
	}
	if status == domain.PendingStatusFailed {
		e.releaseTransaction(ctx, tx.ID)
	}
	return nil
}

// releaseTransaction unwinds a final transaction's advisory stock claims.
// The authoritative quantities arrive with the next product refresh.
func (e *Engine) releaseTransaction(ctx context.Context, txID string) {
	for _, reservation := range e.mirror.Reservations(txID) {
		if err := e.mirror.Release(ctx, reservation.ProductID, reservation.Quantity); err != nil {
			log.Printf("[sync] WARN: release %s x%d: %v", reservation.ProductID, reservation.Quantity, err)
		}
	}
	if err := e.mirror.DropReservations(ctx, txID); err != nil {
		log.Printf("[sync] WARN: drop reservations %s: %v", txID, err)
	}
}

// RetryFailed puts exhausted transactions back in line with a fresh
// attempt budget. Manual lever for the cashier screen.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	failed, err := e.queue.ListByStatus(ctx, domain.PendingStatusFailed)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, tx := range failed {
		if err := e.queue.SetStatus(ctx, tx.ID, domain.PendingStatusPending, queue.StatusPatch{ResetAttempts: true}); err != nil {
			return retried, err
		}
		retried++
	}
	e.publishCounts(ctx, false)
	return retried, nil
}

// RefreshProducts pulls the product/stock delta since the last refresh and
// folds it into the mirror.
func (e *Engine) RefreshProducts(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshProductsLocked(ctx)
}

func (e *Engine) refreshProductsLocked(ctx context.Context) error {
	resp, err := e.backend.FetchProducts(ctx, e.cfg.StoreID, e.lastProductSync)
	if err != nil {
		return err
	}
	if len(resp.Products) > 0 {
		if err := e.mirror.Refresh(ctx, resp.Products); err != nil {
			return err
		}
	}
	servedAt, err := time.Parse(time.RFC3339, resp.ServedAt)
	if err != nil {
		servedAt = time.Now().UTC()
	}
	e.lastProductSync = servedAt
	return nil
}

// Run drives periodic passes until ctx is cancelled. online, when non-nil,
// delivers a signal whenever connectivity comes back so the queue drains
// without waiting for the next tick.
func (e *Engine) Run(ctx context.Context, online <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-online:
		}
		if _, err := e.SyncNow(ctx); err != nil {
			log.Printf("[sync] pass: %v", err)
		}
	}
}

func (e *Engine) setSyncing(active bool) {
	if e.states == nil {
		return
	}
	e.states.Update(func(s *state.Snapshot) { s.IsSyncing = active })
}

func (e *Engine) publishCounts(ctx context.Context, stampSyncTime bool) {
	if e.states == nil {
		return
	}
	pending, err := e.queue.CountPending(ctx)
	if err != nil {
		log.Printf("[sync] WARN: count pending: %v", err)
		return
	}
	unacked, err := e.queue.UnacknowledgedConflicts(ctx)
	if err != nil {
		log.Printf("[sync] WARN: list conflicts: %v", err)
		return
	}
	now := time.Now().UTC()
	e.states.Update(func(s *state.Snapshot) {
		s.PendingCount = pending
		s.UnacknowledgedConflicts = len(unacked)
		if stampSyncTime {
			s.LastSyncTime = &now
		}
	})
}
