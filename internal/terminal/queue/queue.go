// Package queue is the terminal's durable pending-transaction queue. Every
// completed checkout lands here before any network is involved, and the
// full item snapshot survives status changes and restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/kv"
)

const (
	txKeyPrefix   = "queue:tx:"
	receiptSeqKey = "queue:receipt-seq"
)

// StatusPatch carries the sync outcome fields a status change may attach.
// Items and requested quantities are never touched by a patch.
type StatusPatch struct {
	SyncError        string
	ServerSaleID     string
	ServerSaleNumber string
	Conflict         *domain.ConflictResolution
	IncrementAttempt bool
	ResetAttempts    bool
}

type Queue struct {
	mu         sync.Mutex
	store      kv.Store
	terminalID string
}

func New(store kv.Store, terminalID string) *Queue {
	if terminalID == "" {
		terminalID = "T1"
	}
	return &Queue{store: store, terminalID: terminalID}
}

// NextReceiptNumber issues the next local receipt number. The counter is
// durable so numbers never repeat across restarts.
func (q *Queue) NextReceiptNumber(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := int64(0)
	raw, ok, err := q.store.Get(ctx, receiptSeqKey)
	if err != nil {
		return "", err
	}
	if ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return "", fmt.Errorf("corrupt receipt counter: %w", err)
		}
		seq = parsed
	}
	seq++
	if err := q.store.Put(ctx, receiptSeqKey, []byte(strconv.FormatInt(seq, 10))); err != nil {
		return "", err
	}
	return fmt.Sprintf("OFF-%s-%06d", q.terminalID, seq), nil
}

func (q *Queue) Enqueue(ctx context.Context, tx domain.PendingTransaction) error {
	if tx.ID == "" {
		return fmt.Errorf("transaction id required")
	}
	if len(tx.Items) == 0 {
		return fmt.Errorf("transaction needs items")
	}
	if tx.Status == "" {
		tx.Status = domain.PendingStatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok, err := q.store.Get(ctx, txKeyPrefix+tx.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("transaction %s already queued", tx.ID)
	}
	return q.persist(ctx, tx)
}

func (q *Queue) Get(ctx context.Context, id string) (domain.PendingTransaction, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, id)
}

// SetStatus transitions a transaction and applies the patch. The stored
// item lines keep their original requested quantities whatever the new
// status is.
func (q *Queue) SetStatus(ctx context.Context, id string, status string, patch StatusPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s not queued", id)
	}

	tx.Status = status
	if patch.ResetAttempts {
		tx.SyncAttempts = 0
	}
	if patch.IncrementAttempt {
		tx.SyncAttempts++
		now := time.Now().UTC()
		tx.LastSyncAttempt = &now
	}
	tx.SyncError = patch.SyncError
	if patch.ServerSaleID != "" {
		tx.ServerSaleID = patch.ServerSaleID
	}
	if patch.ServerSaleNumber != "" {
		tx.ServerSaleNumber = patch.ServerSaleNumber
	}
	if patch.Conflict != nil {
		tx.Conflict = patch.Conflict
	}
	return q.persist(ctx, tx)
}

// ReduceQuantities applies server-side line reductions after a conflict.
// Quantity shrinks to what was fulfilled; RequestedQuantity is untouched.
func (q *Queue) ReduceQuantities(ctx context.Context, id string, fulfilled map[string]int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s not queued", id)
	}

	for i := range tx.Items {
		if qty, present := fulfilled[tx.Items[i].ProductID]; present {
			if qty < 0 {
				qty = 0
			}
			if qty < tx.Items[i].Quantity {
				tx.Items[i].Quantity = qty
			}
		}
	}
	return q.persist(ctx, tx)
}

func (q *Queue) ListByStatus(ctx context.Context, statuses ...string) ([]domain.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.List(ctx, txKeyPrefix)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	result := make([]domain.PendingTransaction, 0, len(entries))
	for key, raw := range entries {
		var tx domain.PendingTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if len(wanted) == 0 || wanted[tx.Status] {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	pending, err := q.ListByStatus(ctx, domain.PendingStatusPending)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// UnacknowledgedConflicts lists conflicted transactions no human has
// reviewed yet, oldest first.
func (q *Queue) UnacknowledgedConflicts(ctx context.Context) ([]domain.PendingTransaction, error) {
	conflicted, err := q.ListByStatus(ctx, domain.PendingStatusConflict)
	if err != nil {
		return nil, err
	}
	result := conflicted[:0]
	for _, tx := range conflicted {
		if !tx.Conflict.Acknowledged() {
			result = append(result, tx)
		}
	}
	return result, nil
}

// Acknowledge stamps a conflict as reviewed. It never changes stock,
// money, or the transaction's status.
func (q *Queue) Acknowledge(ctx context.Context, id string, by string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s not queued", id)
	}
	if tx.Conflict == nil {
		return fmt.Errorf("transaction %s has no conflict to acknowledge", id)
	}
	if tx.Conflict.Acknowledged() {
		return nil
	}

	now := time.Now().UTC()
	tx.Conflict.AcknowledgedAt = &now
	tx.Conflict.AcknowledgedBy = by
	return q.persist(ctx, tx)
}

func (q *Queue) load(ctx context.Context, id string) (domain.PendingTransaction, bool, error) {
	raw, ok, err := q.store.Get(ctx, txKeyPrefix+id)
	if err != nil || !ok {
		return domain.PendingTransaction{}, false, err
	}
	var tx domain.PendingTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.PendingTransaction{}, false, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return tx, true, nil
}

func (q *Queue) persist(ctx context.Context, tx domain.PendingTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, txKeyPrefix+tx.ID, raw)
}
