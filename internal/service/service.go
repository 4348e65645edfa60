package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warungpos/internal/cache"
	"warungpos/internal/domain"
	"warungpos/internal/store"
	"warungpos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const snapshotTTL = 30 * time.Second

type Service struct {
	repo           store.Repository
	snapshots      cache.SnapshotCache
	defaultStoreID string
}

func New(repo store.Repository, snapshots cache.SnapshotCache, defaultStoreID string) *Service {
	if snapshots == nil {
		snapshots = cache.NoopSnapshotCache{}
	}
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}

	return &Service{
		repo:           repo,
		snapshots:      snapshots,
		defaultStoreID: defaultStoreID,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	product := domain.Product{
		SKU:        req.SKU,
		Barcode:    strings.TrimSpace(req.Barcode),
		Name:       req.Name,
		PriceCents: req.PriceCents,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if err := s.repo.SetStock(ctx, req.StoreID, created.ID, req.InitialStock); err != nil {
		return domain.Product{}, err
	}

	s.invalidateSnapshot(ctx, req.StoreID)
	log.Printf("[service] product created id=%s sku=%s store=%s stock=%d", created.ID, created.SKU, req.StoreID, req.InitialStock)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	products, err := s.repo.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		return domain.Product{}, err
	}
	existing, ok := products[productID]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}

	updated := existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateSnapshot(ctx, s.defaultStoreID)
	return *saved, nil
}

// AdjustStock overwrites the authoritative quantity for one product in one
// store. Admin only; terminals never write stock directly.
func (s *Service) AdjustStock(ctx context.Context, storeID string, productID string, qty int) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if productID == "" || qty < 0 {
		return store.ErrInvalidSale
	}
	if err := s.repo.SetStock(ctx, storeID, productID, qty); err != nil {
		return err
	}
	s.invalidateSnapshot(ctx, storeID)
	return nil
}

// ProductsForSync serves the terminal mirror refresh. Full snapshots (zero
// since) go through the snapshot cache; delta requests always hit the
// repository so a terminal never misses a fresh price change.
func (s *Service) ProductsForSync(ctx context.Context, storeID string, since time.Time) (domain.SyncProductsResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SyncProductsResponse{}, fmt.Errorf("authentication required")
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if !actor.CanAccessStore(storeID) {
		return domain.SyncProductsResponse{}, store.ErrUnauthorizedStore
	}

	resp := domain.SyncProductsResponse{
		StoreID:  storeID,
		ServedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if since.IsZero() {
		key := snapshotKey(storeID)
		if cached, hit, err := s.snapshots.Get(ctx, key); err == nil && hit {
			resp.Products = cached
			return resp, nil
		} else if err != nil {
			log.Printf("[service] WARN: snapshot cache get store=%s: %v", storeID, err)
		}

		products, err := s.repo.ListSyncProducts(ctx, storeID, time.Time{})
		if err != nil {
			return domain.SyncProductsResponse{}, err
		}
		if err := s.snapshots.Set(ctx, key, products, snapshotTTL); err != nil {
			log.Printf("[service] WARN: snapshot cache set store=%s: %v", storeID, err)
		}
		resp.Products = products
		return resp, nil
	}

	products, err := s.repo.ListSyncProducts(ctx, storeID, since)
	if err != nil {
		return domain.SyncProductsResponse{}, err
	}
	resp.Products = products
	return resp, nil
}

// SyncTransactions reconciles a terminal batch sequentially. One bad
// transaction never poisons the batch: every element gets its own result
// and processing continues.
func (s *Service) SyncTransactions(ctx context.Context, req domain.SyncBatchRequest) (domain.SyncBatchResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SyncBatchResponse{}, fmt.Errorf("authentication required")
	}

	resp := domain.SyncBatchResponse{
		Results: make([]domain.SyncResult, 0, len(req.Transactions)),
	}
	for _, tx := range req.Transactions {
		resp.Results = append(resp.Results, s.reconcileTransaction(ctx, actor, tx))
	}

	if len(resp.Results) > 0 {
		seen := map[string]struct{}{}
		for _, tx := range req.Transactions {
			seen[tx.StoreID] = struct{}{}
		}
		for storeID := range seen {
			s.invalidateSnapshot(ctx, storeID)
		}
	}
	return resp, nil
}

func (s *Service) reconcileTransaction(ctx context.Context, actor domain.Actor, tx domain.SyncTransactionRequest) domain.SyncResult {
	result := domain.SyncResult{LocalID: tx.LocalID}

	if tx.LocalID == "" || len(tx.Items) == 0 {
		result.Status = domain.SyncStatusFailed
		result.Error = "invalid transaction payload"
		return result
	}
	if tx.StoreID == "" {
		tx.StoreID = s.defaultStoreID
	}
	for _, item := range tx.Items {
		if item.ProductID == "" || item.Quantity < 1 || item.PriceCents < 0 || item.DiscountCents < 0 {
			result.Status = domain.SyncStatusFailed
			result.Error = "invalid transaction item"
			return result
		}
	}
	if !isSupportedPaymentMethod(tx.PaymentMethod) {
		result.Status = domain.SyncStatusFailed
		result.Error = fmt.Sprintf("unsupported payment method %q", tx.PaymentMethod)
		return result
	}
	if !actor.CanAccessStore(tx.StoreID) {
		result.Status = domain.SyncStatusFailed
		result.Error = store.ErrUnauthorizedStore.Error()
		return result
	}

	if existing, err := s.repo.FindSaleByClientID(ctx, tx.LocalID); err == nil {
		return resultFromSale(tx.LocalID, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		result.Status = domain.SyncStatusFailed
		result.Error = err.Error()
		return result
	}

	productIDs := make([]string, 0, len(tx.Items))
	for _, item := range tx.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		result.Status = domain.SyncStatusFailed
		result.Error = err.Error()
		return result
	}
	stock, err := s.repo.GetStockMap(ctx, tx.StoreID, productIDs)
	if err != nil {
		result.Status = domain.SyncStatusFailed
		result.Error = err.Error()
		return result
	}

	// Greedy allocation in submitted line order. remaining tracks stock
	// already granted to earlier lines of the same product.
	remaining := make(map[string]int, len(stock))
	for id, qty := range stock {
		remaining[id] = qty
	}

	lines := make([]domain.SaleLine, 0, len(tx.Items))
	conflictItems := make([]domain.ConflictItem, 0)
	anyFulfilled := false
	for _, item := range tx.Items {
		product, known := products[item.ProductID]

		fulfilled := 0
		if known {
			fulfilled = item.Quantity
			if avail := remaining[item.ProductID]; avail < fulfilled {
				fulfilled = avail
			}
			if fulfilled < 0 {
				fulfilled = 0
			}
			remaining[item.ProductID] -= fulfilled
		}

		name := product.Name
		if !known {
			name = item.ProductID
		}
		if fulfilled < item.Quantity {
			unit := item.PriceCents - item.DiscountCents
			if unit < 0 {
				unit = 0
			}
			conflictItems = append(conflictItems, domain.ConflictItem{
				ProductID:          item.ProductID,
				ProductName:        name,
				RequestedQuantity:  item.Quantity,
				FulfilledQuantity:  fulfilled,
				ServerStock:        stock[item.ProductID],
				PriceAtSaleCents:   item.PriceCents,
				RefundForItemCents: unit * int64(item.Quantity-fulfilled),
			})
		}
		if fulfilled == 0 {
			continue
		}
		anyFulfilled = true
		lines = append(lines, domain.SaleLine{
			ProductID:     item.ProductID,
			InventoryID:   item.InventoryID,
			SKU:           product.SKU,
			Name:          name,
			PriceCents:    item.PriceCents,
			DiscountCents: item.DiscountCents,
			Qty:           fulfilled,
			RequestedQty:  item.Quantity,
		})
	}

	if !anyFulfilled {
		result.Status = domain.SyncStatusConflict
		result.Conflict = &domain.ConflictResolution{
			Type:               domain.ConflictTypeUnavailable,
			Items:              conflictItems,
			OriginalTotalCents: tx.TotalCents,
			AdjustedTotalCents: 0,
			RefundAmountCents:  tx.TotalCents,
			Message:            "no items could be fulfilled; full refund due",
		}
		return result
	}

	sale := domain.Sale{
		ClientTransactionID: tx.LocalID,
		StoreID:             tx.StoreID,
		CashierID:           tx.CashierID,
		SessionID:           tx.SessionID,
		CustomerID:          tx.CustomerID,
		SubtotalCents:       tx.SubtotalCents,
		TaxCents:            tx.TaxCents,
		DiscountCents:       tx.DiscountCents,
		TotalCents:          tx.TotalCents,
		PaymentMethod:       tx.PaymentMethod,
		Notes:               tx.Notes,
		CreatedAt:           tx.CreatedAt,
		Lines:               lines,
	}

	if len(conflictItems) > 0 {
		adjustedSubtotal := int64(0)
		for _, line := range lines {
			unit := line.PriceCents - line.DiscountCents
			if unit < 0 {
				unit = 0
			}
			adjustedSubtotal += unit * int64(line.Qty)
		}
		// Tax and order-level discount pass through unchanged from the
		// submitted sale; only the line subtotal shrinks.
		adjustedTotal := adjustedSubtotal + tx.TaxCents - tx.DiscountCents
		if adjustedTotal < 0 {
			adjustedTotal = 0
		}

		sale.SubtotalCents = adjustedSubtotal
		sale.TotalCents = adjustedTotal
		sale.Conflict = &domain.ConflictResolution{
			Type:               domain.ConflictTypeStockShortage,
			Items:              conflictItems,
			OriginalTotalCents: tx.TotalCents,
			AdjustedTotalCents: adjustedTotal,
			RefundAmountCents:  tx.TotalCents - adjustedTotal,
			Message:            fmt.Sprintf("%d of %d items adjusted for stock changes", len(conflictItems), len(tx.Items)),
		}
	}

	saved, err := s.repo.PersistSale(ctx, sale)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSale) {
			if existing, lookupErr := s.repo.FindSaleByClientID(ctx, tx.LocalID); lookupErr == nil {
				return resultFromSale(tx.LocalID, existing)
			}
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			result.Status = domain.SyncStatusFailed
			result.Error = "stock changed during reconciliation"
			return result
		}
		result.Status = domain.SyncStatusFailed
		result.Error = err.Error()
		return result
	}

	result.ServerSaleID = saved.ID
	result.ServerSaleNumber = saved.SaleNumber
	if saved.Conflict != nil {
		result.Status = domain.SyncStatusConflict
		result.Conflict = saved.Conflict
		log.Printf("[service] sale %s reconciled with adjustments: refund=%d local=%s", saved.ID, saved.Conflict.RefundAmountCents, tx.LocalID)
	} else {
		result.Status = domain.SyncStatusSuccess
	}
	return result
}

func resultFromSale(localID string, sale *domain.Sale) domain.SyncResult {
	result := domain.SyncResult{
		LocalID:          localID,
		ServerSaleID:     sale.ID,
		ServerSaleNumber: sale.SaleNumber,
	}
	if sale.Conflict != nil {
		result.Status = domain.SyncStatusConflict
		result.Conflict = sale.Conflict
	} else {
		result.Status = domain.SyncStatusSuccess
	}
	return result
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authentication required")
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if !actor.CanAccessStore(req.StoreID) {
		return domain.SessionResponse{}, store.ErrUnauthorizedStore
	}
	if strings.TrimSpace(req.TerminalID) == "" || req.OpeningFloatCents < 0 {
		return domain.SessionResponse{}, store.ErrInvalidSale
	}
	if req.CashierID == "" {
		req.CashierID = actor.Username
	}

	if _, err := s.repo.GetActiveSession(ctx, req.StoreID, req.TerminalID); err == nil {
		return domain.SessionResponse{}, store.ErrSessionOpen
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SessionResponse{}, err
	}

	session := domain.RegisterSession{
		ID:                xid.New("sess"),
		StoreID:           req.StoreID,
		TerminalID:        req.TerminalID,
		CashierID:         req.CashierID,
		OpeningFloatCents: req.OpeningFloatCents,
		Status:            domain.SessionStatusOpen,
		OpenedAt:          time.Now().UTC(),
	}
	saved, err := s.repo.OpenSession(ctx, session)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	log.Printf("[service] session opened id=%s store=%s terminal=%s", saved.ID, saved.StoreID, saved.TerminalID)
	return domain.SessionResponse{Session: *saved}, nil
}

func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authentication required")
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if !actor.CanAccessStore(req.StoreID) {
		return domain.SessionResponse{}, store.ErrUnauthorizedStore
	}
	if strings.TrimSpace(req.TerminalID) == "" || req.ClosingCashCents < 0 {
		return domain.SessionResponse{}, store.ErrInvalidSale
	}

	closed, err := s.repo.CloseActiveSession(ctx, req.StoreID, req.TerminalID, req.ClosingCashCents, time.Now().UTC())
	if err != nil {
		return domain.SessionResponse{}, err
	}
	log.Printf("[service] session closed id=%s store=%s terminal=%s count=%d", closed.ID, closed.StoreID, closed.TerminalID, closed.TransactionCount)
	return domain.SessionResponse{Session: *closed}, nil
}

func (s *Service) GetActiveSession(ctx context.Context, storeID string, terminalID string) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authentication required")
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if !actor.CanAccessStore(storeID) {
		return domain.SessionResponse{}, store.ErrUnauthorizedStore
	}

	session, err := s.repo.GetActiveSession(ctx, storeID, terminalID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) invalidateSnapshot(ctx context.Context, storeID string) {
	if err := s.snapshots.Invalidate(ctx, snapshotKey(storeID)); err != nil {
		log.Printf("[service] WARN: snapshot invalidate store=%s: %v", storeID, err)
	}
}

func snapshotKey(storeID string) string {
	return "sync:products:" + storeID
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQRIS:
		return true
	}
	return false
}
