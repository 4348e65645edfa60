// Package mirror keeps the terminal's local view of the catalog: cached
// products with store stock, and the advisory reservation ledger that
// pending sales hold against that stock. Reservations never block a sale;
// they only shrink the displayed available quantity.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"warungpos/internal/domain"
	"warungpos/internal/terminal/kv"
)

const (
	productKeyPrefix     = "mirror:product:"
	reservationKeyPrefix = "mirror:reservations:"
)

// Mirror serializes every read and write behind one mutex. Invariant after
// every mutation: localStock = max(0, serverStock - reservedStock).
type Mirror struct {
	mu           sync.Mutex
	store        kv.Store
	products     map[string]*domain.CachedProduct
	byBarcode    map[string]string
	reservations map[string][]domain.Reservation
}

func New(store kv.Store) *Mirror {
	return &Mirror{
		store:        store,
		products:     make(map[string]*domain.CachedProduct),
		byBarcode:    make(map[string]string),
		reservations: make(map[string][]domain.Reservation),
	}
}

// Load rebuilds the in-memory state from the KV store after a restart.
// Reserved counters are recomputed from the reservation records, not
// trusted from the persisted products.
func (m *Mirror) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	productEntries, err := m.store.List(ctx, productKeyPrefix)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	for key, raw := range productEntries {
		var product domain.CachedProduct
		if err := json.Unmarshal(raw, &product); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		product.ReservedStock = 0
		m.products[product.ID] = &product
		if product.Barcode != "" {
			m.byBarcode[product.Barcode] = product.ID
		}
	}

	reservationEntries, err := m.store.List(ctx, reservationKeyPrefix)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	for key, raw := range reservationEntries {
		var records []domain.Reservation
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if len(records) == 0 {
			continue
		}
		m.reservations[records[0].TransactionID] = records
		for _, record := range records {
			if product, ok := m.products[record.ProductID]; ok {
				product.ReservedStock += record.Quantity
			}
		}
	}

	for _, product := range m.products {
		recompute(product)
	}
	return nil
}

// Refresh applies a server product sync. Reserved counters survive the
// refresh; only serverStock and catalog fields change.
func (m *Mirror) Refresh(ctx context.Context, products []domain.SyncProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, incoming := range products {
		existing, ok := m.products[incoming.ProductID]
		if !ok {
			existing = &domain.CachedProduct{ID: incoming.ProductID}
			m.products[incoming.ProductID] = existing
		}
		if existing.Barcode != "" && existing.Barcode != incoming.Barcode {
			delete(m.byBarcode, existing.Barcode)
		}
		existing.SKU = incoming.SKU
		existing.Barcode = incoming.Barcode
		existing.Name = incoming.Name
		existing.PriceCents = incoming.PriceCents
		existing.InventoryID = incoming.InventoryID
		existing.StoreID = incoming.StoreID
		existing.ServerStock = incoming.Qty
		existing.CachedAt = now
		recompute(existing)
		if existing.Barcode != "" {
			m.byBarcode[existing.Barcode] = existing.ID
		}
		if err := m.persistProduct(ctx, existing); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) Lookup(productID string) (domain.CachedProduct, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return domain.CachedProduct{}, false
	}
	return *product, true
}

func (m *Mirror) LookupByBarcode(barcode string) (domain.CachedProduct, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	productID, ok := m.byBarcode[barcode]
	if !ok {
		return domain.CachedProduct{}, false
	}
	product, ok := m.products[productID]
	if !ok {
		return domain.CachedProduct{}, false
	}
	return *product, true
}

// Search matches case-insensitively on name and SKU, sorted by name.
func (m *Mirror) Search(query string) []domain.CachedProduct {
	query = strings.ToLower(strings.TrimSpace(query))

	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]domain.CachedProduct, 0, 16)
	for _, product := range m.products {
		if query == "" ||
			strings.Contains(strings.ToLower(product.Name), query) ||
			strings.Contains(strings.ToLower(product.SKU), query) {
			result = append(result, *product)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *Mirror) AvailableStock(productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return 0
	}
	return product.LocalStock
}

// Reserve records one pending sale's claim on every line it carries.
// Advisory: it succeeds even when quantities exceed local stock, because
// the server reconciles later. All lines are applied or none.
func (m *Mirror) Reserve(ctx context.Context, txID string, items []domain.PendingTransactionItem) error {
	if txID == "" || len(items) == 0 {
		return fmt.Errorf("reservation needs a transaction id and items")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[txID]; exists {
		return fmt.Errorf("transaction %s already holds reservations", txID)
	}

	now := time.Now().UTC()
	records := make([]domain.Reservation, 0, len(items))
	for _, item := range items {
		product, ok := m.products[item.ProductID]
		if !ok {
			return fmt.Errorf("product %s not in mirror", item.ProductID)
		}
		product.ReservedStock += item.Quantity
		recompute(product)
		records = append(records, domain.Reservation{
			TransactionID: txID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			CreatedAt:     now,
		})
	}

	m.reservations[txID] = records
	if err := m.persistReservations(ctx, txID, records); err != nil {
		// Roll the counters back so a failed persist leaves no phantom holds.
		for _, record := range records {
			if product, ok := m.products[record.ProductID]; ok {
				product.ReservedStock -= record.Quantity
				if product.ReservedStock < 0 {
					product.ReservedStock = 0
				}
				recompute(product)
			}
		}
		delete(m.reservations, txID)
		return err
	}
	for _, record := range records {
		if err := m.persistProduct(ctx, m.products[record.ProductID]); err != nil {
			return err
		}
	}
	return nil
}

// Release gives back qty units of one product's reserved stock, floored at
// zero. Releasing more than is held is not an error; the next refresh
// brings the counters back in line with the server.
func (m *Mirror) Release(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("release quantity must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return nil
	}
	product.ReservedStock -= qty
	if product.ReservedStock < 0 {
		product.ReservedStock = 0
	}
	recompute(product)
	return m.persistProduct(ctx, product)
}

// DropReservations removes a transaction's reservation records once its
// sync outcome is final. Counters are adjusted via Release, not here.
func (m *Mirror) DropReservations(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[txID]; !ok {
		return nil
	}
	delete(m.reservations, txID)
	return m.store.Delete(ctx, reservationKeyPrefix+txID)
}

// Reservations returns the live records for one transaction.
func (m *Mirror) Reservations(txID string) []domain.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.reservations[txID]
	copied := make([]domain.Reservation, len(records))
	copy(copied, records)
	return copied
}

func (m *Mirror) persistProduct(ctx context.Context, product *domain.CachedProduct) error {
	raw, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, productKeyPrefix+product.ID, raw)
}

func (m *Mirror) persistReservations(ctx context.Context, txID string, records []domain.Reservation) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, reservationKeyPrefix+txID, raw)
}

func recompute(product *domain.CachedProduct) {
	product.LocalStock = product.ServerStock - product.ReservedStock
	if product.LocalStock < 0 {
		product.LocalStock = 0
	}
}
