package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warungpos/internal/domain"
	"warungpos/internal/store"
	"warungpos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	inventory       map[string]map[string]*domain.StoreInventory // storeID -> productID
	salesByID       map[string]*domain.Sale
	salesByClientID map[string]*domain.Sale
	sessionsByID    map[string]domain.RegisterSession
	activeSessions  map[string]string // storeID|terminalID -> sessionID
	usersByUsername map[string]domain.UserAccount
	saleSeq         int64
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production runs
// use PostgreSQL via DATABASE_URL and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		stores   []string
	}{
		{"admin", adminPwd, "admin", nil},
		{"cashier", cashierPwd, "cashier", []string{"main-store"}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StoreIDs:  u.stores,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-mie-01", SKU: "SKU-MIE-01", Barcode: "8991001011", Name: "Mie Goreng Instan", PriceCents: 3500, Active: true, UpdatedAt: now},
		{ID: "prod-telur-01", SKU: "SKU-TELUR-01", Barcode: "8991001012", Name: "Telur 10 Butir", PriceCents: 26500, Active: true, UpdatedAt: now},
		{ID: "prod-susu-01", SKU: "SKU-SUSU-01", Barcode: "8991001013", Name: "Susu UHT 1L", PriceCents: 18900, Active: true, UpdatedAt: now},
		{ID: "prod-roti-01", SKU: "SKU-ROTI-01", Barcode: "8991001014", Name: "Roti Tawar", PriceCents: 17800, Active: true, UpdatedAt: now},
		{ID: "prod-kopi-01", SKU: "SKU-KOPI-01", Barcode: "8991001015", Name: "Kopi Sachet", PriceCents: 2600, Active: true, UpdatedAt: now},
		{ID: "prod-gula-01", SKU: "SKU-GULA-01", Barcode: "8991001016", Name: "Gula 1kg", PriceCents: 17400, Active: true, UpdatedAt: now},
		{ID: "prod-teh-01", SKU: "SKU-TEH-01", Barcode: "8991001017", Name: "Teh Celup", PriceCents: 9800, Active: true, UpdatedAt: now},
		{ID: "prod-air-01", SKU: "SKU-AIR-01", Barcode: "8991001018", Name: "Air Mineral 600ml", PriceCents: 3900, Active: true, UpdatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	inventory := map[string]map[string]*domain.StoreInventory{"main-store": {}}
	for _, p := range products {
		productMap[p.ID] = p
		inventory["main-store"][p.ID] = &domain.StoreInventory{
			InventoryID: "inv-main-" + p.ID,
			StoreID:     "main-store",
			ProductID:   p.ID,
			Qty:         24,
			UpdatedAt:   now,
		}
	}

	return &Store{
		products:        productMap,
		inventory:       inventory,
		salesByID:       map[string]*domain.Sale{},
		salesByClientID: map[string]*domain.Sale{},
		sessionsByID:    map[string]domain.RegisterSession{},
		activeSessions:  map[string]string{},
		usersByUsername: seedUsers(),
	}
}

func (m *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (m *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.products {
		if existing.SKU == product.SKU {
			return nil, store.ErrInvalidSale
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true
	product.UpdatedAt = time.Now().UTC()
	m.products[product.ID] = product

	created := product
	return &created, nil
}

func (m *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[product.ID]; !ok {
		return nil, store.ErrNotFound
	}
	product.UpdatedAt = time.Now().UTC()
	m.products[product.ID] = product

	updated := product
	return &updated, nil
}

func (m *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (m *Store) ListSyncProducts(_ context.Context, storeID string, since time.Time) ([]domain.SyncProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stocks := m.inventory[storeID]
	result := make([]domain.SyncProduct, 0, len(stocks))
	for productID, inv := range stocks {
		p, ok := m.products[productID]
		if !ok || !p.Active {
			continue
		}
		updatedAt := p.UpdatedAt
		if inv.UpdatedAt.After(updatedAt) {
			updatedAt = inv.UpdatedAt
		}
		if !since.IsZero() && !updatedAt.After(since) {
			continue
		}
		result = append(result, domain.SyncProduct{
			ProductID:   p.ID,
			InventoryID: inv.InventoryID,
			StoreID:     storeID,
			SKU:         p.SKU,
			Barcode:     p.Barcode,
			Name:        p.Name,
			PriceCents:  p.PriceCents,
			Qty:         inv.Qty,
			UpdatedAt:   updatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (m *Store) GetStockMap(_ context.Context, storeID string, productIDs []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stocks := m.inventory[storeID]
	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		if inv, ok := stocks[id]; ok {
			result[id] = inv.Qty
		}
	}
	return result, nil
}

func (m *Store) SetStock(_ context.Context, storeID string, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidSale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stocks, ok := m.inventory[storeID]
	if !ok {
		stocks = map[string]*domain.StoreInventory{}
		m.inventory[storeID] = stocks
	}
	inv, ok := stocks[productID]
	if !ok {
		stocks[productID] = &domain.StoreInventory{
			InventoryID: fmt.Sprintf("inv-%s-%s", storeID, productID),
			StoreID:     storeID,
			ProductID:   productID,
			Qty:         qty,
			UpdatedAt:   time.Now().UTC(),
		}
		return nil
	}
	inv.Qty = qty
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Store) FindSaleByClientID(_ context.Context, clientTransactionID string) (*domain.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sale, ok := m.salesByClientID[clientTransactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *sale
	return &copied, nil
}

// PersistSale applies the sale atomically under the store lock: all stock
// decrements are validated before any state changes, so a short line leaves
// nothing half-applied.
func (m *Store) PersistSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ClientTransactionID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.salesByClientID[sale.ClientTransactionID]; ok {
		return nil, store.ErrDuplicateSale
	}

	stocks := m.inventory[sale.StoreID]
	needed := map[string]int{}
	for _, line := range sale.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		needed[line.ProductID] += line.Qty
	}
	for productID, qty := range needed {
		inv, ok := stocks[productID]
		if !ok || inv.Qty < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	for productID, qty := range needed {
		stocks[productID].Qty -= qty
		stocks[productID].UpdatedAt = now
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.SaleNumber == "" {
		m.saleSeq++
		sale.SaleNumber = fmt.Sprintf("%s-%06d", strings.ToUpper(sale.StoreID), m.saleSeq)
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}

	if sale.SessionID != "" {
		if session, ok := m.sessionsByID[sale.SessionID]; ok && session.Status == domain.SessionStatusOpen {
			applySaleToSession(&session, sale.PaymentMethod, sale.TotalCents)
			m.sessionsByID[sale.SessionID] = session
		}
	}

	stored := sale
	m.salesByID[stored.ID] = &stored
	m.salesByClientID[stored.ClientTransactionID] = &stored

	copied := stored
	return &copied, nil
}

func applySaleToSession(session *domain.RegisterSession, paymentMethod string, totalCents int64) {
	switch paymentMethod {
	case domain.PaymentMethodCash:
		session.CashSalesCents += totalCents
	case domain.PaymentMethodCard:
		session.CardSalesCents += totalCents
	default:
		session.OtherSalesCents += totalCents
	}
	session.TransactionCount++
}

func sessionKey(storeID, terminalID string) string {
	return storeID + "|" + terminalID
}

func (m *Store) OpenSession(_ context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(session.StoreID, session.TerminalID)
	if _, ok := m.activeSessions[key]; ok {
		return nil, store.ErrSessionOpen
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	session.Status = domain.SessionStatusOpen
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	m.sessionsByID[session.ID] = session
	m.activeSessions[key] = session.ID

	opened := session
	return &opened, nil
}

func (m *Store) CloseActiveSession(_ context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.RegisterSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(storeID, terminalID)
	sessionID, ok := m.activeSessions[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	session := m.sessionsByID[sessionID]
	session.Status = domain.SessionStatusClosed
	session.ClosingCashCents = closingCashCents
	session.ClosedAt = &closedAt
	m.sessionsByID[sessionID] = session
	delete(m.activeSessions, key)

	closed := session
	return &closed, nil
}

func (m *Store) GetActiveSession(_ context.Context, storeID string, terminalID string) (*domain.RegisterSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.activeSessions[sessionKey(storeID, terminalID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	session := m.sessionsByID[sessionID]
	return &session, nil
}

func (m *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidSale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByUsername[user.Username]; ok {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.usersByUsername[user.Username] = user
	return nil
}

func (m *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(m.usersByUsername))
	for _, u := range m.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	m.usersByUsername[username] = user
	return nil
}
