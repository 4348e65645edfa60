package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warungpos/internal/domain"
	"warungpos/internal/store"
	"warungpos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, COALESCE(barcode, ''), name, price_cents, active, updated_at
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.PriceCents, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true
	product.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, barcode, name, price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),$7)
	`, product.ID, product.SKU, nullIfEmpty(product.Barcode), product.Name, product.PriceCents, product.Active, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	product.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, barcode = $3, price_cents = $4, active = $5, updated_at = $6
		WHERE id = $1
	`, product.ID, product.Name, nullIfEmpty(product.Barcode), product.PriceCents, product.Active, product.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, COALESCE(barcode, ''), name, price_cents, active, updated_at
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.PriceCents, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSyncProducts(ctx context.Context, storeID string, since time.Time) ([]domain.SyncProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, i.id, i.store_id, p.sku, COALESCE(p.barcode, ''), p.name, p.price_cents,
			i.qty, GREATEST(p.updated_at, i.updated_at)
		FROM products p
		JOIN store_inventory i ON i.product_id = p.id
		WHERE p.active = true AND i.store_id = $1 AND GREATEST(p.updated_at, i.updated_at) > $2
		ORDER BY p.sku
	`, storeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.SyncProduct, 0, 256)
	for rows.Next() {
		var p domain.SyncProduct
		if err := rows.Scan(&p.ProductID, &p.InventoryID, &p.StoreID, &p.SKU, &p.Barcode, &p.Name, &p.PriceCents, &p.Qty, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetStockMap(ctx context.Context, storeID string, productIDs []string) (map[string]int, error) {
	productIDs = uniqueIDs(productIDs)
	if len(productIDs) == 0 {
		return map[string]int{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty
		FROM store_inventory
		WHERE store_id = $1 AND product_id = ANY($2)
	`, storeID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int, len(productIDs))
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		result[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SetStock(ctx context.Context, storeID string, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidSale
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_inventory (id, store_id, product_id, qty, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (store_id, product_id)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, xid.New("inv"), storeID, productID, qty)
	return err
}

func (s *Store) FindSaleByClientID(ctx context.Context, clientTransactionID string) (*domain.Sale, error) {
	var sale domain.Sale
	var sessionID, customerID, notes sql.NullString
	var conflictJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_number, client_transaction_id, store_id, cashier_id, session_id,
			customer_id, subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, notes, conflict_resolution, created_at
		FROM sales
		WHERE client_transaction_id = $1
	`, clientTransactionID).Scan(
		&sale.ID,
		&sale.SaleNumber,
		&sale.ClientTransactionID,
		&sale.StoreID,
		&sale.CashierID,
		&sessionID,
		&customerID,
		&sale.SubtotalCents,
		&sale.TaxCents,
		&sale.DiscountCents,
		&sale.TotalCents,
		&sale.PaymentMethod,
		&notes,
		&conflictJSON,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.SessionID = sessionID.String
	sale.CustomerID = customerID.String
	sale.Notes = notes.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	if len(conflictJSON) > 0 {
		var conflict domain.ConflictResolution
		if err := json.Unmarshal(conflictJSON, &conflict); err != nil {
			return nil, fmt.Errorf("decode conflict for sale %s: %w", sale.ID, err)
		}
		sale.Conflict = &conflict
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, inventory_id, sku, name, price_cents, discount_cents, qty, requested_qty
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY sku
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.ProductID, &line.InventoryID, &line.SKU, &line.Name, &line.PriceCents, &line.DiscountCents, &line.Qty, &line.RequestedQty); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

// PersistSale commits the sale, its stock decrements and the session
// counters in one serializable transaction. Decrements are conditional on
// remaining quantity, so a concurrent sale that drained a row surfaces as
// ErrInsufficientStock instead of negative stock.
func (s *Store) PersistSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ClientTransactionID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	needed := map[string]int{}
	for _, line := range sale.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		needed[line.ProductID] += line.Qty
	}
	for _, productID := range sortedKeys(needed) {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE store_inventory
			SET qty = qty - $1, updated_at = now()
			WHERE store_id = $2 AND product_id = $3 AND qty >= $1
		`, needed[productID], sale.StoreID, productID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.SaleNumber == "" {
		var seq int64
		if err := pgTx.QueryRowContext(ctx, `SELECT nextval('sale_number_seq')`).Scan(&seq); err != nil {
			return nil, err
		}
		sale.SaleNumber = fmt.Sprintf("%s-%06d", strings.ToUpper(sale.StoreID), seq)
	}

	var conflictJSON any
	if sale.Conflict != nil {
		encoded, err := json.Marshal(sale.Conflict)
		if err != nil {
			return nil, err
		}
		conflictJSON = encoded
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, sale_number, client_transaction_id, store_id, cashier_id, session_id,
			customer_id, subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, notes, conflict_resolution, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.SaleNumber, sale.ClientTransactionID, sale.StoreID, sale.CashierID,
		nullIfEmpty(sale.SessionID), nullIfEmpty(sale.CustomerID), sale.SubtotalCents,
		sale.TaxCents, sale.DiscountCents, sale.TotalCents, sale.PaymentMethod,
		nullIfEmpty(sale.Notes), conflictJSON, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateSale
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, inventory_id, sku, name, price_cents, discount_cents, qty, requested_qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.ID, line.ProductID, nullIfEmpty(line.InventoryID), line.SKU, line.Name,
			line.PriceCents, line.DiscountCents, line.Qty, line.RequestedQty)
		if err != nil {
			return nil, err
		}
	}

	if sale.SessionID != "" {
		column := "other_sales_cents"
		switch sale.PaymentMethod {
		case domain.PaymentMethodCash:
			column = "cash_sales_cents"
		case domain.PaymentMethodCard:
			column = "card_sales_cents"
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE register_sessions
			SET `+column+` = `+column+` + $2, transaction_count = transaction_count + 1
			WHERE id = $1 AND status = 'open'
		`, sale.SessionID, sale.TotalCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	saved := sale
	return &saved, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.TerminalID) == "" || strings.TrimSpace(session.CashierID) == "" {
		return nil, store.ErrInvalidSale
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.ClosedAt = nil
	session.ClosingCashCents = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO register_sessions (
			id, store_id, terminal_id, cashier_id, opening_float_cents,
			cash_sales_cents, card_sales_cents, other_sales_cents, transaction_count,
			closing_cash_cents, status, opened_at, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,0,$6,$7,$8,$9)
	`, session.ID, session.StoreID, session.TerminalID, session.CashierID,
		session.OpeningFloatCents, session.ClosingCashCents, session.Status,
		session.OpenedAt, nullTime(session.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionOpen
		}
		return nil, err
	}
	saved := session
	return &saved, nil
}

func (s *Store) CloseActiveSession(ctx context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.RegisterSession, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(terminalID) == "" {
		return nil, store.ErrInvalidSale
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var session domain.RegisterSession
	var closedAtNull sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		UPDATE register_sessions
		SET status = 'closed', closing_cash_cents = $3, closed_at = $4
		WHERE store_id = $1 AND terminal_id = $2 AND status = 'open'
		RETURNING id, store_id, terminal_id, cashier_id, opening_float_cents,
			cash_sales_cents, card_sales_cents, other_sales_cents, transaction_count,
			closing_cash_cents, status, opened_at, closed_at
	`, storeID, terminalID, closingCashCents, closedAt).Scan(
		&session.ID,
		&session.StoreID,
		&session.TerminalID,
		&session.CashierID,
		&session.OpeningFloatCents,
		&session.CashSalesCents,
		&session.CardSalesCents,
		&session.OtherSalesCents,
		&session.TransactionCount,
		&session.ClosingCashCents,
		&session.Status,
		&session.OpenedAt,
		&closedAtNull,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAtNull.Valid {
		at := closedAtNull.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) GetActiveSession(ctx context.Context, storeID string, terminalID string) (*domain.RegisterSession, error) {
	var session domain.RegisterSession
	var closedAtNull sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, terminal_id, cashier_id, opening_float_cents,
			cash_sales_cents, card_sales_cents, other_sales_cents, transaction_count,
			closing_cash_cents, status, opened_at, closed_at
		FROM register_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, storeID, terminalID).Scan(
		&session.ID,
		&session.StoreID,
		&session.TerminalID,
		&session.CashierID,
		&session.OpeningFloatCents,
		&session.CashSalesCents,
		&session.CardSalesCents,
		&session.OtherSalesCents,
		&session.TransactionCount,
		&session.ClosingCashCents,
		&session.Status,
		&session.OpenedAt,
		&closedAtNull,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAtNull.Valid {
		at := closedAtNull.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	storeIDs, err := json.Marshal(user.StoreIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, store_ids, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, storeIDs, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, store_ids, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var storeIDs []byte
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &storeIDs, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		if len(storeIDs) > 0 {
			if err := json.Unmarshal(storeIDs, &user.StoreIDs); err != nil {
				return nil, fmt.Errorf("decode store ids for %s: %w", user.Username, err)
			}
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
