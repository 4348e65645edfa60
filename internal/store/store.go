package store

import (
	"context"
	"errors"
	"time"

	"warungpos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateSale     = errors.New("duplicate sale")
	ErrSessionOpen       = errors.New("session already open")
	ErrUnauthorizedStore = errors.New("store not authorized for actor")
)

// Repository is the authoritative server store. PersistSale must apply the
// sale, its stock decrements and the linked register session counters in a
// single transaction: stock mutation is a conditional decrement and returns
// ErrInsufficientStock when the row no longer covers the line quantity.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListSyncProducts(ctx context.Context, storeID string, since time.Time) ([]domain.SyncProduct, error)

	GetStockMap(ctx context.Context, storeID string, productIDs []string) (map[string]int, error)
	SetStock(ctx context.Context, storeID string, productID string, qty int) error

	FindSaleByClientID(ctx context.Context, clientTransactionID string) (*domain.Sale, error)
	PersistSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)

	OpenSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error)
	CloseActiveSession(ctx context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.RegisterSession, error)
	GetActiveSession(ctx context.Context, storeID string, terminalID string) (*domain.RegisterSession, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
