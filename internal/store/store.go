package store

import (
	"context"
	"errors"
	"time"

	"dukapos/backend/internal/domain"
)

// Sentinel errors shared by every Repository implementation. Callers match
// with errors.Is; httpapi maps each to a distinct status code and message.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPaymentMismatch   = errors.New("payment does not match total")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrConflict          = errors.New("conflict, retry")
	ErrValidation        = errors.New("invalid input")
)

// Repository is the persistence contract for products, sales, tabs and staff
// accounts. Implementations must make ReserveStock, ReleaseStock and
// ApplyTabPayment atomic per record: two concurrent reservations against the
// same product must never both succeed past the available quantity.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	ListLowStockProducts(ctx context.Context, threshold int) ([]domain.Product, error)

	// ReserveStock atomically decrements stock by qty and returns the price
	// and cost observed at that instant. Fails with ErrInsufficientStock
	// without mutating anything when qty exceeds the available quantity.
	ReserveStock(ctx context.Context, productID string, qty int) (*domain.StockSnapshot, error)
	// ReleaseStock atomically increments stock by qty. ErrNotFound means the
	// product was deleted since the sale; the caller must surface that as a
	// reconciliation warning rather than dropping the return silently.
	ReleaseStock(ctx context.Context, productID string, qty int) (int, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	// DeleteSale removes the sale from the authoritative set and returns the
	// removed record so the caller can restock its lines.
	DeleteSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	ListSalesByStaffBetween(ctx context.Context, staffEmail string, from time.Time, to time.Time) ([]domain.Sale, error)

	CreateTab(ctx context.Context, tab domain.CustomerTab) (*domain.CustomerTab, error)
	GetTab(ctx context.Context, id string) (*domain.CustomerTab, error)
	ListTabs(ctx context.Context) ([]domain.CustomerTab, error)
	// ApplyTabPayment atomically increments amount paid. ErrInvalidAmount when
	// the payment is non-positive or exceeds the outstanding balance.
	ApplyTabPayment(ctx context.Context, id string, amountCents int64) (*domain.CustomerTab, error)
	DeleteTab(ctx context.Context, id string) error

	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}
