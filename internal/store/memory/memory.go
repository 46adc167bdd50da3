// Package memory implements store.Repository with in-process maps. It is the
// default backend for dev/demo mode when DATABASE_URL is not set.
package memory

import (
	"context"
	"fmt"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// defaultLockWait bounds how long a stock mutation waits for its per-product
// lock before failing with store.ErrConflict.
const defaultLockWait = 2 * time.Second

type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	sales      map[string]domain.Sale
	tabs       map[string]domain.CustomerTab
	users      map[string]domain.User
	stockLocks map[string]chan struct{}
	lockWait   time.Duration
}

func New() *Store {
	return &Store{
		products:   map[string]domain.Product{},
		sales:      map[string]domain.Sale{},
		tabs:       map[string]domain.CustomerTab{},
		users:      map[string]domain.User{},
		stockLocks: map[string]chan struct{}{},
		lockWait:   defaultLockWait,
	}
}

// NewSeeded returns a store preloaded with shelf stock and staff accounts
// for dev/demo mode. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_MANAGER_PASSWORD; hardcoded dev defaults are used with a warning
// when unset.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, p := range []domain.Product{
		{Name: "Kenya Cane 750ml", Category: domain.CategorySpirits, PriceCents: 85000, CostCents: 62000, Quantity: 24},
		{Name: "Chrome Vodka 250ml", Category: domain.CategoryVodka, PriceCents: 25000, CostCents: 18000, Quantity: 48},
		{Name: "Jameson 700ml", Category: domain.CategoryWhiskey, PriceCents: 280000, CostCents: 225000, Quantity: 12},
		{Name: "Captain Morgan 750ml", Category: domain.CategoryRum, PriceCents: 165000, CostCents: 130000, Quantity: 10},
		{Name: "Gilbeys Gin 750ml", Category: domain.CategoryGin, PriceCents: 130000, CostCents: 102000, Quantity: 15},
		{Name: "Tusker Lager 500ml", Category: domain.CategoryBeer, PriceCents: 25000, CostCents: 19000, Quantity: 96},
		{Name: "White Cap 500ml", Category: domain.CategoryBeer, PriceCents: 25000, CostCents: 19000, Quantity: 72},
		{Name: "Tusker Cider 500ml", Category: domain.CategoryCider, PriceCents: 28000, CostCents: 21500, Quantity: 36},
		{Name: "4th Street Red 750ml", Category: domain.CategoryWine, PriceCents: 110000, CostCents: 85000, Quantity: 18},
		{Name: "Soda Baridi 500ml", Category: domain.CategoryOther, PriceCents: 7000, CostCents: 4500, Quantity: 60},
	} {
		p.ID = xid.New("prod")
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	s.seedUsers(now)
	return s
}

func (s *Store) seedUsers(now time.Time) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD to override.")
	}

	for _, u := range []struct {
		email    string
		name     string
		password string
		role     string
	}{
		{"admin@dukapos.local", "Duka Admin", adminPwd, domain.RoleAdmin},
		{"manager@dukapos.local", "Duka Manager", managerPwd, domain.RoleManager},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.email, err)
		}
		s.users[u.email] = domain.User{
			ID:           xid.New("user"),
			Email:        u.email,
			Name:         u.name,
			Role:         u.role,
			PasswordHash: string(hash),
			CreatedAt:    now,
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// acquireStock takes the per-product lock, waiting at most lockWait. Stock
// mutations on different products never contend with each other here.
func (s *Store) acquireStock(ctx context.Context, productID string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.stockLocks[productID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.stockLocks[productID] = sem
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", store.ErrConflict, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: stock lock wait exceeded for product %s", store.ErrConflict, productID)
	}
}

// --- products ---

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Category != nil {
		p.Category = *update.Category
	}
	if update.PriceCents != nil {
		p.PriceCents = *update.PriceCents
	}
	if update.CostCents != nil {
		p.CostCents = *update.CostCents
	}
	if update.Quantity != nil {
		p.Quantity = *update.Quantity
	}
	if update.Description != nil {
		p.Description = *update.Description
	}
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return &p, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListLowStockProducts(_ context.Context, threshold int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var low []domain.Product
	for _, p := range s.products {
		if p.Quantity <= threshold {
			low = append(low, p)
		}
	}
	slices.SortFunc(low, func(a, b domain.Product) int {
		if a.Quantity == b.Quantity {
			return strings.Compare(a.Name, b.Name)
		}
		return a.Quantity - b.Quantity
	})
	return low, nil
}

// --- stock ---

func (s *Store) ReserveStock(ctx context.Context, productID string, qty int) (*domain.StockSnapshot, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	release, err := s.acquireStock(ctx, productID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Quantity < qty {
		return nil, fmt.Errorf("%w: only %d units of %s available", store.ErrInsufficientStock, p.Quantity, p.Name)
	}
	p.Quantity -= qty
	p.UpdatedAt = time.Now().UTC()
	s.products[productID] = p

	return &domain.StockSnapshot{
		ProductName:    p.Name,
		UnitPriceCents: p.PriceCents,
		UnitCostCents:  p.CostCents,
		Remaining:      p.Quantity,
	}, nil
}

func (s *Store) ReleaseStock(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	release, err := s.acquireStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	p.Quantity += qty
	p.UpdatedAt = time.Now().UTC()
	s.products[productID] = p
	return p.Quantity, nil
}

// --- sales ---

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.sales[sale.ID] = cloneSale(sale)
	result := cloneSale(sale)
	return &result, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := cloneSale(sale)
	return &result, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.sales, id)
	result := cloneSale(sale)
	return &result, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, cloneSale(sale))
	}
	sortSalesNewestFirst(sales)
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) ListSalesBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sales []domain.Sale
	for _, sale := range s.sales {
		if !sale.CreatedAt.Before(from) && sale.CreatedAt.Before(to) {
			sales = append(sales, cloneSale(sale))
		}
	}
	sortSalesNewestFirst(sales)
	return sales, nil
}

func (s *Store) ListSalesByStaffBetween(_ context.Context, staffEmail string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sales []domain.Sale
	for _, sale := range s.sales {
		if sale.SoldBy != staffEmail {
			continue
		}
		if !sale.CreatedAt.Before(from) && sale.CreatedAt.Before(to) {
			sales = append(sales, cloneSale(sale))
		}
	}
	sortSalesNewestFirst(sales)
	return sales, nil
}

// --- tabs ---

func (s *Store) CreateTab(_ context.Context, tab domain.CustomerTab) (*domain.CustomerTab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	now := time.Now().UTC()
	if tab.CreatedAt.IsZero() {
		tab.CreatedAt = now
	}
	tab.UpdatedAt = now
	s.tabs[tab.ID] = tab
	return &tab, nil
}

func (s *Store) GetTab(_ context.Context, id string) (*domain.CustomerTab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tab, ok := s.tabs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tab, nil
}

func (s *Store) ListTabs(_ context.Context) ([]domain.CustomerTab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tabs := make([]domain.CustomerTab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		tabs = append(tabs, tab)
	}
	slices.SortFunc(tabs, func(a, b domain.CustomerTab) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return tabs, nil
}

func (s *Store) ApplyTabPayment(_ context.Context, id string, amountCents int64) (*domain.CustomerTab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tabs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrInvalidAmount)
	}
	if remaining := tab.AmountOwedCents - tab.AmountPaidCents; amountCents > remaining {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance of %d", store.ErrInvalidAmount, remaining)
	}
	tab.AmountPaidCents += amountCents
	tab.UpdatedAt = time.Now().UTC()
	s.tabs[id] = tab
	return &tab, nil
}

func (s *Store) DeleteTab(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tabs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tabs, id)
	return nil
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Email]; exists {
		return nil, fmt.Errorf("%w: email already registered", store.ErrConflict)
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Email] = user
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(a.Email, b.Email)
	})
	return users, nil
}

// --- helpers ---

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Lines = slices.Clone(sale.Lines)
	sale.Payments = maps.Clone(sale.Payments)
	return sale
}

func sortSalesNewestFirst(sales []domain.Sale) {
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
