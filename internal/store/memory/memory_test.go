package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, qty int) domain.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), domain.Product{
		Name:       "Tusker Lager 500ml",
		Category:   domain.CategoryBeer,
		PriceCents: 2500,
		CostCents:  1900,
		Quantity:   qty,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return *product
}

func TestReserveStockDecrementsAndSnapshots(t *testing.T) {
	s := New()
	product := seedProduct(t, s, 10)

	snap, err := s.ReserveStock(context.Background(), product.ID, 4)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if snap.UnitPriceCents != 2500 || snap.UnitCostCents != 1900 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Remaining != 6 {
		t.Fatalf("expected 6 remaining, got %d", snap.Remaining)
	}
}

func TestReserveStockInsufficientLeavesStockUntouched(t *testing.T) {
	s := New()
	product := seedProduct(t, s, 3)

	_, err := s.ReserveStock(context.Background(), product.ID, 4)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected InsufficientStock, got %v", err)
	}

	after, err := s.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", after.Quantity)
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	s := New()
	product := seedProduct(t, s, 10)

	if _, err := s.ReserveStock(context.Background(), product.ID, 7); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	remaining, err := s.ReleaseStock(context.Background(), product.ID, 7)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if remaining != 10 {
		t.Fatalf("expected round trip back to 10, got %d", remaining)
	}
}

func TestReleaseStockMissingProductReturnsNotFound(t *testing.T) {
	s := New()
	if _, err := s.ReleaseStock(context.Background(), "prod-gone", 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReserveStockContentionTimesOutWithConflict(t *testing.T) {
	s := New()
	s.lockWait = 50 * time.Millisecond
	product := seedProduct(t, s, 10)

	// Hold the per-product lock so the reservation cannot take it.
	release, err := s.acquireStock(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = s.ReserveStock(context.Background(), product.ID, 1)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected Conflict after lock wait, got %v", err)
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := New()
	const stock = 8
	product := seedProduct(t, s, stock)

	var wg sync.WaitGroup
	results := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveStock(context.Background(), product.ID, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != stock {
		t.Fatalf("expected exactly %d successful reservations, got %d", stock, ok)
	}

	after, err := s.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Quantity != 0 {
		t.Fatalf("expected 0 remaining, got %d", after.Quantity)
	}
}

func TestApplyTabPaymentCapsAtBalance(t *testing.T) {
	s := New()
	tab, err := s.CreateTab(context.Background(), domain.CustomerTab{
		CustomerName:    "Wanjiku",
		Description:     "1x Kenya Cane",
		Quantity:        1,
		AmountOwedCents: 5000,
	})
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}

	if _, err := s.ApplyTabPayment(context.Background(), tab.ID, 6000); !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount for overpayment, got %v", err)
	}

	updated, err := s.ApplyTabPayment(context.Background(), tab.ID, 5000)
	if err != nil {
		t.Fatalf("exact payment: %v", err)
	}
	if updated.Status() != domain.TabStatusPaid {
		t.Fatalf("expected paid, got %s", updated.Status())
	}
}

func TestNewSeededHasProductsAndUsers(t *testing.T) {
	s := NewSeeded()

	products, err := s.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected seeded products")
	}

	admin, err := s.GetUserByEmail(context.Background(), "admin@dukapos.local")
	if err != nil {
		t.Fatalf("seed admin missing: %v", err)
	}
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", admin.Role)
	}
}
