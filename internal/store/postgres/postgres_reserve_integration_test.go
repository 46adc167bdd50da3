package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

func TestReserveStockNeverOversellsUnderLoad(t *testing.T) {
	databaseURL := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	product, err := s.CreateProduct(ctx, domain.Product{
		Name:       "Integration Bottle",
		Category:   domain.CategoryWhiskey,
		PriceCents: 4500,
		CostCents:  3200,
		Quantity:   6,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveStock(ctx, product.ID, 1)
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
	if ok != 6 {
		t.Fatalf("expected exactly 6 successful reservations, got %d", ok)
	}

	after, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Quantity != 0 {
		t.Fatalf("expected 0 remaining, got %d", after.Quantity)
	}

	remaining, err := s.ReleaseStock(ctx, product.ID, 6)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if remaining != 6 {
		t.Fatalf("expected stock restored to 6, got %d", remaining)
	}
}

func TestApplyTabPaymentIsConditional(t *testing.T) {
	databaseURL := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	tab, err := s.CreateTab(ctx, domain.CustomerTab{
		CustomerName:    "Integration Customer",
		Description:     "1x Integration Bottle",
		Quantity:        1,
		AmountOwedCents: 4500,
	})
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tabs WHERE id = $1`, tab.ID)
	})

	if _, err := s.ApplyTabPayment(ctx, tab.ID, 5000); !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount for overpayment, got %v", err)
	}

	updated, err := s.ApplyTabPayment(ctx, tab.ID, 4500)
	if err != nil {
		t.Fatalf("exact payment: %v", err)
	}
	if updated.AmountPaidCents != 4500 || updated.Status() != domain.TabStatusPaid {
		t.Fatalf("unexpected tab state: %+v", updated)
	}
}
