package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/events"
	"dukapos/backend/internal/store"
)

// paymentToleranceCents is the allowed gap between the payment breakdown and
// the sale total. It only applies at reconciliation time; all bookkeeping is
// exact integer arithmetic.
const paymentToleranceCents = 1

// conflictRetries bounds automatic retries of lock contention before the
// error is surfaced to the caller.
const conflictRetries = 3

const maxNotesLength = 500

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	broadcaster       events.Broadcaster
	loc               *time.Location
	lowStockThreshold int
}

func New(repo store.Repository, broadcaster events.Broadcaster, loc *time.Location, lowStockThreshold int) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if lowStockThreshold <= 0 {
		lowStockThreshold = 10
	}
	return &Service{
		repo:              repo,
		broadcaster:       broadcaster,
		loc:               loc,
		lowStockThreshold: lowStockThreshold,
	}
}

// --- products ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx, s.lowStockThreshold)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))

	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if !domain.ValidCategory(req.Category) {
		return domain.Product{}, fmt.Errorf("%w: unknown category %q", store.ErrValidation, req.Category)
	}
	if req.PriceCents < 0 || req.CostCents < 0 {
		return domain.Product{}, fmt.Errorf("%w: price and cost must be non-negative", store.ErrValidation)
	}
	if req.Quantity < 0 {
		return domain.Product{}, fmt.Errorf("%w: quantity must be non-negative", store.ErrValidation)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:        req.Name,
		Category:    req.Category,
		PriceCents:  req.PriceCents,
		CostCents:   req.CostCents,
		Quantity:    req.Quantity,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		return domain.Product{}, err
	}

	log.Printf("[service] product created id=%s name=%s by=%s", created.ID, created.Name, actor.Email)
	s.publish(ctx, events.TypeStockUpdated, created.ID)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			return domain.Product{}, fmt.Errorf("%w: product name cannot be empty", store.ErrValidation)
		}
		req.Name = &trimmed
	}
	if req.Category != nil {
		category := strings.ToLower(strings.TrimSpace(*req.Category))
		if !domain.ValidCategory(category) {
			return domain.Product{}, fmt.Errorf("%w: unknown category %q", store.ErrValidation, category)
		}
		req.Category = &category
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return domain.Product{}, fmt.Errorf("%w: price must be non-negative", store.ErrValidation)
	}
	if req.CostCents != nil && *req.CostCents < 0 {
		return domain.Product{}, fmt.Errorf("%w: cost must be non-negative", store.ErrValidation)
	}
	if req.Quantity != nil && *req.Quantity < 0 {
		return domain.Product{}, fmt.Errorf("%w: quantity must be non-negative", store.ErrValidation)
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req)
	if err != nil {
		return domain.Product{}, err
	}

	log.Printf("[service] product updated id=%s by=%s", id, actor.Email)
	s.publish(ctx, events.TypeStockUpdated, id)
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	log.Printf("[service] product deleted id=%s by=%s", id, actor.Email)
	s.publish(ctx, events.TypeStockUpdated, id)
	return nil
}

// --- sales ---

// CreateSale commits a multi-line sale atomically: every line's stock is
// reserved before anything is persisted, and any failure releases every
// reservation already taken in this call. No product ends up decremented for
// a sale that overall failed.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("staff identity required")
	}

	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale requires at least one line item", store.ErrValidation)
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.Sale{}, fmt.Errorf("%w: line item is missing a product", store.ErrValidation)
		}
		if item.Quantity <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: line quantity must be positive", store.ErrValidation)
		}
	}
	if len(req.Payments) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: payment breakdown is required", store.ErrValidation)
	}
	for tender, amount := range req.Payments {
		if !domain.ValidTender(tender) {
			return domain.Sale{}, fmt.Errorf("%w: unknown tender type %q", store.ErrValidation, tender)
		}
		if amount < 0 {
			return domain.Sale{}, fmt.Errorf("%w: tender amounts must be non-negative", store.ErrValidation)
		}
	}

	var reserved []domain.SaleLine
	rollback := func() {
		// Rollback must survive a canceled request context.
		s.releaseLines(context.WithoutCancel(ctx), reserved)
	}

	for _, item := range req.Items {
		snapshot, err := s.reserveWithRetry(ctx, item.ProductID, item.Quantity)
		if err != nil {
			rollback()
			return domain.Sale{}, err
		}
		reserved = append(reserved, domain.SaleLine{
			ProductID:      item.ProductID,
			ProductName:    snapshot.ProductName,
			Quantity:       item.Quantity,
			UnitPriceCents: snapshot.UnitPriceCents,
			UnitCostCents:  snapshot.UnitCostCents,
		})
	}

	var total, profit int64
	for _, line := range reserved {
		total += line.LineTotalCents()
		profit += line.LineProfitCents()
	}

	var paid int64
	for _, amount := range req.Payments {
		paid += amount
	}
	if diff := paid - total; diff > paymentToleranceCents || diff < -paymentToleranceCents {
		rollback()
		return domain.Sale{}, fmt.Errorf("%w: payments sum to %d, sale total is %d", store.ErrPaymentMismatch, paid, total)
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		Lines:       reserved,
		TotalCents:  total,
		ProfitCents: profit,
		Payments:    maps.Clone(req.Payments),
		SoldBy:      actor.Email,
		SoldByRole:  actor.Role,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		rollback()
		return domain.Sale{}, err
	}

	log.Printf("[service] sale %s committed: %d lines, total=%d, by=%s", created.ID, len(created.Lines), created.TotalCents, actor.Email)
	s.publish(ctx, events.TypeSaleCreated, created.ID)
	s.publish(ctx, events.TypeStockUpdated, created.ID)
	s.publish(ctx, events.TypeProfitUpdated, created.ID)
	return *created, nil
}

// DeleteSale reverses a committed sale: the record leaves the authoritative
// set and every line's units go back on the shelf. This is the only
// correction mechanism; there is no partial reversal.
func (s *Service) DeleteSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Sale{}, fmt.Errorf("admin role required")
	}

	sale, err := s.repo.DeleteSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}

	for _, line := range sale.Lines {
		remaining, err := s.repo.ReleaseStock(context.WithoutCancel(ctx), line.ProductID, line.Quantity)
		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Printf("[service] WARN: reversal of sale %s: product %s (%s) was deleted, %d units need manual reconciliation", id, line.ProductID, line.ProductName, line.Quantity)
		case err != nil:
			log.Printf("[service] WARN: reversal of sale %s: restock %s failed: %v", id, line.ProductID, err)
		default:
			log.Printf("[service] sale %s reversed: %d units of %s returned to stock (now %d)", id, line.Quantity, line.ProductName, remaining)
		}
	}

	s.publish(ctx, events.TypeStockUpdated, id)
	s.publish(ctx, events.TypeProfitUpdated, id)
	return *sale, nil
}

// TodayAggregate recomputes revenue, profit and transaction count from the
// sales recorded since local midnight. It is never maintained incrementally,
// so a reversal is reflected on the very next read.
func (s *Service) TodayAggregate(ctx context.Context) (domain.DailyAggregate, error) {
	from, to := s.todayWindow()
	sales, err := s.repo.ListSalesBetween(ctx, from, to)
	if err != nil {
		return domain.DailyAggregate{}, err
	}

	var agg domain.DailyAggregate
	for _, sale := range sales {
		agg.RevenueCents += sale.TotalCents
		agg.ProfitCents += sale.ProfitCents
		agg.Transactions++
	}
	return agg, nil
}

// StaffSalesToday lists the calling staff member's own sales since local
// midnight, newest first.
func (s *Service) StaffSalesToday(ctx context.Context) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("staff identity required")
	}
	from, to := s.todayWindow()
	return s.repo.ListSalesByStaffBetween(ctx, actor.Email, from, to)
}

func (s *Service) ListAllSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListSales(ctx, limit)
}

// BestSellers ranks products by units sold over the trailing window.
func (s *Service) BestSellers(ctx context.Context, days int, limit int) ([]domain.BestSeller, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 10
	}

	now := time.Now().In(s.loc)
	sales, err := s.repo.ListSalesBetween(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, err
	}

	byProduct := map[string]*domain.BestSeller{}
	for _, sale := range sales {
		for _, line := range sale.Lines {
			entry, ok := byProduct[line.ProductID]
			if !ok {
				entry = &domain.BestSeller{ProductID: line.ProductID, ProductName: line.ProductName}
				byProduct[line.ProductID] = entry
			}
			entry.UnitsSold += line.Quantity
			entry.RevenueCents += line.LineTotalCents()
		}
	}

	ranked := make([]domain.BestSeller, 0, len(byProduct))
	for _, entry := range byProduct {
		ranked = append(ranked, *entry)
	}
	slices.SortFunc(ranked, func(a, b domain.BestSeller) int {
		if a.UnitsSold == b.UnitsSold {
			return strings.Compare(a.ProductName, b.ProductName)
		}
		return b.UnitsSold - a.UnitsSold
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// --- tabs ---

func (s *Service) CreateTab(ctx context.Context, req domain.TabCreateRequest) (domain.CustomerTab, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.CustomerTab{}, fmt.Errorf("staff identity required")
	}

	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Description = strings.TrimSpace(req.Description)

	if req.CustomerName == "" {
		return domain.CustomerTab{}, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	if req.Description == "" {
		return domain.CustomerTab{}, fmt.Errorf("%w: item description is required", store.ErrValidation)
	}
	if req.Quantity <= 0 {
		return domain.CustomerTab{}, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}
	if req.AmountOwedCents <= 0 {
		return domain.CustomerTab{}, fmt.Errorf("%w: amount owed must be positive", store.ErrInvalidAmount)
	}
	if len(req.Notes) > maxNotesLength {
		return domain.CustomerTab{}, fmt.Errorf("%w: notes exceed %d characters", store.ErrValidation, maxNotesLength)
	}

	created, err := s.repo.CreateTab(ctx, domain.CustomerTab{
		CustomerName:    req.CustomerName,
		CustomerPhone:   strings.TrimSpace(req.CustomerPhone),
		Description:     req.Description,
		Quantity:        req.Quantity,
		AmountOwedCents: req.AmountOwedCents,
		AmountPaidCents: 0,
		Notes:           req.Notes,
	})
	if err != nil {
		return domain.CustomerTab{}, err
	}

	log.Printf("[service] tab %s opened for %s, owed=%d", created.ID, created.CustomerName, created.AmountOwedCents)
	s.publish(ctx, events.TypeTabCreated, created.ID)
	return *created, nil
}

func (s *Service) ListTabs(ctx context.Context) ([]domain.CustomerTab, error) {
	return s.repo.ListTabs(ctx)
}

// RecordTabPayment applies a repayment against a tab. Overpayment is
// rejected, never clamped; the store enforces the cap atomically.
func (s *Service) RecordTabPayment(ctx context.Context, id string, amountCents int64) (domain.CustomerTab, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.CustomerTab{}, fmt.Errorf("staff identity required")
	}
	if amountCents <= 0 {
		return domain.CustomerTab{}, fmt.Errorf("%w: payment must be positive", store.ErrInvalidAmount)
	}

	updated, err := s.repo.ApplyTabPayment(ctx, id, amountCents)
	if err != nil {
		return domain.CustomerTab{}, err
	}

	log.Printf("[service] tab %s payment of %d recorded, status=%s", id, amountCents, updated.Status())
	s.publish(ctx, events.TypeTabUpdated, id)
	return *updated, nil
}

func (s *Service) DeleteTab(ctx context.Context, id string) error {
	if _, ok := ActorFromContext(ctx); !ok {
		return fmt.Errorf("staff identity required")
	}
	if err := s.repo.DeleteTab(ctx, id); err != nil {
		return err
	}
	log.Printf("[service] tab %s deleted", id)
	s.publish(ctx, events.TypeTabUpdated, id)
	return nil
}

// --- helpers ---

func (s *Service) reserveWithRetry(ctx context.Context, productID string, qty int) (*domain.StockSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		snapshot, err := s.repo.ReserveStock(ctx, productID, qty)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", store.ErrConflict, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (s *Service) releaseLines(ctx context.Context, lines []domain.SaleLine) {
	for _, line := range lines {
		if _, err := s.repo.ReleaseStock(ctx, line.ProductID, line.Quantity); err != nil {
			log.Printf("[service] WARN: rollback restock of %d units of %s failed: %v", line.Quantity, line.ProductID, err)
		}
	}
}

func (s *Service) todayWindow() (time.Time, time.Time) {
	now := time.Now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return midnight, now
}

func (s *Service) publish(ctx context.Context, t events.Type, entityID string) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, events.New(t, entityID)); err != nil {
		log.Printf("[service] WARN: publish %s: %v", t, err)
	}
}
