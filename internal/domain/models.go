// Package domain holds the shared data model for the dukapos backend.
//
// All money is stored in integer KES cents. Formatting into "KES 1,234"
// strings is a client concern; the server never does float arithmetic on
// currency.
package domain

import "time"

// Product categories form a closed set; anything unrecognized is rejected at
// the edge rather than stored.
const (
	CategoryVodka   = "vodka"
	CategoryWhiskey = "whiskey"
	CategoryRum     = "rum"
	CategoryGin     = "gin"
	CategoryBeer    = "beer"
	CategoryCider   = "cider"
	CategoryWine    = "wine"
	CategorySpirits = "spirits"
	CategoryOther   = "other"
)

// Categories lists every valid product category.
var Categories = []string{
	CategoryVodka, CategoryWhiskey, CategoryRum, CategoryGin,
	CategoryBeer, CategoryCider, CategoryWine, CategorySpirits, CategoryOther,
}

// ValidCategory reports whether c is one of the enumerated categories.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Tender types. Payment breakdowns map tender -> amount in cents and only
// these keys are accepted.
const (
	TenderCash        = "cash"
	TenderMobileMoney = "mpesa"
)

// Tenders lists every valid tender type.
var Tenders = []string{TenderCash, TenderMobileMoney}

// ValidTender reports whether t is a known tender type.
func ValidTender(t string) bool {
	for _, known := range Tenders {
		if t == known {
			return true
		}
	}
	return false
}

// Staff roles.
const (
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Tab statuses, derived from amounts and never stored.
const (
	TabStatusUnpaid        = "unpaid"
	TabStatusPartiallyPaid = "partially_paid"
	TabStatusPaid          = "paid"
)

// Product is a stocked item. Quantity never goes below zero; every stock
// mutation happens through the store's reserve/release primitives or an
// admin edit.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	PriceCents  int64     `json:"price_cents"`
	CostCents   int64     `json:"cost_cents"`
	Quantity    int       `json:"quantity"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaleLine captures a product at the moment of sale. Price and cost are
// copies, not references, so later product edits never change sale history.
type SaleLine struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
}

// LineTotalCents returns quantity * unit price for the line.
func (l SaleLine) LineTotalCents() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// LineProfitCents returns quantity * (unit price - unit cost) for the line.
func (l SaleLine) LineProfitCents() int64 {
	return int64(l.Quantity) * (l.UnitPriceCents - l.UnitCostCents)
}

// Sale is a committed transaction. Sales are never edited; the only
// correction mechanism is reversal via deletion, which restocks every line.
type Sale struct {
	ID          string           `json:"id"`
	Lines       []SaleLine       `json:"lines"`
	TotalCents  int64            `json:"total_cents"`
	ProfitCents int64            `json:"profit_cents"`
	Payments    map[string]int64 `json:"payments"`
	SoldBy      string           `json:"sold_by"`
	SoldByRole  string           `json:"sold_by_role"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CustomerTab is credit extended to a customer. A tab has no inventory
// linkage; any stock movement is a separate sale.
type CustomerTab struct {
	ID              string    `json:"id"`
	CustomerName    string    `json:"customer_name"`
	CustomerPhone   string    `json:"customer_phone,omitempty"`
	Description     string    `json:"description"`
	Quantity        int       `json:"quantity"`
	AmountOwedCents int64     `json:"amount_owed_cents"`
	AmountPaidCents int64     `json:"amount_paid_cents"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Status derives the tab state from its amounts.
func (t CustomerTab) Status() string {
	switch {
	case t.AmountPaidCents >= t.AmountOwedCents:
		return TabStatusPaid
	case t.AmountPaidCents > 0:
		return TabStatusPartiallyPaid
	default:
		return TabStatusUnpaid
	}
}

// BalanceCents returns the outstanding amount on the tab.
func (t CustomerTab) BalanceCents() int64 {
	return t.AmountOwedCents - t.AmountPaidCents
}

// DailyAggregate is today's revenue/profit/transaction count. It is always
// recomputed from the sale set so reversals are reflected immediately.
type DailyAggregate struct {
	RevenueCents int64 `json:"revenue_cents"`
	ProfitCents  int64 `json:"profit_cents"`
	Transactions int   `json:"transactions"`
}

// BestSeller ranks a product by units sold over a trailing window.
type BestSeller struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	UnitsSold    int    `json:"units_sold"`
	RevenueCents int64  `json:"revenue_cents"`
}

// User is a staff account. PasswordHash is bcrypt and never serialized.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Actor identifies the authenticated staff member behind a request.
type Actor struct {
	ID    string
	Email string
	Role  string
}

// StockSnapshot is what a successful reservation observed at decrement time.
type StockSnapshot struct {
	ProductName    string
	UnitPriceCents int64
	UnitCostCents  int64
	Remaining      int
}

// --- request/response shapes ---

type ProductCreateRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	PriceCents  int64  `json:"price_cents"`
	CostCents   int64  `json:"cost_cents"`
	Quantity    int    `json:"quantity"`
	Description string `json:"description"`
}

// ProductUpdateRequest uses pointers so callers can patch individual fields.
type ProductUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Category    *string `json:"category,omitempty"`
	PriceCents  *int64  `json:"price_cents,omitempty"`
	CostCents   *int64  `json:"cost_cents,omitempty"`
	Quantity    *int    `json:"quantity,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SaleItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Items    []SaleItemRequest `json:"items"`
	Payments map[string]int64  `json:"payments"`
}

type TabCreateRequest struct {
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone"`
	Description     string `json:"description"`
	Quantity        int    `json:"quantity"`
	AmountOwedCents int64  `json:"amount_owed_cents"`
	Notes           string `json:"notes"`
}

type TabPaymentRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	User        User   `json:"user"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// TabView is the wire shape for a tab with its derived status attached.
type TabView struct {
	CustomerTab
	Status       string `json:"status"`
	BalanceCents int64  `json:"balance_cents"`
}

// ViewTab wraps a tab with its derived fields for serialization.
func ViewTab(t CustomerTab) TabView {
	return TabView{CustomerTab: t, Status: t.Status(), BalanceCents: t.BalanceCents()}
}
