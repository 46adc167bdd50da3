// Package postgres implements store.Repository on PostgreSQL via the pgx
// stdlib driver. Stock and tab invariants are enforced with conditional
// UPDATEs so they hold under concurrent writers without advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
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

// EnsureSchema creates the tables when they do not exist yet. Sale lines and
// payment breakdowns are stored as jsonb: they are immutable snapshots that
// are only ever read back whole.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			price_cents BIGINT NOT NULL,
			cost_cents BIGINT NOT NULL,
			quantity INT NOT NULL CHECK (quantity >= 0),
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			lines JSONB NOT NULL,
			total_cents BIGINT NOT NULL,
			profit_cents BIGINT NOT NULL,
			payments JSONB NOT NULL,
			sold_by TEXT NOT NULL,
			sold_by_role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at)`,
		`CREATE TABLE IF NOT EXISTS tabs (
			id TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL,
			customer_phone TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			quantity INT NOT NULL,
			amount_owed_cents BIGINT NOT NULL,
			amount_paid_cents BIGINT NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- products ---

const productColumns = `id, name, category, price_cents, cost_cents, quantity, description, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.Quantity, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, product.Category, product.PriceCents, product.CostCents,
		product.Quantity, product.Description, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product already exists", store.ErrConflict)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products SET
			name = COALESCE($2, name),
			category = COALESCE($3, category),
			price_cents = COALESCE($4, price_cents),
			cost_cents = COALESCE($5, cost_cents),
			quantity = COALESCE($6, quantity),
			description = COALESCE($7, description),
			updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, id, update.Name, update.Category, update.PriceCents, update.CostCents, update.Quantity, update.Description))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLowStockProducts(ctx context.Context, threshold int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE quantity <= $1
		ORDER BY quantity, name
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var low []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		low = append(low, p)
	}
	return low, rows.Err()
}

// --- stock ---

// ReserveStock decrements in a single conditional UPDATE, so two concurrent
// reservations can never both pass the availability check.
func (s *Store) ReserveStock(ctx context.Context, productID string, qty int) (*domain.StockSnapshot, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	var snap domain.StockSnapshot
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1 AND quantity >= $2
		RETURNING name, price_cents, cost_cents, quantity
	`, productID, qty).Scan(&snap.ProductName, &snap.UnitPriceCents, &snap.UnitCostCents, &snap.Remaining)
	if errors.Is(err, sql.ErrNoRows) {
		var name string
		var available int
		probe := s.db.QueryRowContext(ctx, `SELECT name, quantity FROM products WHERE id = $1`, productID).Scan(&name, &available)
		if errors.Is(probe, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if probe != nil {
			return nil, probe
		}
		return nil, fmt.Errorf("%w: only %d units of %s available", store.ErrInsufficientStock, available, name)
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &snap, nil
}

func (s *Store) ReleaseStock(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1
		RETURNING quantity
	`, productID, qty).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, mapPgError(err)
	}
	return remaining, nil
}

// --- sales ---

const saleColumns = `id, lines, total_cents, profit_cents, payments, sold_by, sold_by_role, created_at`

func scanSale(row interface{ Scan(...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	var lines, payments []byte
	if err := row.Scan(&sale.ID, &lines, &sale.TotalCents, &sale.ProfitCents, &payments, &sale.SoldBy, &sale.SoldByRole, &sale.CreatedAt); err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(lines, &sale.Lines); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale lines: %w", err)
	}
	if err := json.Unmarshal(payments, &sale.Payments); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale payments: %w", err)
	}
	return sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return nil, err
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, lines, sale.TotalCents, sale.ProfitCents, payments, sale.SoldBy, sale.SoldByRole, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sale already exists", store.ErrConflict)
		}
		return nil, mapPgError(err)
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		DELETE FROM sales WHERE id = $1
		RETURNING `+saleColumns+`
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSales(rows)
}

func (s *Store) ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSales(rows)
}

func (s *Store) ListSalesByStaffBetween(ctx context.Context, staffEmail string, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE sold_by = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
	`, staffEmail, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSales(rows)
}

func collectSales(rows *sql.Rows) ([]domain.Sale, error) {
	var sales []domain.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// --- tabs ---

const tabColumns = `id, customer_name, customer_phone, description, quantity, amount_owed_cents, amount_paid_cents, notes, created_at, updated_at`

func scanTab(row interface{ Scan(...any) error }) (domain.CustomerTab, error) {
	var t domain.CustomerTab
	err := row.Scan(&t.ID, &t.CustomerName, &t.CustomerPhone, &t.Description, &t.Quantity,
		&t.AmountOwedCents, &t.AmountPaidCents, &t.Notes, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateTab(ctx context.Context, tab domain.CustomerTab) (*domain.CustomerTab, error) {
	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	now := time.Now().UTC()
	tab.CreatedAt = now
	tab.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tabs (`+tabColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, tab.ID, tab.CustomerName, tab.CustomerPhone, tab.Description, tab.Quantity,
		tab.AmountOwedCents, tab.AmountPaidCents, tab.Notes, tab.CreatedAt, tab.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &tab, nil
}

func (s *Store) GetTab(ctx context.Context, id string) (*domain.CustomerTab, error) {
	tab, err := scanTab(s.db.QueryRowContext(ctx, `
		SELECT `+tabColumns+` FROM tabs WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tab, nil
}

func (s *Store) ListTabs(ctx context.Context) ([]domain.CustomerTab, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tabColumns+`
		FROM tabs
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tabs []domain.CustomerTab
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, tab)
	}
	return tabs, rows.Err()
}

// ApplyTabPayment caps the increment at the outstanding balance inside the
// UPDATE itself; concurrent payments cannot overshoot amount_owed_cents.
func (s *Store) ApplyTabPayment(ctx context.Context, id string, amountCents int64) (*domain.CustomerTab, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrInvalidAmount)
	}

	tab, err := scanTab(s.db.QueryRowContext(ctx, `
		UPDATE tabs
		SET amount_paid_cents = amount_paid_cents + $2, updated_at = now()
		WHERE id = $1 AND amount_paid_cents + $2 <= amount_owed_cents
		RETURNING `+tabColumns+`
	`, id, amountCents))
	if errors.Is(err, sql.ErrNoRows) {
		var remaining int64
		probe := s.db.QueryRowContext(ctx, `
			SELECT amount_owed_cents - amount_paid_cents FROM tabs WHERE id = $1
		`, id).Scan(&remaining)
		if errors.Is(probe, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if probe != nil {
			return nil, probe
		}
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance of %d", store.ErrInvalidAmount, remaining)
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &tab, nil
}

func (s *Store) DeleteTab(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tabs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.Email, user.Name, user.Role, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email already registered", store.ErrConflict)
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, password_hash, created_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, role, password_hash, created_at
		FROM users ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- error mapping ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapPgError turns serialization failures and lock timeouts into the
// retryable conflict sentinel; everything else passes through.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Code)
		}
	}
	return err
}
