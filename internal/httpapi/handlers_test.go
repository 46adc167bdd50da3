package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/events"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	hub := events.NewHub()
	svc := service.New(repo, hub, time.UTC, 10)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, hub, "*")
}

func login(t *testing.T, api *API, email, password string) string {
	t.Helper()
	handler := api.Handler()

	payload, _ := json.Marshal(domain.LoginRequest{Email: email, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func loginAsAdmin(t *testing.T, api *API) string {
	return login(t, api, "admin@dukapos.local", "admin123")
}

func loginAsManager(t *testing.T, api *API) string {
	return login(t, api, "manager@dukapos.local", "manager123")
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

// do performs an authenticated JSON request against the API.
func do(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodGet, "/healthz", "", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	payload, _ := json.Marshal(domain.LoginRequest{Email: "admin@dukapos.local", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodGet, "/api/v1/products", "", "", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsManager(t, api)

	rec := do(t, api, http.MethodGet, "/api/v1/products", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products in response")
	}
}

func TestCreateSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodGet, "/api/v1/products", manager, "", nil)
	var listing struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	product := listing.Products[0]

	rec = do(t, api, http.MethodPost, "/api/v1/sales", manager, csrf, domain.SaleCreateRequest{
		Items:    []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 2}},
		Payments: map[string]int64{domain.TenderCash: 2 * product.PriceCents},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.TotalCents != 2*product.PriceCents {
		t.Fatalf("unexpected total %d", created.Sale.TotalCents)
	}

	// Stock must reflect the committed sale immediately.
	rec = do(t, api, http.MethodGet, "/api/v1/products/"+product.ID, manager, "", nil)
	var fetched struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if fetched.Product.Quantity != product.Quantity-2 {
		t.Fatalf("expected quantity %d, got %d", product.Quantity-2, fetched.Product.Quantity)
	}
}

func TestCreateSaleRejectedWithoutCSRF(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/sales", manager, "", domain.SaleCreateRequest{
		Items:    []domain.SaleItemRequest{{ProductID: "prod-x", Quantity: 1}},
		Payments: map[string]int64{domain.TenderCash: 100},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestPaymentMismatchMapsTo422(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodGet, "/api/v1/products", manager, "", nil)
	var listing struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	product := listing.Products[0]

	rec = do(t, api, http.MethodPost, "/api/v1/sales", manager, csrf, domain.SaleCreateRequest{
		Items:    []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 1}},
		Payments: map[string]int64{domain.TenderCash: product.PriceCents + 500},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for payment mismatch, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDeleteSaleRequiresAdminRole(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodDelete, "/api/v1/sales/sale-whatever", manager, csrf, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager reversal, got %d", rec.Code)
	}
}

func TestSaleReversalOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodGet, "/api/v1/products", admin, "", nil)
	var listing struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	product := listing.Products[0]

	rec = do(t, api, http.MethodPost, "/api/v1/sales", admin, csrf, domain.SaleCreateRequest{
		Items:    []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 1}},
		Payments: map[string]int64{domain.TenderMobileMoney: product.PriceCents},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}

	rec = do(t, api, http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, admin, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reversal: %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, api, http.MethodGet, "/api/v1/products/"+product.ID, admin, "", nil)
	var fetched struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if fetched.Product.Quantity != product.Quantity {
		t.Fatalf("expected stock back at %d, got %d", product.Quantity, fetched.Product.Quantity)
	}
}

func TestTabFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/tabs", manager, csrf, domain.TabCreateRequest{
		CustomerName:    "Wanjiku",
		Description:     "2x Tusker Lager",
		Quantity:        2,
		AmountOwedCents: 50000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tab: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Tab domain.TabView `json:"tab"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode tab: %v", err)
	}
	if created.Tab.Status != domain.TabStatusUnpaid {
		t.Fatalf("expected unpaid, got %s", created.Tab.Status)
	}

	rec = do(t, api, http.MethodPost, fmt.Sprintf("/api/v1/tabs/%s/payment", created.Tab.ID), manager, csrf, domain.TabPaymentRequest{AmountCents: 30000})
	if rec.Code != http.StatusOK {
		t.Fatalf("tab payment: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var paid struct {
		Tab domain.TabView `json:"tab"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&paid); err != nil {
		t.Fatalf("decode tab: %v", err)
	}
	if paid.Tab.Status != domain.TabStatusPartiallyPaid || paid.Tab.BalanceCents != 20000 {
		t.Fatalf("unexpected tab state: %+v", paid.Tab)
	}

	rec = do(t, api, http.MethodPost, fmt.Sprintf("/api/v1/tabs/%s/payment", created.Tab.ID), manager, csrf, domain.TabPaymentRequest{AmountCents: 25000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overpayment, got %d", rec.Code)
	}

	rec = do(t, api, http.MethodDelete, "/api/v1/tabs/"+created.Tab.ID, manager, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete tab: %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestRegisterRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/auth/register", manager, csrf, domain.RegisterRequest{
		Email: "new@dukapos.local", Name: "New Staff", Password: "longenough", Role: domain.RoleManager,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager register, got %d", rec.Code)
	}

	admin := loginAsAdmin(t, api)
	rec = do(t, api, http.MethodPost, "/api/v1/auth/register", admin, csrf, domain.RegisterRequest{
		Email: "new@dukapos.local", Name: "New Staff", Password: "longenough", Role: domain.RoleManager,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin register, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	if token := login(t, api, "new@dukapos.local", "longenough"); token == "" {
		t.Fatalf("expected new staff member to log in")
	}
}

func TestLowStockEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/products", admin, csrf, domain.ProductCreateRequest{
		Name: "Last Bottle", Category: domain.CategoryWine, PriceCents: 9000, CostCents: 7000, Quantity: 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, api, http.MethodGet, "/api/v1/products/low-stock", admin, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("low stock: %d", rec.Code)
	}
	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, p := range body.Products {
		if p.Name == "Last Bottle" {
			found = true
		}
		if p.Quantity > 10 {
			t.Fatalf("product %s above threshold in low-stock list", p.Name)
		}
	}
	if !found {
		t.Fatalf("expected Last Bottle in low-stock list")
	}
}

func TestTodayAggregateEndpoint(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAsManager(t, api)

	rec := do(t, api, http.MethodGet, "/api/v1/sales/today", manager, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Today domain.DailyAggregate `json:"today"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Today.Transactions != 0 {
		t.Fatalf("expected empty day, got %+v", body.Today)
	}
}
