package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key", time.Hour, memory.New())
}

func TestTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)

	user := domain.User{ID: "user-1", Email: "staff@dukapos.local", Role: domain.RoleManager}
	token, err := auth.sign(user, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.ID != "user-1" || actor.Email != "staff@dukapos.local" || actor.Role != domain.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-completely-different-secret", time.Hour, memory.New())

	token, err := other.sign(domain.User{ID: "user-1", Role: domain.RoleAdmin}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected rejection for foreign signature")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.sign(domain.User{ID: "user-1", Role: domain.RoleManager}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected rejection for expired token")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)
	for _, token := range []string{"", "not-a-token", "aaaa.bbbb.cccc"} {
		if _, err := auth.ParseToken(token); err == nil {
			t.Fatalf("expected rejection for %q", token)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.RegisterRequest
	}{
		{"missing email", domain.RegisterRequest{Name: "X", Password: "longenough", Role: domain.RoleManager}},
		{"email without at sign", domain.RegisterRequest{Email: "nope", Name: "X", Password: "longenough", Role: domain.RoleManager}},
		{"missing name", domain.RegisterRequest{Email: "x@dukapos.local", Password: "longenough", Role: domain.RoleManager}},
		{"short password", domain.RegisterRequest{Email: "x@dukapos.local", Name: "X", Password: "short", Role: domain.RoleManager}},
		{"unknown role", domain.RegisterRequest{Email: "x@dukapos.local", Name: "X", Password: "longenough", Role: "owner"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.Register(ctx, tc.req); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegisterThenLogin(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, domain.RegisterRequest{
		Email:    "Staff@Dukapos.Local",
		Name:     "Staff Member",
		Password: "longenough",
		Role:     domain.RoleManager,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "staff@dukapos.local" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}

	resp, err := auth.Login(ctx, domain.LoginRequest{Email: "staff@dukapos.local", Password: "longenough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	if _, err := auth.Login(ctx, domain.LoginRequest{Email: "staff@dukapos.local", Password: "wrong"}); err == nil {
		t.Fatalf("expected login failure for wrong password")
	}
}

func TestVerifyPasswordRejectsPlaintextStored(t *testing.T) {
	// A stored value that is not a bcrypt hash must never verify, even if it
	// matches the input byte for byte.
	if verifyPassword("plaintext-password", "plaintext-password") {
		t.Fatalf("plaintext stored value must not verify")
	}
}
