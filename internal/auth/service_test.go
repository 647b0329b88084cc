package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestService(t *testing.T, seeds []Seed) (*Service, *MemoryStore) {
	t.Helper()
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:     "unit-test-secret",
			Issuer:     "custody-test",
			AccessTTL:  60,
			RefreshTTL: 120,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "alice", Password: "s3cret", Roles: []string{"approver"}},
	})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if subject.Name != "alice" {
		t.Fatalf("unexpected subject %q", subject.Name)
	}
	if !subject.HasPermission(PermApprove) {
		t.Fatalf("approver role should grant %s", PermApprove)
	}
	if subject.HasPermission(PermCashout) {
		t.Fatalf("approver role must not grant %s", PermCashout)
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "alice", Password: "s3cret", Roles: []string{"intake"}},
	})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "alice", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "nobody", Password: "s3cret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown operator, got %v", err)
	}
}

func TestAuthenticateRejectsRevokedOperator(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "mallory", Password: "s3cret", Roles: []string{"treasurer"}, Disabled: true},
	})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "mallory", Password: "s3cret"}); !errors.Is(err, ErrOperatorRevoked) {
		t.Fatalf("expected ErrOperatorRevoked, got %v", err)
	}
}

func TestAuthenticateRequestRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "alice", Password: "s3cret", Roles: []string{"intake"}},
	})

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"empty", "", ErrMissingToken},
		{"no scheme", "abcdef", ErrMissingToken},
		{"wrong scheme", "Basic abcdef", ErrMissingToken},
		{"malformed token", "Bearer not.a.jwt", ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AuthenticateRequest(context.Background(), tc.header); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAuthenticateRequestRejectsRefreshToken(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "alice", Password: "s3cret", Roles: []string{"intake"}},
	})
	pair, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not grant access, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	manager := &jwtManager{secret: []byte("unit-test-secret"), accessTTL: time.Second}
	token, err := manager.sign(jwtClaims{
		TokenType: tokenTypeAccess,
		Subject:   "1",
		IssuedAt:  time.Now().Add(-time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	manager := &jwtManager{secret: []byte("unit-test-secret"), accessTTL: time.Minute}
	token, err := manager.sign(jwtClaims{TokenType: tokenTypeAccess, Subject: "1", ExpiresAt: time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other := &jwtManager{secret: []byte("different-secret")}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken across secrets, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc, _ := newTestService(t, []Seed{
		{Operator: "alice", Password: "s3cret", Roles: []string{"auditor"}},
		{Operator: "bob", Password: "s3cret", Roles: []string{"treasurer"}},
	})

	var sawOperator string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {PermCashout},
			http.MethodGet:  {PermRead},
		},
		AuditEvent: "cashout",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != nil {
			sawOperator = subject.Name
		}
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/cashout", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodPost, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: want 401 got %d", code)
	}

	alicePair, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate alice: %v", err)
	}
	if code := do(http.MethodPost, alicePair.AccessToken); code != http.StatusForbidden {
		t.Fatalf("auditor firing cashout: want 403 got %d", code)
	}
	if code := do(http.MethodGet, alicePair.AccessToken); code != http.StatusOK {
		t.Fatalf("auditor reading: want 200 got %d", code)
	}

	bobPair, err := svc.Authenticate(context.Background(), TokenRequest{Operator: "bob", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate bob: %v", err)
	}
	if code := do(http.MethodPost, bobPair.AccessToken); code != http.StatusOK {
		t.Fatalf("treasurer firing cashout: want 200 got %d", code)
	}
	if sawOperator != "bob" {
		t.Fatalf("handler should see operator bob, got %q", sawOperator)
	}
}

func TestMiddlewareDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("new disabled service: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {PermCashout}},
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/cashout", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled mode should pass through, got %d", rec.Code)
	}
}

func TestExpandRolesMergesExplicitGrants(t *testing.T) {
	perms := ExpandRoles([]string{"intake", "Intake", "unknown"}, []string{PermStats, " "})
	want := map[string]bool{PermSubmit: true, PermRead: true, PermStats: true}
	if len(perms) != len(want) {
		t.Fatalf("unexpected permissions %v", perms)
	}
	for _, perm := range perms {
		if !want[perm] {
			t.Fatalf("unexpected permission %q", perm)
		}
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !verifyPassword(hashed, "hunter2") {
		t.Fatalf("expected password to verify")
	}
	if verifyPassword(hashed, "hunter3") {
		t.Fatalf("wrong password must not verify")
	}
	if _, err := HashPassword("  "); err == nil {
		t.Fatalf("blank password must be rejected")
	}
}
