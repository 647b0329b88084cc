package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("decode credentials: %v", err)
		}
		if creds.Operator != "alice" || creds.Password != "pw" {
			t.Fatalf("unexpected credentials %+v", creds)
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "tok-123", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	token, err := client.Authenticate(context.Background(), Credentials{Operator: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.AccessToken != "tok-123" {
		t.Fatalf("unexpected token %+v", token)
	}
	if client.AccessToken() != "tok-123" {
		t.Fatalf("token not stored on client")
	}
}

func TestSubmitSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-456" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var submission Submission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.Kind != "gift_card" || string(submission.Payload) != "GC-1" {
			t.Fatalf("unexpected submission %+v", submission)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Asset{ID: "asset-1", Stage: "acquired", Kind: submission.Kind})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("tok-456")

	created, err := client.Submit(context.Background(), Submission{
		Kind:      "gift_card",
		Payload:   []byte("GC-1"),
		SourceTag: "dump-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "asset-1" || created.Stage != "acquired" {
		t.Fatalf("unexpected asset %+v", created)
	}
}

func TestSubmitRequiresToken(t *testing.T) {
	client, err := NewClient("http://localhost:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Submit(context.Background(), Submission{Kind: "gift_card"}); err == nil {
		t.Fatalf("expected error without access token")
	}
}

func TestListEncodesFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("stage") != "vaulted" || query.Get("limit") != "5" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Asset{{ID: "asset-1", Stage: "vaulted"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("tok")

	records, err := client.List(context.Background(), ListFilter{Stage: "vaulted", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Stage != "vaulted" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"code":      "TRANSFER_DENIED",
			"message":   "quorum not satisfied",
			"retryable": true,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("tok")

	_, err = client.Cashout(context.Background(), "asset-1", CashoutRequest{Destination: "acct", AmountUSD: 10})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "TRANSFER_DENIED" || !apiErr.Retryable {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
