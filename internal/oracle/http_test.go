package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
)

func TestHTTPThreatOracleInspect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req threatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Fingerprint == "" {
			t.Fatalf("fingerprint missing from request")
		}
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil || string(raw) != "card" {
			t.Fatalf("payload missing or corrupt: %q %v", req.Payload, err)
		}
		_ = json.NewEncoder(w).Encode(ThreatVerdict{Score: 42, Signals: []string{"reused_infrastructure"}})
	}))
	defer server.Close()

	o, err := NewHTTPThreatOracle(HTTPClientConfig{Name: "test", URL: server.URL})
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	record := asset.NewRecord(asset.KindGiftCard, []byte("card"), "drop", 3)
	verdict, err := o.Inspect(context.Background(), record)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if verdict.Score != 42 || len(verdict.Signals) != 1 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestHTTPThreatOracleFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	o, err := NewHTTPThreatOracle(HTTPClientConfig{Name: "test", URL: server.URL})
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	record := asset.NewRecord(asset.KindGiftCard, []byte("card"), "drop", 3)
	_, err = o.Inspect(context.Background(), record)
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeOracleFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("oracle failures should be retryable")
	}
}

func TestHTTPTransferGatewayDeliversPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil || string(raw) != "credential" {
			t.Fatalf("payload missing or corrupt: %q %v", req.Payload, err)
		}
		if req.Destination != "dest" || req.AmountUSD != 10 {
			t.Fatalf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(TransferReceipt{Reference: "txn-9"})
	}))
	defer server.Close()

	gateway, err := NewHTTPTransferGateway(HTTPClientConfig{Name: "test", URL: server.URL})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	receipt, err := gateway.Transfer(context.Background(), TransferRequest{
		AssetID:     "a",
		Destination: "dest",
		AmountUSD:   10,
		Payload:     []byte("credential"),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Reference != "txn-9" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestHTTPTransferGatewayDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	gateway, err := NewHTTPTransferGateway(HTTPClientConfig{Name: "test", URL: server.URL})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	_, err = gateway.Transfer(context.Background(), TransferRequest{AssetID: "a", Destination: "dest", AmountUSD: 10})
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != asset.CodeTransferDenied {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("denied transfers must not be retryable")
	}
}

func TestValueRouterFallsBack(t *testing.T) {
	fallback := valueFunc(func(context.Context, *asset.Record) (Valuation, error) {
		return Valuation{ValueUSD: 7, Confidence: 0.5}, nil
	})
	router := NewValueRouter(nil, fallback)
	record := asset.NewRecord(asset.KindDomain, []byte("example.test"), "drop", 3)
	valuation, err := router.Appraise(context.Background(), record)
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if valuation.ValueUSD != 7 {
		t.Fatalf("unexpected valuation: %+v", valuation)
	}

	empty := NewValueRouter(nil, nil)
	if _, err := empty.Appraise(context.Background(), record); !stdErrors.Is(err, ErrNoOracleForKind) {
		t.Fatalf("expected ErrNoOracleForKind, got %v", err)
	}
}

type valueFunc func(ctx context.Context, record *asset.Record) (Valuation, error)

func (f valueFunc) Appraise(ctx context.Context, record *asset.Record) (Valuation, error) {
	return f(ctx, record)
}
