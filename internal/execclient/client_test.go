package execclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTrade_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/trade" {
			t.Errorf("expected path /api/trade, got %s", r.URL.Path)
		}
		var req TradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Action != "buy" {
			t.Errorf("expected action buy, got %s", req.Action)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TradeResponse{Signature: "SigF1"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 500, 5*time.Second, []string{"key1"})

	req := BuildBuyRequest("OperatorPubkey", "MintX", decimal.NewFromFloat(0.5), 500, decimal.NewFromFloat(0.001), "pump")
	resp, err := c.Trade(context.Background(), req)
	if err != nil {
		t.Fatalf("Trade failed: %v", err)
	}
	if resp.Signature != "SigF1" {
		t.Errorf("expected signature SigF1, got %s", resp.Signature)
	}
}

func TestTrade_SlippageError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TradeResponse{Errors: "slippage: price moved beyond tolerance"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 500, 5*time.Second, []string{"key1"})
	req := BuildBuyRequest("OperatorPubkey", "MintX", decimal.NewFromFloat(0.5), 500, decimal.Zero, "pump")

	_, err := c.Trade(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for slippage rejection")
	}
	if ClassifyWireError(err.Error()) != ErrSlippage {
		t.Errorf("expected slippage classification, got %s", ClassifyWireError(err.Error()))
	}
}

func TestTradeLocal_ReturnsTransaction(t *testing.T) {
	dummyTx := "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABAA=="

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/trade-local" {
			t.Errorf("expected path /api/trade-local, got %s", r.URL.Path)
		}
		w.Write([]byte(dummyTx))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 500, 5*time.Second, nil)
	req := BuildSellRequest("OperatorPubkey", "MintX", decimal.NewFromInt(1000), 500, decimal.Zero, "pump")

	tx, err := c.TradeLocal(context.Background(), req)
	if err != nil {
		t.Fatalf("TradeLocal failed: %v", err)
	}
	if tx != dummyTx {
		t.Errorf("expected %s, got %s", dummyTx, tx)
	}
}

func TestClassifyWireError(t *testing.T) {
	cases := map[string]WireError{
		"slippage tolerance exceeded":       ErrSlippage,
		"insufficient_tokens in account":    ErrInsufficientTokens,
		"insufficient_lamports for trade":   ErrInsufficientLamports,
		"not enough for rent exemption":     ErrInsufficientFundsRent,
		"transaction_not_found on chain":    ErrTransactionNotFound,
		"invalid_transaction_format":        ErrInvalidTransactionFmt,
		"something completely unrecognized": ErrUnknown,
	}
	for body, want := range cases {
		if got := ClassifyWireError(body); got != want {
			t.Errorf("ClassifyWireError(%q) = %s, want %s", body, got, want)
		}
	}
}
