package blockchain

import (
	"crypto/ed25519"
	"testing"
	"github.com/mr-tron/base58"
)

func TestSignSerializedTransaction_ZeroSignatureSlot(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	privKeyBase58 := base58.Encode(privKey)
	wallet, err := NewWallet(privKeyBase58)
	if err != nil {
		t.Fatalf("failed to create wallet: %v", err)
	}

	if base58.Encode(pubKey) != wallet.Address() {
		t.Errorf("wallet address mismatch: got %s, want %s", wallet.Address(), base58.Encode(pubKey))
	}

	// blockhash cache isn't exercised by SignSerializedTransaction, nil is fine here
	tb := NewTransactionBuilder(wallet, nil, 0)

	// an unsigned tx whose single signature slot is still zero-filled, as returned by /api/trade-local
	dummyTx := "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABAA=="

	signedTx, err := tb.SignSerializedTransaction(dummyTx)
	if err != nil {
		t.Fatalf("SignSerializedTransaction failed: %v", err)
	}
	if signedTx == "" {
		t.Error("SignSerializedTransaction returned empty string")
	}
}
