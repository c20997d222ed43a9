package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

func TestDetectOpType(t *testing.T) {
	cases := []struct {
		logs []string
		want OpType
	}{
		{[]string{"Program log: Instruction: Buy"}, OpBuy},
		{[]string{"Program log: instruction: sell"}, OpSell},
		{[]string{"Program log: Instruction: Initialize"}, OpUnknown},
		{nil, OpUnknown},
	}
	for _, c := range cases {
		if got := detectOpType(c.logs); got != c.want {
			t.Errorf("detectOpType(%v) = %s, want %s", c.logs, got, c.want)
		}
	}
}

func TestPriceFor_Buy(t *testing.T) {
	price := priceFor(OpBuy, decimal.NewFromFloat(1.0), decimal.NewFromFloat(1000))
	want := decimal.NewFromFloat(0.001)
	if !price.Equal(want) {
		t.Errorf("buy price = %s, want %s", price, want)
	}
}

func TestPriceFor_Sell_UsesAbsoluteValues(t *testing.T) {
	price := priceFor(OpSell, decimal.NewFromFloat(-2.0), decimal.NewFromFloat(-1000))
	want := decimal.NewFromFloat(0.002)
	if !price.Equal(want) {
		t.Errorf("sell price = %s, want %s", price, want)
	}
}

func TestPriceFor_ZeroTokenDelta_ReturnsZero(t *testing.T) {
	price := priceFor(OpBuy, decimal.NewFromFloat(1.0), decimal.Zero)
	if !price.IsZero() {
		t.Errorf("expected zero price for zero token delta, got %s", price)
	}
}

func TestInferCounterparty_ExcludesWellKnownPrograms(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	pool := solana.NewWallet().PublicKey()

	keys := []solana.PublicKey{
		signer,
		solana.MustPublicKeyFromBase58("11111111111111111111111111111111"),
		pool,
	}

	cfg := DefaultConfig()
	got := inferCounterparty(keys, []string{signer.String()}, cfg, false)
	if got != pool.String() {
		t.Errorf("expected counterparty %s, got %s", pool.String(), got)
	}
}

func TestLamportsToSol_TruncatesTowardZeroAtNineDecimals(t *testing.T) {
	got := lamportsToSol(decimal.NewFromInt(50_000_123))
	want := decimal.RequireFromString("0.050000123")
	if !got.Equal(want) {
		t.Errorf("lamportsToSol(50000123) = %s, want %s", got, want)
	}
}

func TestSolDeltaFor_ConvertsLamportsToSolScale(t *testing.T) {
	pool := solana.NewWallet().PublicKey()
	keys := []solana.PublicKey{pool}
	meta := &rpc.TransactionMeta{
		PreBalances:  []uint64{0},
		PostBalances: []uint64{50_000_000}, // 0.05 SOL in lamports
	}

	got := solDeltaFor(meta, keys, pool.String())
	want := decimal.RequireFromString("0.05")
	if !got.Equal(want) {
		t.Errorf("solDeltaFor = %s, want %s", got, want)
	}
}

// Exercises spec scenario 6 end-to-end through the real lamports path
// (0.05 SOL inflow for 1000 tokens -> 0.000050000000 SOL/token), instead of
// calling priceFor directly with already-SOL-scale literals.
func TestAnalyzeTransaction_PriceFromLamportsScenario6(t *testing.T) {
	pool := solana.NewWallet().PublicKey()
	keys := []solana.PublicKey{pool}
	meta := &rpc.TransactionMeta{
		PreBalances:  []uint64{0},
		PostBalances: []uint64{50_000_000},
	}

	solDelta := solDeltaFor(meta, keys, pool.String())
	tokenDelta := decimal.NewFromInt(1000)

	price := priceFor(OpBuy, solDelta, tokenDelta)
	want := decimal.RequireFromString("0.000050000000")
	if !price.Equal(want) {
		t.Errorf("price = %s, want %s", price, want)
	}
}

func TestClassifyMetaErr_CustomSlippageCode(t *testing.T) {
	var metaErr interface{}
	raw := []byte(`{"InstructionError":[1,{"Custom":6002}]}`)
	if err := json.Unmarshal(raw, &metaErr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := classifyMetaErr(metaErr)
	if got != ErrSlippage {
		t.Errorf("classifyMetaErr = %s, want %s", got, ErrSlippage)
	}
}

func TestClassifyMetaErr_NilFallsBackToUnknown(t *testing.T) {
	if got := classifyMetaErr(nil); got != ErrUnknownOnChain {
		t.Errorf("classifyMetaErr(nil) = %s, want %s", got, ErrUnknownOnChain)
	}
}

func TestToSet_DeduplicatesAndMembership(t *testing.T) {
	s := toSet([]string{"a", "b", "a"})
	if len(s) != 2 {
		t.Fatalf("expected 2 unique entries, got %d", len(s))
	}
	if !s["a"] || !s["b"] {
		t.Error("expected both a and b present")
	}
}
