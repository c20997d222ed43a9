package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeBalance struct {
	sol    uint64
	tokens map[string]uint64
}

func (f *fakeBalance) SolBalanceLamports() uint64 { return f.sol }
func (f *fakeBalance) TokenBalance(mint string) (uint64, error) {
	return f.tokens[mint], nil
}

func newTestEngine(strict bool) *Engine {
	cfg := Config{
		StrictMode:              strict,
		MinSolBalanceLamports:   1_000_000_000, // 1 SOL
		MaxPositionSize:         decimal.NewFromFloat(1.0),
		MaxDailyVolume:          decimal.NewFromFloat(5.0),
		MinTradeIntervalSeconds: 5,
	}
	bal := &fakeBalance{sol: 10_000_000_000, tokens: map[string]uint64{"MintX": 1000}}
	return NewEngine(cfg, bal)
}

func TestValidate_HappyPath_Passes(t *testing.T) {
	e := newTestEngine(true)
	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintY", Side: "buy", AmountSol: decimal.NewFromFloat(0.5)}

	results, ok := e.Validate(req)
	if !ok {
		t.Fatalf("expected overall pass, got results: %+v", results)
	}
}

func TestValidate_PositionSizeExceeded_Fails(t *testing.T) {
	e := newTestEngine(true)
	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintY", Side: "buy", AmountSol: decimal.NewFromFloat(5.0)}

	_, ok := e.Validate(req)
	if ok {
		t.Fatal("expected overall failure when amount exceeds max position size")
	}
}

func TestValidate_TradeTiming_WarnsNotFails(t *testing.T) {
	e := newTestEngine(false) // lenient: only fail outcomes fail the trade
	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintY", Side: "buy", AmountSol: decimal.NewFromFloat(0.1)}

	_, ok := e.Validate(req)
	if !ok {
		t.Fatal("first trade for token should pass")
	}

	// immediate repeat: should warn, not fail, in lenient mode
	_, ok = e.Validate(req)
	if !ok {
		t.Fatal("a timing warning must not fail the trade in lenient mode")
	}
}

func TestValidate_TradeTiming_StrictModeFailsOnWarn(t *testing.T) {
	e := newTestEngine(true)
	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintY", Side: "buy", AmountSol: decimal.NewFromFloat(0.1)}

	e.Validate(req)
	_, ok := e.Validate(req)
	if ok {
		t.Fatal("strict mode should fail the trade on a timing warning")
	}
}

func TestValidate_SellWithZeroTokenBalance_Fails(t *testing.T) {
	e := newTestEngine(true)
	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintNeverHeld", Side: "sell", AmountSol: decimal.NewFromFloat(0.1)}

	_, ok := e.Validate(req)
	if ok {
		t.Fatal("expected sell with zero token balance to fail")
	}
}

func TestDailyCounterResetsAtDateRollover(t *testing.T) {
	e := newTestEngine(true)
	e.dailyVolume["LdrA"] = decimal.NewFromFloat(4.9)
	e.lastReset = time.Now().AddDate(0, 0, -1) // simulate "yesterday"

	req := TradeRequest{LeaderWallet: "LdrA", TokenMint: "MintZ", Side: "buy", AmountSol: decimal.NewFromFloat(0.5)}
	_, ok := e.Validate(req)
	if !ok {
		t.Fatal("expected pass after daily counters reset at date rollover")
	}

	vol := e.dailyVolume["LdrA"]
	if !vol.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected reset daily volume to start fresh at 0.5, got %s", vol)
	}
}
