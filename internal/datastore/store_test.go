package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{SQLitePath: filepath.Join(dir, "datastore.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSyncModels_OpenThenClose_UpdatesBothAggregates(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.SyncModels("LdrA", "MintX", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(1.0), TradeTime: time.Unix(1000, 0)})
	if err != nil {
		t.Fatalf("open sync: %v", err)
	}

	trader, tstats, err := s.SyncModels("LdrA", "MintX", OpClosedPosition, SyncPayload{
		AmountSol:   decimal.NewFromFloat(1.2),
		RealizedPnL: decimal.NewFromFloat(0.2),
		FeesSol:     decimal.NewFromFloat(0.01),
		TradeTime:   time.Unix(2000, 0),
	})
	if err != nil {
		t.Fatalf("close sync: %v", err)
	}

	if trader.Opens != 1 || trader.Closes != 1 {
		t.Errorf("expected trader opens=1 closes=1, got opens=%d closes=%d", trader.Opens, trader.Closes)
	}
	if tstats.Opens != 1 || tstats.Closes != 1 {
		t.Errorf("expected token-stats opens=1 closes=1, got opens=%d closes=%d", tstats.Opens, tstats.Closes)
	}
	if !trader.RealizedPnL.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("expected realized pnl 0.2, got %s", trader.RealizedPnL)
	}
}

func TestActiveOpen_ClampsAtZero(t *testing.T) {
	stats := TraderTokenStats{Opens: 2, Closes: 5}
	if got := stats.ActiveOpen(); got != 0 {
		t.Errorf("expected active_open clamped to 0, got %d", got)
	}

	stats = TraderTokenStats{Opens: 5, Closes: 2}
	if got := stats.ActiveOpen(); got != 3 {
		t.Errorf("expected active_open 3, got %d", got)
	}
}

func TestSyncModels_TraderStatsIsSumOfTokenStats(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.SyncModels("LdrA", "MintX", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(1.0)})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.SyncModels("LdrA", "MintY", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(2.0)})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.SyncModels("LdrA", "MintX", OpFailedPosition, SyncPayload{AmountSol: decimal.NewFromFloat(0.5)})
	if err != nil {
		t.Fatal(err)
	}

	trader, _ := s.GetTraderStats("LdrA")
	x, _ := s.GetTraderTokenStats("LdrA", "MintX")
	y, _ := s.GetTraderTokenStats("LdrA", "MintY")

	wantOpens := x.Opens + y.Opens
	wantFailed := x.Failed + y.Failed
	if trader.Opens != wantOpens {
		t.Errorf("trader.Opens=%d, want sum of token stats %d", trader.Opens, wantOpens)
	}
	if trader.Failed != wantFailed {
		t.Errorf("trader.Failed=%d, want sum of token stats %d", trader.Failed, wantFailed)
	}
	if !trader.VolumeOpen.Equal(x.VolumeOpen.Add(y.VolumeOpen)) {
		t.Errorf("trader.VolumeOpen=%s, want sum %s", trader.VolumeOpen, x.VolumeOpen.Add(y.VolumeOpen))
	}
}

func TestReconcileActivePositions_SetsClosesWithoutTouchingOpens(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, _, err := s.SyncModels("LdrA", "MintX", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(0.1)}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.ReconcileActivePositions("LdrA", "MintX", 2); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	tstats, _ := s.GetTraderTokenStats("LdrA", "MintX")
	if tstats.Opens != 5 {
		t.Errorf("expected opens untouched at 5, got %d", tstats.Opens)
	}
	if tstats.Closes != 3 {
		t.Errorf("expected closes set to opens-active=3, got %d", tstats.Closes)
	}
	if got := tstats.ActiveOpen(); got != 2 {
		t.Errorf("expected active_open 2 after reconcile, got %d", got)
	}
}

func TestReconcileActivePositions_IsIdempotent(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		if _, _, err := s.SyncModels("LdrA", "MintX", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(0.1)}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.ReconcileActivePositions("LdrA", "MintX", 1); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetTraderTokenStats("LdrA", "MintX")

	if err := s.ReconcileActivePositions("LdrA", "MintX", 1); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetTraderTokenStats("LdrA", "MintX")

	if first.Closes != second.Closes {
		t.Errorf("expected idempotent reconcile, closes changed from %d to %d", first.Closes, second.Closes)
	}
}

func TestOpen_ReloadsPersistedAggregatesFromSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datastore.db")

	s1, err := Open(Options{SQLitePath: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, _, err := s1.SyncModels("LdrA", "MintX", OpOpenPosition, SyncPayload{AmountSol: decimal.NewFromFloat(0.7)}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(Options{SQLitePath: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	trader, ok := s2.GetTraderStats("LdrA")
	if !ok {
		t.Fatal("expected trader stats to survive reopen")
	}
	if trader.Opens != 1 || !trader.VolumeOpen.Equal(decimal.NewFromFloat(0.7)) {
		t.Errorf("unexpected reloaded trader stats: %+v", trader)
	}
}

func TestRegisterToken_IsIdempotentAndAccumulatesLeaders(t *testing.T) {
	s := newTestStore(t)

	if err := s.RegisterToken("MintX", "Foo", "FOO", "LdrA"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterToken("MintX", "", "", "LdrB"); err != nil {
		t.Fatal(err)
	}

	tok, ok := s.GetTokenInfo("MintX")
	if !ok {
		t.Fatal("expected token info present")
	}
	if tok.Name != "Foo" || tok.Symbol != "FOO" {
		t.Errorf("expected name/symbol preserved, got %+v", tok)
	}
	if !tok.Leaders["LdrA"] || !tok.Leaders["LdrB"] {
		t.Errorf("expected both leaders registered, got %+v", tok.Leaders)
	}
}
