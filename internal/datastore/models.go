package datastore

import (
	"time"

	"github.com/shopspring/decimal"
)

// TraderTokenStats are per (leader_wallet, token_mint) aggregates.
type TraderTokenStats struct {
	LeaderWallet string          `json:"leader_wallet"`
	TokenMint    string          `json:"token_mint"`
	Opens        int             `json:"opens"`
	Closes       int             `json:"closes"`
	Failed       int             `json:"failed"`
	VolumeOpen   decimal.Decimal `json:"volume_open"`
	VolumeClose  decimal.Decimal `json:"volume_close"`
	VolumeFailed decimal.Decimal `json:"volume_failed"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl_sol"`
	RealizedPnLNoFees decimal.Decimal `json:"realized_pnl_sol_no_fees"`
	LastTradeAt  time.Time       `json:"last_trade_at"`
}

// ActiveOpen is max(0, opens - closes) per spec invariant.
func (s TraderTokenStats) ActiveOpen() int {
	active := s.Opens - s.Closes
	if active < 0 {
		return 0
	}
	return active
}

// TraderStats are per leader_wallet aggregates, derivable as the sum of
// TraderTokenStats over tokens for that leader.
type TraderStats struct {
	LeaderWallet string          `json:"leader_wallet"`
	Opens        int             `json:"opens"`
	Closes       int             `json:"closes"`
	Failed       int             `json:"failed"`
	VolumeOpen   decimal.Decimal `json:"volume_open"`
	VolumeClose  decimal.Decimal `json:"volume_close"`
	VolumeFailed decimal.Decimal `json:"volume_failed"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl_sol"`
	RealizedPnLNoFees decimal.Decimal `json:"realized_pnl_sol_no_fees"`
	LastTradeAt  time.Time       `json:"last_trade_at"`
}

// TokenInfo is per token_mint metadata. Created lazily on first trade,
// never deleted; the leader set can become empty.
type TokenInfo struct {
	Mint    string          `json:"mint"`
	Name    string          `json:"name"`
	Symbol  string          `json:"symbol"`
	Leaders map[string]bool `json:"leaders"`
}

// SyncOperation is one of the six mutations sync_models understands.
type SyncOperation string

const (
	OpOpenPosition        SyncOperation = "open_position"
	OpClosedPosition      SyncOperation = "closed_position"
	OpUpdateOpenPosition  SyncOperation = "update_open_position"
	OpUpdateClosedPosition SyncOperation = "update_closed_position"
	OpFailedPosition      SyncOperation = "failed_position"
	OpPnL                 SyncOperation = "pnl"
)

// SyncPayload carries the delta for a sync_models call. Only the fields
// relevant to the operation need to be set.
type SyncPayload struct {
	AmountSol    decimal.Decimal
	RealizedPnL  decimal.Decimal
	FeesSol      decimal.Decimal
	TradeTime    time.Time
}
