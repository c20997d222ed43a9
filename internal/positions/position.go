// Package positions owns every Position from creation to terminal state:
// a FIFO pending queue, open/closed indices, and on-disk JSON persistence.
package positions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status is a Position's lifecycle stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusOpen      Status = "open"
	StatusClosing   Status = "closing"
	StatusClosed    Status = "closed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status never transitions further.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed || s == StatusCancelled
}

// Position is the central trade-replication entity. All monetary and
// token-quantity fields are decimal.Decimal — float64 is never used here.
type Position struct {
	mu sync.RWMutex

	ID                 uuid.UUID       `json:"id"`
	LeaderWallet       string          `json:"leader_wallet"`
	TokenMint          string          `json:"token_mint"`
	TokenSymbol        string          `json:"token_symbol"`
	Side               Side            `json:"side"`
	AmountSol          decimal.Decimal `json:"amount_sol"`
	OriginalAmountSol  decimal.Decimal `json:"original_amount_sol"`
	AmountTokens       decimal.Decimal `json:"amount_tokens"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	ExecutionPrice     decimal.Decimal `json:"execution_price"`
	Slippage           decimal.Decimal `json:"slippage"`
	ExecutionSignature string          `json:"execution_signature"`
	CloseSignature     string          `json:"close_signature"`
	ClosePrice         decimal.Decimal `json:"close_price"`
	CloseAmountSol     decimal.Decimal `json:"close_amount_sol"`
	RealizedPnLSol     decimal.Decimal `json:"realized_pnl_sol"`
	UnrealizedPnLSol   decimal.Decimal `json:"unrealized_pnl_sol"`
	Status             Status          `json:"status"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	Metadata           map[string]any  `json:"metadata"`
}

// NewPosition creates a pending position for a follower trade.
func NewPosition(leaderWallet, tokenMint, tokenSymbol string, side Side, amountSol, originalAmountSol decimal.Decimal) *Position {
	return &Position{
		ID:                uuid.New(),
		LeaderWallet:      leaderWallet,
		TokenMint:         tokenMint,
		TokenSymbol:       tokenSymbol,
		Side:              side,
		AmountSol:         amountSol,
		OriginalAmountSol: originalAmountSol,
		AmountTokens:      decimal.Zero,
		Status:            StatusPending,
		CreatedAt:         time.Now(),
		Metadata:          make(map[string]any),
	}
}

// Snapshot returns a deep, unlocked copy safe for reading or serialization.
func (p *Position) Snapshot() Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metaCopy := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		metaCopy[k] = v
	}

	cp := *p
	cp.Metadata = metaCopy
	cp.mu = sync.RWMutex{} // mu is the zero value (unlocked) on the copy
	return cp
}

// SetStatus transitions the position to a new status. Callers are
// responsible for only ever moving forward through the state machine.
func (p *Position) SetStatus(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = status
}

// GetStatus returns the current status.
func (p *Position) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

// MarkExecuting transitions pending -> executing.
func (p *Position) MarkExecuting() {
	p.SetStatus(StatusExecuting)
}

// MarkOpen records a successful execution and transitions to open.
// execution_signature is set exactly once here.
func (p *Position) MarkOpen(sig string, execPrice, tokens decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.ExecutionSignature = sig
	p.ExecutionPrice = execPrice
	p.EntryPrice = execPrice
	p.AmountTokens = tokens
	p.ExecutedAt = &now
	p.Status = StatusOpen
}

// MarkFailed transitions to failed, optionally recording the execution
// signature if the transaction was submitted but the analyzer rejected it.
func (p *Position) MarkFailed(reason string, sig string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sig != "" && p.ExecutionSignature == "" {
		p.ExecutionSignature = sig
	}
	p.FailureReason = reason
	p.Status = StatusFailed
}

// MarkClosing transitions open -> closing.
func (p *Position) MarkClosing() {
	p.SetStatus(StatusClosing)
}

// MarkClosed records a successful close and computes realized P&L.
func (p *Position) MarkClosed(sig string, closePrice, closeAmountSol decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.CloseSignature = sig
	p.ClosePrice = closePrice
	p.CloseAmountSol = closeAmountSol
	p.RealizedPnLSol = closeAmountSol.Sub(p.AmountSol)
	p.ClosedAt = &now
	p.Status = StatusClosed
}

// MarkCancelled transitions to cancelled (never executed).
func (p *Position) MarkCancelled(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FailureReason = reason
	p.Status = StatusCancelled
}

// UpdateUnrealized recomputes unrealized P&L from a current mark price.
func (p *Position) UpdateUnrealized(currentValueSol decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UnrealizedPnLSol = currentValueSol.Sub(p.AmountSol)
}

// SetMetadata merges keys into the position's metadata bag.
func (p *Position) SetMetadata(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
}
