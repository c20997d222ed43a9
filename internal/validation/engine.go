// Package validation gates every replicated trade behind a configurable
// battery of checks: balance, position size, daily volume, and timing.
package validation

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Outcome is a check's verdict.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// Result is the outcome of a single check plus its human-readable reason.
type Result struct {
	Check   string
	Outcome Outcome
	Reason  string
}

// BalanceSource supplies the operator's current SOL and token balances.
type BalanceSource interface {
	SolBalanceLamports() uint64
	TokenBalance(mint string) (uint64, error)
}

// TradeRequest is the structural shape the engine validates.
type TradeRequest struct {
	LeaderWallet string
	TokenMint    string
	Side         string // "buy" | "sell"
	AmountSol    decimal.Decimal
}

// LeaderLimits are the per-leader overrides; zero means "fall back to global".
type LeaderLimits struct {
	MaxPositionSize decimal.Decimal
	DailyLimit      decimal.Decimal
}

// Config holds the global thresholds and strict/lenient mode.
type Config struct {
	StrictMode              bool
	MinSolBalanceLamports   uint64
	MaxPositionSize         decimal.Decimal
	MaxDailyVolume          decimal.Decimal
	MinTradeIntervalSeconds int
}

// Engine runs the validation battery and tracks per-leader daily volume
// and per-token last-trade timestamps.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	balance BalanceSource

	dailyVolume map[string]decimal.Decimal // leader -> volume today
	lastReset   time.Time
	lastTrade   map[string]time.Time // token_mint -> last trade time

	leaderLimits map[string]LeaderLimits
}

// NewEngine creates a validation engine.
func NewEngine(cfg Config, balance BalanceSource) *Engine {
	return &Engine{
		cfg:          cfg,
		balance:      balance,
		dailyVolume:  make(map[string]decimal.Decimal),
		lastReset:    time.Now(),
		lastTrade:    make(map[string]time.Time),
		leaderLimits: make(map[string]LeaderLimits),
	}
}

// SetLeaderLimits registers per-leader overrides.
func (e *Engine) SetLeaderLimits(leaderWallet string, limits LeaderLimits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaderLimits[leaderWallet] = limits
}

// resetDailyCountersIfNeeded clears all per-leader daily counters at the
// first trade whose calendar date exceeds the last reset. Caller must hold e.mu.
func (e *Engine) resetDailyCountersIfNeeded() {
	now := time.Now()
	if now.Year() != e.lastReset.Year() || now.YearDay() != e.lastReset.YearDay() {
		e.dailyVolume = make(map[string]decimal.Decimal)
		e.lastReset = now
		log.Info().Msg("validation engine: daily counters reset at date rollover")
	}
}

// Validate runs the full battery against a trade request and returns every
// check's result. In strict mode, any non-pass fails the trade overall; in
// lenient mode, only an outright fail does.
func (e *Engine) Validate(req TradeRequest) ([]Result, bool) {
	e.mu.Lock()
	e.resetDailyCountersIfNeeded()
	e.mu.Unlock()

	results := []Result{
		e.solBalanceCheck(),
		e.positionSizeCheck(req),
		e.dailyVolumeCheck(req),
		e.tradeTimingCheck(req),
	}
	if req.Side == "sell" {
		results = append(results, e.tokenBalanceCheck(req))
	}

	overall := true
	for _, r := range results {
		if e.cfg.StrictMode {
			if r.Outcome != OutcomePass {
				overall = false
			}
		} else if r.Outcome == OutcomeFail {
			overall = false
		}
	}
	return results, overall
}

func (e *Engine) solBalanceCheck() Result {
	bal := e.balance.SolBalanceLamports()
	if bal >= e.cfg.MinSolBalanceLamports {
		return Result{Check: "SolBalanceCheck", Outcome: OutcomePass}
	}
	return Result{
		Check:   "SolBalanceCheck",
		Outcome: OutcomeFail,
		Reason:  "operator SOL balance below min_sol_balance",
	}
}

func (e *Engine) tokenBalanceCheck(req TradeRequest) Result {
	bal, err := e.balance.TokenBalance(req.TokenMint)
	if err != nil {
		return Result{Check: "TokenBalanceCheck", Outcome: OutcomeFail, Reason: err.Error()}
	}
	if bal > 0 {
		return Result{Check: "TokenBalanceCheck", Outcome: OutcomePass}
	}
	return Result{
		Check:   "TokenBalanceCheck",
		Outcome: OutcomeFail,
		Reason:  "operator holds zero balance of the target mint",
	}
}

func (e *Engine) positionSizeCheck(req TradeRequest) Result {
	e.mu.Lock()
	limits, hasOverride := e.leaderLimits[req.LeaderWallet]
	e.mu.Unlock()

	max := e.cfg.MaxPositionSize
	if hasOverride && limits.MaxPositionSize.GreaterThan(decimal.Zero) {
		max = limits.MaxPositionSize
	}

	if req.AmountSol.LessThanOrEqual(max) {
		return Result{Check: "PositionSizeCheck", Outcome: OutcomePass}
	}
	return Result{
		Check:   "PositionSizeCheck",
		Outcome: OutcomeFail,
		Reason:  "amount_sol exceeds the configured max position size",
	}
}

func (e *Engine) dailyVolumeCheck(req TradeRequest) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	limits, hasOverride := e.leaderLimits[req.LeaderWallet]
	maxDaily := e.cfg.MaxDailyVolume
	if hasOverride && limits.DailyLimit.GreaterThan(decimal.Zero) {
		maxDaily = limits.DailyLimit
	}

	current := e.dailyVolume[req.LeaderWallet]
	projected := current.Add(req.AmountSol)

	if projected.LessThanOrEqual(maxDaily) {
		e.dailyVolume[req.LeaderWallet] = projected
		return Result{Check: "DailyVolumeCheck", Outcome: OutcomePass}
	}
	return Result{
		Check:   "DailyVolumeCheck",
		Outcome: OutcomeFail,
		Reason:  "projected daily volume exceeds the configured limit",
	}
}

func (e *Engine) tradeTimingCheck(req TradeRequest) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, seen := e.lastTrade[req.TokenMint]
	e.lastTrade[req.TokenMint] = time.Now()

	if !seen {
		return Result{Check: "TradeTimingCheck", Outcome: OutcomePass}
	}

	elapsed := time.Since(last).Seconds()
	if elapsed >= float64(e.cfg.MinTradeIntervalSeconds) {
		return Result{Check: "TradeTimingCheck", Outcome: OutcomePass}
	}

	// A fast repeat is a warning, not a failure: copy-trading is bursty.
	return Result{
		Check:   "TradeTimingCheck",
		Outcome: OutcomeWarn,
		Reason:  "trade repeated within min_trade_interval_seconds for this token",
	}
}
