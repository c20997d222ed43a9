// Package replication orchestrates the end-to-end flow from a leader-trade
// event to a terminal position state: intake, validation, queueing,
// execution against the transaction-execution API, and persistence at
// every transition.
package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pumpfun-copy-engine/internal/execclient"
	"pumpfun-copy-engine/internal/positions"
	"pumpfun-copy-engine/internal/validation"
)

// SizingKind selects how a follower amount is derived from the leader's.
type SizingKind string

const (
	SizingFixed      SizingKind = "fixed"
	SizingPercentage SizingKind = "percentage"
	SizingMirror     SizingKind = "mirror"
)

// SizingRule is per-leader configuration for translating the leader's
// trade amount into the operator's follower amount.
type SizingRule struct {
	Kind       SizingKind
	FixedSol   decimal.Decimal
	Percentage decimal.Decimal // 0..1
}

// Apply computes the follower amount, clamped by maxPositionSize.
func (r SizingRule) Apply(leaderAmountSol, maxPositionSize decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch r.Kind {
	case SizingFixed:
		amount = r.FixedSol
	case SizingPercentage:
		amount = leaderAmountSol.Mul(r.Percentage)
	case SizingMirror:
		amount = leaderAmountSol
	default:
		amount = leaderAmountSol
	}
	if maxPositionSize.GreaterThan(decimal.Zero) && amount.GreaterThan(maxPositionSize) {
		amount = maxPositionSize
	}
	return amount
}

// RawTrade is the shape a leader-trade message is normalized into before
// validation.
type RawTrade struct {
	LeaderWallet string
	TokenMint    string
	TokenSymbol  string
	Side         string // "buy" | "sell"
	LeaderAmount decimal.Decimal
	Signature    string
	Pool         string
	MarketCapSol decimal.Decimal
}

// Executor submits a trade to the external execution API. Implemented by
// execclient.Client in production.
type Executor interface {
	Trade(ctx context.Context, req execclient.TradeRequest) (*execclient.TradeResponse, error)
}

// SignatureTracker admits an execution signature for confirmation
// tracking. Implemented by *sigtrack.Client in production.
type SignatureTracker interface {
	Subscribe(signature, commitment string, timeout time.Duration, wantReceivedNotification bool) bool
}

// TradeAnalysis is the subset of the transaction analyzer's result the
// pipeline needs to close out a position's execution.
type TradeAnalysis struct {
	Success          bool
	ErrorKind        string
	TokenDelta       decimal.Decimal
	PriceSolPerToken decimal.Decimal
}

// TradeAnalyzer resolves a confirmed signature into token/price data.
// Implemented by an adapter over analyzer.Analyzer in production.
type TradeAnalyzer interface {
	AnalyzeBySignature(ctx context.Context, sig string) (*TradeAnalysis, error)
}

// Config holds the pipeline's runtime tunables.
type Config struct {
	MaxPositionSize      decimal.Decimal
	SlippageBps          int
	PriorityFeeSol       decimal.Decimal
	Pool                 string
	PollInterval         time.Duration
	InterExecutionDelay  time.Duration
	ConfirmationTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPositionSize:     decimal.NewFromFloat(1.0),
		SlippageBps:         500,
		PriorityFeeSol:      decimal.NewFromFloat(0.0005),
		PollInterval:        2 * time.Second,
		InterExecutionDelay: time.Second,
		ConfirmationTimeout: 30 * time.Second,
	}
}

// pendingExecution tracks a submitted-but-unconfirmed execution signature
// back to the position and intake time it belongs to.
type pendingExecution struct {
	positionID  uuid.UUID
	submittedAt time.Time
}

// Pipeline wires the validation engine, position store, and execution
// client into the staged leader-trade-to-terminal-position flow.
type Pipeline struct {
	cfg       Config
	store     *positions.Store
	validator *validation.Engine
	executor  Executor
	tracker   SignatureTracker
	analyzer  TradeAnalyzer
	publicKey string

	mu                sync.Mutex
	followed          map[string]bool
	sizingRules       map[string]SizingRule
	pendingSignatures map[string]pendingExecution

	tradesReceived atomic.Uint64
	metrics        *ExecutionMetrics

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onUnsubscribe func(leaders []string)
	onSubscribe   func(leaders []string)
}

// New creates a replication pipeline. executeOne admits each execution
// signature to tracker for confirmation tracking; analyzer resolves a
// confirmed signature into the actual token/price delta and is called only
// from HandleConfirmation, once the signature-tracking client reports an
// outcome.
func New(cfg Config, store *positions.Store, validator *validation.Engine, executor Executor, tracker SignatureTracker, analyzer TradeAnalyzer, publicKey string) *Pipeline {
	return &Pipeline{
		cfg:               cfg,
		store:             store,
		validator:         validator,
		executor:          executor,
		tracker:           tracker,
		analyzer:          analyzer,
		publicKey:         publicKey,
		followed:          make(map[string]bool),
		sizingRules:       make(map[string]SizingRule),
		pendingSignatures: make(map[string]pendingExecution),
		metrics:           NewExecutionMetrics(),
	}
}

// Metrics returns a snapshot of intake-to-execution latency and success
// rate over the recent execution window.
func (p *Pipeline) Metrics() Snapshot {
	return p.metrics.Snapshot()
}

// SetLeaderSubscriptionHooks wires the callbacks the pipeline uses to
// (re)subscribe the event-feed client when the followed set changes.
func (p *Pipeline) SetLeaderSubscriptionHooks(onSubscribe, onUnsubscribe func(leaders []string)) {
	p.onSubscribe = onSubscribe
	p.onUnsubscribe = onUnsubscribe
}

// SetFollowedLeaders replaces the followed set. The old set is
// unsubscribed first, then the new set is subscribed; partial diffing is
// not attempted because the feed transport doesn't guarantee exactness of
// incremental updates.
func (p *Pipeline) SetFollowedLeaders(leaders []string, rules map[string]SizingRule) {
	p.mu.Lock()
	old := make([]string, 0, len(p.followed))
	for l := range p.followed {
		old = append(old, l)
	}
	p.followed = make(map[string]bool, len(leaders))
	for _, l := range leaders {
		p.followed[l] = true
	}
	p.sizingRules = rules
	p.mu.Unlock()

	if p.onUnsubscribe != nil && len(old) > 0 {
		p.onUnsubscribe(old)
	}
	if p.onSubscribe != nil && len(leaders) > 0 {
		p.onSubscribe(leaders)
	}
}

// IntakeResult reports the outcome of processing one raw trade message.
type IntakeResult struct {
	Accepted bool
	Reason   string
	Position *positions.Position
}

// HandleLeaderTrade is the trade-intake contract invoked by the event-feed
// client on every leader-trade message.
func (p *Pipeline) HandleLeaderTrade(trade RawTrade) IntakeResult {
	p.tradesReceived.Add(1)

	if reason, ok := p.structuralCheck(trade); !ok {
		log.Warn().Str("leader", trade.LeaderWallet).Str("reason", reason).Msg("replication: structural validation failed")
		return IntakeResult{Accepted: false, Reason: reason}
	}

	rule := p.sizingRuleFor(trade.LeaderWallet)
	followerAmount := rule.Apply(trade.LeaderAmount, p.cfg.MaxPositionSize)

	vreq := validation.TradeRequest{
		LeaderWallet: trade.LeaderWallet,
		TokenMint:    trade.TokenMint,
		Side:         trade.Side,
		AmountSol:    followerAmount,
	}
	results, ok := p.validator.Validate(vreq)
	if !ok {
		reason := firstFailureReason(results)
		log.Warn().Str("leader", trade.LeaderWallet).Str("mint", trade.TokenMint).Str("reason", reason).Msg("replication: validation engine rejected trade")
		return IntakeResult{Accepted: false, Reason: reason}
	}

	side := positions.SideBuy
	if trade.Side == "sell" {
		side = positions.SideSell
	}

	pos := positions.NewPosition(trade.LeaderWallet, trade.TokenMint, trade.TokenSymbol, side, followerAmount, trade.LeaderAmount)
	pos.SetMetadata("pool", trade.Pool)
	pos.SetMetadata("leader_signature", trade.Signature)
	pos.SetMetadata("market_cap_sol", trade.MarketCapSol.String())

	if err := p.store.Add(pos); err != nil {
		log.Error().Err(err).Str("leader", trade.LeaderWallet).Msg("replication: failed to persist pending position")
		return IntakeResult{Accepted: false, Reason: "persistence failure"}
	}

	return IntakeResult{Accepted: true, Position: pos}
}

func (p *Pipeline) structuralCheck(trade RawTrade) (string, bool) {
	if trade.LeaderWallet == "" || trade.TokenMint == "" {
		return "missing leader wallet or token mint", false
	}
	if trade.Side != "buy" && trade.Side != "sell" {
		return "side must be buy or sell", false
	}
	if !trade.LeaderAmount.GreaterThan(decimal.Zero) {
		return "amount must be > 0", false
	}
	p.mu.Lock()
	followed := p.followed[trade.LeaderWallet]
	p.mu.Unlock()
	if !followed {
		return "leader wallet is not in the followed set", false
	}
	return "", true
}

func (p *Pipeline) sizingRuleFor(leader string) SizingRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.sizingRules[leader]; ok {
		return r
	}
	return SizingRule{Kind: SizingMirror}
}

func firstFailureReason(results []validation.Result) string {
	for _, r := range results {
		if r.Outcome == validation.OutcomeFail {
			return fmt.Sprintf("%s: %s", r.Check, r.Reason)
		}
	}
	return "validation failed"
}

// Start launches the execution loop, which polls the pending queue every
// PollInterval.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	p.wg.Add(1)
	go p.executionLoop(runCtx)
}

func (p *Pipeline) executionLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainPending(ctx)
		}
	}
}

func (p *Pipeline) drainPending(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pos := p.store.GetNextPending()
		if pos == nil {
			return
		}
		p.executeOne(ctx, pos)
		time.Sleep(p.cfg.InterExecutionDelay)
	}
}

// executeOne submits the trade and, on success, hands the signature to the
// tracker for confirmation. It never transitions a position to open itself
// — that happens asynchronously in HandleConfirmation once the signature
// lands and the analyzer has resolved the real token/price delta.
func (p *Pipeline) executeOne(ctx context.Context, pos *positions.Position) {
	if err := p.store.MarkExecuting(pos.ID); err != nil {
		log.Error().Err(err).Str("position", pos.ID.String()).Msg("replication: failed to mark executing")
		return
	}

	req := buildTradeRequest(pos, p.publicKey, p.cfg)

	resp, err := p.executor.Trade(ctx, req)
	latency := time.Since(pos.CreatedAt)
	if err != nil {
		p.metrics.Record(false, latency)
		if ferr := p.store.Fail(pos.ID, err.Error(), ""); ferr != nil {
			log.Error().Err(ferr).Msg("replication: failed to persist failure")
		}
		log.Warn().Str("leader", pos.LeaderWallet).Str("mint", pos.TokenMint).Err(err).Msg("replication: execution failed")
		return
	}

	if p.tracker == nil || !p.tracker.Subscribe(resp.Signature, "confirmed", p.cfg.ConfirmationTimeout, false) {
		p.metrics.Record(false, latency)
		if ferr := p.store.Fail(pos.ID, "signature tracking admission failed", resp.Signature); ferr != nil {
			log.Error().Err(ferr).Msg("replication: failed to persist failure")
		}
		log.Warn().Str("leader", pos.LeaderWallet).Str("mint", pos.TokenMint).Str("sig", resp.Signature).Msg("replication: failed to admit signature for tracking")
		return
	}

	p.mu.Lock()
	p.pendingSignatures[resp.Signature] = pendingExecution{positionID: pos.ID, submittedAt: pos.CreatedAt}
	p.mu.Unlock()

	log.Info().Str("leader", pos.LeaderWallet).Str("mint", pos.TokenMint).Str("sig", resp.Signature).Msg("replication: execution submitted, awaiting confirmation")
}

func (p *Pipeline) forgetSignature(signature string) (pendingExecution, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.pendingSignatures[signature]
	if ok {
		delete(p.pendingSignatures, signature)
	}
	return pending, ok
}

// HandleConfirmation is invoked by the signature-tracking client once a
// submitted execution signature lands on-chain. A non-empty errKind means
// the transaction landed but failed (e.g. slippage); the position is
// failed with that reason. Otherwise the analyzer resolves the actual
// token/price delta and the position transitions to open.
func (p *Pipeline) HandleConfirmation(ctx context.Context, signature string, errKind string) {
	pending, ok := p.forgetSignature(signature)
	if !ok {
		return
	}
	latency := time.Since(pending.submittedAt)

	if errKind != "" {
		p.metrics.Record(false, latency)
		if err := p.store.Fail(pending.positionID, errKind, signature); err != nil {
			log.Error().Err(err).Msg("replication: failed to persist confirmed-failure transition")
		}
		log.Warn().Str("position", pending.positionID.String()).Str("sig", signature).Str("error_kind", errKind).Msg("replication: execution landed with error")
		return
	}

	if p.analyzer == nil {
		p.metrics.Record(false, latency)
		if err := p.store.Fail(pending.positionID, "no analyzer configured", signature); err != nil {
			log.Error().Err(err).Msg("replication: failed to persist failure")
		}
		return
	}

	an, err := p.analyzer.AnalyzeBySignature(ctx, signature)
	if err != nil {
		p.metrics.Record(false, latency)
		if ferr := p.store.Fail(pending.positionID, err.Error(), signature); ferr != nil {
			log.Error().Err(ferr).Msg("replication: failed to persist analysis-failure transition")
		}
		log.Warn().Err(err).Str("position", pending.positionID.String()).Str("sig", signature).Msg("replication: analysis failed")
		return
	}

	if !an.Success {
		p.metrics.Record(false, latency)
		reason := an.ErrorKind
		if reason == "" {
			reason = "unknown"
		}
		if ferr := p.store.Fail(pending.positionID, reason, signature); ferr != nil {
			log.Error().Err(ferr).Msg("replication: failed to persist analyzed-failure transition")
		}
		return
	}

	if an.TokenDelta.IsZero() {
		p.metrics.Record(false, latency)
		if ferr := p.store.Fail(pending.positionID, "zero token delta", signature); ferr != nil {
			log.Error().Err(ferr).Msg("replication: failed to persist analyzed-failure transition")
		}
		return
	}

	if err := p.store.Execute(pending.positionID, signature, an.PriceSolPerToken, an.TokenDelta.Abs()); err != nil {
		log.Error().Err(err).Msg("replication: failed to persist open transition")
		return
	}

	p.metrics.Record(true, latency)
	log.Info().Str("position", pending.positionID.String()).Str("sig", signature).Msg("replication: position opened")
}

// HandleTimeout is invoked by the signature-tracking client when a
// submitted execution signature never reaches confirmation within the
// configured window. The position is failed with reason "timeout"; the
// tracking permit is released by the signature-tracking client, not here.
func (p *Pipeline) HandleTimeout(signature string) {
	pending, ok := p.forgetSignature(signature)
	if !ok {
		return
	}
	latency := time.Since(pending.submittedAt)
	p.metrics.Record(false, latency)
	if err := p.store.Fail(pending.positionID, "timeout", signature); err != nil {
		log.Error().Err(err).Msg("replication: failed to persist timeout transition")
	}
	log.Warn().Str("position", pending.positionID.String()).Str("sig", signature).Msg("replication: execution signature timed out")
}

func buildTradeRequest(pos *positions.Position, publicKey string, cfg Config) execclient.TradeRequest {
	snap := pos.Snapshot()
	if snap.Side == positions.SideBuy {
		return execclient.BuildBuyRequest(publicKey, snap.TokenMint, snap.AmountSol, cfg.SlippageBps, cfg.PriorityFeeSol, cfg.Pool)
	}
	return execclient.BuildSellRequest(publicKey, snap.TokenMint, snap.AmountTokens, cfg.SlippageBps, cfg.PriorityFeeSol, cfg.Pool)
}

// TradesReceived reports the intake counter.
func (p *Pipeline) TradesReceived() uint64 {
	return p.tradesReceived.Load()
}

// Stop performs graceful shutdown: stops the execution loop, flushes
// persistence, and leaves pending positions on disk and open positions
// untouched.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if err := p.store.SaveState(); err != nil {
		log.Error().Err(err).Msg("replication: failed to flush state on shutdown")
	}
}
