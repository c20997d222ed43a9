// Package analyzer turns a raw Solana transaction into the canonical
// per-trade analysis the replication pipeline and data store rely on:
// operation type, counterparty, token/SOL deltas, fee, and price.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"pumpfun-copy-engine/internal/sigtrack"
)

// OpType is the inferred instruction kind.
type OpType string

const (
	OpBuy     OpType = "buy"
	OpSell    OpType = "sell"
	OpUnknown OpType = "unknown"
)

// ErrorKind mirrors the taxonomy used across the analyzer and execution
// layers for a failed transaction.
type ErrorKind string

const (
	ErrTransactionNotFound   ErrorKind = "transaction_not_found"
	ErrSlippage              ErrorKind = "slippage"
	ErrInsufficientTokens    ErrorKind = "insufficient_tokens"
	ErrInsufficientLamports  ErrorKind = "insufficient_lamports"
	ErrInsufficientFundsRent ErrorKind = "insufficient_funds_for_rent"
	ErrUnknownOnChain        ErrorKind = "unknown"
)

// classifyMetaErr decodes an on-chain transaction's meta.err field into the
// shared error taxonomy. Reuses sigtrack's decoder rather than duplicating
// the custom-error-code table.
func classifyMetaErr(metaErr interface{}) ErrorKind {
	raw, err := json.Marshal(metaErr)
	if err != nil {
		return ErrUnknownOnChain
	}
	switch sigtrack.ClassifyError(raw) {
	case sigtrack.ErrSlippage:
		return ErrSlippage
	case sigtrack.ErrInsufficientTokens:
		return ErrInsufficientTokens
	case sigtrack.ErrInsufficientLamports:
		return ErrInsufficientLamports
	case sigtrack.ErrInsufficientFundsRent:
		return ErrInsufficientFundsRent
	default:
		return ErrUnknownOnChain
	}
}

// Analysis is the canonical record produced for a transaction.
type Analysis struct {
	Signature          string
	Success            bool
	ErrorKind          ErrorKind
	OpType             OpType
	Signers            []string
	Counterparty       string
	TokenDelta         decimal.Decimal
	CounterpartySolDelta decimal.Decimal
	SignerSolDelta     decimal.Decimal
	FeeLamports        uint64
	TotalCostSol       decimal.Decimal
	PriceSolPerToken   decimal.Decimal
	Slot               uint64
}

// wellKnownPrograms are never valid counterparty candidates.
var wellKnownPrograms = map[string]bool{
	"11111111111111111111111111111111":            true, // system
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  true, // token
	"ComputeBudget111111111111111111111111111111": true,
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL":  true, // associated token
}

// Config tunes concurrency and retry behavior.
type Config struct {
	RPCConcurrency     int64
	HeavyConcurrency   int64
	BalanceConcurrency int64
	MaxRetries         int
	RetryBackoffSeconds float64
	AMMProgramID       string
	LaunchpadProgramID string
	TipAccount         string
}

func DefaultConfig() Config {
	return Config{
		RPCConcurrency:      10,
		HeavyConcurrency:    1,
		BalanceConcurrency:  5,
		MaxRetries:          2,
		RetryBackoffSeconds: 1.0,
		AMMProgramID:        "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
		LaunchpadProgramID:  "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",
	}
}

// Analyzer wraps an RPC client with the three independent semaphores the
// spec's concurrency governance calls for.
type Analyzer struct {
	rpcClient *rpc.Client
	cfg       Config

	rpcSem     *semaphore.Weighted
	heavySem   *semaphore.Weighted
	balanceSem *semaphore.Weighted
}

func New(rpcClient *rpc.Client, cfg Config) *Analyzer {
	return &Analyzer{
		rpcClient:  rpcClient,
		cfg:        cfg,
		rpcSem:     semaphore.NewWeighted(cfg.RPCConcurrency),
		heavySem:   semaphore.NewWeighted(cfg.HeavyConcurrency),
		balanceSem: semaphore.NewWeighted(cfg.BalanceConcurrency),
	}
}

// AnalyzeBySignature fetches and analyzes one transaction.
func (a *Analyzer) AnalyzeBySignature(ctx context.Context, sig string, commitment rpc.CommitmentType) (*Analysis, error) {
	signature, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, fmt.Errorf("analyzer: invalid signature %q: %w", sig, err)
	}

	var tx *rpc.GetTransactionResult
	err = a.withHeavy(ctx, func() error {
		var callErr error
		tx, callErr = a.getTransactionWithRetry(ctx, signature, commitment)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if tx == nil {
		return &Analysis{Signature: sig, Success: false, ErrorKind: ErrTransactionNotFound}, nil
	}

	return a.analyzeTransaction(sig, tx)
}

// AnalyzeMultiple runs the single-signature flow concurrently for every
// signature, bounded by the heavy semaphore each AnalyzeBySignature call
// acquires.
func (a *Analyzer) AnalyzeMultiple(ctx context.Context, sigs []string, commitment rpc.CommitmentType) map[string]*Analysis {
	results := make(map[string]*Analysis, len(sigs))
	resultCh := make(chan struct {
		sig string
		an  *Analysis
	}, len(sigs))

	for _, sig := range sigs {
		sig := sig
		go func() {
			an, err := a.AnalyzeBySignature(ctx, sig, commitment)
			if err != nil {
				an = &Analysis{Signature: sig, Success: false, ErrorKind: ErrUnknownOnChain}
			}
			resultCh <- struct {
				sig string
				an  *Analysis
			}{sig, an}
		}()
	}

	for range sigs {
		r := <-resultCh
		results[r.sig] = r.an
	}
	return results
}

func (a *Analyzer) getTransactionWithRetry(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		tx, err := a.rpcClient.GetTransaction(ctx, sig, opts)
		if err == nil {
			return tx, nil
		}
		lastErr = err

		backoff := a.backoffFor(err, attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("analyzer: getTransaction retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// backoffFor applies the longer 429-specific schedule when the error
// indicates rate limiting.
func (a *Analyzer) backoffFor(err error, attempt int) time.Duration {
	if isRateLimited(err) {
		d := 15*time.Second + time.Duration(attempt)*30*time.Second
		if d > 120*time.Second {
			d = 120 * time.Second
		}
		return d
	}
	secs := a.cfg.RetryBackoffSeconds * math.Pow(2, float64(attempt))
	return time.Duration(secs * float64(time.Second))
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "429") || strings.Contains(strings.ToLower(err.Error()), "too many requests")
}

func (a *Analyzer) withHeavy(ctx context.Context, fn func() error) error {
	if err := a.heavySem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.heavySem.Release(1)
	return fn()
}

func (a *Analyzer) withRPC(ctx context.Context, fn func() error) error {
	if err := a.rpcSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.rpcSem.Release(1)
	return fn()
}

// analyzeTransaction runs the full algorithm against an already-fetched
// transaction.
func (a *Analyzer) analyzeTransaction(sig string, tx *rpc.GetTransactionResult) (*Analysis, error) {
	an := &Analysis{Signature: sig}
	if tx.Slot > 0 {
		an.Slot = tx.Slot
	}

	if tx.Meta == nil {
		return &Analysis{Signature: sig, Success: false, ErrorKind: ErrTransactionNotFound}, nil
	}

	logs := tx.Meta.LogMessages
	an.OpType = detectOpType(logs)

	if tx.Meta.Err != nil {
		an.Success = false
		an.ErrorKind = classifyMetaErr(tx.Meta.Err)
		return an, nil
	}
	an.Success = true

	decoded, err := tx.Transaction.GetTransaction()
	if err != nil {
		return an, nil
	}

	signers := signerPubkeys(decoded)
	an.Signers = signers

	isGraduated := accountsContain(decoded.Message.AccountKeys, a.cfg.AMMProgramID)
	an.Counterparty = inferCounterparty(decoded.Message.AccountKeys, signers, a.cfg, isGraduated)

	an.TokenDelta = tokenUIDelta(tx.Meta, signers)
	an.CounterpartySolDelta = solDeltaFor(tx.Meta, decoded.Message.AccountKeys, an.Counterparty)
	an.SignerSolDelta = solDeltaForSet(tx.Meta, decoded.Message.AccountKeys, signers)
	an.FeeLamports = tx.Meta.Fee

	an.TotalCostSol = totalCost(tx.Meta, decoded.Message.AccountKeys, signers, an.Counterparty)

	an.PriceSolPerToken = priceFor(an.OpType, an.CounterpartySolDelta, an.TokenDelta)

	return an, nil
}

func detectOpType(logs []string) OpType {
	for _, l := range logs {
		lower := strings.ToLower(l)
		switch {
		case strings.Contains(lower, "instruction: buy"):
			return OpBuy
		case strings.Contains(lower, "instruction: sell"):
			return OpSell
		}
	}
	return OpUnknown
}

func signerPubkeys(tx *solana.Transaction) []string {
	var out []string
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i, key := range tx.Message.AccountKeys {
		if i < numSigners {
			out = append(out, key.String())
		}
	}
	return out
}

func accountsContain(keys []solana.PublicKey, target string) bool {
	if target == "" {
		return false
	}
	for _, k := range keys {
		if k.String() == target {
			return true
		}
	}
	return false
}

// inferCounterparty evaluates three extraction heuristics and returns the
// address the majority agree on; ties break by heuristic priority. The
// candidate must not be a well-known program address.
func inferCounterparty(keys []solana.PublicKey, signers []string, cfg Config, graduated bool) string {
	signerSet := toSet(signers)
	excluded := map[string]bool{}
	for k := range wellKnownPrograms {
		excluded[k] = true
	}
	if cfg.AMMProgramID != "" {
		excluded[cfg.AMMProgramID] = true
	}
	if cfg.LaunchpadProgramID != "" {
		excluded[cfg.LaunchpadProgramID] = true
	}
	if cfg.TipAccount != "" {
		excluded[cfg.TipAccount] = true
	}

	// Heuristic 1: first non-signer, non-program account key (bonding
	// curve and AMM both place the pool/curve account early).
	var h1 string
	for _, k := range keys {
		s := k.String()
		if !signerSet[s] && !excluded[s] {
			h1 = s
			break
		}
	}

	// Heuristic 2: last non-signer, non-program account key.
	var h2 string
	for i := len(keys) - 1; i >= 0; i-- {
		s := keys[i].String()
		if !signerSet[s] && !excluded[s] {
			h2 = s
			break
		}
	}

	// Heuristic 3: for graduated pools, the AMM program id's neighboring
	// account (index+1) is typically the pool vault owner; for
	// non-graduated, fall back to h1.
	h3 := h1
	if graduated {
		for i, k := range keys {
			if k.String() == cfg.AMMProgramID && i+1 < len(keys) {
				cand := keys[i+1].String()
				if !signerSet[cand] && !excluded[cand] {
					h3 = cand
				}
				break
			}
		}
	}

	votes := map[string]int{}
	order := []string{}
	for _, c := range []string{h1, h2, h3} {
		if c == "" {
			continue
		}
		if votes[c] == 0 {
			order = append(order, c)
		}
		votes[c]++
	}

	best := ""
	bestVotes := 0
	for _, c := range order {
		if votes[c] > bestVotes {
			best = c
			bestVotes = votes[c]
		}
	}
	return best
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}

// tokenUIDelta sums post.uiAmount - pre.uiAmount over every (accountIndex,
// mint) pair owned by a signer, floored to 6 decimals.
func tokenUIDelta(meta *rpc.TransactionMeta, signers []string) decimal.Decimal {
	signerSet := toSet(signers)
	total := decimal.Zero

	preByIndex := map[uint16]rpc.TokenBalance{}
	for _, b := range meta.PreTokenBalances {
		preByIndex[b.AccountIndex] = b
	}

	for _, post := range meta.PostTokenBalances {
		owner := ""
		if post.Owner != nil {
			owner = post.Owner.String()
		}
		if !signerSet[owner] {
			continue
		}
		var postAmt decimal.Decimal
		if post.UiTokenAmount != nil && post.UiTokenAmount.UiAmountString != "" {
			postAmt, _ = decimal.NewFromString(post.UiTokenAmount.UiAmountString)
		}
		preAmt := decimal.Zero
		if pre, ok := preByIndex[post.AccountIndex]; ok && pre.UiTokenAmount != nil && pre.UiTokenAmount.UiAmountString != "" {
			preAmt, _ = decimal.NewFromString(pre.UiTokenAmount.UiAmountString)
		}
		total = total.Add(postAmt.Sub(preAmt))
	}
	return total.Truncate(6)
}

var lamportsPerSol = decimal.NewFromInt(1_000_000_000)

// lamportsToSol converts a lamport-scale delta to SOL, truncated toward
// zero at 9 decimals, matching the original's `_lamports_to_sol_str`.
func lamportsToSol(lamports decimal.Decimal) decimal.Decimal {
	return lamports.Div(lamportsPerSol).Truncate(9)
}

func solDeltaFor(meta *rpc.TransactionMeta, keys []solana.PublicKey, addr string) decimal.Decimal {
	if addr == "" {
		return decimal.Zero
	}
	for i, k := range keys {
		if k.String() == addr {
			return lamportsToSol(lamportsDelta(meta, i))
		}
	}
	return decimal.Zero
}

func solDeltaForSet(meta *rpc.TransactionMeta, keys []solana.PublicKey, addrs []string) decimal.Decimal {
	set := toSet(addrs)
	total := decimal.Zero
	for i, k := range keys {
		if set[k.String()] {
			total = total.Add(lamportsDelta(meta, i))
		}
	}
	return lamportsToSol(total)
}

func lamportsDelta(meta *rpc.TransactionMeta, idx int) decimal.Decimal {
	if idx >= len(meta.PreBalances) || idx >= len(meta.PostBalances) {
		return decimal.Zero
	}
	pre := decimal.NewFromInt(int64(meta.PreBalances[idx]))
	post := decimal.NewFromInt(int64(meta.PostBalances[idx]))
	return post.Sub(pre)
}

// totalCost is fee plus the net lamport delta over every account not in
// (signers ∪ {counterparty}): the user's net outflow excluding pool
// reserves, converted to SOL.
func totalCost(meta *rpc.TransactionMeta, keys []solana.PublicKey, signers []string, counterparty string) decimal.Decimal {
	excluded := toSet(signers)
	if counterparty != "" {
		excluded[counterparty] = true
	}

	total := decimal.NewFromInt(int64(meta.Fee))
	for i, k := range keys {
		if excluded[k.String()] {
			continue
		}
		total = total.Add(lamportsDelta(meta, i))
	}
	return lamportsToSol(total)
}

// priceFor computes SOL-per-token, quantized to 12 decimals, floor.
func priceFor(op OpType, counterpartySolDelta, tokenDelta decimal.Decimal) decimal.Decimal {
	if tokenDelta.IsZero() {
		return decimal.Zero
	}
	var price decimal.Decimal
	switch op {
	case OpSell:
		price = counterpartySolDelta.Abs().Div(tokenDelta.Abs())
	default:
		price = counterpartySolDelta.Div(tokenDelta)
	}
	return price.Truncate(12)
}

// TokenAccount is one entry of a getTokenAccountsByOwner response.
type TokenAccount struct {
	Pubkey   string
	Mint     string
	Amount   decimal.Decimal
	Decimals uint8
	UiAmount decimal.Decimal
	Lamports uint64
}

// GetTokenBalances iterates the owner's token accounts, filtering zero
// balances by default.
func (a *Analyzer) GetTokenBalances(ctx context.Context, owner string, mints []string, includeZero bool) ([]TokenAccount, error) {
	ownerPub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("analyzer: invalid owner %q: %w", owner, err)
	}

	var out []TokenAccount
	err = a.balanceSem.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer a.balanceSem.Release(1)

	resp, err := a.rpcClient.GetTokenAccountsByOwner(ctx, ownerPub, &rpc.GetTokenAccountsConfig{
		ProgramId: solana.TokenProgramID.ToPointer(),
	}, &rpc.GetTokenAccountsOpts{
		Encoding: solana.EncodingJSONParsed,
	})
	if err != nil {
		return nil, err
	}

	mintFilter := toSet(mints)
	for _, acc := range resp.Value {
		parsed, err := parseTokenAccount(acc)
		if err != nil {
			continue
		}
		if len(mintFilter) > 0 && !mintFilter[parsed.Mint] {
			continue
		}
		if !includeZero && parsed.Amount.IsZero() {
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

func parseTokenAccount(acc *rpc.TokenAccount) (TokenAccount, error) {
	raw := acc.Account.Data.GetRawJSON()
	if len(raw) == 0 {
		return TokenAccount{}, fmt.Errorf("analyzer: missing parsed token account data")
	}
	var parsed struct {
		Parsed struct {
			Info struct {
				Mint        string `json:"mint"`
				TokenAmount struct {
					Amount         string `json:"amount"`
					Decimals       uint8  `json:"decimals"`
					UiAmountString string `json:"uiAmountString"`
				} `json:"tokenAmount"`
			} `json:"info"`
		} `json:"parsed"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TokenAccount{}, err
	}

	amount, _ := decimal.NewFromString(parsed.Parsed.Info.TokenAmount.Amount)
	uiAmount, _ := decimal.NewFromString(parsed.Parsed.Info.TokenAmount.UiAmountString)

	return TokenAccount{
		Pubkey:   acc.Pubkey.String(),
		Mint:     parsed.Parsed.Info.Mint,
		Amount:   amount,
		Decimals: parsed.Parsed.Info.TokenAmount.Decimals,
		UiAmount: uiAmount,
		Lamports: acc.Account.Lamports,
	}, nil
}

// GetSolBalance returns an account's lamport balance.
func (a *Analyzer) GetSolBalance(ctx context.Context, account string) (uint64, error) {
	pub, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return 0, err
	}
	var lamports uint64
	err = a.withRPC(ctx, func() error {
		resp, err := a.rpcClient.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		lamports = resp.Value
		return nil
	})
	return lamports, err
}

// SignatureStatus mirrors one element of getSignatureStatuses.
type SignatureStatus struct {
	Signature          string
	Confirmations      *uint64
	ConfirmationStatus string
	Err                bool
}

// GetSignatureStatuses fetches confirmation status for a batch of
// signatures.
func (a *Analyzer) GetSignatureStatuses(ctx context.Context, sigs []string, searchHistory bool) ([]SignatureStatus, error) {
	parsed := make([]solana.Signature, 0, len(sigs))
	for _, s := range sigs {
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, sig)
	}

	var out []SignatureStatus
	err := a.withRPC(ctx, func() error {
		resp, err := a.rpcClient.GetSignatureStatuses(ctx, searchHistory, parsed...)
		if err != nil {
			return err
		}
		for i, v := range resp.Value {
			st := SignatureStatus{Signature: sigs[i]}
			if v != nil {
				st.Confirmations = v.Confirmations
				st.ConfirmationStatus = string(v.ConfirmationStatus)
				st.Err = v.Err != nil
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

