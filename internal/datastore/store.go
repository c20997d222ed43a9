// Package datastore maintains per-leader and per-(leader,token) trading
// aggregates, durable in SQLite and optionally cached in Redis with a
// lazy-expiring TTL. It is the single place sync_models and
// reconcile_active_positions are allowed to mutate those aggregates.
package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// cacheEntry wraps a cached value with its expiry. A zero Expiry means
// "never expires". Expiration is checked lazily on Get; stale entries are
// not proactively evicted.
type cacheEntry struct {
	traderStats TraderStats
	tokenStats  TraderTokenStats
	expiry      time.Time
}

// Store is the in-memory + durable aggregate store. All mutation paths go
// through SyncModels or ReconcileActivePositions so TraderStats always
// stays the sum of its TraderTokenStats.
type Store struct {
	mu sync.Mutex

	sqlite *sqliteStore
	redis  *redis.Client
	ttl    time.Duration

	traders    map[string]TraderStats      // leader_wallet -> stats
	tokenStats map[string]TraderTokenStats // key(leader, mint) -> stats
	tokens     map[string]TokenInfo        // mint -> info

	cacheExpiry map[string]time.Time // leader_wallet -> memory cache expiry, lazy
}

// Options configures an optional Redis cache. Addr == "" disables it.
type Options struct {
	SQLitePath string
	RedisAddr  string
	RedisDB    int
	CacheTTL   time.Duration // 0 means never expire
}

// Open creates a Store backed by SQLite, loading existing aggregates from
// disk, and wires an optional Redis cache.
func Open(opts Options) (*Store, error) {
	sq, err := newSQLiteStore(opts.SQLitePath)
	if err != nil {
		return nil, err
	}

	traders, tokenStats, tokens, err := sq.loadAll()
	if err != nil {
		return nil, err
	}

	s := &Store{
		sqlite:      sq,
		traders:     traders,
		tokenStats:  tokenStats,
		tokens:      tokens,
		cacheExpiry: make(map[string]time.Time),
		ttl:         opts.CacheTTL,
	}

	if opts.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
		log.Info().Str("addr", opts.RedisAddr).Msg("datastore: redis cache enabled")
	}

	log.Info().Int("leaders", len(traders)).Int("token_pairs", len(tokenStats)).Msg("datastore loaded from sqlite")
	return s, nil
}

// Close releases the sqlite handle and, if present, the redis client.
func (s *Store) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.sqlite.Close()
}

// GetTraderStats returns the leader's aggregate. A lazily-expired memory
// entry is treated as a miss even though the underlying map still holds it.
func (s *Store) GetTraderStats(leader string) (TraderStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.cacheExpiry[leader]; ok && s.ttl > 0 && time.Now().After(exp) {
		return TraderStats{}, false
	}
	t, ok := s.traders[leader]
	return t, ok
}

// GetTraderTokenStats returns the per-token aggregate for (leader, mint).
func (s *Store) GetTraderTokenStats(leader, mint string) (TraderTokenStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokenStats[key(leader, mint)]
	return t, ok
}

// GetTokenInfo returns metadata for mint, creating nothing.
func (s *Store) GetTokenInfo(mint string) (TokenInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[mint]
	return t, ok
}

func (s *Store) touchExpiry(leader string) {
	if s.ttl > 0 {
		s.cacheExpiry[leader] = time.Now().Add(s.ttl)
	}
}

// RegisterToken ensures a TokenInfo row exists and adds leader to its
// leader set. Safe to call repeatedly; idempotent.
func (s *Store) RegisterToken(mint, name, symbol, leader string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[mint]
	if !ok {
		tok = TokenInfo{Mint: mint, Name: name, Symbol: symbol, Leaders: map[string]bool{}}
	}
	if name != "" {
		tok.Name = name
	}
	if symbol != "" {
		tok.Symbol = symbol
	}
	if leader != "" {
		tok.Leaders[leader] = true
	}
	s.tokens[mint] = tok
	return s.sqlite.upsertToken(tok)
}

// SyncModels applies one of the six sync operations to both the per-leader
// and per-(leader,token) aggregates atomically: either both records move
// together or neither does. Partial application is forbidden.
func (s *Store) SyncModels(leader, mint string, op SyncOperation, payload SyncPayload) (TraderStats, TraderTokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trader := s.traders[leader]
	trader.LeaderWallet = leader
	tstats := s.tokenStats[key(leader, mint)]
	tstats.LeaderWallet = leader
	tstats.TokenMint = mint

	applyOp(&trader.Opens, &trader.Closes, &trader.Failed, &trader.VolumeOpen, &trader.VolumeClose, &trader.VolumeFailed, &trader.RealizedPnL, &trader.RealizedPnLNoFees, &trader.LastTradeAt, op, payload)
	applyOp(&tstats.Opens, &tstats.Closes, &tstats.Failed, &tstats.VolumeOpen, &tstats.VolumeClose, &tstats.VolumeFailed, &tstats.RealizedPnL, &tstats.RealizedPnLNoFees, &tstats.LastTradeAt, op, payload)

	if err := s.sqlite.upsertTraderStats(trader); err != nil {
		return TraderStats{}, TraderTokenStats{}, err
	}
	if err := s.sqlite.upsertTraderTokenStats(tstats); err != nil {
		return TraderStats{}, TraderTokenStats{}, err
	}

	s.traders[leader] = trader
	s.tokenStats[key(leader, mint)] = tstats
	s.touchExpiry(leader)

	if s.redis != nil {
		s.writeThrough(leader, mint, trader, tstats)
	}

	return trader, tstats, nil
}

// applyOp mutates one aggregate's counters in place per the sync operation.
// Called once for the per-leader row and once for the per-token row so both
// stay in lockstep.
func applyOp(opens, closes, failed *int, volOpen, volClose, volFailed, pnl, pnlNoFees *decimal.Decimal, lastTrade *time.Time, op SyncOperation, p SyncPayload) {
	switch op {
	case OpOpenPosition:
		*opens++
		*volOpen = volOpen.Add(p.AmountSol)
	case OpClosedPosition:
		*closes++
		*volClose = volClose.Add(p.AmountSol)
		*pnl = pnl.Add(p.RealizedPnL)
		*pnlNoFees = pnlNoFees.Add(p.RealizedPnL.Add(p.FeesSol))
	case OpUpdateOpenPosition:
		// revises the volume of an already-open position without changing
		// the open count; callers pass the delta in AmountSol.
		*volOpen = volOpen.Add(p.AmountSol)
	case OpUpdateClosedPosition:
		*volClose = volClose.Add(p.AmountSol)
		*pnl = pnl.Add(p.RealizedPnL)
		*pnlNoFees = pnlNoFees.Add(p.RealizedPnL.Add(p.FeesSol))
	case OpFailedPosition:
		*failed++
		*volFailed = volFailed.Add(p.AmountSol)
	case OpPnL:
		*pnl = pnl.Add(p.RealizedPnL)
		*pnlNoFees = pnlNoFees.Add(p.RealizedPnL.Add(p.FeesSol))
	}
	if !p.TradeTime.IsZero() {
		*lastTrade = p.TradeTime
	} else {
		*lastTrade = time.Now()
	}
}

// ReconcileActivePositions forces closes = opens - expectedActive for
// (leader, mint), without ever mutating opens. Idempotent: calling it
// repeatedly with the same expectedActive is a no-op after the first call.
func (s *Store) ReconcileActivePositions(leader, mint string, expectedActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(leader, mint)
	tstats := s.tokenStats[k]
	tstats.LeaderWallet = leader
	tstats.TokenMint = mint

	target := tstats.Opens - expectedActive
	if target < 0 {
		target = 0
	}
	delta := target - tstats.Closes
	if delta == 0 {
		return nil
	}

	tstats.Closes = target

	trader := s.traders[leader]
	trader.LeaderWallet = leader
	trader.Closes += delta

	if err := s.sqlite.upsertTraderTokenStats(tstats); err != nil {
		return err
	}
	if err := s.sqlite.upsertTraderStats(trader); err != nil {
		return err
	}

	s.tokenStats[k] = tstats
	s.traders[leader] = trader
	s.touchExpiry(leader)

	log.Info().Str("leader", leader).Str("mint", mint).Int("expected_active", expectedActive).Int("delta", delta).Msg("reconciled active positions")
	return nil
}

func (s *Store) writeThrough(leader, mint string, trader TraderStats, tstats TraderTokenStats) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := s.ttl
	if err := s.redis.HSet(ctx, "trader_stats:"+leader, "opens", trader.Opens, "closes", trader.Closes).Err(); err != nil {
		log.Warn().Err(err).Str("leader", leader).Msg("redis write-through failed, serving from memory/sqlite only")
		return
	}
	if ttl > 0 {
		s.redis.Expire(ctx, "trader_stats:"+leader, ttl)
	}
}
