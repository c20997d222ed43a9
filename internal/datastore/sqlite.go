package datastore

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// sqliteStore is the durable half of the data store: one row per
// TraderStats and per TraderTokenStats, written synchronously on every
// sync_models / reconcile_active_positions call so the durable copy never
// lags memory.
type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(path string) (*sqliteStore, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("datastore sqlite initialized")
	return &sqliteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trader_stats (
		leader_wallet TEXT PRIMARY KEY,
		opens INTEGER NOT NULL DEFAULT 0,
		closes INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		volume_open TEXT NOT NULL DEFAULT '0',
		volume_close TEXT NOT NULL DEFAULT '0',
		volume_failed TEXT NOT NULL DEFAULT '0',
		realized_pnl_sol TEXT NOT NULL DEFAULT '0',
		realized_pnl_sol_no_fees TEXT NOT NULL DEFAULT '0',
		last_trade_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS trader_token_stats (
		leader_wallet TEXT NOT NULL,
		token_mint TEXT NOT NULL,
		opens INTEGER NOT NULL DEFAULT 0,
		closes INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		volume_open TEXT NOT NULL DEFAULT '0',
		volume_close TEXT NOT NULL DEFAULT '0',
		volume_failed TEXT NOT NULL DEFAULT '0',
		realized_pnl_sol TEXT NOT NULL DEFAULT '0',
		realized_pnl_sol_no_fees TEXT NOT NULL DEFAULT '0',
		last_trade_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (leader_wallet, token_mint)
	);

	CREATE TABLE IF NOT EXISTS tokens (
		mint TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		leaders TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *sqliteStore) upsertTraderStats(t TraderStats) error {
	_, err := s.db.Exec(`
		INSERT INTO trader_stats
		(leader_wallet, opens, closes, failed, volume_open, volume_close, volume_failed, realized_pnl_sol, realized_pnl_sol_no_fees, last_trade_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(leader_wallet) DO UPDATE SET
			opens=excluded.opens, closes=excluded.closes, failed=excluded.failed,
			volume_open=excluded.volume_open, volume_close=excluded.volume_close, volume_failed=excluded.volume_failed,
			realized_pnl_sol=excluded.realized_pnl_sol, realized_pnl_sol_no_fees=excluded.realized_pnl_sol_no_fees,
			last_trade_at=excluded.last_trade_at`,
		t.LeaderWallet, t.Opens, t.Closes, t.Failed,
		t.VolumeOpen.String(), t.VolumeClose.String(), t.VolumeFailed.String(),
		t.RealizedPnL.String(), t.RealizedPnLNoFees.String(), t.LastTradeAt.Unix())
	return err
}

func (s *sqliteStore) upsertTraderTokenStats(t TraderTokenStats) error {
	_, err := s.db.Exec(`
		INSERT INTO trader_token_stats
		(leader_wallet, token_mint, opens, closes, failed, volume_open, volume_close, volume_failed, realized_pnl_sol, realized_pnl_sol_no_fees, last_trade_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(leader_wallet, token_mint) DO UPDATE SET
			opens=excluded.opens, closes=excluded.closes, failed=excluded.failed,
			volume_open=excluded.volume_open, volume_close=excluded.volume_close, volume_failed=excluded.volume_failed,
			realized_pnl_sol=excluded.realized_pnl_sol, realized_pnl_sol_no_fees=excluded.realized_pnl_sol_no_fees,
			last_trade_at=excluded.last_trade_at`,
		t.LeaderWallet, t.TokenMint, t.Opens, t.Closes, t.Failed,
		t.VolumeOpen.String(), t.VolumeClose.String(), t.VolumeFailed.String(),
		t.RealizedPnL.String(), t.RealizedPnLNoFees.String(), t.LastTradeAt.Unix())
	return err
}

func (s *sqliteStore) upsertToken(t TokenInfo) error {
	leaders := make([]string, 0, len(t.Leaders))
	for l := range t.Leaders {
		leaders = append(leaders, l)
	}
	_, err := s.db.Exec(`
		INSERT INTO tokens (mint, name, symbol, leaders)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mint) DO UPDATE SET name=excluded.name, symbol=excluded.symbol, leaders=excluded.leaders`,
		t.Mint, t.Name, t.Symbol, strings.Join(leaders, ","))
	return err
}

func (s *sqliteStore) loadAll() (map[string]TraderStats, map[string]TraderTokenStats, map[string]TokenInfo, error) {
	traders := make(map[string]TraderStats)
	tokenStats := make(map[string]TraderTokenStats)
	tokens := make(map[string]TokenInfo)

	rows, err := s.db.Query(`SELECT leader_wallet, opens, closes, failed, volume_open, volume_close, volume_failed, realized_pnl_sol, realized_pnl_sol_no_fees, last_trade_at FROM trader_stats`)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var t TraderStats
		var volOpen, volClose, volFailed, pnl, pnlNoFees string
		var lastTrade int64
		if err := rows.Scan(&t.LeaderWallet, &t.Opens, &t.Closes, &t.Failed, &volOpen, &volClose, &volFailed, &pnl, &pnlNoFees, &lastTrade); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		t.VolumeOpen, _ = decimal.NewFromString(volOpen)
		t.VolumeClose, _ = decimal.NewFromString(volClose)
		t.VolumeFailed, _ = decimal.NewFromString(volFailed)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.RealizedPnLNoFees, _ = decimal.NewFromString(pnlNoFees)
		t.LastTradeAt = time.Unix(lastTrade, 0)
		traders[t.LeaderWallet] = t
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT leader_wallet, token_mint, opens, closes, failed, volume_open, volume_close, volume_failed, realized_pnl_sol, realized_pnl_sol_no_fees, last_trade_at FROM trader_token_stats`)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var t TraderTokenStats
		var volOpen, volClose, volFailed, pnl, pnlNoFees string
		var lastTrade int64
		if err := rows.Scan(&t.LeaderWallet, &t.TokenMint, &t.Opens, &t.Closes, &t.Failed, &volOpen, &volClose, &volFailed, &pnl, &pnlNoFees, &lastTrade); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		t.VolumeOpen, _ = decimal.NewFromString(volOpen)
		t.VolumeClose, _ = decimal.NewFromString(volClose)
		t.VolumeFailed, _ = decimal.NewFromString(volFailed)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.RealizedPnLNoFees, _ = decimal.NewFromString(pnlNoFees)
		t.LastTradeAt = time.Unix(lastTrade, 0)
		tokenStats[key(t.LeaderWallet, t.TokenMint)] = t
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT mint, name, symbol, leaders FROM tokens`)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var tok TokenInfo
		var leaders string
		if err := rows.Scan(&tok.Mint, &tok.Name, &tok.Symbol, &leaders); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		tok.Leaders = make(map[string]bool)
		if leaders != "" {
			for _, l := range strings.Split(leaders, ",") {
				tok.Leaders[l] = true
			}
		}
		tokens[tok.Mint] = tok
	}
	rows.Close()

	return traders, tokenStats, tokens, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func key(leader, mint string) string {
	return leader + "::" + mint
}
