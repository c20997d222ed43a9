package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pumpfun-copy-engine/internal/adminapi"
	"pumpfun-copy-engine/internal/analyzer"
	"pumpfun-copy-engine/internal/blockchain"
	"pumpfun-copy-engine/internal/config"
	"pumpfun-copy-engine/internal/datastore"
	"pumpfun-copy-engine/internal/execclient"
	"pumpfun-copy-engine/internal/health"
	"pumpfun-copy-engine/internal/positions"
	"pumpfun-copy-engine/internal/replication"
	"pumpfun-copy-engine/internal/sigtrack"
	"pumpfun-copy-engine/internal/validation"
	"pumpfun-copy-engine/internal/wsfeed"
)

func main() {
	setupLogger()
	log.Info().Msg("copy-trading engine starting...")

	cfg, err := config.NewManager("config/config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	wallet, err := blockchain.NewWallet(cfg.GetPrivateKey())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wallet")
	}

	rpcClient := blockchain.NewRPCClient(cfg.Get().RPC.HTTPURL, cfg.Get().RPC.FallbackHTTPURL, cfg.GetRPCAPIKey())
	balanceTracker := blockchain.NewBalanceTracker(wallet, rpcClient)
	if err := balanceTracker.Refresh(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial balance refresh failed")
	}
	log.Info().Str("address", wallet.Address()).Float64("balance_sol", balanceTracker.BalanceSOL()).Msg("wallet loaded")

	solanaRPC := rpc.New(cfg.Get().RPC.HTTPURL)
	txAnalyzer := analyzer.New(solanaRPC, analyzer.DefaultConfig())

	data, err := datastore.Open(datastore.Options{
		SQLitePath: cfg.Get().Storage.SQLitePath,
		RedisAddr:  cfg.Get().Storage.RedisURL,
		CacheTTL:   time.Duration(cfg.Get().Storage.CacheTTLSecs) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open data store")
	}
	defer data.Close()

	posStore := positions.NewStore(cfg.Get().Storage.DataDir)
	if err := posStore.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("failed to load positions from disk, starting empty")
	}
	posStore.SetNotificationCallback(func(evt positions.StatusChangeEvent) {
		log.Info().
			Str("mint", evt.Position.TokenMint).
			Str("old_status", string(evt.OldStatus)).
			Str("new_status", string(evt.NewStatus)).
			Msg("position transition")
		syncPositionTransition(data, evt)
	})

	balanceSource := &operatorBalance{tracker: balanceTracker, analyzer: txAnalyzer, wallet: wallet.Address()}
	validationEngine := validation.NewEngine(validation.Config{
		StrictMode:              cfg.Get().Validation.StrictMode,
		MinSolBalanceLamports:   uint64(cfg.Get().Validation.MinSolBalance * 1e9),
		MaxPositionSize:         decimal.NewFromFloat(cfg.Get().Trading.MaxPositionSize),
		MaxDailyVolume:          decimal.NewFromFloat(cfg.Get().Trading.MaxDailyVolume),
		MinTradeIntervalSeconds: cfg.Get().Validation.MinTradeIntervalSeconds,
	}, balanceSource)

	execCfg := cfg.Get().ExecClient
	execClient := execclient.NewClient(execCfg.BaseURL, execCfg.SlippageBps, time.Duration(execCfg.TimeoutSeconds)*time.Second, cfg.GetExecAPIKeys())

	blockhashCache := blockchain.NewBlockhashCache(rpcClient, cfg.GetBlockhashRefresh(), time.Duration(cfg.Get().Blockchain.BlockhashTTLSeconds)*time.Second)
	if err := blockhashCache.Start(); err != nil {
		log.Warn().Err(err).Msg("blockhash cache failed to start")
	}
	defer blockhashCache.Stop()

	var execAPI replication.Executor = execClient
	if execCfg.UseLocalSign {
		txBuilder := blockchain.NewTransactionBuilder(wallet, blockhashCache, cfg.Get().Trading.PriorityFeeLamports)
		if limit := cfg.Get().Trading.ComputeUnitLimit; limit > 0 {
			txBuilder.SetComputeUnitLimit(limit)
		}
		execAPI = &localSignExecutor{execClient: execClient, rpc: rpcClient, builder: txBuilder}
	}

	feed := wsfeed.New(func(authenticated bool) string { return cfg.GetFeedURL(authenticated) })

	// sigClient's callbacks need to reach into the pipeline, but the
	// pipeline's constructor needs sigClient as its signature tracker.
	// pipeline is forward-declared and captured by closure, then assigned
	// once both are constructed, before either is started.
	var pipeline *replication.Pipeline

	sigClient := sigtrack.New(func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(cfg.Get().RPC.WSURL, nil)
		return conn, err
	}, int64(cfg.Get().RPC.MaxSubscriptions), sigtrack.Callbacks{
		OnConfirmed: func(o sigtrack.Outcome) {
			pipeline.HandleConfirmation(context.Background(), o.Signature, string(o.ErrorKind))
		},
		OnTimeout: func(sig string) {
			pipeline.HandleTimeout(sig)
		},
		OnConnectionError: func(sig string, err error) {
			log.Error().Err(err).Str("signature", sig).Msg("signature tracking connection error")
		},
	})
	sigClient.SetReconciler(func(ctx context.Context, sigs []string) ([]sigtrack.ReconcileStatus, error) {
		statuses, err := rpcClient.GetSignatureStatuses(ctx, sigs)
		if err != nil {
			return nil, err
		}
		out := make([]sigtrack.ReconcileStatus, 0, len(statuses))
		for i, s := range statuses {
			if s == nil || s.ConfirmationStatus == "" {
				continue
			}
			errRaw, _ := json.Marshal(s.Err)
			out = append(out, sigtrack.ReconcileStatus{Signature: sigs[i], Landed: true, ErrRaw: errRaw})
		}
		return out, nil
	})

	pipeline = replication.New(replication.Config{
		MaxPositionSize:     decimal.NewFromFloat(cfg.Get().Trading.MaxPositionSize),
		SlippageBps:         cfg.Get().Trading.SlippageToleranceBps,
		PriorityFeeSol:      decimal.NewFromFloat(float64(cfg.Get().Trading.PriorityFeeLamports) / 1e9),
		PollInterval:        time.Duration(cfg.Get().Trading.ExecutionPollMs) * time.Millisecond,
		InterExecutionDelay: time.Duration(cfg.Get().Trading.ExecutionDelayMs) * time.Millisecond,
		ConfirmationTimeout: time.Duration(cfg.Get().Trading.SignatureTimeoutSecs) * time.Second,
	}, posStore, validationEngine, execAPI, sigClient, &analyzerAdapter{a: txAnalyzer}, wallet.Address())

	pipeline.SetLeaderSubscriptionHooks(
		func(leaders []string) { subscribeLeaders(feed, pipeline, leaders) },
		func(leaders []string) { unsubscribeLeaders(feed, leaders) },
	)
	applyLeaderConfig(cfg, pipeline)

	checker := health.NewChecker(cfg.Get().RPC.HTTPURL, cfg.Get().ExecClient.BaseURL)
	admin := adminapi.NewServer(cfg.Get().Admin.ListenHost, cfg.Get().Admin.ListenPort, posStore, data, checker, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker.Start(ctx)

	if err := feed.Connect(); err != nil {
		log.Warn().Err(err).Msg("event feed connect failed, will retry on reconnect loop")
	}
	if err := sigClient.Start(); err != nil {
		log.Warn().Err(err).Msg("signature tracker connect failed")
	}

	pipeline.Start(ctx)

	go func() {
		if err := admin.Start(); err != nil {
			log.Error().Err(err).Msg("admin api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	pipeline.Stop()
	_ = admin.Shutdown()
	_ = feed.Disconnect()
	sigClient.Stop()
	log.Info().Msg("goodbye")
}

// localSignExecutor fetches an unsigned transaction from the execution
// API's local-sign endpoint, signs it with the operator's own key, and
// submits it directly over RPC instead of trusting the execution API to
// hold a signing key.
type localSignExecutor struct {
	execClient *execclient.Client
	rpc        *blockchain.RPCClient
	builder    *blockchain.TransactionBuilder
}

func (e *localSignExecutor) Trade(ctx context.Context, req execclient.TradeRequest) (*execclient.TradeResponse, error) {
	unsigned, err := e.execClient.TradeLocal(ctx, req)
	if err != nil {
		return nil, err
	}

	signed, err := e.builder.SignSerializedTransaction(unsigned)
	if err != nil {
		return nil, err
	}

	sig, err := e.rpc.SendTransaction(ctx, signed, false)
	if err != nil {
		return nil, err
	}

	return &execclient.TradeResponse{Signature: sig}, nil
}

// analyzerAdapter narrows *analyzer.Analyzer down to the minimal interface
// the replication pipeline needs, keeping the rpc commitment-level choice
// out of the replication package.
type analyzerAdapter struct {
	a *analyzer.Analyzer
}

func (ad *analyzerAdapter) AnalyzeBySignature(ctx context.Context, sig string) (*replication.TradeAnalysis, error) {
	an, err := ad.a.AnalyzeBySignature(ctx, sig, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}
	return &replication.TradeAnalysis{
		Success:          an.Success,
		ErrorKind:        string(an.ErrorKind),
		TokenDelta:       an.TokenDelta,
		PriceSolPerToken: an.PriceSolPerToken,
	}, nil
}

// operatorBalance adapts the wallet balance tracker and on-chain token
// account lookups into validation.BalanceSource.
type operatorBalance struct {
	tracker  *blockchain.BalanceTracker
	analyzer *analyzer.Analyzer
	wallet   string
}

func (b *operatorBalance) SolBalanceLamports() uint64 {
	return b.tracker.BalanceLamports()
}

// syncPositionTransition mirrors a position's transition into open or into a
// terminal status into the durable trader/token aggregates.
func syncPositionTransition(data *datastore.Store, evt positions.StatusChangeEvent) {
	pos := evt.Position

	var op datastore.SyncOperation
	switch evt.NewStatus {
	case positions.StatusOpen:
		op = datastore.OpOpenPosition
	case positions.StatusClosed:
		op = datastore.OpClosedPosition
	case positions.StatusFailed, positions.StatusCancelled:
		op = datastore.OpFailedPosition
	default:
		return
	}

	payload := datastore.SyncPayload{
		AmountSol:   pos.AmountSol,
		RealizedPnL: pos.RealizedPnLSol,
		TradeTime:   time.Now(),
	}

	if _, _, err := data.SyncModels(pos.LeaderWallet, pos.TokenMint, op, payload); err != nil {
		log.Error().Err(err).Str("leader", pos.LeaderWallet).Str("mint", pos.TokenMint).Msg("failed to sync position transition to data store")
	}
}

func (b *operatorBalance) TokenBalance(mint string) (uint64, error) {
	accounts, err := b.analyzer.GetTokenBalances(context.Background(), b.wallet, []string{mint}, true)
	if err != nil {
		return 0, err
	}
	for _, acc := range accounts {
		if acc.Mint == mint {
			return acc.Amount.BigInt().Uint64(), nil
		}
	}
	return 0, nil
}

func subscribeLeaders(feed *wsfeed.Client, pipeline *replication.Pipeline, leaders []string) {
	for _, leader := range leaders {
		wallet := leader
		if err := feed.Subscribe(wsfeed.TopicAccountTrade, []string{wallet}, func(raw json.RawMessage) {
			handleAccountTrade(pipeline, wallet, raw)
		}); err != nil {
			log.Error().Err(err).Str("leader", wallet).Msg("failed to subscribe to leader trades")
		}
	}
}

func unsubscribeLeaders(feed *wsfeed.Client, leaders []string) {
	for _, leader := range leaders {
		if err := feed.Unsubscribe(wsfeed.TopicAccountTrade, []string{leader}); err != nil {
			log.Warn().Err(err).Str("leader", leader).Msg("failed to unsubscribe leader")
		}
	}
}

// accountTradeMessage is the wire shape of an account_trade feed event.
type accountTradeMessage struct {
	Mint        string  `json:"mint"`
	Symbol      string  `json:"symbol"`
	TxType      string  `json:"tx_type"`
	SolAmount   float64 `json:"sol_amount"`
	Signature   string  `json:"signature"`
	Pool        string  `json:"pool"`
	MarketCapSol float64 `json:"market_cap_sol"`
}

func handleAccountTrade(pipeline *replication.Pipeline, leader string, raw json.RawMessage) {
	var msg accountTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("failed to decode account_trade message")
		return
	}

	res := pipeline.HandleLeaderTrade(replication.RawTrade{
		LeaderWallet: leader,
		TokenMint:    msg.Mint,
		TokenSymbol:  msg.Symbol,
		Side:         msg.TxType,
		LeaderAmount: decimal.NewFromFloat(msg.SolAmount),
		Signature:    msg.Signature,
		Pool:         msg.Pool,
		MarketCapSol: decimal.NewFromFloat(msg.MarketCapSol),
	})
	if !res.Accepted {
		log.Debug().Str("leader", leader).Str("mint", msg.Mint).Str("reason", res.Reason).Msg("leader trade not replicated")
	}
}

func applyLeaderConfig(cfg *config.Manager, pipeline *replication.Pipeline) {
	leaders := cfg.GetLeaders()
	names := make([]string, 0, len(leaders))
	rules := make(map[string]replication.SizingRule, len(leaders))

	for _, l := range leaders {
		names = append(names, l.Wallet)
		rule := replication.SizingRule{Kind: replication.SizingMirror}
		switch l.SizingMode {
		case "fixed":
			rule = replication.SizingRule{Kind: replication.SizingFixed, FixedSol: decimal.NewFromFloat(l.FixedAmountSol)}
		case "percentage":
			rule = replication.SizingRule{Kind: replication.SizingPercentage, Percentage: decimal.NewFromFloat(l.PercentageOfTrade)}
		}
		rules[l.Wallet] = rule
	}

	pipeline.SetFollowedLeaders(names, rules)
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
