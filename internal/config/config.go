package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Feed       FeedConfig       `mapstructure:"feed"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	ExecClient ExecClientConfig `mapstructure:"exec_client"`
	Leaders    []LeaderConfig   `mapstructure:"leaders"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Validation ValidationConfig `mapstructure:"validation"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Admin      AdminConfig      `mapstructure:"admin"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
}

// FeedConfig is the event-feed WebSocket (launchpad data feed).
type FeedConfig struct {
	URL              string `mapstructure:"url"`
	APIKeyEnv        string `mapstructure:"api_key_env"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
	MaxReconnects    int    `mapstructure:"max_reconnects"`
}

// RPCConfig covers both the HTTP JSON-RPC endpoint (analyzer, blockhash,
// balance) and the signature-tracking WebSocket endpoint.
type RPCConfig struct {
	HTTPURL           string `mapstructure:"http_url"`
	WSURL             string `mapstructure:"ws_url"`
	FallbackHTTPURL   string `mapstructure:"fallback_http_url"`
	APIKeyEnv         string `mapstructure:"api_key_env"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
	MaxSubscriptions  int    `mapstructure:"max_subscriptions"`
	AdmissionQueueCap int    `mapstructure:"admission_queue_cap"`
}

// ExecClientConfig is the external transaction-execution HTTP API.
type ExecClientConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKeysEnv     string `mapstructure:"api_keys_env"`
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UseLocalSign   bool   `mapstructure:"use_local_sign"`
}

// LeaderConfig is a followed leader wallet plus its sizing rule overrides.
type LeaderConfig struct {
	Wallet            string  `mapstructure:"wallet"`
	SizingMode        string  `mapstructure:"sizing_mode"` // fixed | percentage | mirror
	FixedAmountSol    float64 `mapstructure:"fixed_amount_sol"`
	PercentageOfTrade float64 `mapstructure:"percentage_of_trade"`
	MaxPositionSize   float64 `mapstructure:"max_position_size"`
	DailyLimit        float64 `mapstructure:"daily_limit"`
}

type TradingConfig struct {
	MaxPositionSize       float64 `mapstructure:"max_position_size"`
	MaxDailyVolume        float64 `mapstructure:"max_daily_volume"`
	ExecutionPollMs       int     `mapstructure:"execution_poll_ms"`
	ExecutionDelayMs      int     `mapstructure:"execution_delay_ms"`
	SignatureTimeoutSecs  int     `mapstructure:"signature_timeout_seconds"`
	PriorityFeeLamports   uint64  `mapstructure:"priority_fee_lamports"`
	SlippageToleranceBps  int     `mapstructure:"slippage_tolerance_bps"`
	ComputeUnitLimit      uint32  `mapstructure:"compute_unit_limit"`
}

type ValidationConfig struct {
	StrictMode              bool    `mapstructure:"strict_mode"`
	MinSolBalance           float64 `mapstructure:"min_sol_balance"`
	MinTradeIntervalSeconds int     `mapstructure:"min_trade_interval_seconds"`
}

type BlockchainConfig struct {
	BlockhashRefreshMs    int `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds   int `mapstructure:"blockhash_ttl_seconds"`
	BalanceRefreshSeconds int `mapstructure:"balance_refresh_seconds"`
}

type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisURL      string `mapstructure:"redis_url"`
	CacheTTLSecs  int    `mapstructure:"cache_ttl_seconds"`
}

type AdminConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager from a YAML file.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("feed.reconnect_delay_ms", 3000)
	v.SetDefault("feed.ping_interval_ms", 30000)
	v.SetDefault("feed.max_reconnects", 5)
	v.SetDefault("feed.api_key_env", "FEED_API_KEY")
	v.SetDefault("rpc.api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "RPC_FALLBACK_API_KEY")
	v.SetDefault("rpc.fallback_http_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.max_subscriptions", 100)
	v.SetDefault("rpc.admission_queue_cap", 1000)
	v.SetDefault("exec_client.slippage_bps", 500)
	v.SetDefault("exec_client.timeout_seconds", 30)
	v.SetDefault("exec_client.api_keys_env", "EXEC_API_KEYS")
	v.SetDefault("trading.execution_poll_ms", 2000)
	v.SetDefault("trading.execution_delay_ms", 1000)
	v.SetDefault("trading.signature_timeout_seconds", 60)
	v.SetDefault("validation.min_trade_interval_seconds", 5)
	v.SetDefault("blockchain.blockhash_refresh_ms", 100)
	v.SetDefault("blockchain.blockhash_ttl_seconds", 60)
	v.SetDefault("blockchain.balance_refresh_seconds", 5)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.sqlite_path", "./data/engine.db")
	v.SetDefault("storage.cache_ttl_seconds", 0)
	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")
	v.SetDefault("admin.listen_host", "127.0.0.1")
	v.SetDefault("admin.listen_port", 8090)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/engine.db"
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetTrading returns trading config (most frequently accessed).
func (m *Manager) GetTrading() TradingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trading
}

// GetLeaders returns the currently configured leader set.
func (m *Manager) GetLeaders() []LeaderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LeaderConfig, len(m.config.Leaders))
	copy(out, m.config.Leaders)
	return out
}

// SetOnChange registers a callback for config changes.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and saves to file.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.config)

	m.viper.Set("trading.max_position_size", m.config.Trading.MaxPositionSize)
	m.viper.Set("trading.max_daily_volume", m.config.Trading.MaxDailyVolume)
	m.viper.Set("validation.strict_mode", m.config.Validation.StrictMode)
	m.viper.Set("validation.min_sol_balance", m.config.Validation.MinSolBalance)

	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPrivateKey loads the wallet private key from environment.
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// GetFeedAPIKey loads the feed API key from environment.
func (m *Manager) GetFeedAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Feed.APIKeyEnv)
}

// GetFeedURL returns the feed URL, appending the API key when the caller
// requests the authenticated variant (some subscriptions require it).
func (m *Manager) GetFeedURL(authenticated bool) string {
	m.mu.RLock()
	url := m.config.Feed.URL
	keyEnv := m.config.Feed.APIKeyEnv
	m.mu.RUnlock()

	if !authenticated {
		return url
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&api-key=" + key
	}
	return url + "?api-key=" + key
}

// GetRPCAPIKey loads the primary RPC API key from environment.
func (m *Manager) GetRPCAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.APIKeyEnv)
}

// GetRPCFallbackAPIKey loads the fallback RPC API key from environment.
func (m *Manager) GetRPCFallbackAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
}

// GetExecAPIKeys loads the comma-separated execution-API keys from environment.
func (m *Manager) GetExecAPIKeys() []string {
	m.mu.RLock()
	keyEnv := m.config.ExecClient.APIKeysEnv
	m.mu.RUnlock()

	raw := os.Getenv(keyEnv)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// GetBlockhashRefresh returns blockhash refresh interval as duration.
func (m *Manager) GetBlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BlockhashRefreshMs) * time.Millisecond
}

// GetBalanceRefresh returns balance refresh interval as duration.
func (m *Manager) GetBalanceRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BalanceRefreshSeconds) * time.Second
}
