package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"venue-coordinator/internal/fees"
)

// Config holds all coordinator configuration
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Venues   VenuesConfig   `mapstructure:"venues"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Admin    AdminConfig    `mapstructure:"admin"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	TUI      TUIConfig      `mapstructure:"tui"`
}

type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	RPCAPIKeyEnv       string `mapstructure:"rpc_api_key_env"`
	ChainID            int64  `mapstructure:"chain_id"`
	ModuleAddress      string `mapstructure:"module_address"`
	CollateralAddress  string `mapstructure:"collateral_address"`
	CollateralDecimals int    `mapstructure:"collateral_decimals"`
}

type ExecutorConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	FeeAsset      string `mapstructure:"fee_asset"`
}

type VenuesConfig struct {
	Spot  SpotVenueConfig  `mapstructure:"spot"`
	PerpA PerpAVenueConfig `mapstructure:"perp_a"`
	PerpB PerpBVenueConfig `mapstructure:"perp_b"`
	PerpC PerpCVenueConfig `mapstructure:"perp_c"`
}

// FeeConfig selects a venue's platform fee model. Model is one of FLAT,
// PERCENTAGE, TIERED, PROFIT_SHARE.
type FeeConfig struct {
	Model          string       `mapstructure:"model"`
	FlatFee        float64      `mapstructure:"flat_fee"`
	FeePercent     float64      `mapstructure:"fee_percent"`
	ProfitSharePct float64      `mapstructure:"profit_share_pct"`
	Tiers          []TierConfig `mapstructure:"tiers"`
}

type TierConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	SharePct  float64 `mapstructure:"share_pct"`
}

// Policy converts the configured schedule into the fee engine's form.
func (f FeeConfig) Policy() (fees.Policy, error) {
	model := fees.Model(strings.ToUpper(f.Model))
	switch model {
	case fees.ModelFlat, fees.ModelPercentage, fees.ModelTiered, fees.ModelProfitShare:
	default:
		return fees.Policy{}, fmt.Errorf("unknown fee model %q", f.Model)
	}
	p := fees.Policy{
		Model:          model,
		FlatFee:        decimal.NewFromFloat(f.FlatFee),
		FeePercent:     decimal.NewFromFloat(f.FeePercent),
		ProfitSharePct: decimal.NewFromFloat(f.ProfitSharePct),
	}
	for _, t := range f.Tiers {
		p.Tiers = append(p.Tiers, fees.Tier{
			Threshold: decimal.NewFromFloat(t.Threshold),
			SharePct:  decimal.NewFromFloat(t.SharePct),
		})
	}
	return p, nil
}

type SpotVenueConfig struct {
	Enabled       bool      `mapstructure:"enabled"`
	RouterAddress string    `mapstructure:"router_address"`
	QuoterAddress string    `mapstructure:"quoter_address"`
	FeeTier       uint32    `mapstructure:"fee_tier"`
	SlippageBps   int64     `mapstructure:"slippage_bps"`
	Fee           FeeConfig `mapstructure:"fee"`
}

type PerpAVenueConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	ExchangeRouter    string            `mapstructure:"exchange_router"`
	OrderVault        string            `mapstructure:"order_vault"`
	Reader            string            `mapstructure:"reader"`
	FeeReceiver       string            `mapstructure:"fee_receiver"`
	ExecutionFeeGwei  int64             `mapstructure:"execution_fee_gwei"`
	SlippageBps       int64             `mapstructure:"slippage_bps"`
	Whitelist         []string          `mapstructure:"whitelist"`
	Markets           map[string]string `mapstructure:"markets"`
	MaxMarketLeverage float64           `mapstructure:"max_market_leverage"`
	Fee               FeeConfig         `mapstructure:"fee"`
}

// NormalizedMarkets returns the market map with uppercase symbols. Viper
// lowercases map keys on unmarshal.
func (c PerpAVenueConfig) NormalizedMarkets() map[string]string {
	out := make(map[string]string, len(c.Markets))
	for sym, ref := range c.Markets {
		out[strings.ToUpper(sym)] = ref
	}
	return out
}

type PerpBVenueConfig struct {
	Enabled     bool      `mapstructure:"enabled"`
	BaseURL     string    `mapstructure:"base_url"`
	WSURL       string    `mapstructure:"ws_url"`
	SlippageBps int64     `mapstructure:"slippage_bps"`
	RatePerSec  float64   `mapstructure:"rate_per_sec"`
	RateBurst   int       `mapstructure:"rate_burst"`
	Fee         FeeConfig `mapstructure:"fee"`
}

type PerpCVenueConfig struct {
	Enabled     bool      `mapstructure:"enabled"`
	BaseURL     string    `mapstructure:"base_url"`
	SlippageBps int64     `mapstructure:"slippage_bps"`
	RatePerSec  float64   `mapstructure:"rate_per_sec"`
	RateBurst   int       `mapstructure:"rate_burst"`
	Fee         FeeConfig `mapstructure:"fee"`
}

type PricingConfig struct {
	AggregatorFeeds map[string]string `mapstructure:"aggregator_feeds"` // symbol -> feed contract
	CacheTTLSeconds int               `mapstructure:"cache_ttl_seconds"`
}

type MonitorConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	LockPath        string `mapstructure:"lock_path"`
}

type AdminConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type HTTPConfig struct {
	PoolSize       int `mapstructure:"pool_size"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type TUIConfig struct {
	RefreshRateMs int `mapstructure:"refresh_rate_ms"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("chain.rpc_api_key_env", "RPC_API_KEY")
	v.SetDefault("chain.collateral_decimals", 6)
	v.SetDefault("executor.private_key_env", "EXECUTOR_PRIVATE_KEY")
	v.SetDefault("executor.fee_asset", "USDC")
	v.SetDefault("venues.spot.slippage_bps", 100)
	v.SetDefault("venues.spot.fee_tier", 3000)
	v.SetDefault("venues.perp_a.slippage_bps", 100)
	v.SetDefault("venues.perp_a.max_market_leverage", 10)
	v.SetDefault("venues.perp_b.slippage_bps", 100)
	v.SetDefault("venues.perp_b.rate_per_sec", 10)
	v.SetDefault("venues.perp_b.rate_burst", 20)
	v.SetDefault("venues.perp_c.slippage_bps", 100)
	v.SetDefault("venues.perp_c.rate_per_sec", 5)
	v.SetDefault("venues.perp_c.rate_burst", 10)
	v.SetDefault("pricing.cache_ttl_seconds", 15)
	v.SetDefault("monitor.interval_seconds", 30)
	v.SetDefault("monitor.lock_path", "./data/monitor.lock")
	v.SetDefault("admin.listen_host", "127.0.0.1")
	v.SetDefault("admin.listen_port", 8085)
	v.SetDefault("http.pool_size", 4)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("storage.sqlite_path", "./data/coordinator.db")
	v.SetDefault("tui.refresh_rate_ms", 500)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
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

// GetPrivateKey loads the executor signing key from the environment
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Executor.PrivateKeyEnv)
}

// GetRPCURL returns the chain RPC URL with the API key injected
func (m *Manager) GetRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.Chain.RPCURL
	key := os.Getenv(m.config.Chain.RPCAPIKeyEnv)
	if key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetMonitorInterval returns the monitor cycle interval as a duration
func (m *Manager) GetMonitorInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitor.IntervalSeconds) * time.Second
}

// GetHTTPTimeout returns the outbound HTTP timeout as a duration
func (m *Manager) GetHTTPTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.HTTP.TimeoutSeconds) * time.Second
}

// GetAdminAddr returns the admin listen address
func (m *Manager) GetAdminAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%s:%d", m.config.Admin.ListenHost, m.config.Admin.ListenPort)
}
