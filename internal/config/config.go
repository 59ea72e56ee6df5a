package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Client     ClientConfig     `mapstructure:"client"`
	Primary    PrimaryConfig    `mapstructure:"primary"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	OnChain    OnChainConfig    `mapstructure:"onchain"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Profit     ProfitConfig     `mapstructure:"profit"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
	Currencies []string         `mapstructure:"currencies"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SchedulerConfig governs the wall-clock reload driver and instance exclusivity.
type SchedulerConfig struct {
	AlignToStart    bool          `mapstructure:"align_to_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ClientConfig bounds outbound venue traffic. One client is built per venue.
type ClientConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// PrimaryConfig describes the spot venue all cycles trade on.
type PrimaryConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	QuoteTTL  time.Duration `mapstructure:"quote_ttl"`
	QuoteSize int           `mapstructure:"quote_cache_size"`
}

// AggregatorConfig describes the off-venue rate table.
type AggregatorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Name     string        `mapstructure:"name"`
	RatesURL string        `mapstructure:"rates_url"`
	RateTTL  time.Duration `mapstructure:"rate_ttl"`
	RateSize int           `mapstructure:"rate_cache_size"`
}

// OnChainConfig describes constant-product pools quoted over Ethereum RPC.
type OnChainConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Name    string         `mapstructure:"name"`
	RPCURL  string         `mapstructure:"rpc_url"`
	Timeout time.Duration  `mapstructure:"timeout"`
	Pools   []fetcher.Pool `mapstructure:"pools"`
}

// ScannerConfig covers one scan pass.
type ScannerConfig struct {
	Base            string        `mapstructure:"base"`
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	AnalyzeTimeout  time.Duration `mapstructure:"analyze_timeout"`
	ScanTimeout     time.Duration `mapstructure:"scan_timeout"`
	FirstLegCap     int           `mapstructure:"first_leg_cap"`
	FetchCeiling    int           `mapstructure:"fetch_ceiling"`
	YieldEvery      int           `mapstructure:"yield_every"`

	PairCap  int `mapstructure:"pair_cap"`
	PairMin  int `mapstructure:"pair_min"`
	PairMax  int `mapstructure:"pair_max"`
	CycleCap int `mapstructure:"cycle_cap"`
	CycleMin int `mapstructure:"cycle_min"`
	CycleMax int `mapstructure:"cycle_max"`

	Expensive time.Duration `mapstructure:"expensive"`
	Cheap     time.Duration `mapstructure:"cheap"`
}

// ProfitConfig sets fees and acceptance thresholds.
type ProfitConfig struct {
	StartAmount            float64            `mapstructure:"start_amount"`
	Commission             float64            `mapstructure:"commission"`
	MinProfitPct           float64            `mapstructure:"min_profit_pct"`
	MaxProfitPct           float64            `mapstructure:"max_profit_pct"`
	LiquidityFloorUSDT     float64            `mapstructure:"liquidity_floor_usdt"`
	WithdrawalFees         map[string]float64 `mapstructure:"withdrawal_fees"`
	FeeEstimatesUSDT       map[string]float64 `mapstructure:"fee_estimates_usdt"`
	DefaultFeeEstimateUSDT float64            `mapstructure:"default_fee_estimate_usdt"`
	MemoTTL                time.Duration      `mapstructure:"memo_ttl"`
	MemoSize               int                `mapstructure:"memo_size"`
}

// MonitorConfig governs the supervisor loop and reporting queue.
type MonitorConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
	MaxFailures    int           `mapstructure:"max_failures"`
	ReinitAttempts int           `mapstructure:"reinit_attempts"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	DedupDelta     float64       `mapstructure:"dedup_delta"`
	DedupSize      int           `mapstructure:"dedup_size"`
	ReportBuffer   int           `mapstructure:"report_buffer"`
	SaveTimeout    time.Duration `mapstructure:"save_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig configures the pub/sub reporting sink.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Channel   string        `mapstructure:"channel"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbscan")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61726273))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("client.rate_per_minute", 1000)
	v.SetDefault("client.max_concurrent", 20)
	v.SetDefault("client.max_attempts", 3)
	v.SetDefault("client.backoff_base", "500ms")
	v.SetDefault("client.retry_delay", "1s")
	v.SetDefault("client.timeout", "10s")
	v.SetDefault("client.poll_interval", "50ms")
	v.SetDefault("client.user_agent", "arbscan/1.0")

	v.SetDefault("primary.name", "binance")
	v.SetDefault("primary.base_url", "https://api.binance.com")
	v.SetDefault("primary.quote_ttl", "2s")
	v.SetDefault("primary.quote_cache_size", 5000)

	v.SetDefault("aggregator.enabled", false)
	v.SetDefault("aggregator.name", "aggregator")
	v.SetDefault("aggregator.rate_ttl", "30s")
	v.SetDefault("aggregator.rate_cache_size", 5000)

	v.SetDefault("onchain.enabled", false)
	v.SetDefault("onchain.name", "onchain")
	v.SetDefault("onchain.timeout", "10s")

	v.SetDefault("scanner.base", "USDT")
	v.SetDefault("scanner.discover_timeout", "5s")
	v.SetDefault("scanner.acquire_timeout", "10s")
	v.SetDefault("scanner.analyze_timeout", "5s")
	v.SetDefault("scanner.scan_timeout", "25s")
	v.SetDefault("scanner.first_leg_cap", 0)
	v.SetDefault("scanner.fetch_ceiling", 50)
	v.SetDefault("scanner.yield_every", 100)
	v.SetDefault("scanner.pair_cap", 150)
	v.SetDefault("scanner.pair_min", 20)
	v.SetDefault("scanner.pair_max", 600)
	v.SetDefault("scanner.cycle_cap", 500)
	v.SetDefault("scanner.cycle_min", 50)
	v.SetDefault("scanner.cycle_max", 3000)
	v.SetDefault("scanner.expensive", "15s")
	v.SetDefault("scanner.cheap", "5s")

	v.SetDefault("profit.start_amount", 100.0)
	v.SetDefault("profit.commission", 0.001)
	v.SetDefault("profit.min_profit_pct", 0.1)
	v.SetDefault("profit.max_profit_pct", 50.0)
	v.SetDefault("profit.liquidity_floor_usdt", 100.0)
	v.SetDefault("profit.default_fee_estimate_usdt", 1.0)
	v.SetDefault("profit.memo_ttl", "5s")
	v.SetDefault("profit.memo_size", 50000)

	v.SetDefault("monitor.scan_interval", "2s")
	v.SetDefault("monitor.reload_interval", "1h")
	v.SetDefault("monitor.failure_backoff", "5s")
	v.SetDefault("monitor.max_failures", 5)
	v.SetDefault("monitor.reinit_attempts", 3)
	v.SetDefault("monitor.flush_timeout", "10s")
	v.SetDefault("monitor.dedup_window", "5m")
	v.SetDefault("monitor.dedup_delta", 0.2)
	v.SetDefault("monitor.dedup_size", 10000)
	v.SetDefault("monitor.report_buffer", 256)
	v.SetDefault("monitor.save_timeout", "5s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 0.5)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "arbscan:opportunities")
	v.SetDefault("redis.key_prefix", "arbscan:cycle:")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Client.RatePerMinute > 0, "client.rate_per_minute must be greater than zero")
	check(c.Client.MaxConcurrent > 0, "client.max_concurrent must be greater than zero")
	check(c.Client.MaxAttempts > 0, "client.max_attempts must be greater than zero")
	check(c.Client.Timeout > 0, "client.timeout must be greater than zero")

	check(c.Primary.BaseURL != "", "primary.base_url is required")
	check(c.Scanner.Base != "", "scanner.base is required")
	check(c.Scanner.DiscoverTimeout > 0, "scanner.discover_timeout must be greater than zero")
	check(c.Scanner.AcquireTimeout > 0, "scanner.acquire_timeout must be greater than zero")
	check(c.Scanner.AnalyzeTimeout > 0, "scanner.analyze_timeout must be greater than zero")
	check(c.Scanner.ScanTimeout > 0, "scanner.scan_timeout must be greater than zero")
	check(c.Scanner.FetchCeiling > 0, "scanner.fetch_ceiling must be greater than zero")
	check(c.Scanner.PairMin > 0 && c.Scanner.PairMin <= c.Scanner.PairCap && c.Scanner.PairCap <= c.Scanner.PairMax,
		"scanner pair caps must satisfy 0 < pair_min <= pair_cap <= pair_max (got %d, %d, %d)", c.Scanner.PairMin, c.Scanner.PairCap, c.Scanner.PairMax)
	check(c.Scanner.CycleMin > 0 && c.Scanner.CycleMin <= c.Scanner.CycleCap && c.Scanner.CycleCap <= c.Scanner.CycleMax,
		"scanner cycle caps must satisfy 0 < cycle_min <= cycle_cap <= cycle_max (got %d, %d, %d)", c.Scanner.CycleMin, c.Scanner.CycleCap, c.Scanner.CycleMax)

	check(c.Profit.StartAmount > 0, "profit.start_amount must be greater than zero")
	check(c.Profit.Commission >= 0 && c.Profit.Commission < 1, "profit.commission must be within [0, 1)")
	check(c.Profit.MaxProfitPct <= 0 || c.Profit.MaxProfitPct > c.Profit.MinProfitPct, "profit.max_profit_pct must exceed profit.min_profit_pct")
	check(c.Profit.LiquidityFloorUSDT >= 0, "profit.liquidity_floor_usdt cannot be negative")

	check(c.Monitor.ReloadInterval > 0, "monitor.reload_interval must be greater than zero")
	check(c.Monitor.DedupWindow > 0, "monitor.dedup_window must be greater than zero")
	check(c.Monitor.DedupDelta > 0, "monitor.dedup_delta must be greater than zero")
	check(c.Monitor.MaxFailures > 0, "monitor.max_failures must be greater than zero")

	if c.Aggregator.Enabled {
		check(c.Aggregator.RatesURL != "", "aggregator.rates_url is required when aggregator is enabled")
	}
	if c.OnChain.Enabled {
		check(c.OnChain.RPCURL != "", "onchain.rpc_url is required when onchain is enabled")
		check(c.OnChain.RPCURL == "" || strings.HasPrefix(c.OnChain.RPCURL, "http://") || strings.HasPrefix(c.OnChain.RPCURL, "https://"),
			"onchain.rpc_url must be an http(s) endpoint")
		check(len(c.OnChain.Pools) > 0, "onchain.pools must list at least one pool when onchain is enabled")
		for i, p := range c.OnChain.Pools {
			check(p.From != "" && p.To != "" && p.Address != "" && p.FromToken != "", "onchain.pools[%d] needs from, to, address and from_token", i)
			check(p.FeeBps >= 0 && p.FeeBps < 10_000, "onchain.pools[%d].fee_bps must be within [0, 10000)", i)
		}
	}

	check(c.Alerting.ThresholdPct >= 0, "alerting.threshold_pct cannot be negative")
	if c.Alerting.Telegram.Enabled {
		check(c.Alerting.Telegram.BotToken != "", "alerting.telegram.bot_token 必须配置")
		check(c.Alerting.Telegram.ChatID != "", "alerting.telegram.chat_id 必须配置")
	}
	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr is required when redis is enabled")
	}
	if c.Metrics.Enabled {
		check(c.Metrics.Listen != "", "metrics.listen is required when metrics are enabled")
	}
	check(c.Export.MaxDataPoints > 0, "export.max_data_points must be greater than zero")

	return errors.Join(errs...)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveCurrencies returns the configured code table or the built-in one.
func (c *Config) ResolveCurrencies(defaults []string) []string {
	if len(c.Currencies) > 0 {
		return c.Currencies
	}
	return defaults
}
