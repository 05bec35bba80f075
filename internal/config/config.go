package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configuration errors mean the process cannot proceed at all.
var (
	ErrNoVenues  = errors.New("config: no venues selected")
	ErrNoSymbols = errors.New("config: no symbols configured")
)

// VenueNames lists the venues a client can be built for. Their credentials can
// be supplied as ARBITER_EXCHANGES_<NAME>_API_KEY and ..._API_SECRET.
var VenueNames = []string{"binance", "binance-futures", "gate", "kraken"}

// Sizing conventions for converting the configured trade notional into a base quantity.
const (
	SizingNet   = "net"
	SizingGross = "gross"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LogLevel    string   `mapstructure:"log_level"`
	Test        bool     `mapstructure:"test"`
	Venues      []string `mapstructure:"venues"`
	Symbols     []string `mapstructure:"symbols"`
	AllSymbols  bool     `mapstructure:"all_symbols"`
	SymbolLimit int      `mapstructure:"symbol_limit"`

	Arbitrage  ArbitrageConfig
	Poller     PollerConfig
	Supervisor SupervisorConfig
	Balance    BalanceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Metrics    MetricsConfig
	Exchanges  map[string]ExchangeConfig
}

// ArbitrageConfig defines the scoring and risk thresholds.
type ArbitrageConfig struct {
	Auto                bool    `mapstructure:"auto"`
	MinVolume           float64 `mapstructure:"min_volume"`
	MinProfit           float64 `mapstructure:"min_profit"`
	MaxProfit           float64 `mapstructure:"max_profit"`
	TradeAmount         float64 `mapstructure:"trade_amount"`
	FeeRate             float64 `mapstructure:"fee_rate"`
	Sizing              string  `mapstructure:"sizing"`
	StopLossPercent     float64 `mapstructure:"stop_loss_percent"`
	StopLossTimeoutMS   int64   `mapstructure:"stop_loss_timeout_ms"`
	ConvergenceRange    float64 `mapstructure:"convergence_range"`
	DivergenceThreshold float64 `mapstructure:"divergence_threshold"`
}

// StopLossTimeout returns the maximum age of an open position.
func (a ArbitrageConfig) StopLossTimeout() time.Duration {
	return time.Duration(a.StopLossTimeoutMS) * time.Millisecond
}

// PollerConfig controls the fine-cadence price loop.
type PollerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StreamMaxAge   time.Duration `mapstructure:"stream_max_age"`
}

// SupervisorConfig controls the coarse-cadence position loop.
type SupervisorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// BalanceConfig controls periodic balance snapshots.
type BalanceConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

// RedisConfig enables the optional quote mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// MetricsConfig exposes Prometheus metrics. An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string
}

// ExchangeConfig defines credentials for a specific exchange.
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("test", false)
	v.SetDefault("symbol_limit", 0)

	v.SetDefault("arbitrage.auto", false)
	v.SetDefault("arbitrage.min_volume", 0)
	v.SetDefault("arbitrage.min_profit", 0.5)
	v.SetDefault("arbitrage.max_profit", 1000)
	v.SetDefault("arbitrage.trade_amount", 100)
	v.SetDefault("arbitrage.fee_rate", 0.001)
	v.SetDefault("arbitrage.sizing", SizingNet)
	v.SetDefault("arbitrage.stop_loss_percent", 2)
	v.SetDefault("arbitrage.stop_loss_timeout_ms", 24*60*60*1000)
	v.SetDefault("arbitrage.convergence_range", 0.1)
	v.SetDefault("arbitrage.divergence_threshold", 0)

	v.SetDefault("poller.interval", 5*time.Second)
	v.SetDefault("poller.request_timeout", 10*time.Second)
	v.SetDefault("poller.stream_max_age", 3*time.Second)
	v.SetDefault("supervisor.interval", 60*time.Second)
	v.SetDefault("balance.schedule", "@every 15m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arbiter")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "arbiter")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Minute)

	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads configuration from file or environment variables.
// Environment variables take the form ARBITER_ARBITRAGE_MIN_PROFIT.
func LoadConfig(path string) (config Config, err error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)
	v.SetEnvPrefix("arbiter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err = bindEnv(v); err != nil {
		return
	}

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

// bindEnv registers keys that have no default, so that Unmarshal sees them
// when they are only set in the environment.
func bindEnv(v *viper.Viper) error {
	keys := []string{"venues", "symbols", "all_symbols"}
	for _, name := range VenueNames {
		keys = append(keys, "exchanges."+name+".api_key", "exchanges."+name+".api_secret")
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate reports configuration the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return ErrNoVenues
	}
	if len(c.Symbols) == 0 && !c.AllSymbols {
		return ErrNoSymbols
	}

	a := c.Arbitrage
	switch a.Sizing {
	case SizingNet, SizingGross:
	default:
		return fmt.Errorf("config: unknown sizing %q", a.Sizing)
	}
	if a.TradeAmount <= 0 {
		return fmt.Errorf("config: trade_amount must be positive, got %v", a.TradeAmount)
	}
	if a.FeeRate < 0 || a.FeeRate >= 0.5 {
		return fmt.Errorf("config: fee_rate out of range: %v", a.FeeRate)
	}
	if a.MinProfit > a.MaxProfit {
		return fmt.Errorf("config: min_profit %v exceeds max_profit %v", a.MinProfit, a.MaxProfit)
	}
	if c.Poller.Interval <= 0 || c.Supervisor.Interval <= 0 {
		return errors.New("config: poller and supervisor intervals must be positive")
	}
	return nil
}
