// Package config loads platform configuration from defaults, a YAML file,
// and environment variables, in that precedence order (spec §6).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// DataSourceConfig controls the primary/fallback data source per category.
type DataSourceConfig struct {
	TushareToken    string `mapstructure:"tushare_token"`
	StockList       string `mapstructure:"stock_list"`
	RealtimeQuotes  string `mapstructure:"realtime_quotes"`
	HistoricalDaily string `mapstructure:"historical_daily"`
	IndexData       string `mapstructure:"index_data"`
	SectorData      string `mapstructure:"sector_data"`
	MoneyFlow       string `mapstructure:"money_flow"`
	FallbackEnabled bool   `mapstructure:"fallback_enabled"`
	RateLimitMs     int    `mapstructure:"rate_limit_ms"`
	TushareRPM      int    `mapstructure:"tushare_rpm"`
}

// SignalsConfig controls the Scheduled Pipeline's daily trigger time.
type SignalsConfig struct {
	AutoRefreshHour   int `mapstructure:"auto_refresh_hour"`
	AutoRefreshMinute int `mapstructure:"auto_refresh_minute"`
}

// RiskControlConfig holds default portfolio risk parameters.
type RiskControlConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	MaxPositions   int     `mapstructure:"max_positions"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
}

// DeepSeekConfig holds the strategy-generation / daily-analyst LLM settings.
type DeepSeekConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// AILabConfig holds the Portfolio Backtest Engine's composite score weights.
type AILabConfig struct {
	WeightReturn   float64 `mapstructure:"weight_return"`
	WeightDrawdown float64 `mapstructure:"weight_drawdown"`
	WeightSharpe   float64 `mapstructure:"weight_sharpe"`
	WeightPLR      float64 `mapstructure:"weight_plr"`
}

// Config is the fully-resolved application configuration.
type Config struct {
	DataSources  DataSourceConfig  `mapstructure:"data_sources"`
	Signals      SignalsConfig     `mapstructure:"signals"`
	RiskControl  RiskControlConfig `mapstructure:"risk_control"`
	DeepSeek     DeepSeekConfig    `mapstructure:"deepseek"`
	AILab        AILabConfig       `mapstructure:"ai_lab"`
	Debug        bool              `mapstructure:"debug"`
	DataDir      string            `mapstructure:"data_dir"`
	DatabasePath string            `mapstructure:"database_path"`
	HTTPAddr     string            `mapstructure:"http_addr"`
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_sources.stock_list", "tushare")
	v.SetDefault("data_sources.realtime_quotes", "tushare")
	v.SetDefault("data_sources.historical_daily", "tushare")
	v.SetDefault("data_sources.index_data", "tushare")
	v.SetDefault("data_sources.sector_data", "akshare")
	v.SetDefault("data_sources.money_flow", "akshare")
	v.SetDefault("data_sources.fallback_enabled", true)
	v.SetDefault("data_sources.rate_limit_ms", 300)
	v.SetDefault("data_sources.tushare_rpm", 190)

	v.SetDefault("signals.auto_refresh_hour", 15)
	v.SetDefault("signals.auto_refresh_minute", 30)

	v.SetDefault("risk_control.initial_capital", 100000.0)
	v.SetDefault("risk_control.max_positions", 10)
	v.SetDefault("risk_control.max_position_pct", 30.0)

	v.SetDefault("deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("deepseek.timeout_sec", 90)

	v.SetDefault("ai_lab.weight_return", 0.30)
	v.SetDefault("ai_lab.weight_drawdown", 0.25)
	v.SetDefault("ai_lab.weight_sharpe", 0.25)
	v.SetDefault("ai_lab.weight_plr", 0.20)

	v.SetDefault("debug", false)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_path", "./data/platform.db")
	v.SetDefault("http_addr", ":8080")
	return v
}

// Load reads config/config.yaml (if present) over the baked-in defaults,
// then overlays TUSHARE_TOKEN, DEEPSEEK_API_KEY and DEBUG environment
// variables, matching the precedence order in spec §6.
func Load(path string) (*Config, error) {
	v := defaults()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// With SetConfigFile, a missing file surfaces as a path error
		// rather than viper.ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("data_sources.tushare_token", "TUSHARE_TOKEN")
	_ = v.BindEnv("deepseek.api_key", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("debug", "DEBUG")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
