package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Sinopac    SinopacConfig    `mapstructure:"sinopac"`
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Server     ServerConfig     `mapstructure:"server"`
}

// InstrumentConfig names the contract family this deployment maintains.
type InstrumentConfig struct {
	Root string `mapstructure:"root"` // contract root, e.g. "TXF"; queries by root match every series
	Code string `mapstructure:"code"` // series fetched from the provider, e.g. the continuous "TXFR1"
}

// SinopacConfig defines the history-data bridge endpoint. API credentials are
// resolved at startup via Credentials, never written into this file.
type SinopacConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinRequestGap time.Duration `mapstructure:"min_request_gap"` // client-side spacing between provider calls
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// ReconcileConfig bounds a backfill cycle.
type ReconcileConfig struct {
	BatchDays    int           `mapstructure:"batch_days"`    // max candidate dates per cycle
	Cooldown     time.Duration `mapstructure:"cooldown"`      // min gap between cycles per session
	IdleCooldown time.Duration `mapstructure:"idle_cooldown"` // gap after a cycle that filled nothing
	LookbackDays int           `mapstructure:"lookback_days"` // default coverage horizon
}

// ServerConfig configures the HTTP/websocket daemon.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`  // websocket push cadence
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`         // GetBars result cache
	DeepBackfillUTC int           `mapstructure:"deep_backfill_utc"` // hour of the daily catch-up pass
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	// TODO: env path
	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., SINOPAC_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instrument.root", "TXF")
	v.SetDefault("instrument.code", "TXFR1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "prod")
	v.SetDefault("sinopac.timeout", "10s")
	v.SetDefault("sinopac.min_request_gap", "300ms")
	v.SetDefault("reconcile.batch_days", 30)
	v.SetDefault("reconcile.cooldown", "20s")
	v.SetDefault("reconcile.idle_cooldown", "5m")
	v.SetDefault("reconcile.lookback_days", 500)
	v.SetDefault("server.addr", ":8087")
	v.SetDefault("server.refresh_interval", "5s")
	v.SetDefault("server.cache_ttl", "10s")
	v.SetDefault("server.deep_backfill_utc", 0)
}
