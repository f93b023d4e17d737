package config

import (
	"fmt"
	"time"
)

// PostgresConfig defines the configuration for connecting to a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the connection string for the configured database. In prod the
// host and credentials come from the parameter store instead of the file.
func (cfg *PostgresConfig) DSN(env string) string {
	return cfg.dsnFor(env, cfg.DBName)
}

// AdminDSN builds a connection string against the stock "postgres" database,
// used only to create the application database on first run.
func (cfg *PostgresConfig) AdminDSN(env string) string {
	return cfg.dsnFor(env, "postgres")
}

func (cfg *PostgresConfig) dsnFor(env, dbname string) string {
	host, user, password := cfg.Host, cfg.User, cfg.Password
	if env == "prod" {
		host = getParameterStoreValue("KBARSTORE_DB_HOST", true)
		user = getParameterStoreValue("KBARSTORE_DB_USER", true)
		password = getParameterStoreValue("KBARSTORE_DB_PASSWORD", true)
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, cfg.Port, user, password, dbname, cfg.SSLMode,
	)

	if cfg.TimeZone != "" {
		dsn += fmt.Sprintf(" TimeZone=%s", cfg.TimeZone)
	}

	return dsn
}
