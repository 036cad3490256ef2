// Package config loads bot settings from a .env file, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration values for the bot.
type Config struct {
	// Discord
	Token   string // DISCORD_BOT_TOKEN / -token
	GuildID string // DISCORD_GUILD_ID / -guild; empty registers commands globally

	// Database
	DBDriver string // DB_DRIVER / -db-driver: postgres|sqlite
	DSN      string // DATABASE_URL / -dsn

	// Logging
	LogLevel  string // debug|info|warn|error
	LogPretty bool

	// Observability
	MetricsAddr string // METRICS_ADDR, e.g. ":9090"; empty disables

	// Shared debounce state; empty keeps it in memory
	RedisURL string

	// Reconciliation
	CheckInterval time.Duration // CHECK_INTERVAL
	WarnWindow    time.Duration // WARN_WINDOW
	SetupTimeout  time.Duration // SETUP_TIMEOUT
	DMRate        float64       // DM_RATE, messages per second
}

// Load reads .env (if present), then the environment, then args. args are
// the command-line arguments without the program name.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Token:         os.Getenv("DISCORD_BOT_TOKEN"),
		GuildID:       os.Getenv("DISCORD_GUILD_ID"),
		DBDriver:      strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DSN:           getenv("DATABASE_URL", "engineer.db"),
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:     getbool("LOG_PRETTY", false),
		MetricsAddr:   os.Getenv("METRICS_ADDR"),
		RedisURL:      os.Getenv("REDIS_URL"),
		CheckInterval: getdur("CHECK_INTERVAL", time.Hour),
		WarnWindow:    getdur("WARN_WINDOW", 10*time.Minute),
		SetupTimeout:  getdur("SETUP_TIMEOUT", 5*time.Minute),
		DMRate:        getfloat("DM_RATE", 2),
	}

	fs := flag.NewFlagSet("engineer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bot access token.")
	fs.StringVar(&cfg.GuildID, "guild", cfg.GuildID, "Test guild ID. If not set, slash commands will be registered globally.")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver: postgres or sqlite.")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "Database DSN, or the SQLite file path.")
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if cfg.Token == "" {
		return cfg, errors.New("-token or DISCORD_BOT_TOKEN must be provided")
	}
	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return cfg, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return cfg, errors.New("DATABASE_URL must not be empty")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil || cfg.LogLevel == "" {
		return cfg, fmt.Errorf("LOG_LEVEL %q is not a valid level", cfg.LogLevel)
	}
	if cfg.CheckInterval <= 0 || cfg.WarnWindow <= 0 || cfg.SetupTimeout <= 0 {
		return cfg, errors.New("CHECK_INTERVAL, WARN_WINDOW and SETUP_TIMEOUT must be positive")
	}
	if cfg.DMRate <= 0 {
		return cfg, errors.New("DM_RATE must be > 0")
	}

	return cfg, nil
}

// SetupLogging applies the configured level and output format to the global
// zerolog logger.
func (c Config) SetupLogging() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
