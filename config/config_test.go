package config

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DISCORD_BOT_TOKEN", "DISCORD_GUILD_ID", "DB_DRIVER", "DATABASE_URL",
		"LOG_LEVEL", "LOG_PRETTY", "METRICS_ADDR", "REDIS_URL",
		"CHECK_INTERVAL", "WARN_WINDOW", "SETUP_TIMEOUT", "DM_RATE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_BOT_TOKEN", "tok")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Token != "tok" || cfg.DBDriver != "sqlite" || cfg.DSN != "engineer.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CheckInterval != time.Hour || cfg.WarnWindow != 10*time.Minute || cfg.SetupTimeout != 5*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.LogLevel != "info" || cfg.LogPretty || cfg.MetricsAddr != "" || cfg.RedisURL != "" {
		t.Fatalf("unexpected optional settings: %+v", cfg)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_BOT_TOKEN", "env-token")
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("DATABASE_URL", "postgres://localhost/engineer")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("CHECK_INTERVAL", "15m")
	t.Setenv("DM_RATE", "nope") // falls back to default
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load([]string{"-token", "flag-token", "-guild", "123"})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Token != "flag-token" {
		t.Fatalf("flag should override env, got %q", cfg.Token)
	}
	if cfg.GuildID != "123" || cfg.DBDriver != "postgres" || cfg.DSN != "postgres://localhost/engineer" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty {
		t.Fatalf("logging not normalised: %+v", cfg)
	}
	if cfg.CheckInterval != 15*time.Minute || cfg.DMRate != 2 {
		t.Fatalf("unexpected parsing: %+v", cfg)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("redis url: %q", cfg.RedisURL)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"missing token", nil, nil, "token"},
		{"bad driver", map[string]string{"DISCORD_BOT_TOKEN": "t", "DB_DRIVER": "mysql"}, nil, "DB_DRIVER"},
		{"bad level", map[string]string{"DISCORD_BOT_TOKEN": "t", "LOG_LEVEL": "verbose"}, nil, "LOG_LEVEL"},
		{"negative interval", map[string]string{"DISCORD_BOT_TOKEN": "t", "CHECK_INTERVAL": "-1m"}, nil, "positive"},
		{"unknown flag", map[string]string{"DISCORD_BOT_TOKEN": "t"}, []string{"-nope"}, "parse flags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"junk":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		Config{LogLevel: in}.SetupLogging()
		if got := zerolog.GlobalLevel(); got != want {
			t.Fatalf("SetupLogging(%q) -> %v; want %v", in, got, want)
		}
	}
}
