package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"engineer/bot"
	"engineer/config"
	"engineer/dal"
	"engineer/metrics"
	"engineer/reconcile"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := dal.OpenDB(cfg.DBDriver, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	gateway := dal.NewGateway(db)
	defer func() {
		if err := gateway.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database gateway")
		}
	}()

	var debouncer reconcile.Debouncer
	if cfg.RedisURL != "" {
		redisDebouncer, err := reconcile.NewRedisDebouncer(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisDebouncer.Close()
		debouncer = redisDebouncer
		log.Info().Msg("Using Redis for warning debounce")
	}

	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr)
	}

	engineer, err := bot.New(bot.Options{
		Token:        cfg.Token,
		GuildID:      cfg.GuildID,
		SetupTimeout: cfg.SetupTimeout,
		WarnWindow:   cfg.WarnWindow,
		DMRate:       cfg.DMRate,
		Debouncer:    debouncer,
	}, gateway)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start bot")
	}
	defer engineer.Shutdown()

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()
	done := make(chan bool)
	go bot.RoleChecker(engineer, ticker, done)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	done <- true
}
