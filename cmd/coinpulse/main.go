package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/application/service"
	"coinpulse/internal/infrastructure/config"
	"coinpulse/internal/infrastructure/exchange/binance"
	"coinpulse/internal/infrastructure/exchange/bybit"
	"coinpulse/internal/infrastructure/exchange/hyperliquid"
	"coinpulse/internal/infrastructure/logger"
	"coinpulse/internal/infrastructure/refdata"
	"coinpulse/internal/infrastructure/storage/postgres"
	"coinpulse/internal/infrastructure/storage/redis"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	defer repo.Close()
	if err := repo.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}

	bus := port.NewBus(cfg.App.EventBuffer)
	cache := service.NewCache(application.PendingOITimeout)
	pub := service.NewPublisher(
		cache, repo,
		time.Duration(cfg.Publish.BatchMs)*time.Millisecond,
		cfg.Publish.BatchMax,
		time.Duration(cfg.Publish.ThrottleMs)*time.Millisecond,
	)
	cache.SetOnChange(pub.Notify)

	// Warm the cache from the mirror so restarts do not serve an empty book.
	if warm, err := repo.LoadTickers(ctx); err != nil {
		log.Warn().Err(err).Msg("warm load failed")
	} else if n := cache.WarmLoad(warm, application.WarmMaxAge); n > 0 {
		log.Info().Int("tickers", n).Msg("cache warmed from mirror")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("component", name).Msg("stopped")
		}()
	}

	run("cache", func() { cache.Run(ctx, bus) })
	run("publisher", func() { pub.Run(ctx) })
	run("status", func() { drainStatus(ctx, bus.Status) })

	if cfg.Exchange.Binance.Enabled {
		b := cfg.Exchange.Binance
		spot := binance.NewSpotTickerFeed(b.SpotWsURL, bus)
		futures := binance.NewFuturesTickerFeed(b.FuturesWsURL, bus)
		poller := binance.NewPoller(b.FuturesREST, b.OITopSymbols, bus)
		run("binance-spot", func() { spot.Run(ctx) })
		run("binance-futures", func() { futures.Run(ctx) })
		run("binance-rest", func() { poller.Run(ctx) })
	} else {
		log.Warn().Msg("binance disabled by config")
	}

	if cfg.Exchange.Bybit.Enabled {
		y := cfg.Exchange.Bybit
		dir := bybit.NewSymbolDirectory()
		spotPool := bybit.NewPool(application.MarketSpot, y.SpotWsURL, y.PoolSize, y.SubBatchSize, dir, bus)
		linearPool := bybit.NewPool(application.MarketFutures, y.LinearWsURL, y.PoolSize, y.SubBatchSize, dir, bus)
		poller := bybit.NewPoller(y.RestURL, dir, bus)
		spotSyms := pub.SubscribeSymbols()
		linearSyms := pub.SubscribeSymbols()
		run("bybit-spot", func() { spotPool.Run(ctx, spotSyms) })
		run("bybit-linear", func() { linearPool.Run(ctx, linearSyms) })
		run("bybit-rest", func() { poller.Run(ctx) })
	} else {
		log.Warn().Msg("bybit disabled by config")
	}

	if cfg.Exchange.Hyperliquid.Enabled {
		h := cfg.Exchange.Hyperliquid
		dir := hyperliquid.NewDirectory()
		feed := hyperliquid.NewFeed(h.WsURL, dir, bus)
		poller := hyperliquid.NewPoller(h.RestURL, dir, bus)
		hlSyms := pub.SubscribeSymbols()
		run("hyperliquid-ws", func() { feed.Run(ctx, hlSyms) })
		run("hyperliquid-rest", func() { poller.Run(ctx) })
	} else {
		log.Warn().Msg("hyperliquid disabled by config")
	}

	if cfg.RefData.Enabled {
		source := refdata.NewClient(cfg.RefData.BaseURL, repo)
		syncer := service.NewRefDataSyncer(cache, source, cfg.RefData.PerPage)
		run("refdata", func() {
			if err := syncer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("refdata syncer failed")
			}
		})
	}

	if cfg.Alerts.Enabled {
		archive, err := postgres.New(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unreachable")
		}
		defer archive.Close()

		alerts := service.NewAlertService(cache, repo, archive)
		if err := alerts.SyncFromArchive(ctx); err != nil {
			log.Error().Err(err).Msg("alert archive sync failed")
		}
		broadcasts := pub.Subscribe()
		run("alerts", func() { alerts.Run(ctx, broadcasts) })
		run("alert-triggers", func() { drainTriggers(ctx, alerts.Triggers()) })
	}

	log.Info().
		Str("config", *configPath).
		Bool("binance", cfg.Exchange.Binance.Enabled).
		Bool("bybit", cfg.Exchange.Bybit.Enabled).
		Bool("hyperliquid", cfg.Exchange.Hyperliquid.Enabled).
		Bool("alerts", cfg.Alerts.Enabled).
		Bool("refdata", cfg.RefData.Enabled).
		Msg("started")

	<-ctx.Done()
	log.Warn().Msg("shutting down")
	wg.Wait()
	log.Warn().Msg("exit")
}

func drainStatus(ctx context.Context, status <-chan port.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-status:
			e := log.Info()
			if !ev.Connected {
				e = log.Warn()
			}
			e.Str("feed", ev.Exchange).Str("market", ev.Market).
				Bool("connected", ev.Connected).Str("reason", ev.Reason).
				Msg("feed status")
		}
	}
}

// drainTriggers logs fired alerts. Notification delivery (push, email,
// telegram) hangs off this feed; the core only records the fact.
func drainTriggers(ctx context.Context, triggers <-chan service.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-triggers:
			log.Info().
				Str("alert", ev.Alert.ID).
				Str("user", ev.Alert.UserID).
				Str("symbol", ev.Alert.Symbol).
				Float64("value", ev.Value).
				Msg("alert notification queued")
		}
	}
}
