package service

import (
	"context"
	"sync/atomic"
	"time"

	"coinpulse/internal/application/port"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const slowLookupGap = 5 * time.Second

// RefDataSyncer feeds reference data into the cache on two cadences: a
// fast job refreshing the top of the market every five minutes and a slow
// hourly job chasing symbols that still have no market cap.
type RefDataSyncer struct {
	cache   *Cache
	source  port.RefDataSource
	perPage int
	cron    *cron.Cron

	slowGate atomic.Bool
}

func NewRefDataSyncer(cache *Cache, source port.RefDataSource, perPage int) *RefDataSyncer {
	return &RefDataSyncer{
		cache:   cache,
		source:  source,
		perPage: perPage,
		cron:    cron.New(),
	}
}

// Run installs the cron jobs, primes once immediately, and blocks until
// ctx is cancelled.
func (s *RefDataSyncer) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc("*/5 * * * *", func() { s.fastSync(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", func() { s.slowSync(ctx) }); err != nil {
		return err
	}

	s.fastSync(ctx)

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// fastSync merges the first markets page. Symbols not yet in the cache
// are skipped by the merge; they pick their data up once a ticker exists.
func (s *RefDataSyncer) fastSync(ctx context.Context) {
	items, err := s.source.TopMarkets(ctx, 1, s.perPage)
	if err != nil {
		log.Error().Err(err).Msg("market data sync failed")
		return
	}
	for _, rd := range items {
		s.cache.MergeReferenceData(rd)
	}
	log.Debug().Int("count", len(items)).Msg("market data synced")
}

// slowSync walks the cached symbols still missing a market cap and looks
// them up one by one, spaced out to respect the provider's rate limit.
// A pass over many symbols can outlast the hourly cadence, and cron fires
// every activation in its own goroutine, so overlapping runs bail out.
func (s *RefDataSyncer) slowSync(ctx context.Context) {
	if !s.slowGate.CompareAndSwap(false, true) {
		log.Warn().Msg("reference data gap fill still running, skipping")
		return
	}
	defer s.slowGate.Store(false)

	var missing []string
	for _, t := range s.cache.Snapshot() {
		if t.Ref.MarketCap <= 0 {
			missing = append(missing, t.Symbol)
		}
	}
	if len(missing) == 0 {
		return
	}
	log.Info().Int("symbols", len(missing)).Msg("filling reference data gaps")

	filled := 0
	for _, sym := range missing {
		if ctx.Err() != nil {
			return
		}
		rd, err := s.source.CoinDetails(ctx, sym)
		if err != nil {
			log.Debug().Str("symbol", sym).Err(err).Msg("coin lookup failed")
		} else if rd != nil {
			rd.Symbol = sym
			s.cache.MergeReferenceData(*rd)
			filled++
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(slowLookupGap):
		}
	}
	log.Info().Int("filled", filled).Int("missing", len(missing)).Msg("reference data gap fill done")
}
