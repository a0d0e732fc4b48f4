// Package service wires the domain together: the merge engine, the
// publish pipeline, the alert evaluator and the reference data syncer.
package service

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"
	"coinpulse/internal/infrastructure/exchange"

	"github.com/rs/zerolog/log"
)

const cacheShards = 64

// pendingOI is a base-asset open interest reading waiting for a usable
// conversion price. At most one per symbol; newer readings replace older.
type pendingOI struct {
	value    float64 // base-asset units
	ts       int64
	deadline time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	tickers map[string]*domain.MergedTicker
	pending map[string]pendingOI
}

// Cache is the in-memory merged ticker map. Stored values are immutable;
// every merge clones, mutates the clone, and swaps the pointer, so readers
// holding a *MergedTicker never observe a partial update. Merge and
// pending resolution for one symbol happen under the same shard lock.
type Cache struct {
	shards         [cacheShards]cacheShard
	pendingTimeout time.Duration
	onChange       func(symbol string)
}

func NewCache(pendingTimeout time.Duration) *Cache {
	if pendingTimeout <= 0 {
		pendingTimeout = application.PendingOITimeout
	}
	c := &Cache{pendingTimeout: pendingTimeout}
	for i := range c.shards {
		c.shards[i].tickers = make(map[string]*domain.MergedTicker)
		c.shards[i].pending = make(map[string]pendingOI)
	}
	return c
}

// SetOnChange registers the change listener. Must be called before Run.
func (c *Cache) SetOnChange(fn func(symbol string)) { c.onChange = fn }

func (c *Cache) shard(symbol string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return &c.shards[h.Sum32()%cacheShards]
}

func (c *Cache) changed(symbol string) {
	if c.onChange != nil {
		c.onChange(symbol)
	}
}

// Run drains the bus until ctx is cancelled. A single consumer keeps each
// feed's events in arrival order; the pending table is swept at half the
// timeout so nothing outlives timeout by more than half a period.
func (c *Cache) Run(ctx context.Context, bus *port.Bus) {
	sweep := time.NewTicker(c.pendingTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-bus.Tickers:
			c.MergeTicker(ev)
		case ev := <-bus.Funding:
			c.MergeFunding(ev)
		case ev := <-bus.OpenInterest:
			c.MergeOpenInterest(ev)
		case ev := <-bus.Trades:
			c.MergeTrade(ev)
		case ev := <-bus.MarkPrices:
			c.MergeMarkPrice(ev)
		case <-sweep.C:
			c.SweepPending(time.Now())
		}
	}
}

func usable(price float64) bool {
	return price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}

func (c *Cache) normalize(ev string, exch string) (string, bool) {
	if exch == application.ExchangeHyperliquid {
		return hyperliquidCanonical(ev), true
	}
	return exchange.Normalize(ev)
}

// Hyperliquid coins arrive as venue names ("BTC", "kPEPE"), not pairs.
func hyperliquidCanonical(coin string) string {
	if len(coin) > 1 && coin[0] == 'k' {
		return coin[1:]
	}
	return coin
}

// MergeTicker merges a ticker frame. Binance spot/futures tickers create
// the entry when absent; every other venue only updates entries that
// already exist, so the universe is anchored on Binance listings.
func (c *Cache) MergeTicker(ev port.TickerEvent) {
	if !usable(ev.Price) {
		return
	}
	symbol, ok := c.normalize(ev.Symbol, ev.Exchange)
	if !ok {
		return
	}

	s := c.shard(symbol)
	s.mu.Lock()
	cur, exists := s.tickers[symbol]
	create := ev.Exchange == application.ExchangeBinance
	if !exists && !create {
		s.mu.Unlock()
		return
	}

	var next *domain.MergedTicker
	if exists {
		next = cur.Clone()
	} else {
		next = &domain.MergedTicker{Symbol: symbol}
	}

	q := domain.ExchangeQuote{
		Symbol:        ev.Symbol,
		Price:         ev.Price,
		ChangePct:     ev.ChangePct,
		High24h:       ev.High24h,
		Low24h:        ev.Low24h,
		VolumeUSD:     ev.VolumeUSD,
		TickerUpdated: ev.Ts,
	}

	switch {
	case ev.Exchange == application.ExchangeBinance && ev.Market == application.MarketSpot:
		q.FundingRate, q.HasFunding = next.BinanceSpot.FundingRate, next.BinanceSpot.HasFunding
		q.OpenInterestUSD, q.HasOpenInterest = next.BinanceSpot.OpenInterestUSD, next.BinanceSpot.HasOpenInterest
		q.FundingUpdated, q.OIUpdated = next.BinanceSpot.FundingUpdated, next.BinanceSpot.OIUpdated
		next.BinanceSpot = q
	case ev.Exchange == application.ExchangeBinance:
		q.FundingRate, q.HasFunding = next.BinanceFutures.FundingRate, next.BinanceFutures.HasFunding
		q.OpenInterestUSD, q.HasOpenInterest = next.BinanceFutures.OpenInterestUSD, next.BinanceFutures.HasOpenInterest
		q.FundingUpdated, q.OIUpdated = next.BinanceFutures.FundingUpdated, next.BinanceFutures.OIUpdated
		next.BinanceFutures = q
	case ev.Exchange == application.ExchangeBybit && ev.Market == application.MarketSpot:
		next.BybitSpot = q
	case ev.Exchange == application.ExchangeBybit:
		q.FundingRate, q.HasFunding = next.BybitFutures.FundingRate, next.BybitFutures.HasFunding
		q.OpenInterestUSD, q.HasOpenInterest = next.BybitFutures.OpenInterestUSD, next.BybitFutures.HasOpenInterest
		q.FundingUpdated, q.OIUpdated = next.BybitFutures.FundingUpdated, next.BybitFutures.OIUpdated
		if ev.FundingRate != nil {
			q.FundingRate, q.HasFunding, q.FundingUpdated = *ev.FundingRate, true, ev.Ts
		}
		if ev.OpenInterestUSD != nil {
			q.OpenInterestUSD, q.HasOpenInterest, q.OIUpdated = *ev.OpenInterestUSD, true, ev.Ts
		}
		next.BybitFutures = q
	case ev.Exchange == application.ExchangeHyperliquid:
		hl := next.Hyperliquid
		hl.Symbol = ev.Symbol
		hl.MarkPrice = ev.Price
		hl.VolumeUSD = ev.VolumeUSD
		hl.MarkUpdated = ev.Ts
		next.Hyperliquid = hl
	default:
		s.mu.Unlock()
		return
	}

	c.touch(next, ev.Ts)
	c.resolvePendingLocked(s, symbol, next, ev.Ts)
	s.tickers[symbol] = next
	s.mu.Unlock()
	c.changed(symbol)
}

// MergeFunding updates an existing entry's funding rate; readings for
// symbols never seen are dropped.
func (c *Cache) MergeFunding(ev port.FundingEvent) {
	symbol, ok := c.normalize(ev.Symbol, ev.Exchange)
	if !ok {
		return
	}
	s := c.shard(symbol)
	s.mu.Lock()
	cur, exists := s.tickers[symbol]
	if !exists {
		s.mu.Unlock()
		return
	}
	next := cur.Clone()
	switch ev.Exchange {
	case application.ExchangeBinance:
		next.BinanceFutures.FundingRate = ev.Rate
		next.BinanceFutures.HasFunding = true
		next.BinanceFutures.FundingUpdated = ev.Ts
	case application.ExchangeBybit:
		next.BybitFutures.FundingRate = ev.Rate
		next.BybitFutures.HasFunding = true
		next.BybitFutures.FundingUpdated = ev.Ts
	case application.ExchangeHyperliquid:
		next.Hyperliquid.FundingRate = ev.Rate
		next.Hyperliquid.HasFunding = true
		next.Hyperliquid.FundingUpdated = ev.Ts
	default:
		s.mu.Unlock()
		return
	}
	c.touch(next, ev.Ts)
	s.tickers[symbol] = next
	s.mu.Unlock()
	c.changed(symbol)
}

// MergeOpenInterest updates an existing entry's open interest. Base-asset
// readings without a usable conversion price are parked in the pending
// table and resolved by the next Binance price merge; USD readings apply
// directly but never create an entry.
func (c *Cache) MergeOpenInterest(ev port.OpenInterestEvent) {
	if !usable(ev.Value) {
		return
	}
	symbol, ok := c.normalize(ev.Symbol, ev.Exchange)
	if !ok {
		return
	}
	s := c.shard(symbol)
	s.mu.Lock()
	cur, exists := s.tickers[symbol]

	switch ev.Exchange {
	case application.ExchangeBinance:
		// Base-asset units; needs a Binance price.
		if exists {
			if px, ok := cur.ConversionPrice(); ok {
				next := cur.Clone()
				next.BinanceFutures.OpenInterestUSD = ev.Value * px
				next.BinanceFutures.HasOpenInterest = true
				next.BinanceFutures.OIUpdated = ev.Ts
				c.touch(next, ev.Ts)
				s.tickers[symbol] = next
				s.mu.Unlock()
				c.changed(symbol)
				return
			}
		}
		s.pending[symbol] = pendingOI{
			value:    ev.Value,
			ts:       ev.Ts,
			deadline: time.Now().Add(c.pendingTimeout),
		}
		s.mu.Unlock()
		return

	case application.ExchangeBybit:
		if !exists {
			s.mu.Unlock()
			return
		}
		next := cur.Clone()
		next.BybitFutures.OpenInterestUSD = ev.Value
		next.BybitFutures.HasOpenInterest = true
		next.BybitFutures.OIUpdated = ev.Ts
		c.touch(next, ev.Ts)
		s.tickers[symbol] = next
		s.mu.Unlock()
		c.changed(symbol)
		return

	case application.ExchangeHyperliquid:
		if !exists {
			s.mu.Unlock()
			return
		}
		next := cur.Clone()
		next.Hyperliquid.OpenInterestBase = ev.Value
		next.Hyperliquid.HasOpenInterest = true
		next.Hyperliquid.OIUpdated = ev.Ts
		c.touch(next, ev.Ts)
		s.tickers[symbol] = next
		s.mu.Unlock()
		c.changed(symbol)
		return
	}
	s.mu.Unlock()
}

func (c *Cache) MergeTrade(ev port.TradeEvent) {
	if !usable(ev.Price) {
		return
	}
	symbol := hyperliquidCanonical(ev.Symbol)
	s := c.shard(symbol)
	s.mu.Lock()
	cur, exists := s.tickers[symbol]
	if !exists {
		s.mu.Unlock()
		return
	}
	next := cur.Clone()
	next.Hyperliquid.Symbol = ev.Symbol
	next.Hyperliquid.LastTradePrice = ev.Price
	next.Hyperliquid.TradeUpdated = ev.Ts
	c.touch(next, ev.Ts)
	s.tickers[symbol] = next
	s.mu.Unlock()
	c.changed(symbol)
}

func (c *Cache) MergeMarkPrice(ev port.MarkPriceEvent) {
	if !usable(ev.Price) {
		return
	}
	symbol := hyperliquidCanonical(ev.Symbol)
	s := c.shard(symbol)
	s.mu.Lock()
	cur, exists := s.tickers[symbol]
	if !exists {
		s.mu.Unlock()
		return
	}
	next := cur.Clone()
	next.Hyperliquid.Symbol = ev.Symbol
	next.Hyperliquid.MarkPrice = ev.Price
	next.Hyperliquid.MarkUpdated = ev.Ts
	c.touch(next, ev.Ts)
	s.tickers[symbol] = next
	s.mu.Unlock()
	c.changed(symbol)
}

// MergeReferenceData attaches market cap/rank/supply to an existing entry.
func (c *Cache) MergeReferenceData(rd domain.ReferenceData) {
	s := c.shard(rd.Symbol)
	s.mu.Lock()
	cur, exists := s.tickers[rd.Symbol]
	if !exists {
		s.mu.Unlock()
		return
	}
	next := cur.Clone()
	next.Ref = rd
	c.touch(next, rd.Updated)
	s.tickers[rd.Symbol] = next
	s.mu.Unlock()
	c.changed(rd.Symbol)
}

func (c *Cache) touch(t *domain.MergedTicker, ts int64) {
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	if ts > t.LastUpdated {
		t.LastUpdated = ts
	}
}

// resolvePendingLocked converts a parked base-asset OI reading once a
// conversion price exists. Caller holds the shard lock.
func (c *Cache) resolvePendingLocked(s *cacheShard, symbol string, next *domain.MergedTicker, ts int64) {
	p, ok := s.pending[symbol]
	if !ok {
		return
	}
	px, ok := next.ConversionPrice()
	if !ok {
		return
	}
	next.BinanceFutures.OpenInterestUSD = p.value * px
	next.BinanceFutures.HasOpenInterest = true
	next.BinanceFutures.OIUpdated = p.ts
	delete(s.pending, symbol)
}

// SweepPending drops pending readings past their deadline.
func (c *Cache) SweepPending(now time.Time) {
	dropped := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for sym, p := range s.pending {
			if now.After(p.deadline) {
				delete(s.pending, sym)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("expired pending open interest")
	}
}

// PendingCount is a test/ops hook.
func (c *Cache) PendingCount() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

// Get returns the merged ticker once it has a derivable price; entries
// without one are not ready to serve.
func (c *Cache) Get(symbol string) (*domain.MergedTicker, bool) {
	s := c.shard(symbol)
	s.mu.Lock()
	t, ok := s.tickers[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if _, ready := t.LastPrice(); !ready {
		return nil, false
	}
	return t, true
}

// Peek returns the entry whether or not it is ready; the mirror persists
// partially merged state too.
func (c *Cache) Peek(symbol string) (*domain.MergedTicker, bool) {
	s := c.shard(symbol)
	s.mu.Lock()
	t, ok := s.tickers[symbol]
	s.mu.Unlock()
	return t, ok
}

// Snapshot returns every ready ticker. The pointers are safe to share
// because stored values are never mutated in place.
func (c *Cache) Snapshot() []*domain.MergedTicker {
	out := make([]*domain.MergedTicker, 0, 512)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for _, t := range s.tickers {
			if _, ready := t.LastPrice(); ready {
				out = append(out, t)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// WarmLoad seeds the cache from the mirror. Records older than maxAge or
// without a derivable price are discarded rather than trusted.
func (c *Cache) WarmLoad(tickers []*domain.MergedTicker, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	loaded := 0
	for _, t := range tickers {
		if t == nil || t.Symbol == "" || t.LastUpdated < cutoff {
			continue
		}
		if _, ok := t.LastPrice(); !ok {
			continue
		}
		s := c.shard(t.Symbol)
		s.mu.Lock()
		if _, exists := s.tickers[t.Symbol]; !exists {
			s.tickers[t.Symbol] = t
			loaded++
		}
		s.mu.Unlock()
	}
	log.Info().Int("loaded", loaded).Int("offered", len(tickers)).Msg("cache warm start")
	return loaded
}
